package protocol

// Reserved message names.
const (
	NameSelf           = "self"
	NamePing           = "_ping"
	NamePong           = "_pong"
	NameEntitiesCreate = "entities:create"
	NameEntitiesDelete = "entities:delete"
	NameEntitiesUpdate = "entities:update"
	NameRoomCreate     = "room:create"
	NameRoomJoin       = "room:join"
	NameRoomLeave      = "room:leave"
	NameLevelSave      = "level:save"
)

// Kind is the decoded form of a message name. Every application-defined
// name decodes to KindApplication and keeps its string name.
type Kind int

const (
	KindApplication Kind = iota
	KindResponse
	KindSelf
	KindPing
	KindPong
	KindEntitiesCreate
	KindEntitiesDelete
	KindEntitiesUpdate
	KindRoomCreate
	KindRoomJoin
	KindRoomLeave
	KindLevelSave
)

var kindsByName = map[string]Kind{
	NameSelf:           KindSelf,
	NamePing:           KindPing,
	NamePong:           KindPong,
	NameEntitiesCreate: KindEntitiesCreate,
	NameEntitiesDelete: KindEntitiesDelete,
	NameEntitiesUpdate: KindEntitiesUpdate,
	NameRoomCreate:     KindRoomCreate,
	NameRoomJoin:       KindRoomJoin,
	NameRoomLeave:      KindRoomLeave,
	NameLevelSave:      KindLevelSave,
}

// KindOf maps a wire name to its Kind.
func KindOf(name string) Kind {
	if name == "" {
		return KindResponse
	}
	if k, ok := kindsByName[name]; ok {
		return k
	}
	return KindApplication
}

// Reserved reports whether k is handled by the networking core rather than
// application listeners.
func (k Kind) Reserved() bool {
	return k != KindApplication
}
