package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/go-viper/mapstructure/v2"
)

// ErrNotCall is returned by Reply on a fire-and-forget message.
var ErrNotCall = errors.New("message is not a call")

// ErrAlreadyReplied is returned by a second Reply on the same call.
var ErrAlreadyReplied = errors.New("call already answered")

// ReplyFunc sends the response envelope for a call.
type ReplyFunc func(data any) error

// Message is a decoded inbound envelope on its way to a scope owner.
type Message struct {
	Name   string
	Kind   Kind
	Scope  Scope
	Data   any
	CallID uint64

	reply   ReplyFunc
	replied atomic.Bool
}

// NewMessage builds a Message from a decoded envelope. reply may be nil for
// events.
func NewMessage(e *Envelope, reply ReplyFunc) *Message {
	m := &Message{
		Name:   e.Name,
		Kind:   KindOf(e.Name),
		Scope:  e.Scope,
		Data:   e.Data,
		CallID: e.ID,
	}
	if e.ID != 0 {
		m.reply = reply
	}
	return m
}

// IsCall reports whether the sender expects exactly one response.
func (m *Message) IsCall() bool {
	return m.reply != nil
}

// Reply answers a call. Only the first reply is sent.
//
// Postcondition: Returns ErrNotCall for events and ErrAlreadyReplied on repeats.
func (m *Message) Reply(data any) error {
	if m.reply == nil {
		return ErrNotCall
	}
	if !m.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	return m.reply(data)
}

// Fail answers a call with an error payload.
func (m *Message) Fail(err error) error {
	return m.Reply(ErrorData{Err: err.Error()})
}

// Decode converts the loosely typed payload into target, accepting the
// numeric representations produced by either codec.
func (m *Message) Decode(target any) error {
	return DecodeData(m.Data, target)
}

// DecodeData converts a decoded payload into target.
func DecodeData(data any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("building payload decoder: %w", err)
	}
	if err := dec.Decode(data); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

// ErrorData is the payload of a failed response. The presence of Err, not a
// separate flag, signals failure.
type ErrorData struct {
	Err string `json:"err"`
}

// ErrorOf extracts the err field from a decoded payload.
func ErrorOf(data any) (string, bool) {
	switch d := data.(type) {
	case map[string]any:
		return errField(d["err"])
	case map[any]any:
		return errField(d["err"])
	case ErrorData:
		return d.Err, true
	case *ErrorData:
		if d == nil {
			return "", false
		}
		return d.Err, true
	case Result:
		return d.Err, d.Err != ""
	}
	return "", false
}

func errField(v any) (string, bool) {
	switch e := v.(type) {
	case nil:
		return "", false
	case string:
		return e, true
	default:
		return fmt.Sprint(e), true
	}
}

// Result is the response payload of the room control calls.
type Result struct {
	Success  bool   `json:"success"`
	Err      string `json:"err,omitempty"`
	RoomID   uint64 `json:"roomId,omitempty"`
	PlayerID uint64 `json:"playerId,omitempty"`
}

// Failure builds an unsuccessful Result carrying err.
func Failure(err error) Result {
	return Result{Success: false, Err: err.Error()}
}

// ParseID reads an entity id from a map key, which arrives as a string in
// JSON objects and as an integer from msgpack.
func ParseID(key any) (uint64, error) {
	switch k := key.(type) {
	case string:
		return strconv.ParseUint(k, 10, 64)
	case uint64:
		return k, nil
	default:
		var id uint64
		if err := DecodeData(k, &id); err != nil {
			return 0, err
		}
		return id, nil
	}
}
