// Package protocol defines the wire envelope shared by the gateway and the
// client mirror: message names, scopes, RPC ids and codecs.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ScopeType is the closed set of addressable receiver kinds.
type ScopeType string

const (
	ScopeUser          ScopeType = "user"
	ScopeRoom          ScopeType = "room"
	ScopePlayer        ScopeType = "player"
	ScopeNetworkEntity ScopeType = "networkEntity"
)

// Valid reports whether t is one of the four scope types.
func (t ScopeType) Valid() bool {
	switch t {
	case ScopeUser, ScopeRoom, ScopePlayer, ScopeNetworkEntity:
		return true
	}
	return false
}

// Scope addresses an envelope. ID is zero for the user scope; every other
// scope id is server-assigned and starts at 1.
type Scope struct {
	Type ScopeType `json:"type" msgpack:"type"`
	ID   uint64    `json:"id,omitempty" msgpack:"id,omitempty"`
}

// UserScope addresses the connection owner.
func UserScope() Scope { return Scope{Type: ScopeUser} }

// RoomScope addresses room id.
func RoomScope(id uint64) Scope { return Scope{Type: ScopeRoom, ID: id} }

// PlayerScope addresses player id.
func PlayerScope(id uint64) Scope { return Scope{Type: ScopePlayer, ID: id} }

// EntityScope addresses network entity id.
func EntityScope(id uint64) Scope { return Scope{Type: ScopeNetworkEntity, ID: id} }

// UnmarshalJSON accepts the id as a number, a decimal string or null.
func (s *Scope) UnmarshalJSON(raw []byte) error {
	var w struct {
		Type ScopeType       `json:"type"`
		ID   json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	s.Type, s.ID = w.Type, 0
	id := bytes.TrimSpace(w.ID)
	switch {
	case len(id) == 0 || bytes.Equal(id, []byte("null")):
		return nil
	case id[0] == '"':
		var str string
		if err := json.Unmarshal(id, &str); err != nil {
			return err
		}
		return s.setID(str)
	default:
		if err := json.Unmarshal(id, &s.ID); err != nil {
			return fmt.Errorf("scope id %s: %w", id, err)
		}
		return nil
	}
}

// DecodeMsgpack mirrors UnmarshalJSON for binary frames.
func (s *Scope) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	s.Type, s.ID = "", 0
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "type":
			t, err := dec.DecodeString()
			if err != nil {
				return err
			}
			s.Type = ScopeType(t)
		case "id":
			v, err := dec.DecodeInterface()
			if err != nil {
				return err
			}
			if err := s.setID(v); err != nil {
				return err
			}
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scope) setID(v any) error {
	if v == nil || v == "" {
		s.ID = 0
		return nil
	}
	id, err := ParseID(v)
	if err != nil {
		return fmt.Errorf("scope id %v: %w", v, err)
	}
	s.ID = id
	return nil
}

func (s Scope) String() string {
	if s.Type == ScopeUser {
		return string(s.Type)
	}
	return fmt.Sprintf("%s:%d", s.Type, s.ID)
}

// Envelope is one framed message. ID is non-zero for RPC requests and their
// responses; a response is an envelope with an ID and an empty Name.
type Envelope struct {
	Name  string `json:"name,omitempty" msgpack:"name,omitempty"`
	Scope Scope  `json:"scope" msgpack:"scope"`
	Data  any    `json:"data" msgpack:"data"`
	ID    uint64 `json:"id,omitempty" msgpack:"id,omitempty"`
}

// IsResponse reports whether e answers an earlier call.
func (e *Envelope) IsResponse() bool {
	return e.ID != 0 && e.Name == ""
}

// Validate checks the structural invariants of a decoded envelope.
func (e *Envelope) Validate() error {
	if !e.Scope.Type.Valid() {
		return fmt.Errorf("unknown scope type %q", e.Scope.Type)
	}
	if e.Scope.Type != ScopeUser && e.Scope.ID == 0 {
		return fmt.Errorf("scope %q requires an id", e.Scope.Type)
	}
	if e.Name == "" && e.ID == 0 {
		return fmt.Errorf("envelope has neither name nor id")
	}
	return nil
}
