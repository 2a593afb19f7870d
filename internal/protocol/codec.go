package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns envelopes into frames and back.
type Codec interface {
	Name() string
	// Binary reports whether frames must travel as binary websocket messages.
	Binary() bool
	Marshal(e *Envelope) ([]byte, error)
	Unmarshal(raw []byte, e *Envelope) error
}

// CodecByName returns the codec registered under name.
//
// Postcondition: Returns a non-nil Codec, or an error for unknown names.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "json", "":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec encodes one envelope per text frame.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (JSONCodec) Unmarshal(raw []byte, e *Envelope) error {
	return json.Unmarshal(raw, e)
}

// MsgpackCodec encodes one envelope per binary frame. Struct payloads are
// encoded with their json tags so both codecs produce the same field names.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }
func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Marshal(e *Envelope) ([]byte, error) {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(raw []byte, e *Envelope) error {
	return msgpack.Unmarshal(raw, e)
}
