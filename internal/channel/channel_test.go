package channel_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/playnet/internal/channel"
	"github.com/cory-johannsen/playnet/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	fail   error
}

func (r *recorder) WriteFrame(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recorder) envelopes(t testing.TB, codec protocol.Codec) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(r.frames))
	for _, f := range r.frames {
		var env protocol.Envelope
		require.NoError(t, codec.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

type sizes struct {
	mu    sync.Mutex
	bytes map[protocol.Direction]int
}

func (s *sizes) Observe(dir protocol.Direction, _ protocol.Scope, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bytes == nil {
		s.bytes = make(map[protocol.Direction]int)
	}
	s.bytes[dir] += size
}

func encode(t testing.TB, codec protocol.Codec, env protocol.Envelope) []byte {
	raw, err := codec.Marshal(&env)
	require.NoError(t, err)
	return raw
}

func newChannel(t testing.TB, codec protocol.Codec) (*channel.Channel, *recorder) {
	rec := &recorder{}
	return channel.New(rec, codec, zaptest.NewLogger(t)), rec
}

func TestChannel_SendOmitsID(t *testing.T) {
	codec := protocol.JSONCodec{}
	ch, rec := newChannel(t, codec)

	require.NoError(t, ch.Send(protocol.RoomScope(3), "chat", "hi"))

	envs := rec.envelopes(t, codec)
	require.Len(t, envs, 1)
	assert.Equal(t, "chat", envs[0].Name)
	assert.Equal(t, protocol.RoomScope(3), envs[0].Scope)
	assert.Equal(t, "hi", envs[0].Data)
	assert.Zero(t, envs[0].ID)
}

func TestChannel_CallIDsStartAtOneAndIncrease(t *testing.T) {
	ch, _ := newChannel(t, protocol.JSONCodec{})
	for want := uint64(1); want <= 5; want++ {
		id, err := ch.Call(protocol.UserScope(), "room:join", want, func(any, error) {})
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	assert.Equal(t, 5, ch.Pending())
}

func TestChannel_ResponseFiresHandlerOnce(t *testing.T) {
	codec := protocol.JSONCodec{}
	ch, _ := newChannel(t, codec)

	var calls int
	var got any
	id, err := ch.Call(protocol.UserScope(), "room:create", "L1", func(data any, err error) {
		calls++
		got = data
		assert.NoError(t, err)
	})
	require.NoError(t, err)

	resp := encode(t, codec, protocol.Envelope{Scope: protocol.UserScope(), ID: id, Data: map[string]any{"success": true}})
	ch.HandleInbound(resp, nil)
	ch.HandleInbound(resp, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, map[string]any{"success": true}, got)
	assert.Zero(t, ch.Pending())
}

func TestChannel_ErrorResponseCarriesRemoteError(t *testing.T) {
	codec := protocol.JSONCodec{}
	ch, _ := newChannel(t, codec)

	var gotErr error
	id, err := ch.Call(protocol.UserScope(), "room:join", 9, func(_ any, err error) { gotErr = err })
	require.NoError(t, err)

	ch.HandleInbound(encode(t, codec, protocol.Envelope{
		Scope: protocol.UserScope(),
		ID:    id,
		Data:  protocol.Result{Success: false, Err: "room not found"},
	}), func(*protocol.Message) { t.Fatal("error response must not be dispatched") })

	var remote *channel.RemoteError
	require.True(t, errors.As(gotErr, &remote))
	assert.Equal(t, "room not found", remote.Message)
	assert.Zero(t, ch.Pending())
}

func TestChannel_ErrorEventIsNotDispatched(t *testing.T) {
	codec := protocol.JSONCodec{}
	ch, _ := newChannel(t, codec)
	ch.HandleInbound(encode(t, codec, protocol.Envelope{
		Name:  "chat",
		Scope: protocol.UserScope(),
		Data:  protocol.ErrorData{Err: "boom"},
	}), func(*protocol.Message) { t.Fatal("dispatched") })
}

func TestChannel_UnknownResponseIDIsDropped(t *testing.T) {
	codec := protocol.JSONCodec{}
	ch, _ := newChannel(t, codec)
	ch.HandleInbound(encode(t, codec, protocol.Envelope{Scope: protocol.UserScope(), ID: 42, Data: true}),
		func(*protocol.Message) { t.Fatal("dispatched") })
	assert.Zero(t, ch.Pending())
}

func TestChannel_MalformedFramesAreDropped(t *testing.T) {
	ch, _ := newChannel(t, protocol.JSONCodec{})
	for _, raw := range []string{
		`not json`,
		`{"name":"x","scope":{"type":"galaxy"}}`,
		`{"name":"x","scope":{"type":"room"}}`,
		`{"scope":{"type":"user"}}`,
	} {
		ch.HandleInbound([]byte(raw), func(*protocol.Message) { t.Fatalf("dispatched %s", raw) })
	}
}

func TestChannel_RequestReplyEchoesIDAndScope(t *testing.T) {
	codec := protocol.JSONCodec{}
	ch, rec := newChannel(t, codec)

	var msg *protocol.Message
	ch.HandleInbound(encode(t, codec, protocol.Envelope{
		Name:  "room:join",
		Scope: protocol.UserScope(),
		Data:  1,
		ID:    7,
	}), func(m *protocol.Message) { msg = m })

	require.NotNil(t, msg)
	assert.Equal(t, protocol.KindRoomJoin, msg.Kind)
	require.True(t, msg.IsCall())
	require.NoError(t, msg.Reply(protocol.Result{Success: true}))
	assert.ErrorIs(t, msg.Reply(protocol.Result{Success: true}), protocol.ErrAlreadyReplied)

	envs := rec.envelopes(t, codec)
	require.Len(t, envs, 1)
	assert.True(t, envs[0].IsResponse())
	assert.Equal(t, uint64(7), envs[0].ID)
	assert.Equal(t, protocol.UserScope(), envs[0].Scope)
}

func TestChannel_EventHasNoReply(t *testing.T) {
	codec := protocol.JSONCodec{}
	ch, _ := newChannel(t, codec)

	var msg *protocol.Message
	ch.HandleInbound(encode(t, codec, protocol.Envelope{Name: "_pong", Scope: protocol.PlayerScope(2)}),
		func(m *protocol.Message) { msg = m })

	require.NotNil(t, msg)
	assert.False(t, msg.IsCall())
	assert.ErrorIs(t, msg.Reply(nil), protocol.ErrNotCall)
}

func TestChannel_CloseAbandonsPendingCalls(t *testing.T) {
	codec := protocol.JSONCodec{}
	ch, _ := newChannel(t, codec)

	id, err := ch.Call(protocol.UserScope(), "room:create", "L1", func(any, error) {
		t.Fatal("abandoned handler fired")
	})
	require.NoError(t, err)

	ch.Close()
	ch.Close()
	assert.Zero(t, ch.Pending())

	ch.HandleInbound(encode(t, codec, protocol.Envelope{Scope: protocol.UserScope(), ID: id, Data: true}), nil)

	_, err = ch.Call(protocol.UserScope(), "room:create", "L1", func(any, error) {})
	assert.ErrorIs(t, err, channel.ErrClosed)
	assert.ErrorIs(t, ch.Send(protocol.UserScope(), "x", nil), channel.ErrClosed)
}

func TestChannel_FailedWriteLeavesNoPendingEntry(t *testing.T) {
	ch, rec := newChannel(t, protocol.JSONCodec{})
	rec.fail = errors.New("outbox full")

	_, err := ch.Call(protocol.UserScope(), "room:create", "L1", func(any, error) {
		t.Fatal("handler fired for unsent call")
	})
	require.Error(t, err)
	assert.Zero(t, ch.Pending())
}

func TestChannel_ObserverSeesBothDirections(t *testing.T) {
	codec := protocol.JSONCodec{}
	obs := &sizes{}
	rec := &recorder{}
	ch := channel.New(rec, codec, zaptest.NewLogger(t), channel.WithObserver(obs))

	require.NoError(t, ch.Send(protocol.UserScope(), "hello", "world"))
	raw := encode(t, codec, protocol.Envelope{Name: "hello", Scope: protocol.UserScope(), Data: "back"})
	ch.HandleInbound(raw, func(*protocol.Message) {})

	assert.Equal(t, len(rec.frames[0]), obs.bytes[protocol.Out])
	assert.Equal(t, len(raw), obs.bytes[protocol.In])
}

func TestChannel_MsgpackResponseRoundTrip(t *testing.T) {
	codec := protocol.MsgpackCodec{}
	server, serverOut := newChannel(t, codec)
	client, clientOut := newChannel(t, codec)

	var result protocol.Result
	_, err := client.Call(protocol.UserScope(), protocol.NameRoomCreate, "L1", func(data any, err error) {
		require.NoError(t, err)
		require.NoError(t, protocol.DecodeData(data, &result))
	})
	require.NoError(t, err)

	server.HandleInbound(clientOut.frames[0], func(m *protocol.Message) {
		var level string
		require.NoError(t, m.Decode(&level))
		assert.Equal(t, "L1", level)
		require.NoError(t, m.Reply(protocol.Result{Success: true, RoomID: 1, PlayerID: 4}))
	})
	client.HandleInbound(serverOut.frames[0], nil)

	assert.Equal(t, protocol.Result{Success: true, RoomID: 1, PlayerID: 4}, result)
}

// Property: concurrently issued calls answered in any order each reach the
// handler registered under their id exactly once.
func TestProperty_ResponsesCorrelateToTheirCall(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		codec := protocol.JSONCodec{}
		rec := &recorder{}
		ch := channel.New(rec, codec, zaptest.NewLogger(t))
		n := rapid.IntRange(1, 40).Draw(rt, "calls")

		var mu sync.Mutex
		hits := make(map[string]int)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				want := fmt.Sprintf("req-%d", i)
				_, err := ch.Call(protocol.UserScope(), "echo", want, func(data any, err error) {
					mu.Lock()
					defer mu.Unlock()
					if err != nil || data != want {
						rt.Errorf("call %s got %v (err %v)", want, data, err)
					}
					hits[want]++
				})
				if err != nil {
					rt.Errorf("call %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		requests := rec.envelopes(t, codec)
		order := rapid.Permutation(requests).Draw(rt, "order")
		for _, req := range order {
			ch.HandleInbound(encode(t, codec, protocol.Envelope{Scope: req.Scope, ID: req.ID, Data: req.Data}), nil)
		}

		if ch.Pending() != 0 {
			rt.Fatalf("pending table retains %d entries", ch.Pending())
		}
		if len(hits) != n {
			rt.Fatalf("expected %d distinct handlers, got %d", n, len(hits))
		}
		for k, v := range hits {
			if v != 1 {
				rt.Fatalf("handler %s fired %d times", k, v)
			}
		}
	})
}
