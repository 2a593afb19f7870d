// Package channel multiplexes scoped events and RPC calls over one framed
// duplex connection.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/protocol"
)

// ErrClosed is returned by every send operation after Close.
var ErrClosed = errors.New("channel closed")

// Transport writes one encoded frame to the peer. Implementations must not
// block on a slow peer.
type Transport interface {
	WriteFrame(frame []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(frame []byte) error

func (f TransportFunc) WriteFrame(frame []byte) error { return f(frame) }

// BandwidthObserver receives the encoded size of every frame that crosses
// the channel.
type BandwidthObserver interface {
	Observe(dir protocol.Direction, scope protocol.Scope, size int)
}

// ResponseHandler receives the outcome of a Call exactly once. err is a
// *RemoteError when the peer answered with an err field.
type ResponseHandler func(data any, err error)

// DispatchFunc receives every inbound event and request that is not a
// response.
type DispatchFunc func(m *protocol.Message)

// RemoteError is the failure reported by the peer in a response.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Channel encodes envelopes, allocates RPC ids and correlates responses.
type Channel struct {
	transport Transport
	codec     protocol.Codec
	logger    *zap.Logger
	observer  BandwidthObserver

	lastID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]ResponseHandler
	closed  bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithObserver reports frame sizes to obs.
func WithObserver(obs BandwidthObserver) Option {
	return func(c *Channel) { c.observer = obs }
}

// New creates a Channel writing through t.
//
// Precondition: t, codec and logger must be non-nil.
// Postcondition: Returns an open Channel with an empty pending table.
func New(t Transport, codec protocol.Codec, logger *zap.Logger, opts ...Option) *Channel {
	c := &Channel{
		transport: t,
		codec:     codec,
		logger:    logger,
		pending:   make(map[uint64]ResponseHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Codec returns the codec frames are encoded with.
func (c *Channel) Codec() protocol.Codec {
	return c.codec
}

// Send emits a fire-and-forget event.
//
// Postcondition: Returns ErrClosed after Close, or the transport's error.
func (c *Channel) Send(scope protocol.Scope, name string, data any) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.write(&protocol.Envelope{Name: name, Scope: scope, Data: data})
}

// Call emits a request and registers fn for its response. The returned id
// is unique among this channel's calls for its whole lifetime.
//
// Precondition: fn must be non-nil.
// Postcondition: On error fn is never invoked and no table entry remains.
func (c *Channel) Call(scope protocol.Scope, name string, data any, fn ResponseHandler) (uint64, error) {
	id := c.lastID.Add(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.pending[id] = fn
	c.mu.Unlock()

	if err := c.write(&protocol.Envelope{Name: name, Scope: scope, Data: data, ID: id}); err != nil {
		c.take(id)
		return 0, err
	}
	return id, nil
}

// Respond answers the request id received on scope.
func (c *Channel) Respond(scope protocol.Scope, id uint64, data any) error {
	if id == 0 {
		return fmt.Errorf("responding to %s: %w", scope, protocol.ErrNotCall)
	}
	if c.isClosed() {
		return ErrClosed
	}
	return c.write(&protocol.Envelope{Scope: scope, Data: data, ID: id})
}

// HandleInbound decodes one frame and either completes a pending call or
// hands the message to dispatch. Malformed frames and unknown response ids
// are logged and dropped.
func (c *Channel) HandleInbound(raw []byte, dispatch DispatchFunc) {
	var env protocol.Envelope
	if err := c.codec.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("dropping malformed frame", zap.Int("size", len(raw)), zap.Error(err))
		return
	}
	if err := env.Validate(); err != nil {
		c.logger.Warn("dropping invalid envelope", zap.String("name", env.Name), zap.Error(err))
		return
	}
	if c.observer != nil {
		c.observer.Observe(protocol.In, env.Scope, len(raw))
	}

	if msg, failed := protocol.ErrorOf(env.Data); failed {
		c.logger.Warn("peer reported error",
			zap.String("name", env.Name),
			zap.Stringer("scope", env.Scope),
			zap.Uint64("call_id", env.ID),
			zap.String("err", msg),
		)
		if env.IsResponse() {
			c.complete(env.ID, env.Data, &RemoteError{Message: msg})
		}
		return
	}

	if env.IsResponse() {
		c.complete(env.ID, env.Data, nil)
		return
	}

	if dispatch == nil {
		return
	}
	scope := env.Scope
	dispatch(protocol.NewMessage(&env, func(data any) error {
		return c.Respond(scope, env.ID, data)
	}))
}

// Pending returns the number of calls awaiting a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close drops every pending call without invoking it. Close is idempotent.
//
// Postcondition: Pending() == 0 and every later send returns ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if n := len(c.pending); n > 0 {
		c.logger.Debug("abandoning pending calls", zap.Int("count", n))
	}
	clear(c.pending)
}

func (c *Channel) complete(id uint64, data any, err error) {
	fn, ok := c.take(id)
	if !ok {
		c.logger.Warn("response for unknown call id", zap.Uint64("call_id", id))
		return
	}
	fn(data, err)
}

func (c *Channel) take(id uint64) (ResponseHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return fn, ok
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) write(env *protocol.Envelope) error {
	frame, err := c.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", env.Name, err)
	}
	if c.observer != nil {
		c.observer.Observe(protocol.Out, env.Scope, len(frame))
	}
	if err := c.transport.WriteFrame(frame); err != nil {
		return fmt.Errorf("writing %q to %s: %w", env.Name, env.Scope, err)
	}
	return nil
}
