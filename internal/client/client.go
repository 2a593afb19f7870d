// Package client is the client-side mirror of a gateway session: it speaks
// the same envelope and RPC correlation and keeps local proxies for the
// rooms, players and entities the connection can address.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/channel"
	"github.com/cory-johannsen/playnet/internal/event"
	"github.com/cory-johannsen/playnet/internal/level"
	"github.com/cory-johannsen/playnet/internal/protocol"
	"github.com/cory-johannsen/playnet/internal/telemetry"
)

// ErrNoSelf is returned by Dial when the connection closes before the
// gateway introduced the user.
var ErrNoSelf = errors.New("connection closed before self")

// Options configure Dial.
type Options struct {
	// Codec names the envelope encoding; empty means json.
	Codec        string
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Client is one connection to a gateway.
type Client struct {
	ws     *websocket.Conn
	ch     *channel.Channel
	codec  protocol.Codec
	opts   Options
	logger *zap.Logger

	writeMu sync.Mutex
	userID  string
	self    chan struct{}
	done    chan struct{}
	closed  atomic.Bool

	mu        sync.RWMutex
	templates map[string]level.Template
	rooms     map[uint64]*Room
	players   map[uint64]*Player
	entities  map[uint64]*Entity

	latency      atomic.Int64
	bandwidthIn  atomic.Int64
	bandwidthOut atomic.Int64

	// Messages fires for application messages on the user scope.
	Messages event.Emitter[*protocol.Message]
	// Events fires for every dispatched message after its owner saw it.
	Events event.Emitter[*protocol.Message]
	// Disconnected fires once when the connection ends, with the read
	// error, or nil after Close. Listeners must not call Close.
	Disconnected event.Emitter[error]
}

// Dial connects to url and waits for the self introduction.
//
// Postcondition: On success UserID is set and the read loop is running.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	codec, err := protocol.CodecByName(opts.Codec)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if codec.Name() != "json" {
		url += "?codec=" + codec.Name()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &Client{
		ws:       ws,
		codec:    codec,
		opts:     opts,
		logger:   opts.Logger,
		self:     make(chan struct{}),
		done:     make(chan struct{}),
		rooms:    make(map[uint64]*Room),
		players:  make(map[uint64]*Player),
		entities: make(map[uint64]*Entity),
	}
	c.ch = channel.New(channel.TransportFunc(c.writeFrame), codec, c.logger)
	go c.readLoop()

	select {
	case <-c.self:
		return c, nil
	case <-c.done:
		return nil, ErrNoSelf
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (c *Client) writeFrame(frame []byte) error {
	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(msgType, frame)
}

func (c *Client) readLoop() {
	var cause error
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed.Load() {
				cause = err
			}
			break
		}
		c.ch.HandleInbound(frame, c.dispatch)
	}
	c.ch.Close()
	c.latency.Store(0)
	c.bandwidthIn.Store(0)
	c.bandwidthOut.Store(0)
	c.Disconnected.Fire(cause)
	close(c.done)
}

// dispatch resolves the scope of m to a local proxy. Messages for unknown
// proxies still reach Events.
func (c *Client) dispatch(m *protocol.Message) {
	switch m.Scope.Type {
	case protocol.ScopeUser:
		if m.Kind == protocol.KindSelf {
			c.onSelf(m)
		} else {
			c.Messages.Fire(m)
		}
	case protocol.ScopeRoom:
		if r, ok := c.Room(m.Scope.ID); ok {
			r.deliver(m)
		}
	case protocol.ScopePlayer:
		if p, ok := c.Player(m.Scope.ID); ok {
			p.Messages.Fire(m)
		}
	case protocol.ScopeNetworkEntity:
		if e, ok := c.Entity(m.Scope.ID); ok {
			e.Messages.Fire(m)
		}
	}

	if m.Kind == protocol.KindPing {
		c.onPing(m)
		return
	}
	c.Events.Fire(m)
}

func (c *Client) onSelf(m *protocol.Message) {
	var self struct {
		UserID    string                    `json:"userId"`
		Templates map[string]level.Template `json:"templates"`
	}
	if err := m.Decode(&self); err != nil {
		c.logger.Warn("malformed self", zap.Error(err))
		return
	}
	c.mu.Lock()
	first := c.userID == ""
	c.userID = self.UserID
	c.templates = self.Templates
	c.mu.Unlock()
	if first {
		close(c.self)
	}
}

// onPing records the server's telemetry and answers on the same scope.
func (c *Client) onPing(m *protocol.Message) {
	var ping telemetry.PingData
	if err := m.Decode(&ping); err != nil {
		c.logger.Warn("malformed ping", zap.Error(err))
		return
	}
	c.latency.Store(ping.Latency)
	c.bandwidthIn.Store(ping.In)
	c.bandwidthOut.Store(ping.Out)
	if err := c.ch.Send(m.Scope, protocol.NamePong, telemetry.PongData{ID: ping.ID}); err != nil {
		c.logger.Debug("pong not sent", zap.Error(err))
	}
}

// UserID returns the id the gateway assigned this connection.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Templates returns the entity catalog received in self.
func (c *Client) Templates() map[string]level.Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.templates
}

// Latency returns the round trip last reported by the server.
func (c *Client) Latency() time.Duration {
	return time.Duration(c.latency.Load()) * time.Millisecond
}

// BandwidthIn returns the server's inbound byte rate for this connection.
func (c *Client) BandwidthIn() int64 { return c.bandwidthIn.Load() }

// BandwidthOut returns the server's outbound byte rate for this connection.
func (c *Client) BandwidthOut() int64 { return c.bandwidthOut.Load() }

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send emits a user-scoped event.
func (c *Client) Send(name string, data any) error {
	return c.ch.Send(protocol.UserScope(), name, data)
}

// Call issues a user-scoped request and waits for its response.
func (c *Client) Call(ctx context.Context, name string, data any) (any, error) {
	return c.call(ctx, protocol.UserScope(), name, data)
}

func (c *Client) call(ctx context.Context, scope protocol.Scope, name string, data any) (any, error) {
	type result struct {
		data any
		err  error
	}
	done := make(chan result, 1)
	if _, err := c.ch.Call(scope, name, data, func(d any, err error) {
		done <- result{d, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.data, r.err
	case <-c.done:
		return nil, channel.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// control issues a room control call. onSuccess runs on the read loop
// before any later frame is dispatched, so proxies exist before the
// messages addressed to them arrive.
func (c *Client) control(ctx context.Context, name string, data any, onSuccess func(protocol.Result)) error {
	done := make(chan error, 1)
	_, err := c.ch.Call(protocol.UserScope(), name, data, func(d any, err error) {
		var res protocol.Result
		if err == nil {
			err = protocol.DecodeData(d, &res)
		}
		if err == nil && !res.Success {
			err = errors.New("rejected")
		}
		if err == nil && onSuccess != nil {
			onSuccess(res)
		}
		done <- err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	select {
	case err = <-done:
	case <-c.done:
		err = channel.ErrClosed
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// CreateRoom asks the gateway for a new room running levelID and joins it.
func (c *Client) CreateRoom(ctx context.Context, levelID string) (*Room, error) {
	var r *Room
	if err := c.control(ctx, protocol.NameRoomCreate, levelID, func(res protocol.Result) {
		r = c.bind(res)
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// JoinRoom joins room id.
func (c *Client) JoinRoom(ctx context.Context, id uint64) (*Room, error) {
	var r *Room
	if err := c.control(ctx, protocol.NameRoomJoin, id, func(res protocol.Result) {
		r = c.bind(res)
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// LeaveRoom leaves room id and drops its proxies.
func (c *Client) LeaveRoom(ctx context.Context, id uint64) error {
	return c.control(ctx, protocol.NameRoomLeave, id, func(protocol.Result) {
		c.unbind(id)
	})
}

// SaveLevel stores doc through the gateway's level store.
func (c *Client) SaveLevel(ctx context.Context, doc *level.Document) error {
	return c.control(ctx, protocol.NameLevelSave, doc, nil)
}

func (c *Client) bind(res protocol.Result) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[res.RoomID]
	if !ok {
		r = newRoom(c, res.RoomID)
		c.rooms[res.RoomID] = r
	}
	if res.PlayerID != 0 {
		p := &Player{id: res.PlayerID, room: r, client: c}
		c.players[p.id] = p
		r.player = p
	}
	return r
}

func (c *Client) unbind(id uint64) {
	c.mu.Lock()
	r, ok := c.rooms[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.rooms, id)
	if r.player != nil {
		delete(c.players, r.player.id)
	}
	for eid, e := range c.entities {
		if e.room == r {
			delete(c.entities, eid)
		}
	}
	c.mu.Unlock()
	r.Messages.Clear()
}

// Room returns the joined room with id.
func (c *Client) Room(id uint64) (*Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[id]
	return r, ok
}

// Player returns the local player with id.
func (c *Client) Player(id uint64) (*Player, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.players[id]
	return p, ok
}

// Entity returns the mirrored entity with id.
func (c *Client) Entity(id uint64) (*Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[id]
	return e, ok
}

// Close closes the connection. Pending calls are abandoned.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}
