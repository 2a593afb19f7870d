// Package ws serves the gateway over websockets.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/playnet/internal/session"
)

// Conn pairs a websocket with the outbox its writer goroutine drains.
// Reads happen on the caller's goroutine; writes only on WritePump.
type Conn struct {
	ws  *websocket.Conn
	out *session.Outbox

	msgType      int
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu    sync.Mutex
	cause error
	once  sync.Once
}

// NewConn wraps ws. Frames are sent as binary messages when binary is set,
// as text otherwise.
//
// Precondition: ws must be an open websocket; out must be non-nil.
// Postcondition: The read deadline is armed and renewed by every pong.
func NewConn(ws *websocket.Conn, out *session.Outbox, binary bool, readTimeout, writeTimeout time.Duration, maxMessage int64) *Conn {
	c := &Conn{
		ws:           ws,
		out:          out,
		msgType:      websocket.TextMessage,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
	if binary {
		c.msgType = websocket.BinaryMessage
	}
	if maxMessage > 0 {
		ws.SetReadLimit(maxMessage)
	}
	if readTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}
	return c
}

// WriteFrame queues frame for the writer. A full or closed outbox fails the
// connection.
func (c *Conn) WriteFrame(frame []byte) error {
	if err := c.out.Push(frame); err != nil {
		c.Fail(err)
		return err
	}
	return nil
}

// ReadFrame blocks for the next inbound message.
//
// Postcondition: Returns the failure recorded by Fail, if any, in place of
// the socket's own error.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if cause := c.Cause(); cause != nil {
				return nil, cause
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WritePump writes queued frames until the outbox closes or a write fails,
// sending keepalive pings while idle.
func (c *Conn) WritePump() {
	var ping <-chan time.Time
	if c.readTimeout > 0 {
		ticker := time.NewTicker(c.readTimeout * 9 / 10)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case frame, ok := <-c.out.Frames():
			if !ok {
				c.closeFrame()
				return
			}
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(c.msgType, frame); err != nil {
				c.Fail(err)
				return
			}
		case <-ping:
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Fail(err)
				return
			}
		}
	}
}

func (c *Conn) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

func (c *Conn) closeFrame() {
	c.setWriteDeadline()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
}

// Fail records cause as the reason the connection ended and closes the
// socket, unblocking ReadFrame. Only the first cause is kept.
func (c *Conn) Fail(cause error) {
	c.mu.Lock()
	if c.cause == nil {
		c.cause = cause
	}
	c.mu.Unlock()
	c.Close()
}

// Cause returns the failure recorded by Fail.
func (c *Conn) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Close closes the socket. Close is idempotent.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() { err = c.ws.Close() })
	return err
}

// isNormalClose reports whether err is the peer closing the socket cleanly.
func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
