package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/channel"
	"github.com/cory-johannsen/playnet/internal/config"
	"github.com/cory-johannsen/playnet/internal/protocol"
	"github.com/cory-johannsen/playnet/internal/session"
)

// Gateway is the session layer a websocket connection feeds.
type Gateway interface {
	Connect(t channel.Transport, codec protocol.Codec) (*session.User, error)
	Receive(u *session.User, raw []byte)
	Disconnect(u *session.User, cause error)
}

// Acceptor upgrades HTTP requests on the configured path to websocket
// connections and serves each one against a Gateway.
type Acceptor struct {
	cfg      config.GatewayConfig
	codec    protocol.Codec
	gateway  Gateway
	logger   *zap.Logger
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[*Conn]struct{}
	running  bool
}

// NewAcceptor creates a websocket acceptor with the given configuration.
//
// Precondition: cfg.Codec must name a known codec; gateway and logger must
// be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.GatewayConfig, gateway Gateway, logger *zap.Logger) (*Acceptor, error) {
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return &Acceptor{
		cfg:     cfg,
		codec:   codec,
		gateway: gateway,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}, nil
}

// Handler returns the HTTP handler serving the websocket path.
func (a *Acceptor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Path, a)
	return mux
}

// ListenAndServe starts the HTTP listener and serves connections until Stop
// is called. This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}
	server := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}

	a.mu.Lock()
	a.listener = listener
	a.server = server
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.String("codec", a.codec.Name()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// ServeHTTP upgrades one request and runs its connection to completion.
// The query parameter codec overrides the configured codec.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec := a.codec
	if name := r.URL.Query().Get("codec"); name != "" {
		c, err := protocol.CodecByName(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		codec = c
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	a.serve(ws, codec, r.RemoteAddr)
}

func (a *Acceptor) serve(ws *websocket.Conn, codec protocol.Codec, addr string) {
	start := time.Now()
	out := session.NewOutbox(addr, a.cfg.SendBuffer)
	conn := NewConn(ws, out, codec.Binary(), a.cfg.ReadTimeout, a.cfg.WriteTimeout, a.cfg.MaxMessageBytes)
	if !a.track(conn) {
		conn.Close()
		return
	}
	defer a.untrack(conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.WritePump()
	}()

	u, err := a.gateway.Connect(conn, codec)
	if err != nil {
		a.logger.Warn("rejecting connection", zap.String("remote_addr", addr), zap.Error(err))
		out.Close()
		<-done
		conn.Close()
		return
	}
	a.logger.Debug("client connected", zap.String("remote_addr", addr), zap.String("user_id", u.ID()))

	var cause error
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if !isNormalClose(err) {
				cause = err
			}
			break
		}
		a.gateway.Receive(u, frame)
	}

	a.gateway.Disconnect(u, cause)
	out.Close()
	<-done
	conn.Close()
	a.logger.Debug("session ended",
		zap.String("remote_addr", addr),
		zap.String("user_id", u.ID()),
		zap.NamedError("cause", cause),
		zap.Duration("duration", time.Since(start)),
	)
}

// track registers c unless the acceptor is stopping.
func (a *Acceptor) track(c *Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conns == nil {
		return false
	}
	a.conns[c] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *Acceptor) untrack(c *Conn) {
	a.mu.Lock()
	if a.conns != nil {
		delete(a.conns, c)
	}
	a.mu.Unlock()
	a.wg.Done()
}

// Stop gracefully stops the acceptor, closing the listener and every
// connection and waiting for their sessions to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.conns == nil {
		a.mu.Unlock()
		return
	}
	a.running = false
	server := a.server
	conns := a.conns
	a.conns = nil
	a.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	for c := range conns {
		c.Close()
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
