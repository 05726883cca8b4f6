// Package server exposes voice-chat sessions over WebSocket.
//
// Each accepted connection owns exactly one session. Text frames carry JSON
// directives, binary frames carry raw PCM audio. Errors from individual
// messages are logged and the connection stays open; the session is closed
// when the client disconnects.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/internal/voicechat"
)

// Defaults used when the corresponding [Config] field is zero.
const (
	DefaultPath         = "/api"
	DefaultReadLimit    = 1 << 20
	DefaultWriteTimeout = 5 * time.Second
)

// Session is the per-connection state machine driven by the server.
// [*voicechat.Session] implements it.
type Session interface {
	HandleText(ctx context.Context, data []byte) error
	HandleAudio(ctx context.Context, chunk []byte) error
	Close()
}

// SessionFactory creates the session for a new connection. t delivers the
// session's outbound messages to that connection.
type SessionFactory func(t voicechat.Transport) Session

// Config configures a [Server].
type Config struct {
	// Path is the HTTP path of the WebSocket endpoint.
	Path string

	// ReadLimit caps the size of one inbound message in bytes.
	ReadLimit int64

	// WriteTimeout bounds every outbound write.
	WriteTimeout time.Duration

	// AllowedOrigins lists accepted origin host patterns. Empty accepts
	// same-origin requests only; "*" accepts any origin.
	AllowedOrigins []string

	Metrics *observe.Metrics
}

// Server accepts WebSocket connections and runs one session per connection.
type Server struct {
	cfg        Config
	newSession SessionFactory

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// New returns a Server that creates sessions with f.
func New(cfg Config, f SessionFactory) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:        cfg,
		newSession: f,
		conns:      make(map[string]*conn),
	}
}

// Register adds the WebSocket endpoint to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET "+s.cfg.Path, s)
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves the connection until the client
// goes away or the server shuts down.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		// Accept has already written the error response.
		slog.Warn("server: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	c := newConn(uuid.NewString(), ws, s.cfg.WriteTimeout)
	if !s.track(c) {
		c.stop()
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := observe.Logger(ctx).With("conn_id", c.id)
	log.Info("server: client connected", "remote", r.RemoteAddr)

	// A dead writer means the socket is unusable; end the read loop too so
	// the connection is closed instead of accepting input it cannot answer.
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.cfg.Metrics.ActiveConnections.Add(ctx, 1)
	defer s.cfg.Metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	sess := s.newSession(c)
	s.readLoop(ctx, log, ws, sess)

	// Stop the writer before tearing the session down so nothing blocks on
	// a socket that is already gone.
	c.stop()
	sess.Close()
	_ = ws.CloseNow()
	log.Info("server: client disconnected")
}

func (s *Server) readLoop(ctx context.Context, log *slog.Logger, ws *websocket.Conn, sess Session) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
				log.Debug("server: client closed connection", "err", err)
			default:
				if !errors.Is(err, context.Canceled) {
					log.Warn("server: read failed", "err", err)
				}
			}
			return
		}
		switch typ {
		case websocket.MessageText:
			if err := sess.HandleText(ctx, data); err != nil {
				log.Warn("server: directive rejected", "err", err)
			}
		case websocket.MessageBinary:
			if err := sess.HandleAudio(ctx, data); err != nil {
				log.Warn("server: audio rejected", "err", err)
			}
		}
	}
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins}
	if slices.Contains(s.cfg.AllowedOrigins, "*") {
		opts.InsecureSkipVerify = true
	}
	return opts
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown refuses new connections, asks every client to go away and waits
// for their sessions to close. Connections still open when ctx expires are
// dropped without a close handshake.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		go func() {
			_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		}()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.CloseNow()
		}
		return ctx.Err()
	}
}
