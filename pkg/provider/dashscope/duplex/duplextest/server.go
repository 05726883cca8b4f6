// Package duplextest provides an in-process fake of the DashScope duplex
// WebSocket endpoint for tests.
package duplextest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicechat/pkg/provider/dashscope/duplex"
)

// Command is a decoded client message. Audio is set for binary frames.
type Command struct {
	Header  duplex.Header
	Payload duplex.Payload
	Audio   []byte
}

// ServerConn is the server side of one client connection.
type ServerConn struct {
	ws     *websocket.Conn
	Header http.Header
}

// Read returns the next client message.
func (c *ServerConn) Read(ctx context.Context) (Command, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return Command{}, err
	}
	if typ == websocket.MessageBinary {
		return Command{Audio: data}, nil
	}
	var cmd struct {
		Header  duplex.Header  `json:"header"`
		Payload duplex.Payload `json:"payload"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, err
	}
	return Command{Header: cmd.Header, Payload: cmd.Payload}, nil
}

// Event sends a server event for taskID with an optional payload.
func (c *ServerConn) Event(ctx context.Context, event duplex.Event, taskID string, payload any) error {
	msg := map[string]any{
		"header": duplex.Header{Event: event, TaskID: taskID},
	}
	if payload != nil {
		msg["payload"] = payload
	} else {
		msg["payload"] = map[string]any{}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, b)
}

// Fail sends a task-failed event.
func (c *ServerConn) Fail(ctx context.Context, taskID, code, message string) error {
	b, err := json.Marshal(map[string]any{
		"header":  duplex.Header{Event: duplex.EventTaskFailed, TaskID: taskID, ErrorCode: code, ErrorMessage: message},
		"payload": map[string]any{},
	})
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, b)
}

// Audio sends a binary frame.
func (c *ServerConn) Audio(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageBinary, data)
}

// Server is a running fake endpoint.
type Server struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns int
}

// URL is the ws:// endpoint to pass to duplex.Dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Connections returns how many client connections were accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// NewServer starts a fake endpoint that runs handle for every connection.
// The connection is closed when handle returns. The server is closed by
// t.Cleanup.
func NewServer(t testing.TB, handle func(ctx context.Context, c *ServerConn)) *Server {
	t.Helper()
	s := &Server{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("duplextest: accept: %v", err)
			return
		}
		defer ws.CloseNow()
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		handle(r.Context(), &ServerConn{ws: ws, Header: r.Header.Clone()})
		ws.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(s.srv.Close)
	return s
}
