package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// ErrConnClosed is returned by sends on a connection whose writer has stopped.
var ErrConnClosed = errors.New("server: connection closed")

// outbound is one queued WebSocket message.
type outbound struct {
	typ  websocket.MessageType
	data []byte
	done chan error
}

// conn is one client connection. All writes go through a single writer
// goroutine fed by a FIFO channel, so messages reach the socket in the order
// the session produced them. conn implements voicechat.Transport.
type conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	out    chan outbound
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(id string, ws *websocket.Conn, writeTimeout time.Duration) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:           id,
		ws:           ws,
		writeTimeout: writeTimeout,
		out:          make(chan outbound, 64),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// SendText queues a text frame and waits until it is written.
func (c *conn) SendText(ctx context.Context, data []byte) error {
	return c.send(ctx, websocket.MessageText, data)
}

// SendBinary queues a binary frame and waits until it is written.
func (c *conn) SendBinary(ctx context.Context, data []byte) error {
	return c.send(ctx, websocket.MessageBinary, data)
}

func (c *conn) send(ctx context.Context, typ websocket.MessageType, data []byte) error {
	msg := outbound{typ: typ, data: data, done: make(chan error, 1)}
	select {
	case c.out <- msg:
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.done:
		return err
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(ctx, msg.typ, msg.data)
			cancel()
			msg.done <- err
			if err != nil {
				// A failed or timed-out write leaves the socket unusable.
				slog.Warn("server: write failed, closing connection", "conn_id", c.id, "err", err)
				c.cancel()
				return
			}
		}
	}
}

// stop halts the writer and waits for it to exit. Pending and later sends
// fail with ErrConnClosed.
func (c *conn) stop() {
	c.cancel()
	<-c.done
}
