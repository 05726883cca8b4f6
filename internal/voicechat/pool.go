package voicechat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicechat/pkg/provider/tts"
)

// connPool is a fixed ring of persistent synthesis connections. A chat is
// bound to one slot; a new chat retargets the next slot in rotation and
// waits until that slot's previous utterance has been released.
type connPool struct {
	mu    sync.Mutex
	slots []*poolSlot
	next  int
	bound map[string]*poolSlot
}

type poolSlot struct {
	conn tts.Conn

	// token holds one value while the slot is free.
	token  chan struct{}
	chatID string
	holder string
}

func newConnPool(ctx context.Context, c tts.Connector, size int) (*connPool, error) {
	p := &connPool{bound: make(map[string]*poolSlot)}
	for i := range size {
		conn, err := c.Connect(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("%w: connect pool slot %d: %w", ErrVendor, i, err)
		}
		s := &poolSlot{conn: conn, token: make(chan struct{}, 1)}
		s.token <- struct{}{}
		p.slots = append(p.slots, s)
	}
	slog.Info("voicechat: synthesis pool ready", "size", size)
	return p, nil
}

// Acquire returns the connection for chatID, blocking until it is free or
// ctx is done.
func (p *connPool) Acquire(ctx context.Context, chatID string) (tts.Conn, error) {
	p.mu.Lock()
	if len(p.slots) == 0 {
		p.mu.Unlock()
		return nil, errors.New("voicechat: synthesis pool closed")
	}
	s, ok := p.bound[chatID]
	if !ok {
		s = p.slots[p.next]
		p.next = (p.next + 1) % len(p.slots)
		if s.chatID != "" {
			delete(p.bound, s.chatID)
		}
		s.chatID = chatID
		p.bound[chatID] = s
	}
	p.mu.Unlock()

	select {
	case <-s.token:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	s.holder = chatID
	p.mu.Unlock()
	return s.conn, nil
}

// Release frees the slot whose utterance chatID holds and unbinds chatID.
func (p *connPool) Release(chatID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.bound[chatID]; ok && s.chatID == chatID {
		delete(p.bound, chatID)
		s.chatID = ""
	}
	for _, s := range p.slots {
		if s.holder == chatID {
			s.holder = ""
			select {
			case s.token <- struct{}{}:
			default:
			}
			return
		}
	}
}

// Close closes every connection. Acquire fails afterwards.
func (p *connPool) Close() {
	p.mu.Lock()
	slots := p.slots
	p.slots = nil
	p.mu.Unlock()
	for _, s := range slots {
		if err := s.conn.Close(); err != nil {
			slog.Debug("voicechat: close pooled connection", "err", err)
		}
	}
}
