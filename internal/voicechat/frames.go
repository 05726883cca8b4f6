package voicechat

import (
	"context"
	"sync"
)

// Frame indices with a special meaning. Audio chunks of a chat are numbered
// 0, 1, 2, … and the stream is closed by one EndIndex frame.
const (
	FirstIndex = 0
	EndIndex   = -1
)

// OutputFrame is one unit of synthesized output for a chat.
type OutputFrame struct {
	ChatID  string
	Index   int
	Payload []byte
}

// IsEnd reports whether f terminates its chat's stream.
func (f OutputFrame) IsEnd() bool { return f.Index == EndIndex }

func endFrame(chatID string) OutputFrame {
	return OutputFrame{ChatID: chatID, Index: EndIndex}
}

// frameQueue is an unbounded FIFO with many producers and one consumer.
type frameQueue struct {
	mu     sync.Mutex
	frames []OutputFrame
	notify chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1)}
}

func (q *frameQueue) push(f OutputFrame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a frame is available or ctx is done.
func (q *frameQueue) pop(ctx context.Context) (OutputFrame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = OutputFrame{}
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return OutputFrame{}, ctx.Err()
		}
	}
}

// drain removes and returns every queued frame.
func (q *frameQueue) drain() []OutputFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
