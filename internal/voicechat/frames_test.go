package voicechat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFrameQueue_FIFO(t *testing.T) {
	q := newFrameQueue()
	for i := range 3 {
		q.push(OutputFrame{ChatID: "0", Index: i})
	}
	q.push(endFrame("0"))

	ctx := context.Background()
	for want := range 3 {
		f, err := q.pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if f.Index != want {
			t.Fatalf("pop = %d, want %d", f.Index, want)
		}
	}
	if f, _ := q.pop(ctx); !f.IsEnd() {
		t.Errorf("last frame = %+v, want end frame", f)
	}
}

func TestFrameQueue_PopBlocksUntilPush(t *testing.T) {
	q := newFrameQueue()
	got := make(chan OutputFrame, 1)
	go func() {
		f, _ := q.pop(context.Background())
		got <- f
	}()

	select {
	case <-got:
		t.Fatal("pop returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}
	q.push(OutputFrame{ChatID: "7", Index: 0})
	select {
	case f := <-got:
		if f.ChatID != "7" {
			t.Errorf("ChatID = %q", f.ChatID)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestFrameQueue_PopHonoursContext(t *testing.T) {
	q := newFrameQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("pop = %v, want deadline exceeded", err)
	}
}

func TestFrameQueue_ConcurrentProducers(t *testing.T) {
	q := newFrameQueue()
	const producers, perProducer = 4, 50

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				q.push(OutputFrame{ChatID: string(rune('a' + p)), Index: i})
			}
		}()
	}
	wg.Wait()

	last := map[string]int{}
	for range producers * perProducer {
		f, err := q.pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if prev, ok := last[f.ChatID]; ok && f.Index != prev+1 {
			t.Fatalf("chat %s: index %d after %d", f.ChatID, f.Index, prev)
		}
		last[f.ChatID] = f.Index
	}
	if q.len() != 0 {
		t.Errorf("len = %d after draining", q.len())
	}
}

func TestFrameQueue_Drain(t *testing.T) {
	q := newFrameQueue()
	q.push(OutputFrame{ChatID: "0", Index: 0})
	q.push(OutputFrame{ChatID: "0", Index: 1})
	if got := q.drain(); len(got) != 2 {
		t.Errorf("drain = %d frames, want 2", len(got))
	}
	if q.len() != 0 {
		t.Error("queue not empty after drain")
	}
}

func TestPlaybackDuration(t *testing.T) {
	tests := []struct {
		n, rate int
		want    time.Duration
	}{
		{3200, 16000, 100 * time.Millisecond},
		{32000, 16000, time.Second},
		{9600, 48000, 100 * time.Millisecond},
		{0, 16000, 0},
		{100, 0, 0},
	}
	for _, tt := range tests {
		if got := playbackDuration(tt.n, tt.rate); got != tt.want {
			t.Errorf("playbackDuration(%d, %d) = %v, want %v", tt.n, tt.rate, got, tt.want)
		}
	}
}
