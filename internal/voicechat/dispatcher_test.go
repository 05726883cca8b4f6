package voicechat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voicechat/internal/observe"
	memmock "github.com/MrWong99/voicechat/pkg/memory/mock"
	"github.com/MrWong99/voicechat/pkg/protocol"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicechat/pkg/provider/llm/mock"
)

// newTestDispatcher returns a text-only dispatcher.
func newTestDispatcher(p llm.Provider, h *memmock.HistoryStore, tr *recordingTransport, workers int64) *dispatcher {
	return &dispatcher{
		sessionID: "s1",
		llm:       p,
		llmName:   "mock",
		history:   h,
		settings: ChatSettings{
			SystemPrompt: "be brief",
			Tools:        []llm.ToolDefinition{{Name: "get_time"}},
			Temperature:  0.5,
		},
		text:    true,
		tokens:  newCancelTokens(),
		emit:    newEmitter(tr),
		metrics: observe.DefaultMetrics(),
		sem:     semaphore.NewWeighted(workers),
	}
}

func TestDispatcher_CompletedTurnIsPersisted(t *testing.T) {
	chat := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "It is "}, {Text: "noon.", FinishReason: "stop"},
	}}
	hist := &memmock.HistoryStore{}
	_ = hist.AddMessages(context.Background(), "s1", llm.Message{Role: "user", Content: "hi"}, llm.Message{Role: "assistant", Content: "hello"})
	tr := &recordingTransport{}
	d := newTestDispatcher(chat, hist, tr, 1)

	d.Dispatch(context.Background(), ChatJob{ChatID: "1", Query: "what time is it"})
	d.Wait()

	calls := chat.Calls()
	if len(calls) != 1 {
		t.Fatalf("chat calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt != "be brief" || req.Temperature != 0.5 {
		t.Errorf("request settings = %q/%v", req.SystemPrompt, req.Temperature)
	}
	if len(req.Messages) != 3 || req.Messages[2].Content != "what time is it" {
		t.Errorf("request messages = %+v, want history + query", req.Messages)
	}
	if len(req.Tools) != 0 {
		t.Errorf("tools sent without enable_tool_call: %v", req.Tools)
	}

	stored := hist.Stored("s1")
	if len(stored) != 4 {
		t.Fatalf("stored %d messages, want 4", len(stored))
	}
	if stored[3].Role != "assistant" || stored[3].Content != "It is noon." {
		t.Errorf("stored reply = %+v", stored[3])
	}

	texts := tr.events(protocol.EventResponseText)
	if len(texts) != 2 {
		t.Fatalf("ResponseText events = %d, want 2", len(texts))
	}
	if fin, _ := texts[1].Payload["finished"].(bool); !fin {
		t.Errorf("last ResponseText not finished: %v", texts[1].Payload)
	}
	if n := len(tr.events(protocol.EventAudioTranscript)); n != 1 {
		t.Errorf("AudioTranscript events = %d, want 1", n)
	}
}

func TestDispatcher_ToolsOnlyWhenEnabled(t *testing.T) {
	chat := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "ok", FinishReason: "stop"}}}
	d := newTestDispatcher(chat, &memmock.HistoryStore{}, &recordingTransport{}, 1)
	d.tools = true

	d.Dispatch(context.Background(), ChatJob{ChatID: "1", Query: "q"})
	d.Wait()

	if got := chat.Calls()[0].Req.Tools; len(got) != 1 || got[0].Name != "get_time" {
		t.Fatalf("tools = %v, want get_time", got)
	}
}

func TestDispatcher_CancelledChatDrainsAndDiscards(t *testing.T) {
	var sent atomic.Int32
	chat := &llmmock.Provider{
		StreamFunc: func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
			ch := make(chan llm.Chunk)
			go func() {
				defer close(ch)
				for i := range 5 {
					c := llm.Chunk{Text: "x"}
					if i == 4 {
						c.FinishReason = "stop"
					}
					ch <- c
					sent.Add(1)
				}
			}()
			return ch, nil
		},
	}
	hist := &memmock.HistoryStore{}
	tr := &recordingTransport{}
	d := newTestDispatcher(chat, hist, tr, 1)
	d.tokens.cancel("1")

	d.Dispatch(context.Background(), ChatJob{ChatID: "1", Query: "q"})
	d.Wait()

	if got := sent.Load(); got != 5 {
		t.Errorf("upstream produced %d chunks, want all 5 drained", got)
	}
	if n := len(tr.Messages()); n != 0 {
		t.Errorf("cancelled chat sent %d messages", n)
	}
	if n := hist.CallCount("AddMessages"); n != 0 {
		t.Errorf("cancelled chat persisted history (%d calls)", n)
	}
}

func TestDispatcher_HistoryLoadFailure(t *testing.T) {
	chat := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "ok", FinishReason: "stop"}}}
	hist := &memmock.HistoryStore{GetMessagesErr: errors.New("db down")}
	d := newTestDispatcher(chat, hist, &recordingTransport{}, 1)

	d.Dispatch(context.Background(), ChatJob{ChatID: "1", Query: "q"})
	d.Wait()

	msgs := chat.Calls()[0].Req.Messages
	if len(msgs) != 1 || msgs[0].Content != "q" {
		t.Fatalf("messages = %+v, want the query only", msgs)
	}
}

func TestDispatcher_RequestFailureCancelsChat(t *testing.T) {
	chat := &llmmock.Provider{StreamErr: errors.New("401")}
	hist := &memmock.HistoryStore{}
	tr := &recordingTransport{}
	d := newTestDispatcher(chat, hist, tr, 1)

	d.Dispatch(context.Background(), ChatJob{ChatID: "7", Query: "q"})
	d.Wait()

	if !d.tokens.cancelled("7") {
		t.Error("failed chat was not cancelled")
	}
	if n := hist.CallCount("AddMessages"); n != 0 {
		t.Errorf("failed chat persisted history (%d calls)", n)
	}
	if n := len(tr.Messages()); n != 0 {
		t.Errorf("failed chat sent %d messages", n)
	}
}

func TestDispatcher_MidStreamErrorIsNotPersisted(t *testing.T) {
	chat := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "par"},
		{Text: "reset by peer", FinishReason: llm.FinishReasonError},
	}}
	hist := &memmock.HistoryStore{}
	d := newTestDispatcher(chat, hist, &recordingTransport{}, 1)

	d.Dispatch(context.Background(), ChatJob{ChatID: "1", Query: "q"})
	d.Wait()

	if n := hist.CallCount("AddMessages"); n != 0 {
		t.Errorf("failed turn persisted history (%d calls)", n)
	}
}

func TestDispatcher_PoolBoundsConcurrency(t *testing.T) {
	gate := make(chan struct{})
	var running, peak atomic.Int32
	chat := &llmmock.Provider{
		StreamFunc: func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
			ch := make(chan llm.Chunk, 1)
			go func() {
				defer close(ch)
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-gate
				running.Add(-1)
				ch <- llm.Chunk{Text: "ok", FinishReason: "stop"}
			}()
			return ch, nil
		},
	}
	d := newTestDispatcher(chat, &memmock.HistoryStore{}, &recordingTransport{}, 2)

	for i := range 5 {
		d.Dispatch(context.Background(), ChatJob{ChatID: string(rune('a' + i)), Query: "q"})
	}
	waitFor(t, "two running jobs", func() bool { return running.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := len(chat.Calls()); n != 2 {
		t.Errorf("started %d jobs with a pool of 2", n)
	}
	close(gate)
	d.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	if n := len(chat.Calls()); n != 5 {
		t.Errorf("completed %d jobs, want 5", n)
	}
}

func TestDispatcher_ContextCancelledBeforeSlot(t *testing.T) {
	chat := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "ok", FinishReason: "stop"}}}
	d := newTestDispatcher(chat, &memmock.HistoryStore{}, &recordingTransport{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, ChatJob{ChatID: "1", Query: "q"})
	d.Wait()

	if n := len(chat.Calls()); n != 0 {
		t.Fatalf("chat called %d times after cancellation", n)
	}
}

func TestCancelTokens(t *testing.T) {
	c := newCancelTokens()
	if c.cancelled("a") {
		t.Fatal("fresh token is cancelled")
	}
	c.cancel("a")
	if !c.cancelled("a") {
		t.Fatal("token not cancelled")
	}
	if c.cancelled("b") {
		t.Fatal("cancel leaked to another chat")
	}
	if c.token("a") != c.token("a") {
		t.Fatal("token is not stable")
	}
}
