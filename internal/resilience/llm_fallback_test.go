package resilience

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicechat/pkg/provider/llm/mock"
)

func collect(t *testing.T, ch <-chan llm.Chunk) string {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return sb.String()
			}
			sb.WriteString(c.Text)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func newTestFallback(primary, secondary llm.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestLLMFallback_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "hello "}, {Text: "from primary", FinishReason: "stop"},
	}}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "secondary", FinishReason: "stop"}}}

	fb := newTestFallback(primary, secondary)
	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := collect(t, ch); got != "hello from primary" {
		t.Fatalf("text = %q, want %q", got, "hello from primary")
	}
	if n := len(primary.Calls()); n != 1 {
		t.Fatalf("primary called %d times, want 1", n)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Fatalf("secondary called %d times, want 0", n)
	}
}

func TestLLMFallback_Failover(t *testing.T) {
	tests := []struct {
		name    string
		primary *llmmock.Provider
	}{
		{
			name:    "open error",
			primary: &llmmock.Provider{StreamErr: errors.New("primary down")},
		},
		{
			name:    "empty stream",
			primary: &llmmock.Provider{},
		},
		{
			name: "first chunk error",
			primary: &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Text: "rate limited", FinishReason: llm.FinishReasonError},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Text: "from secondary", FinishReason: "stop"},
			}}
			fb := newTestFallback(tt.primary, secondary)

			ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := collect(t, ch); got != "from secondary" {
				t.Fatalf("text = %q, want %q", got, "from secondary")
			}
		})
	}
}

func TestLLMFallback_MidStreamErrorIsForwarded(t *testing.T) {
	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "partial"},
		{Text: "connection reset", FinishReason: llm.FinishReasonError},
	}}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "secondary", FinishReason: "stop"}}}

	fb := newTestFallback(primary, secondary)
	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last llm.Chunk
	for c := range ch {
		last = c
	}
	if last.FinishReason != llm.FinishReasonError {
		t.Fatalf("last finish reason = %q, want %q", last.FinishReason, llm.FinishReasonError)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Fatalf("secondary called %d times, want 0", n)
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("primary down")}
	secondary := &llmmock.Provider{StreamErr: errors.New("secondary down")}

	fb := newTestFallback(primary, secondary)
	_, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_OpenCircuitSkipsPrimary(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("primary down")}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "ok", FinishReason: "stop"}}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", secondary)

	for range 3 {
		ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		collect(t, ch)
	}
	if n := len(primary.Calls()); n != 1 {
		t.Fatalf("primary called %d times, want 1 before the circuit opened", n)
	}
}

func TestLLMFallback_CancelledContext(t *testing.T) {
	hold := make(chan llm.Chunk)
	primary := &llmmock.Provider{
		StreamFunc: func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
			go func() {
				<-ctx.Done()
				close(hold)
			}()
			return hold, nil
		},
	}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "ok", FinishReason: "stop"}}}
	fb := newTestFallback(primary, secondary)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := fb.StreamCompletion(ctx, llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(primary.Calls()); n != 1 {
		t.Fatalf("primary called %d times, want 1", n)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Fatalf("secondary called %d times after cancellation, want 0", n)
	}
	if st := fb.States()["primary"]; st != StateClosed {
		t.Fatalf("primary state = %v, want closed", st)
	}
}

func TestLLMFallback_Check(t *testing.T) {
	failing := &llmmock.Provider{StreamErr: errTest}
	fb := NewLLMFallback(failing, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", failing)

	if err := fb.Check(context.Background()); err != nil {
		t.Fatalf("Check before failures: %v", err)
	}
	if _, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("StreamCompletion err = %v, want ErrAllFailed", err)
	}
	if err := fb.Check(context.Background()); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("Check with every circuit open = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_NamesAndCapabilities(t *testing.T) {
	primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8192}}
	fb := newTestFallback(primary, &llmmock.Provider{})

	if got, want := fb.Names(), []string{"primary", "secondary"}; !slices.Equal(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	if got := fb.Capabilities().ContextWindow; got != 8192 {
		t.Fatalf("ContextWindow = %d, want 8192", got)
	}
}
