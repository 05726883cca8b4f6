package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

// errEmptyStream reports a stream that closed before producing any chunk.
var errEmptyStream = errors.New("resilience: stream closed without output")

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// chat backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional chat provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in failover order.
func (f *LLMFallback) Names() []string {
	return f.group.Names()
}

// States reports each backend's circuit breaker state.
func (f *LLMFallback) States() map[string]State {
	return f.group.States()
}

// Check fails when every backend's breaker is open, i.e. no chat turn can
// currently be served. It fits a readiness probe.
func (f *LLMFallback) Check(context.Context) error {
	for _, st := range f.group.States() {
		if st != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%w: every circuit is open", ErrAllFailed)
}

// StreamCompletion opens a stream on the first healthy provider. A backend
// counts as failed when it refuses the request, when its stream ends before
// the first chunk, or when the first chunk already reports an error; in all
// three cases the next backend is tried. Failures after the first chunk are
// delivered to the caller unchanged since part of the reply may already be
// spoken.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var (
		stream <-chan llm.Chunk
		first  llm.Chunk
	)
	_, err := f.group.Execute(ctx, func(ctx context.Context, p llm.Provider) error {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return err
		}
		c, err := probe(ctx, ch)
		if err != nil {
			return err
		}
		stream, first = ch, c
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk, 1)
	out <- first
	go func() {
		defer close(out)
		for c := range stream {
			select {
			case out <- c:
			case <-ctx.Done():
				// Drain so the backend's goroutine can exit.
				for range stream {
				}
				return
			}
		}
	}()
	return out, nil
}

// probe waits for the first chunk of ch. On failure ch is drained in the
// background.
func probe(ctx context.Context, ch <-chan llm.Chunk) (llm.Chunk, error) {
	select {
	case c, ok := <-ch:
		if !ok {
			return llm.Chunk{}, errEmptyStream
		}
		if c.FinishReason == llm.FinishReasonError {
			go drain(ch)
			return llm.Chunk{}, fmt.Errorf("resilience: stream failed: %s", c.Text)
		}
		return c, nil
	case <-ctx.Done():
		go drain(ch)
		return llm.Chunk{}, ctx.Err()
	}
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// Capabilities returns the capabilities of the primary. Capabilities are
// static metadata and do not take part in failover.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return llm.ModelCapabilities{}
}
