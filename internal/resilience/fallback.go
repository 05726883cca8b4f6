package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback backends of the
// same kind, each behind its own circuit breaker. Entries are tried in
// registration order.
//
// Entries are registered during setup; Execute and Names are safe for
// concurrent use once registration is done.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend that is tried after every earlier entry.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	if cbCfg.IsFailure == nil {
		cbCfg.IsFailure = countsAgainstBackend
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// countsAgainstBackend rejects context errors: a turn cut short by barge-in
// or session stop says nothing about the backend's health.
func countsAgainstBackend(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Execute calls fn with each entry in turn until one succeeds and returns
// that entry's name. Entries with an open breaker are skipped. Once ctx is
// done no further entry is tried and the context error is returned. When
// every entry fails the error wraps [ErrAllFailed] and each entry's error.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) (string, error) {
	var errs []error
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		entry := &fg.entries[i]
		err := entry.breaker.Execute(func() error {
			return fn(ctx, entry.value)
		})
		switch {
		case err == nil:
			if i > 0 {
				slog.Info("resilience: served by fallback", "provider", entry.name, "skipped", i)
			}
			return entry.name, nil
		case ctx.Err() != nil:
			return "", err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: skipping provider, circuit open", "provider", entry.name)
		default:
			slog.Warn("resilience: provider failed, trying next", "provider", entry.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
	}
	return "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Names returns the entry names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// States reports each entry's breaker state, in failover order.
func (fg *FallbackGroup[T]) States() map[string]State {
	states := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		states[e.name] = e.breaker.State()
	}
	return states
}
