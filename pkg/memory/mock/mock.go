// Package mock provides a test double for [memory.HistoryStore].
//
// The mock records every call and keeps the written messages in memory so
// that tests can assert on what the system under test persisted.
//
// Typical usage:
//
//	store := &mock.HistoryStore{}
//	store.GetMessagesErr = errors.New("db down")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AddMessages"); got != 0 {
//	    t.Errorf("expected no AddMessages calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicechat/pkg/memory"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

var _ memory.HistoryStore = (*HistoryStore)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// HistoryStore is a configurable test double for [memory.HistoryStore].
type HistoryStore struct {
	mu sync.Mutex

	calls    []Call
	sessions map[string][]llm.Message

	// AddMessagesErr is returned by AddMessages when non-nil. Messages are
	// not stored in that case.
	AddMessagesErr error

	// GetMessagesResult, when non-nil, is returned by GetMessages instead of
	// the stored messages.
	GetMessagesResult []llm.Message

	// GetMessagesErr is returned by GetMessages when non-nil.
	GetMessagesErr error
}

// AddMessages records the call and stores msgs unless AddMessagesErr is set.
func (m *HistoryStore) AddMessages(_ context.Context, sessionID string, msgs ...llm.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]llm.Message(nil), msgs...)
	m.calls = append(m.calls, Call{Method: "AddMessages", Args: []any{sessionID, cp}})
	if m.AddMessagesErr != nil {
		return m.AddMessagesErr
	}
	if m.sessions == nil {
		m.sessions = make(map[string][]llm.Message)
	}
	m.sessions[sessionID] = append(m.sessions[sessionID], cp...)
	return nil
}

// GetMessages records the call and returns the configured or stored history.
func (m *HistoryStore) GetMessages(_ context.Context, sessionID string) ([]llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetMessages", Args: []any{sessionID}})
	if m.GetMessagesErr != nil {
		return nil, m.GetMessagesErr
	}
	if m.GetMessagesResult != nil {
		return append([]llm.Message(nil), m.GetMessagesResult...), nil
	}
	return append([]llm.Message{}, m.sessions[sessionID]...), nil
}

// Stored returns the messages successfully written for sessionID.
func (m *HistoryStore) Stored(sessionID string) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Message(nil), m.sessions[sessionID]...)
}

// Calls returns a copy of all recorded method invocations.
func (m *HistoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *HistoryStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored messages.
func (m *HistoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.sessions = nil
}
