package memory

import (
	"context"
	"sync"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

var (
	_ HistoryStore = (*LocalStore)(nil)
	_ Clearer      = (*LocalStore)(nil)
)

// LocalStore is a process-local HistoryStore. When limit is positive only
// the newest limit messages of each session are kept.
type LocalStore struct {
	limit int

	mu       sync.Mutex
	sessions map[string][]llm.Message
}

// NewLocalStore creates an empty LocalStore.
func NewLocalStore(limit int) *LocalStore {
	return &LocalStore{limit: limit, sessions: make(map[string][]llm.Message)}
}

// AddMessages implements [HistoryStore].
func (s *LocalStore) AddMessages(_ context.Context, sessionID string, msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.sessions[sessionID], msgs...)
	if s.limit > 0 && len(h) > s.limit {
		h = append([]llm.Message(nil), h[len(h)-s.limit:]...)
	}
	s.sessions[sessionID] = h
	return nil
}

// GetMessages implements [HistoryStore]. The returned slice is a copy.
func (s *LocalStore) GetMessages(_ context.Context, sessionID string) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.sessions[sessionID]
	out := make([]llm.Message, len(h))
	copy(out, h)
	return out, nil
}

// Clear implements [Clearer].
func (s *LocalStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
