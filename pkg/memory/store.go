// Package memory defines the conversation history store used by voice chat
// sessions.
//
// A session's history is the ordered list of completed turns (user query
// plus assistant reply). The dispatcher loads it before every completion and
// appends to it after a turn finishes without being cancelled.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

// HistoryStore persists per-session conversation history.
type HistoryStore interface {
	// AddMessages appends msgs to the history of sessionID in order.
	AddMessages(ctx context.Context, sessionID string, msgs ...llm.Message) error

	// GetMessages returns the history of sessionID, oldest first. An unknown
	// session yields an empty, non-nil slice.
	GetMessages(ctx context.Context, sessionID string) ([]llm.Message, error)
}

// Clearer is implemented by stores that can drop a session's history.
type Clearer interface {
	Clear(ctx context.Context, sessionID string) error
}
