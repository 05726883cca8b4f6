// Package postgres provides a PostgreSQL-backed [memory.HistoryStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, postgres.WithHistoryLimit(20))
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.AddMessages(ctx, sessionID, user, assistant)
//	history, _ := store.GetMessages(ctx, sessionID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlChatMessages = `
CREATE TABLE IF NOT EXISTS chat_messages (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL DEFAULT '',
    tool_calls   JSONB        NOT NULL DEFAULT '[]',
    tool_call_id TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session_id
    ON chat_messages (session_id, id);
`

// Migrate creates the chat_messages table and its index. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlChatMessages); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
