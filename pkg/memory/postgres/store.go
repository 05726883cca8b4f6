package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicechat/pkg/memory"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

var (
	_ memory.HistoryStore = (*Store)(nil)
	_ memory.Clearer      = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit caps GetMessages to the newest n messages. Zero means no
// cap.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		s.limit = n
	}
}

// Store is a HistoryStore backed by a single [pgxpool.Pool].
// All operations are safe for concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	limit int
}

// NewStore connects to dsn, verifies the connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{pool: pool}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// AddMessages implements [memory.HistoryStore]. All messages are written in
// one transaction so a turn is never half-persisted.
func (s *Store) AddMessages(ctx context.Context, sessionID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	const q = `
		INSERT INTO chat_messages (session_id, role, content, tool_calls, tool_call_id)
		VALUES ($1, $2, $3, $4, $5)`

	batch := &pgx.Batch{}
	for _, m := range msgs {
		calls := m.ToolCalls
		if calls == nil {
			calls = []llm.ToolCall{}
		}
		raw, err := json.Marshal(calls)
		if err != nil {
			return fmt.Errorf("history store: encode tool calls: %w", err)
		}
		batch.Queue(q, sessionID, m.Role, m.Content, raw, m.ToolCallID)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("history store: add messages: %w", err)
	}
	return nil
}

// GetMessages implements [memory.HistoryStore].
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if s.limit > 0 {
		const q = `
			SELECT role, content, tool_calls, tool_call_id FROM (
			    SELECT id, role, content, tool_calls, tool_call_id
			    FROM   chat_messages
			    WHERE  session_id = $1
			    ORDER  BY id DESC
			    LIMIT  $2
			) recent
			ORDER BY id`
		rows, err = s.pool.Query(ctx, q, sessionID, s.limit)
	} else {
		const q = `
			SELECT role, content, tool_calls, tool_call_id
			FROM   chat_messages
			WHERE  session_id = $1
			ORDER  BY id`
		rows, err = s.pool.Query(ctx, q, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("history store: get messages: %w", err)
	}
	return collectMessages(rows)
}

// Clear implements [memory.Clearer].
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("history store: clear: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

func collectMessages(rows pgx.Rows) ([]llm.Message, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (llm.Message, error) {
		var (
			m     llm.Message
			calls []byte
		)
		if err := row.Scan(&m.Role, &m.Content, &calls, &m.ToolCallID); err != nil {
			return llm.Message{}, err
		}
		if len(calls) > 0 {
			if err := json.Unmarshal(calls, &m.ToolCalls); err != nil {
				return llm.Message{}, err
			}
			if len(m.ToolCalls) == 0 {
				m.ToolCalls = nil
			}
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []llm.Message{}
	}
	return msgs, nil
}
