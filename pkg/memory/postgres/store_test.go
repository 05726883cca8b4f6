package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicechat/pkg/memory/postgres"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOICECHAT_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOICECHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOICECHAT_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store on a freshly dropped schema.
func newTestStore(t *testing.T, opts ...postgres.Option) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS chat_messages CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_AddAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.AddMessages(ctx, "session-1",
		llm.Message{Role: "user", Content: "把温度调到二十六度"},
		llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "set_temperature", Arguments: `{"value":26}`},
			},
		},
		llm.Message{Role: "tool", Content: "ok", ToolCallID: "call_1"},
	)
	if err != nil {
		t.Fatalf("AddMessages: %v", err)
	}
	_ = store.AddMessages(ctx, "session-2", llm.Message{Role: "user", Content: "other"})

	got, err := store.GetMessages(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].Content != "把温度调到二十六度" || got[0].ToolCalls != nil {
		t.Errorf("first message = %+v", got[0])
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].Name != "set_temperature" {
		t.Errorf("tool calls = %+v", got[1].ToolCalls)
	}
	if got[2].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", got[2])
	}
}

func TestStore_UnknownSession(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetMessages(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want empty non-nil slice", got)
	}
}

func TestStore_HistoryLimit(t *testing.T) {
	store := newTestStore(t, postgres.WithHistoryLimit(2))
	ctx := context.Background()
	for _, c := range []string{"a", "b", "c"} {
		if err := store.AddMessages(ctx, "s", llm.Message{Role: "user", Content: c}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := store.GetMessages(ctx, "s")
	if len(got) != 2 || got[0].Content != "b" || got[1].Content != "c" {
		t.Errorf("history = %+v, want [b c]", got)
	}
}

func TestStore_ClearAndPing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	_ = store.AddMessages(ctx, "s", llm.Message{Role: "user", Content: "x"})
	if err := store.Clear(ctx, "s"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := store.GetMessages(ctx, "s"); len(got) != 0 {
		t.Errorf("history after Clear = %+v", got)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	newTestStore(t)
	pool, err := pgxpool.New(context.Background(), testDSN(t))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	for range 2 {
		if err := postgres.Migrate(context.Background(), pool); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}
}
