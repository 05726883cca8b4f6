package voicechat

import (
	"sync"
	"sync/atomic"
)

// cancelTokens holds one cooperative cancellation flag per chat. A flag is
// never reset; the registry lives as long as one session run.
type cancelTokens struct {
	mu     sync.Mutex
	tokens map[string]*atomic.Bool
}

func newCancelTokens() *cancelTokens {
	return &cancelTokens{tokens: make(map[string]*atomic.Bool)}
}

// token returns the flag for chatID, creating it on first use.
func (c *cancelTokens) token(chatID string) *atomic.Bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[chatID]
	if !ok {
		t = new(atomic.Bool)
		c.tokens[chatID] = t
	}
	return t
}

func (c *cancelTokens) cancel(chatID string) { c.token(chatID).Store(true) }

func (c *cancelTokens) cancelled(chatID string) bool { return c.token(chatID).Load() }
