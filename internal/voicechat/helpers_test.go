package voicechat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicechat/pkg/protocol"
)

// wireMsg is one message a session sent to its client.
type wireMsg struct {
	At      time.Time
	Event   protocol.EventName
	Payload map[string]any
	Binary  []byte
}

func (m wireMsg) str(key string) string {
	s, _ := m.Payload[key].(string)
	return s
}

// recordingTransport records everything sent in order.
type recordingTransport struct {
	mu        sync.Mutex
	msgs      []wireMsg
	binaryErr error
	textErr   error
}

func (t *recordingTransport) SendText(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.textErr != nil {
		return t.textErr
	}
	var env struct {
		Event   protocol.EventName `json:"event"`
		Payload map[string]any     `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	t.msgs = append(t.msgs, wireMsg{At: time.Now(), Event: env.Event, Payload: env.Payload})
	return nil
}

func (t *recordingTransport) SendBinary(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.binaryErr != nil {
		return t.binaryErr
	}
	t.msgs = append(t.msgs, wireMsg{At: time.Now(), Binary: append([]byte(nil), data...)})
	return nil
}

func (t *recordingTransport) Messages() []wireMsg {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wireMsg(nil), t.msgs...)
}

func (t *recordingTransport) events(name protocol.EventName) []wireMsg {
	var out []wireMsg
	for _, m := range t.Messages() {
		if m.Event == name {
			out = append(out, m)
		}
	}
	return out
}

func (t *recordingTransport) binaries() []wireMsg {
	var out []wireMsg
	for _, m := range t.Messages() {
		if m.Binary != nil {
			out = append(out, m)
		}
	}
	return out
}

// indexOf returns the position of the first message matching event and
// chat id, or -1.
func indexOf(msgs []wireMsg, name protocol.EventName, chatID string) int {
	for i, m := range msgs {
		if m.Event == name && m.str("chat_id") == chatID {
			return i
		}
	}
	return -1
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBroken = errors.New("broken pipe")
