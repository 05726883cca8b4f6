package voicechat

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voicechat/pkg/protocol"
)

// Transport delivers messages to the client of one session. Implementations
// must preserve the order of calls across both methods and be safe for
// concurrent use.
type Transport interface {
	SendText(ctx context.Context, data []byte) error
	SendBinary(ctx context.Context, data []byte) error
}

// emitFunc sends one protocol event to the client.
type emitFunc func(ctx context.Context, name protocol.EventName, payload any) error

func newEmitter(t Transport) emitFunc {
	return func(ctx context.Context, name protocol.EventName, payload any) error {
		b, err := protocol.Encode(name, payload)
		if err != nil {
			return err
		}
		if err := t.SendText(ctx, b); err != nil {
			return &TransportError{Op: "send " + string(name), Err: err}
		}
		slog.Debug("voicechat: event sent", "event", name)
		return nil
	}
}
