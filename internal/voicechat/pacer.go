package voicechat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/pkg/protocol"
)

const (
	// DefaultPacerSlack is subtracted from every frame's sleep so the client
	// buffer never runs dry.
	DefaultPacerSlack = 20 * time.Millisecond

	// bytesPerSample of the mono 16-bit PCM the pacer delivers.
	bytesPerSample = 2

	pacerLogEvery = 20
)

// pacer is the single consumer of the frame queue. It releases audio to the
// transport at playback speed and announces the start and end of every
// chat's stream.
type pacer struct {
	sessionID  string
	queue      *frameQueue
	tokens     *cancelTokens
	transport  Transport
	emit       emitFunc
	sampleRate int
	slack      time.Duration
	metrics    *observe.Metrics

	announced map[string]bool
	sent      int
	lastLog   time.Time
}

// run delivers frames until ctx is done. It returns a *TransportError when
// the client cannot be reached.
func (p *pacer) run(ctx context.Context) error {
	slog.Info("voicechat: output stream begin", "session_id", p.sessionID)
	defer slog.Info("voicechat: output stream end", "session_id", p.sessionID)

	p.announced = make(map[string]bool)
	p.lastLog = time.Now()
	for {
		f, err := p.queue.pop(ctx)
		if err != nil {
			return nil
		}
		if err := p.deliver(ctx, f); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (p *pacer) deliver(ctx context.Context, f OutputFrame) error {
	start := time.Now()

	if f.IsEnd() {
		if !p.announced[f.ChatID] {
			return nil
		}
		delete(p.announced, f.ChatID)
		slog.Info("voicechat: send audio done", "session_id", p.sessionID, "chat_id", f.ChatID)
		return p.emit(ctx, protocol.EventResponseAudioEnded, protocol.AudioPayload{SessionID: p.sessionID, ChatID: f.ChatID})
	}

	if p.tokens.cancelled(f.ChatID) {
		p.metrics.FramesDropped.Add(ctx, 1)
		slog.Debug("voicechat: cancelled frame skipped", "session_id", p.sessionID, "chat_id", f.ChatID, "index", f.Index)
		return nil
	}

	if f.Index == FirstIndex {
		p.announced[f.ChatID] = true
		slog.Info("voicechat: send audio start", "session_id", p.sessionID, "chat_id", f.ChatID)
		if err := p.emit(ctx, protocol.EventResponseAudioStarted, protocol.AudioPayload{SessionID: p.sessionID, ChatID: f.ChatID}); err != nil {
			return err
		}
	}

	d := playbackDuration(len(f.Payload), p.sampleRate)
	if p.sent%pacerLogEvery == 0 {
		now := time.Now()
		slog.Debug("voicechat: send audio data",
			"session_id", p.sessionID,
			"chat_id", f.ChatID,
			"index", f.Index,
			"size", len(f.Payload),
			"duration", d,
			"interval", now.Sub(p.lastLog),
		)
		p.lastLog = now
	}
	if err := p.transport.SendBinary(ctx, f.Payload); err != nil {
		return &TransportError{Op: "send audio", Err: err}
	}
	p.sent++
	p.metrics.FramesSent.Add(ctx, 1)

	elapsed := time.Since(start)
	if elapsed > d {
		p.metrics.PacerOverruns.Add(ctx, 1)
	}
	wait := d - elapsed - p.slack
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// playbackDuration is the real-time length of n bytes of mono 16-bit PCM.
func playbackDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate*bytesPerSample)
}
