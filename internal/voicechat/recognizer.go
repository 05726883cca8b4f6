package voicechat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicechat/pkg/provider/stt"
)

// recognizerBacklog bounds the transcripts waiting for the session's
// consumer goroutine.
const recognizerBacklog = 64

// recognizerResult is one transcript handed from the vendor session to the
// consumer goroutine.
type recognizerResult struct {
	Text        string
	SentenceEnd bool
}

// errRecognizerDown is returned by Send once the vendor session has ended.
// The session stays up; audio is dropped until the client restarts it.
var errRecognizerDown = errors.New("voicechat: recognizer is down")

// recognizer bridges a vendor recognition session into a bounded channel of
// results consumed by a single goroutine.
type recognizer struct {
	sessionID string
	handle    stt.SessionHandle
	events    chan recognizerResult
	down      atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	pumpDone chan struct{}
	frames   *throughput
}

func startRecognizer(ctx context.Context, p stt.Provider, cfg stt.StreamConfig, sessionID string) (*recognizer, error) {
	h, err := p.StartStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: start recognizer: %w", ErrVendor, err)
	}
	r := &recognizer{
		sessionID: sessionID,
		handle:    h,
		events:    make(chan recognizerResult, recognizerBacklog),
		stop:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
		frames:    newThroughput("voicechat: audio input", 10, "session_id", sessionID),
	}
	go r.pump()
	return r, nil
}

// Events returns the result stream. It is closed when the vendor session
// ends or the recognizer is stopped.
func (r *recognizer) Events() <-chan recognizerResult { return r.events }

// pump forwards vendor transcripts. Empty texts carry nothing to segment
// and are dropped. After stop the vendor channel is still drained so that a
// vendor read loop never blocks on it while closing.
func (r *recognizer) pump() {
	defer close(r.pumpDone)
	defer close(r.events)
	defer func() {
		select {
		case <-r.stop:
		default:
			r.down.Store(true)
			slog.Warn("voicechat: recognizer ended, dropping input audio until restart", "session_id", r.sessionID)
		}
	}()
	for t := range r.handle.Transcripts() {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		select {
		case <-r.stop:
			continue
		default:
		}
		select {
		case r.events <- recognizerResult{Text: t.Text, SentenceEnd: t.IsFinal}:
		case <-r.stop:
		}
	}
}

// Send forwards one chunk of input audio. Only the session's read loop
// calls it.
func (r *recognizer) Send(chunk []byte) error {
	if r.down.Load() {
		return errRecognizerDown
	}
	r.frames.add(len(chunk))
	if err := r.handle.SendAudio(chunk); err != nil {
		if errors.Is(err, stt.ErrSessionClosed) {
			r.down.Store(true)
		}
		return fmt.Errorf("%w: send audio: %w", ErrVendor, err)
	}
	return nil
}

// Stop closes the vendor session and waits for the pump to finish. It is
// idempotent.
func (r *recognizer) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		if err := r.handle.Close(); err != nil {
			slog.Warn("voicechat: close recognizer", "err", err)
		}
		<-r.pumpDone
	})
}
