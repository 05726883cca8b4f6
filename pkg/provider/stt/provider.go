// Package stt defines the Provider interface for streaming speech recognition.
//
// A provider wraps a real-time recognition service (DashScope, Deepgram) and
// exposes one streaming session per call. The session accepts raw PCM frames
// and emits a single ordered stream of Transcript values: interim hypotheses
// for the sentence in progress, then one final value when the recognizer
// commits the sentence.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition settings for a
// new session.
type StreamConfig struct {
	// SampleRate in Hz. Zero lets the provider use its default.
	SampleRate int

	// Channels is the channel count. 1 (mono) is what every backend expects.
	Channels int

	// Format of the audio payload, e.g. "pcm". Empty means "pcm".
	Format string

	// Language is a BCP-47 tag. Empty lets the provider auto-detect.
	Language string

	// Model overrides the provider's configured recognition model.
	Model string
}

// SessionHandle is an open recognition session.
//
// Callers must call Close when done. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio queues a chunk of raw audio matching StreamConfig.
	SendAudio(chunk []byte) error

	// Transcripts emits recognition results in the order the service
	// produced them. Keeping partials and finals on one channel preserves
	// their order across sentence boundaries. The channel is closed when the
	// session ends.
	Transcripts() <-chan Transcript

	// Close ends the session and releases its resources. After Close returns
	// the Transcripts channel is closed. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over a streaming recognition backend.
type Provider interface {
	// StartStream opens a session. The returned handle accepts audio
	// immediately; the caller owns it and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
