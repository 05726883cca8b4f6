// Package tts defines the streaming speech-synthesis interfaces.
//
// SynthesizeStream consumes text fragments as the chat model produces them
// and returns raw PCM chunks as soon as the backend has them, so speech can
// start before the reply is complete. The channel contract maps onto a
// classic synthesis client lifecycle:
//
//   - sending on text is send_text_data,
//   - closing text is async_stop (flush; audio keeps arriving),
//   - the audio channel closing is on_complete,
//   - cancelling ctx is close (tear down immediately).
//
// Backends with expensive connection setup additionally implement Connector
// so callers can keep a pool of warm connections.
package tts

import (
	"context"
	"errors"
)

// ErrConnBusy is returned by Conn.Synthesize while a previous utterance on the
// same connection is still running.
var ErrConnBusy = errors.New("tts: connection is busy")

// Provider is the abstraction over a streaming synthesis backend.
type Provider interface {
	// SynthesizeStream starts one utterance. The returned channel is closed
	// when synthesis has completed, failed, or ctx was cancelled. A non-nil
	// error means the utterance could not be started at all.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the backend's voice catalogue.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// Connector is implemented by providers that can run many utterances over
// one long-lived connection.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a persistent synthesis connection. One utterance runs at a time.
type Conn interface {
	// Synthesize behaves like Provider.SynthesizeStream but reuses the
	// connection. It returns ErrConnBusy if an utterance is still running.
	Synthesize(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// Close releases the connection.
	Close() error
}
