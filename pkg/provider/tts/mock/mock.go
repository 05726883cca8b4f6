// Package mock provides test doubles for the tts.Provider and tts.Connector
// interfaces.
//
// By default the mock echoes every text fragment back as one audio chunk
// holding the fragment's bytes, and closes the audio channel once the text
// channel is closed or ctx is cancelled. That mirrors a streaming vendor
// closely enough to test ordering and teardown.
//
// Example:
//
//	p := &mock.Provider{}
//	audio, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicechat/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	Ctx   context.Context
	Voice tts.VoiceProfile

	mu        *sync.Mutex
	fragments *[]string
}

// Fragments returns the text fragments received so far on this call.
func (c SynthesizeStreamCall) Fragments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), (*c.fragments)...)
}

// Provider is a mock implementation of tts.Provider and tts.Connector.
type Provider struct {
	mu sync.Mutex

	// SynthesizeChunks, when non-nil, replaces the echo behaviour: the chunks
	// are emitted once the text channel closes.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// SynthesizeFunc, when set, overrides all other synthesis behaviour.
	SynthesizeFunc func(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error)

	// ListVoicesResult and ListVoicesErr are returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	// ConnectErr, if non-nil, is returned from Connect.
	ConnectErr error

	SynthesizeStreamCalls []SynthesizeStreamCall
	ListVoicesCallCount   int
	conns                 []*Conn
}

var (
	_ tts.Provider  = (*Provider)(nil)
	_ tts.Connector = (*Provider)(nil)
	_ tts.Conn      = (*Conn)(nil)
)

// SynthesizeStream records the call and starts the configured behaviour.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	call := SynthesizeStreamCall{Ctx: ctx, Voice: voice, mu: &sync.Mutex{}, fragments: new([]string)}
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, call)
	fn := p.SynthesizeFunc
	err := p.SynthesizeErr
	var chunks [][]byte
	if p.SynthesizeChunks != nil {
		chunks = append([][]byte(nil), p.SynthesizeChunks...)
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					for _, c := range chunks {
						select {
						case out <- c:
						case <-ctx.Done():
							return
						}
					}
					return
				}
				call.mu.Lock()
				*call.fragments = append(*call.fragments, fragment)
				call.mu.Unlock()
				if chunks != nil || fragment == "" {
					continue
				}
				select {
				case out <- []byte(fragment):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCallCount++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Connect returns a new Conn that synthesizes through p.
func (p *Provider) Connect(context.Context) (tts.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := &Conn{p: p}
	p.conns = append(p.conns, c)
	return c, nil
}

// Calls returns a copy of the recorded SynthesizeStream calls.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeStreamCall(nil), p.SynthesizeStreamCalls...)
}

// Conns returns the connections handed out by Connect.
func (p *Provider) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.conns...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.ListVoicesCallCount = 0
	p.conns = nil
}

// Conn is a mock tts.Conn that delegates to its Provider.
type Conn struct {
	p *Provider

	mu         sync.Mutex
	uses       int
	closeCalls int
}

// Synthesize records the use and delegates to Provider.SynthesizeStream.
func (c *Conn) Synthesize(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	c.mu.Lock()
	c.uses++
	c.mu.Unlock()
	return c.p.SynthesizeStream(ctx, text, voice)
}

// Close records the call.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

// Uses returns how many utterances ran on this connection.
func (c *Conn) Uses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uses
}

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
