// Package dashscope provides a streaming synthesis provider for the
// DashScope CosyVoice service over the duplex task protocol.
//
// Every utterance is one task: run-task, a continue-task per text fragment,
// then finish-task. The service answers with binary audio frames and a
// task-finished event. Provider dials a fresh connection per utterance;
// Connect returns a persistent connection that runs utterances back to back,
// which avoids the TLS and WebSocket handshake on the first audible frame.
package dashscope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicechat/pkg/provider/dashscope/duplex"
	"github.com/MrWong99/voicechat/pkg/provider/tts"
)

const (
	defaultModel      = "cosyvoice-v1"
	defaultVoice      = "longxiaochun"
	defaultFormat     = "pcm"
	defaultSampleRate = 16000
	defaultVolume     = 50

	startTimeout = 10 * time.Second
)

var (
	_ tts.Provider  = (*Provider)(nil)
	_ tts.Connector = (*Provider)(nil)
	_ tts.Conn      = (*Conn)(nil)
)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel sets the synthesis model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the duplex WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithVoice sets the default voice used when a VoiceProfile has no ID.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithSampleRate sets the default output sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements tts.Provider and tts.Connector.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	voice      string
	sampleRate int
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("dashscope: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   duplex.DefaultEndpoint,
		model:      defaultModel,
		voice:      defaultVoice,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SynthesizeStream dials a dedicated connection for one utterance and closes
// it when the utterance ends.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	conn, err := duplex.Dial(ctx, p.endpoint, p.apiKey)
	if err != nil {
		return nil, err
	}
	audio, err := p.runTask(ctx, conn, text, voice, func(bool) { _ = conn.Close() })
	if err != nil {
		_ = conn.CloseNow()
		return nil, err
	}
	return audio, nil
}

// ListVoices returns the built-in CosyVoice timbres this provider knows.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	voices := make([]tts.VoiceProfile, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		voices = append(voices, tts.VoiceProfile{
			ID:       v.id,
			Name:     v.name,
			Provider: "dashscope",
			Metadata: map[string]string{"language": v.language},
		})
	}
	return voices, nil
}

var builtinVoices = []struct{ id, name, language string }{
	{"longxiaochun", "Long Xiaochun", "zh"},
	{"longxiaoxia", "Long Xiaoxia", "zh"},
	{"longwan", "Long Wan", "zh"},
	{"longcheng", "Long Cheng", "zh"},
	{"longhua", "Long Hua", "zh"},
	{"loongstella", "Stella", "en"},
}

// Connect opens a persistent connection for pooled use.
func (p *Provider) Connect(ctx context.Context) (tts.Conn, error) {
	conn, err := duplex.Dial(ctx, p.endpoint, p.apiKey)
	if err != nil {
		return nil, err
	}
	return &Conn{p: p, conn: conn}, nil
}

func (p *Provider) taskPayload(voice tts.VoiceProfile) duplex.Payload {
	id := voice.ID
	if id == "" {
		id = p.voice
	}
	sr := voice.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	format := voice.Format
	if format == "" {
		format = defaultFormat
	}
	volume := voice.Volume
	if volume == 0 {
		volume = defaultVolume
	}
	rate := voice.SpeedFactor
	if rate == 0 {
		rate = 1
	}
	// CosyVoice takes pitch as a multiplier in [0.5, 2]; the profile carries
	// semitone-like steps in [-10, 10].
	pitch := 1 + voice.PitchShift/20

	return duplex.Payload{
		TaskGroup: "audio",
		Task:      "tts",
		Function:  "SpeechSynthesizer",
		Model:     p.model,
		Parameters: map[string]any{
			"text_type":   "PlainText",
			"voice":       id,
			"format":      format,
			"sample_rate": sr,
			"volume":      volume,
			"rate":        rate,
			"pitch":       pitch,
		},
	}
}

// runTask starts one synthesis task on conn and returns its audio stream.
// onDone runs after the task has ended, whatever the reason, and before the
// audio channel is closed; clean reports whether the task finished normally
// and the socket is still usable.
func (p *Provider) runTask(ctx context.Context, conn *duplex.Conn, text <-chan string, voice tts.VoiceProfile, onDone func(clean bool)) (<-chan []byte, error) {
	taskID := uuid.NewString()
	if err := conn.RunTask(ctx, taskID, p.taskPayload(voice)); err != nil {
		return nil, err
	}

	started := make(chan struct{})
	audio := make(chan []byte, 256)
	readDone := make(chan struct{})
	var finished bool

	go func() {
		defer close(readDone)
		var startOnce sync.Once
		markStarted := func() { startOnce.Do(func() { close(started) }) }
		defer markStarted()

		for {
			msg, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("dashscope tts: task ended with error", "task_id", taskID, "err", err)
				}
				return
			}
			if msg.Audio != nil {
				select {
				case audio <- msg.Audio:
				case <-ctx.Done():
					return
				}
				continue
			}
			switch msg.Header.Event {
			case duplex.EventTaskStarted:
				markStarted()
			case duplex.EventTaskFinished:
				finished = true
				return
			}
		}
	}()

	go func() {
		// A closed audio channel tells the caller the connection is free
		// again, so it may only close once onDone has released it.
		defer func() {
			<-readDone
			onDone(finished && ctx.Err() == nil)
			close(audio)
		}()

		startCtx, cancel := context.WithTimeout(ctx, startTimeout)
		select {
		case <-started:
			cancel()
		case <-startCtx.Done():
			cancel()
			slog.Warn("dashscope tts: task did not start", "task_id", taskID)
			_ = conn.CloseNow()
			return
		}

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					if err := conn.FinishTask(ctx, taskID); err != nil && ctx.Err() == nil {
						slog.Warn("dashscope tts: finish-task failed", "task_id", taskID, "err", err)
					}
					return
				}
				if fragment == "" {
					continue
				}
				if err := conn.ContinueTask(ctx, taskID, map[string]any{"text": fragment}); err != nil {
					if ctx.Err() == nil {
						slog.Warn("dashscope tts: continue-task failed", "task_id", taskID, "err", err)
					}
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return audio, nil
}

// Conn is a persistent synthesis connection. A cancelled utterance breaks the
// underlying socket; the next Synthesize call redials transparently.
type Conn struct {
	p *Provider

	mu     sync.Mutex
	conn   *duplex.Conn
	busy   bool
	broken bool
	closed bool
}

// Synthesize runs one utterance on the connection.
func (c *Conn) Synthesize(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("dashscope: connection closed")
	}
	if c.busy {
		c.mu.Unlock()
		return nil, tts.ErrConnBusy
	}
	c.busy = true
	conn := c.conn
	broken := c.broken
	c.mu.Unlock()

	if broken || conn == nil {
		fresh, err := duplex.Dial(ctx, c.p.endpoint, c.p.apiKey)
		if err != nil {
			c.release(false)
			return nil, fmt.Errorf("dashscope: redial: %w", err)
		}
		c.mu.Lock()
		c.conn, c.broken = fresh, false
		c.mu.Unlock()
		conn = fresh
	}

	audio, err := c.p.runTask(ctx, conn, text, voice, func(clean bool) {
		// Cancelling a read closes a coder/websocket connection, so only a
		// normally finished task leaves the socket reusable.
		c.release(!clean)
	})
	if err != nil {
		c.release(true)
		return nil, err
	}
	return audio, nil
}

func (c *Conn) release(broken bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if broken {
		c.broken = true
		if c.conn != nil {
			_ = c.conn.CloseNow()
		}
	}
}

// Close releases the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
