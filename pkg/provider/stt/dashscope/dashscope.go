// Package dashscope provides a realtime recognition provider for the
// DashScope paraformer/gummy ASR service over the duplex task protocol.
package dashscope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicechat/pkg/provider/dashscope/duplex"
	"github.com/MrWong99/voicechat/pkg/provider/stt"
)

const (
	defaultModel      = "paraformer-realtime-v2"
	defaultSampleRate = 16000
	defaultFormat     = "pcm"

	startTimeout  = 10 * time.Second
	finishTimeout = 5 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel sets the recognition model.
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

// WithSampleRate sets the default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithLanguageHints sets the default language hints (e.g. "zh", "en").
func WithLanguageHints(hints ...string) Option {
	return func(p *Provider) {
		p.languageHints = hints
	}
}

// Provider implements stt.Provider for DashScope realtime recognition.
type Provider struct {
	apiKey        string
	endpoint      string
	model         string
	sampleRate    int
	languageHints []string
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
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials the service, runs a recognition task, and waits for the
// task to start before returning.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	conn, err := duplex.Dial(ctx, p.endpoint, p.apiKey)
	if err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	if err := conn.RunTask(ctx, taskID, p.taskPayload(cfg)); err != nil {
		conn.CloseNow()
		return nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := awaitStarted(startCtx, conn); err != nil {
		conn.CloseNow()
		return nil, err
	}

	s := &session{
		conn:        conn,
		taskID:      taskID,
		transcripts: make(chan stt.Transcript, 64),
		audio:       make(chan []byte, 256),
		done:        make(chan struct{}),
		readDone:    make(chan struct{}),
		writeDone:   make(chan struct{}),
	}
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

func (p *Provider) taskPayload(cfg stt.StreamConfig) duplex.Payload {
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	format := cfg.Format
	if format == "" {
		format = defaultFormat
	}
	params := map[string]any{
		"format":      format,
		"sample_rate": sr,
	}
	hints := p.languageHints
	if cfg.Language != "" {
		hints = []string{cfg.Language}
	}
	if len(hints) > 0 {
		params["language_hints"] = hints
	}
	return duplex.Payload{
		TaskGroup:  "audio",
		Task:       "asr",
		Function:   "recognition",
		Model:      model,
		Parameters: params,
	}
}

func awaitStarted(ctx context.Context, conn *duplex.Conn) error {
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch msg.Header.Event {
		case duplex.EventTaskStarted:
			return nil
		case duplex.EventTaskFinished:
			return fmt.Errorf("%w: task finished before start", duplex.ErrUnexpectedEvent)
		}
	}
}

// ── session ──

type sentence struct {
	Text      string `json:"text"`
	BeginTime int64  `json:"begin_time"`
	EndTime   *int64 `json:"end_time"`
}

type resultPayload struct {
	Output struct {
		Sentence sentence `json:"sentence"`
	} `json:"output"`
}

// parseResult extracts a transcript from a result-generated payload. A
// sentence is final once the service has assigned its end time.
func parseResult(raw json.RawMessage) (stt.Transcript, bool) {
	var p resultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return stt.Transcript{}, false
	}
	s := p.Output.Sentence
	t := stt.Transcript{
		Text:    s.Text,
		IsFinal: s.EndTime != nil,
		Start:   time.Duration(s.BeginTime) * time.Millisecond,
	}
	if s.EndTime != nil {
		t.End = time.Duration(*s.EndTime) * time.Millisecond
	}
	return t, true
}

type session struct {
	conn        *duplex.Conn
	taskID      string
	transcripts chan stt.Transcript
	audio       chan []byte

	done      chan struct{}
	readDone  chan struct{}
	writeDone chan struct{}
	once      sync.Once
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Transcripts() <-chan stt.Transcript { return s.transcripts }

// Close flushes queued audio, finishes the task, waits for task-finished for
// a bounded time, and closes the connection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		<-s.writeDone

		ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		defer cancel()
		if err := s.conn.FinishTask(ctx, s.taskID); err != nil {
			slog.Debug("dashscope asr: finish-task failed", "task_id", s.taskID, "err", err)
		}
		select {
		case <-s.readDone:
		case <-ctx.Done():
		}
		_ = s.conn.CloseNow()
		<-s.readDone
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer close(s.writeDone)
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.SendAudio(ctx, chunk); err != nil {
				slog.Warn("dashscope asr: send audio failed", "task_id", s.taskID, "err", err)
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.SendAudio(ctx, chunk)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.transcripts)

	for {
		msg, err := s.conn.Read(ctx)
		if err != nil {
			var te *duplex.TaskError
			if errors.As(err, &te) {
				slog.Warn("dashscope asr: task failed", "task_id", te.TaskID, "code", te.Code, "message", te.Message)
			}
			return
		}
		switch msg.Header.Event {
		case duplex.EventResultGenerated:
			t, ok := parseResult(msg.Payload)
			if !ok {
				continue
			}
			select {
			case s.transcripts <- t:
			case <-ctx.Done():
				return
			}
		case duplex.EventTaskFinished:
			return
		}
	}
}
