// Package voicechat orchestrates one real-time voice chat call.
//
// A [Session] is bound to one client connection. After a SessionStart
// directive it streams the client's audio into a recognizer, segments the
// transcripts into utterances, answers every utterance with a streaming chat
// completion, synthesizes the reply, and releases the audio to the client at
// playback speed. New speech interrupts the reply that is playing
// (barge-in).
//
// Goroutines of a running session:
//
//   - the caller's read loop: HandleText and HandleAudio,
//   - the recognizer pump and the consumer that segments its results,
//   - one chat worker per utterance, bounded by a semaphore,
//   - one synthesis goroutine per chat,
//   - the pacer, the only consumer of the output frame queue.
package voicechat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/pkg/memory"
	"github.com/MrWong99/voicechat/pkg/protocol"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
	"github.com/MrWong99/voicechat/pkg/provider/stt"
	"github.com/MrWong99/voicechat/pkg/provider/tts"
)

// DefaultWorkerPoolSize bounds the concurrently running chat jobs of one
// session.
const DefaultWorkerPoolSize = 5

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds everything a Session needs besides its transport. Providers
// and stores are shared read-only between sessions.
type Config struct {
	Providers Providers
	LLM       llm.Provider
	LLMName   string
	History   memory.HistoryStore
	Chat      ChatSettings

	// WorkerPoolSize bounds concurrent chat jobs. Zero means
	// DefaultWorkerPoolSize.
	WorkerPoolSize int

	// PacerSlack is subtracted from every frame's sleep. Negative disables
	// it; zero means DefaultPacerSlack.
	PacerSlack time.Duration

	// TTSPoolSize is the number of pooled synthesis connections used when
	// the selected vendor implements tts.Connector. Zero disables pooling.
	TTSPoolSize int

	DefaultModalities      []protocol.Modality
	EmitPartialTranscripts bool

	// DumpDir, when set, receives one PCM file per synthesized chat.
	DumpDir string

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Session is the voice chat state machine of one connection.
//
// HandleText, HandleAudio, Stop and Close are safe for concurrent use, but
// are normally called from the connection's read loop only.
type Session struct {
	cfg       Config
	transport Transport
	emit      emitFunc

	mu    sync.Mutex
	state State
	run   *sessionRun
}

// NewSession creates an IDLE session that talks to the client through t.
func NewSession(cfg Config, t Transport) *Session {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}
	switch {
	case cfg.PacerSlack == 0:
		cfg.PacerSlack = DefaultPacerSlack
	case cfg.PacerSlack < 0:
		cfg.PacerSlack = 0
	}
	if len(cfg.DefaultModalities) == 0 {
		cfg.DefaultModalities = []protocol.Modality{protocol.ModalityAudio, protocol.ModalityText}
	}
	if cfg.History == nil {
		cfg.History = memory.NewLocalStore(0)
	}
	return &Session{cfg: cfg, transport: t, emit: newEmitter(t)}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the id of the running session, or "" while IDLE.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return ""
	}
	return s.run.id
}

// HandleText dispatches one directive. Malformed directives are reported as
// errors wrapping ErrInvalidDirective or protocol.ErrInvalidPayload; the
// session itself is unaffected by them.
func (s *Session) HandleText(ctx context.Context, data []byte) error {
	req, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	switch req.Directive {
	case protocol.DirectiveSessionStart:
		start, err := protocol.DecodeStart(req.Payload, protocol.Defaults{
			Modalities: s.cfg.DefaultModalities,
			ASRVendor:  s.cfg.Providers.DefaultSTT,
			TTSVendor:  s.cfg.Providers.DefaultTTS,
		})
		if err != nil {
			return err
		}
		return s.Start(ctx, start)
	case protocol.DirectiveSessionStop:
		stop, err := protocol.DecodeStop(req.Payload)
		if err != nil {
			return err
		}
		if id := s.ID(); id != "" && stop.SessionID != "" && stop.SessionID != id {
			slog.Warn("voicechat: stop for another session id", "session_id", id, "requested", stop.SessionID)
		}
		return s.stop(ctx, stop.SessionID)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDirective, req.Directive)
	}
}

// Start moves an IDLE session to RUNNING and emits SessionStarted.
func (s *Session) Start(ctx context.Context, start protocol.SessionStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrAlreadyRunning
	}

	run, err := s.newRun(ctx, start)
	if err != nil {
		return err
	}
	s.run = run
	s.state = StateRunning
	s.cfg.Metrics.ActiveSessions.Add(ctx, 1)

	go s.watch(run)

	slog.Info("voicechat: session started",
		"session_id", run.id,
		"asr_vendor", start.Upstream.ASRVendor,
		"tts_vendor", start.Downstream.TTSVendor,
		"modalities", start.Downstream.Modalities,
	)
	return s.emit(ctx, protocol.EventSessionStarted, protocol.SessionPayload{SessionID: run.id})
}

// HandleAudio forwards one chunk of PCM to the recognizer. Audio received
// while IDLE is dropped.
func (s *Session) HandleAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		slog.Debug("voicechat: audio ignored while idle", "bytes", len(chunk))
		return nil
	}
	err := run.recognizer.Send(chunk)
	switch {
	case err == nil, errors.Is(err, errRecognizerDown):
		// A dead recognizer was reported once when it went down.
	default:
		slog.Warn("voicechat: forward audio", "session_id", run.id, "err", err)
	}
	return nil
}

// Stop tears a RUNNING session down and emits SessionStopped. On an IDLE
// session it only emits SessionStopped.
func (s *Session) Stop(ctx context.Context) error {
	return s.stop(ctx, "")
}

// stop implements Stop. id names the session in the SessionStopped event
// when there is no running session to take it from.
func (s *Session) stop(ctx context.Context, id string) error {
	s.mu.Lock()
	run := s.detach()
	s.mu.Unlock()

	if run != nil {
		run.teardown()
		s.cfg.Metrics.ActiveSessions.Add(ctx, -1)
		id = run.id
		slog.Info("voicechat: session stopped", "session_id", id)
	}
	return s.emit(ctx, protocol.EventSessionStopped, protocol.SessionPayload{SessionID: id})
}

// Close tears the session down without notifying the client. It is used
// when the transport is gone and is a no-op while IDLE.
func (s *Session) Close() {
	s.mu.Lock()
	run := s.detach()
	s.mu.Unlock()
	if run == nil {
		return
	}
	run.teardown()
	s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("voicechat: session closed", "session_id", run.id)
}

// detach returns the running run and moves the session to IDLE. The caller
// holds s.mu.
func (s *Session) detach() *sessionRun {
	run := s.run
	s.run = nil
	s.state = StateIdle
	return run
}

// watch tears the session down when one of its goroutines fails, which only
// happens when the client can no longer be reached.
func (s *Session) watch(run *sessionRun) {
	<-run.done
	if run.err == nil {
		return
	}
	s.mu.Lock()
	if s.run != run {
		s.mu.Unlock()
		return
	}
	s.detach()
	s.mu.Unlock()

	slog.Error("voicechat: session failed", "session_id", run.id, "err", run.err)
	run.teardown()
	ctx := context.Background()
	s.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	if err := s.emit(ctx, protocol.EventSessionStopped, protocol.SessionPayload{SessionID: run.id}); err != nil {
		slog.Debug("voicechat: emit stopped after failure", "session_id", run.id, "err", err)
	}
}

// sessionRun is the state owned by one RUNNING period of a session.
type sessionRun struct {
	id     string
	start  protocol.SessionStart
	cfg    *Config
	emit   emitFunc
	cancel context.CancelFunc

	queue      *frameQueue
	tokens     *cancelTokens
	segmenter  *Segmenter
	recognizer *recognizer
	synth      *synthesizer
	pool       *connPool
	dispatcher *dispatcher

	done         chan struct{}
	err          error
	teardownOnce sync.Once
}

func (s *Session) newRun(ctx context.Context, start protocol.SessionStart) (*sessionRun, error) {
	sttP, err := s.cfg.Providers.Recognizer(start.Upstream.ASRVendor)
	if err != nil {
		return nil, err
	}
	audioOut := start.Has(protocol.ModalityAudio)
	var ttsP tts.Provider
	if audioOut {
		if ttsP, err = s.cfg.Providers.Synthesizer(start.Downstream.TTSVendor); err != nil {
			return nil, err
		}
	}

	// The run outlives the directive that started it; it keeps the caller's
	// values but is cancelled only by teardown.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &sessionRun{
		id:     start.SessionID,
		start:  start,
		cfg:    &s.cfg,
		emit:   s.emit,
		cancel: cancel,
		queue:  newFrameQueue(),
		tokens: newCancelTokens(),
		done:   make(chan struct{}),
	}

	var fastVAD time.Duration
	if v := start.Upstream.ASROptions.FastVADMaxDuration; v != nil {
		fastVAD = time.Duration(*v) * time.Millisecond
	}
	run.segmenter = NewSegmenter(fastVAD)

	if audioOut {
		voice := voiceProfile(start.Downstream)
		open := providerOpener(ttsP, voice)
		if conn, ok := ttsP.(tts.Connector); ok && s.cfg.TTSPoolSize > 0 {
			pool, err := newConnPool(runCtx, conn, s.cfg.TTSPoolSize)
			if err != nil {
				slog.Warn("voicechat: synthesis pool unavailable, using one connection per chat", "session_id", run.id, "err", err)
			} else {
				run.pool = pool
				open = poolOpener(pool, voice)
			}
		}
		run.synth = newSynthesizer(runCtx, run.id, start.Downstream.TTSVendor, run.queue, open, s.cfg.Metrics, s.cfg.DumpDir)
	}

	run.recognizer, err = startRecognizer(runCtx, sttP, stt.StreamConfig{
		SampleRate: start.Upstream.ASROptions.SampleRate,
		Channels:   1,
		Format:     start.Upstream.ASROptions.Format,
		Language:   start.Upstream.ASROptions.Language,
		Model:      start.Upstream.ASROptions.Model,
	}, run.id)
	if err != nil {
		s.cfg.Metrics.RecordProviderError(ctx, start.Upstream.ASRVendor, "stt")
		if run.synth != nil {
			run.synth.Close()
		}
		if run.pool != nil {
			run.pool.Close()
		}
		cancel()
		return nil, err
	}

	g, gctx := errgroup.WithContext(runCtx)
	run.dispatcher = &dispatcher{
		sessionID: run.id,
		llm:       s.cfg.LLM,
		llmName:   s.cfg.LLMName,
		history:   s.cfg.History,
		settings:  s.cfg.Chat,
		tools:     start.Parameters.EnableToolCall,
		text:      start.Has(protocol.ModalityText),
		tokens:    run.tokens,
		synth:     run.synth,
		emit:      s.emit,
		metrics:   s.cfg.Metrics,
		sem:       semaphore.NewWeighted(int64(s.cfg.WorkerPoolSize)),
	}
	p := &pacer{
		sessionID:  run.id,
		queue:      run.queue,
		tokens:     run.tokens,
		transport:  s.transport,
		emit:       s.emit,
		sampleRate: start.Downstream.TTSOptions.SampleRate,
		slack:      s.cfg.PacerSlack,
		metrics:    s.cfg.Metrics,
	}
	g.Go(func() error { return p.run(gctx) })
	g.Go(func() error { return run.consume(gctx) })
	go func() {
		err := g.Wait()
		if runCtx.Err() == nil {
			run.err = err
		}
		close(run.done)
	}()
	return run, nil
}

// consume applies every recognizer result in arrival order.
func (r *sessionRun) consume(ctx context.Context) error {
	events := r.recognizer.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				// The recognizer reports its own end.
				return nil
			}
			r.onRecognized(ctx, ev)
		}
	}
}

func (r *sessionRun) onRecognized(ctx context.Context, ev recognizerResult) {
	seg := r.segmenter.Observe(ev.SentenceEnd, ev.Text)
	slog.Info("voicechat: asr event",
		"session_id", r.id,
		"end", ev.SentenceEnd,
		"sentence_id", seg.Event.SentenceID,
		"text", ev.Text,
	)

	r.bargeIn(ctx)
	for _, id := range seg.Superseded {
		r.tokens.cancel(id)
	}

	if seg.Commit == nil {
		if r.cfg.EmitPartialTranscripts {
			r.send(ctx, protocol.EventAudioTranscript, protocol.TranscriptPayload{
				SessionID: r.id,
				Text:      ev.Text,
				Partial:   true,
			})
		}
		return
	}

	job := *seg.Commit
	if r.synth != nil {
		r.synth.Reserve(job.ChatID)
	}
	r.send(ctx, protocol.EventAudioTranscript, protocol.TranscriptPayload{SessionID: r.id, Text: job.Query})
	r.dispatcher.Dispatch(ctx, job)
}

// bargeIn stops whatever is being spoken: every synthesis unit is force
// closed and undelivered frames are dropped. One terminal frame is put back
// per interrupted chat so the pacer can end streams it already announced.
func (r *sessionRun) bargeIn(ctx context.Context) {
	var closed []string
	if r.synth != nil {
		closed = r.synth.ForceCloseAll()
	}
	dropped := r.queue.drain()
	if len(closed) == 0 && len(dropped) == 0 {
		return
	}

	var (
		ended []string
		seen  = make(map[string]bool)
		audio int64
	)
	for _, f := range dropped {
		if !f.IsEnd() {
			audio++
		}
		if !seen[f.ChatID] {
			seen[f.ChatID] = true
			ended = append(ended, f.ChatID)
		}
	}
	for _, id := range ended {
		r.queue.push(endFrame(id))
	}

	r.cfg.Metrics.BargeIns.Add(ctx, 1)
	r.cfg.Metrics.FramesDropped.Add(ctx, audio)
	slog.Info("voicechat: barge-in", "session_id", r.id, "closed", closed, "dropped_frames", audio)
}

func (r *sessionRun) send(ctx context.Context, name protocol.EventName, payload any) {
	if err := r.emit(ctx, name, payload); err != nil && ctx.Err() == nil {
		slog.Debug("voicechat: emit event", "session_id", r.id, "event", name, "err", err)
	}
}

// teardown cancels every chat, synthesis unit, and goroutine of the run and
// waits for them. It is idempotent.
func (r *sessionRun) teardown() {
	r.teardownOnce.Do(func() {
		if r.synth != nil {
			r.synth.ForceCloseAll()
		}
		r.recognizer.Stop()
		r.cancel()
		<-r.done
		r.dispatcher.Wait()
		if r.synth != nil {
			r.synth.Close()
		}
		if n := len(r.queue.drain()); n > 0 {
			slog.Debug("voicechat: dropped queued frames on stop", "session_id", r.id, "frames", n)
		}
		if r.pool != nil {
			r.pool.Close()
		}
	})
}

func voiceProfile(d protocol.Downstream) tts.VoiceProfile {
	o := d.TTSOptions
	v := tts.VoiceProfile{
		ID:          o.Voice,
		Provider:    d.TTSVendor,
		SpeedFactor: o.SpeechRate,
		Volume:      o.Volume,
		SampleRate:  o.SampleRate,
		Format:      o.Format,
	}
	if o.PitchRate != 0 {
		v.PitchShift = (o.PitchRate - 1) * 20
	}
	if o.Model != "" {
		v.Metadata = map[string]string{"model": o.Model}
	}
	return v
}
