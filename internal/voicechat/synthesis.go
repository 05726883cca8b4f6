package voicechat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/pkg/provider/tts"
)

// unitTextBacklog is how many text deltas a synthesis unit buffers while its
// vendor stream is still being opened.
const unitTextBacklog = 64

// openFunc starts one vendor utterance for chatID. release is called once the
// vendor stream has fully ended.
type openFunc func(ctx context.Context, chatID string, text <-chan string) (audio <-chan []byte, release func(), err error)

// synthesizer owns the synthesis units of one session run. Every chat gets
// at most one unit; once a unit is closed its chat is retired and later
// feeds for it are ignored, so each chat produces exactly one frame stream
// 0, 1, …, N, -1.
type synthesizer struct {
	sessionID string
	vendor    string
	queue     *frameQueue
	open      openFunc
	metrics   *observe.Metrics
	dumpDir   string

	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.Mutex
	units    map[string]*synthUnit
	reserved map[string]bool
	retired  map[string]bool
}

// synthUnit is the synthesis state of one chat.
type synthUnit struct {
	chatID string
	ctx    context.Context
	cancel context.CancelFunc

	// inMu serialises feeds against the flush that closes text.
	inMu     sync.Mutex
	text     chan string
	inClosed bool

	// Guarded by synthesizer.mu.
	next  int
	done  bool
	fedAt time.Time

	dump  *pcmDump
	stats *throughput
}

func newSynthesizer(ctx context.Context, sessionID, vendor string, q *frameQueue, open openFunc, m *observe.Metrics, dumpDir string) *synthesizer {
	return &synthesizer{
		sessionID: sessionID,
		vendor:    vendor,
		queue:     q,
		open:      open,
		metrics:   m,
		dumpDir:   dumpDir,
		ctx:       ctx,
		units:     make(map[string]*synthUnit),
		reserved:  make(map[string]bool),
		retired:   make(map[string]bool),
	}
}

// providerOpener opens one dedicated vendor stream per utterance.
func providerOpener(p tts.Provider, voice tts.VoiceProfile) openFunc {
	return func(ctx context.Context, _ string, text <-chan string) (<-chan []byte, func(), error) {
		audio, err := p.SynthesizeStream(ctx, text, voice)
		if err != nil {
			return nil, nil, err
		}
		return audio, func() {}, nil
	}
}

// poolOpener runs utterances on the pooled connection bound to the chat.
func poolOpener(pool *connPool, voice tts.VoiceProfile) openFunc {
	return func(ctx context.Context, chatID string, text <-chan string) (<-chan []byte, func(), error) {
		conn, err := pool.Acquire(ctx, chatID)
		if err != nil {
			return nil, nil, err
		}
		audio, err := conn.Synthesize(ctx, text, voice)
		if err != nil {
			pool.Release(chatID)
			return nil, nil, err
		}
		return audio, func() { pool.Release(chatID) }, nil
	}
}

// Reserve registers a chat that is about to produce text. A reserved chat
// is swept by ForceCloseAll even before its first Feed.
func (s *synthesizer) Reserve(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.retired[chatID] && s.units[chatID] == nil {
		s.reserved[chatID] = true
	}
}

// Feed queues text for chatID, starting its unit on first use.
func (s *synthesizer) Feed(chatID, text string) {
	if text == "" {
		return
	}
	u := s.unit(chatID)
	if u == nil {
		return
	}
	u.inMu.Lock()
	defer u.inMu.Unlock()
	if u.inClosed {
		return
	}
	s.mu.Lock()
	if u.fedAt.IsZero() {
		u.fedAt = time.Now()
	}
	s.mu.Unlock()
	select {
	case u.text <- text:
	case <-u.ctx.Done():
	}
}

// unit returns the live unit of chatID, creating it if the chat has not been
// retired. It returns nil for a retired chat.
func (s *synthesizer) unit(chatID string) *synthUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired[chatID] {
		return nil
	}
	if u, ok := s.units[chatID]; ok {
		return u
	}
	if s.ctx.Err() != nil {
		return nil
	}
	delete(s.reserved, chatID)

	ctx, cancel := context.WithCancel(s.ctx)
	u := &synthUnit{
		chatID: chatID,
		ctx:    ctx,
		cancel: cancel,
		text:   make(chan string, unitTextBacklog),
		stats:  newThroughput("voicechat: tts output", 10, "session_id", s.sessionID, "chat_id", chatID),
	}
	if s.dumpDir != "" {
		d, err := openDump(s.dumpDir, s.sessionID, chatID)
		if err != nil {
			slog.Warn("voicechat: pcm dump disabled", "chat_id", chatID, "err", err)
		} else {
			u.dump = d
		}
	}
	s.units[chatID] = u
	s.wg.Add(1)
	go s.run(u)
	return u
}

// run opens the vendor stream and turns its audio into frames.
func (s *synthesizer) run(u *synthUnit) {
	defer s.wg.Done()
	log := slog.With("session_id", s.sessionID, "chat_id", u.chatID, "vendor", s.vendor)

	audio, release, err := s.open(u.ctx, u.chatID, u.text)
	if err != nil {
		if u.ctx.Err() == nil {
			log.Error("voicechat: start synthesis", "err", err)
			s.metrics.RecordProviderError(u.ctx, s.vendor, "tts")
		}
		s.finish(u)
		return
	}
	s.metrics.RecordProviderRequest(u.ctx, s.vendor, "tts", "ok")
	log.Debug("voicechat: synthesis started")

	for {
		select {
		case chunk, ok := <-audio:
			if !ok {
				release()
				s.finish(u)
				log.Debug("voicechat: synthesis complete")
				return
			}
			s.emit(u, chunk)
		case <-u.ctx.Done():
			s.finish(u)
			// The vendor closes audio once it has observed the cancellation;
			// only then may a pooled connection run the next utterance.
			go func() {
				for range audio {
				}
				release()
			}()
			return
		}
	}
}

// emit enqueues one audio chunk unless the unit already ended.
func (s *synthesizer) emit(u *synthUnit, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	if u.done {
		s.mu.Unlock()
		return
	}
	idx := u.next
	u.next++
	if idx == FirstIndex && !u.fedAt.IsZero() {
		s.metrics.TTSTimeToFirstAudio.Record(u.ctx, time.Since(u.fedAt).Seconds())
	}
	s.queue.push(OutputFrame{ChatID: u.chatID, Index: idx, Payload: chunk})
	s.mu.Unlock()

	u.stats.add(len(chunk))
	if u.dump != nil {
		if err := u.dump.write(chunk); err != nil {
			slog.Warn("voicechat: write pcm dump", "chat_id", u.chatID, "err", err)
		}
	}
}

// finish retires the unit and enqueues its terminal frame exactly once.
func (s *synthesizer) finish(u *synthUnit) {
	s.mu.Lock()
	if u.done {
		s.mu.Unlock()
		return
	}
	u.done = true
	if s.units[u.chatID] == u {
		delete(s.units, u.chatID)
	}
	s.retired[u.chatID] = true
	s.queue.push(endFrame(u.chatID))
	s.mu.Unlock()

	u.cancel()
	if u.dump != nil {
		if err := u.dump.close(); err != nil {
			slog.Warn("voicechat: close pcm dump", "chat_id", u.chatID, "err", err)
		}
	}
}

// FlushAndClose ends the text input of chatID. The unit's terminal frame is
// enqueued once the vendor has delivered the remaining audio. A chat that
// never fed any text is simply retired.
func (s *synthesizer) FlushAndClose(chatID string) {
	s.mu.Lock()
	u, ok := s.units[chatID]
	if !ok {
		delete(s.reserved, chatID)
		s.retired[chatID] = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	u.inMu.Lock()
	defer u.inMu.Unlock()
	if !u.inClosed {
		u.inClosed = true
		close(u.text)
	}
}

// ForceClose tears down the unit of chatID immediately. Its terminal frame
// is enqueued before ForceClose returns.
func (s *synthesizer) ForceClose(chatID string) {
	s.mu.Lock()
	u, ok := s.units[chatID]
	if !ok {
		delete(s.reserved, chatID)
		s.retired[chatID] = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	u.cancel()
	s.finish(u)
}

// ForceCloseAll force closes every live unit and retires every reserved
// chat. It returns the chat ids whose units were closed.
func (s *synthesizer) ForceCloseAll() []string {
	s.mu.Lock()
	units := make([]*synthUnit, 0, len(s.units))
	for _, u := range s.units {
		units = append(units, u)
	}
	for id := range s.reserved {
		s.retired[id] = true
	}
	clear(s.reserved)
	s.mu.Unlock()

	ids := make([]string, 0, len(units))
	for _, u := range units {
		u.cancel()
		s.finish(u)
		ids = append(ids, u.chatID)
	}
	return ids
}

// Active returns the number of live units.
func (s *synthesizer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// Close force closes all units and waits for their goroutines.
func (s *synthesizer) Close() {
	s.ForceCloseAll()
	s.wg.Wait()
}
