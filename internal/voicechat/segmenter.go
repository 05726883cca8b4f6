package voicechat

import (
	"strconv"
	"strings"
	"time"
)

// AsrEvent is one recognizer result as seen by the segmenter.
type AsrEvent struct {
	At          time.Time
	Text        string
	SentenceID  string
	SentenceEnd bool
}

// ChatJob is a committed utterance handed to the dispatcher.
type ChatJob struct {
	ChatID string
	Query  string
}

// Segmentation is the outcome of feeding one recognizer result to a
// Segmenter.
type Segmentation struct {
	// Event is the recorded event with its assigned sentence id.
	Event AsrEvent

	// Superseded lists sentence ids whose chats must be cancelled because
	// the new utterance coalesces with them.
	Superseded []string

	// Commit is set when the result ended a sentence.
	Commit *ChatJob
}

// SegmenterOption configures a Segmenter.
type SegmenterOption func(*Segmenter)

// WithClock sets the time source used to stamp events.
func WithClock(now func() time.Time) SegmenterOption {
	return func(s *Segmenter) {
		s.now = now
	}
}

// Segmenter turns a stream of partial and final recognizer results into
// committed utterances.
//
// Sentence ids start at "0" and advance by one after every sentence end.
// When the next result arrives less than fastVADMax after a sentence end,
// the two are coalesced: the earlier chats are superseded and the new
// commit repeats their text. A zero fastVADMax disables coalescing.
//
// A Segmenter is not safe for concurrent use; the session drives it from a
// single goroutine.
type Segmenter struct {
	fastVADMax time.Duration
	now        func() time.Time
	history    []AsrEvent
}

// NewSegmenter creates a Segmenter.
func NewSegmenter(fastVADMax time.Duration, opts ...SegmenterOption) *Segmenter {
	s := &Segmenter{fastVADMax: fastVADMax, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Observe records one recognizer result.
func (s *Segmenter) Observe(sentenceEnd bool, text string) Segmentation {
	ev := AsrEvent{At: s.now(), Text: text, SentenceEnd: sentenceEnd}
	var out Segmentation

	if len(s.history) == 0 {
		ev.SentenceID = "0"
	} else {
		prev := s.history[len(s.history)-1]
		if prev.SentenceEnd {
			ev.SentenceID = nextID(prev.SentenceID)
			gap := ev.At.Sub(prev.At)
			if s.fastVADMax <= 0 || gap >= s.fastVADMax {
				s.history = s.history[:0]
			} else {
				for _, h := range s.history {
					if h.SentenceEnd {
						out.Superseded = append(out.Superseded, h.SentenceID)
					}
				}
			}
		} else {
			ev.SentenceID = prev.SentenceID
		}
	}

	if sentenceEnd {
		var b strings.Builder
		for _, h := range s.history {
			if h.SentenceEnd {
				b.WriteString(h.Text)
			}
		}
		b.WriteString(text)
		out.Commit = &ChatJob{ChatID: ev.SentenceID, Query: b.String()}
	}

	s.history = append(s.history, ev)
	out.Event = ev
	return out
}

// Reset forgets all history. Sentence ids restart at "0".
func (s *Segmenter) Reset() { s.history = nil }

func nextID(id string) string {
	n, err := strconv.Atoi(id)
	if err != nil {
		return "0"
	}
	return strconv.Itoa(n + 1)
}
