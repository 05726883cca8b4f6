package stt

import "time"

// Transcript is one recognition result.
type Transcript struct {
	// Text is the recognized text of the current sentence so far.
	Text string

	// IsFinal marks the recognizer's commitment to this sentence: the
	// sentence has ended and Text will not change anymore.
	IsFinal bool

	// Confidence in [0, 1]; zero when the backend does not report it.
	Confidence float64

	// Start and End locate the sentence relative to the start of the
	// session, when the backend reports them.
	Start time.Duration
	End   time.Duration
}
