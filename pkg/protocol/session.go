package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Modality selects what a session sends back to the client.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

const (
	DefaultSampleRate = 16000
	MaxSampleRate     = 48000
	FormatPCM         = "pcm"
)

// ASROptions configures the speech recognizer.
type ASROptions struct {
	Model      string `json:"model,omitempty"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Format     string `json:"format,omitempty"`

	// FastVADMaxDuration is the fast-VAD coalescing window in milliseconds.
	// Nil disables coalescing.
	FastVADMaxDuration *int `json:"fast_vad_max_duration,omitempty"`
}

// Upstream describes the client-to-server audio.
type Upstream struct {
	Type        string     `json:"type,omitempty"`
	Mode        string     `json:"mode,omitempty"`
	AudioFormat string     `json:"audio_format,omitempty"`
	ASRVendor   string     `json:"asr_vendor,omitempty"`
	ASROptions  ASROptions `json:"asr_options"`
}

// TTSOptions configures the speech synthesizer.
type TTSOptions struct {
	Model      string  `json:"model,omitempty"`
	Voice      string  `json:"voice,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Format     string  `json:"format,omitempty"`
	Volume     int     `json:"volume,omitempty"`
	SpeechRate float64 `json:"speech_rate,omitempty"`
	PitchRate  float64 `json:"pitch_rate,omitempty"`
}

// Downstream describes the server-to-client output.
type Downstream struct {
	Type       string     `json:"type,omitempty"`
	TTSVendor  string     `json:"tts_vendor,omitempty"`
	TTSOptions TTSOptions `json:"tts_options"`
	Modalities []Modality `json:"modalities,omitempty"`
}

// Parameters carries per-session chat options.
type Parameters struct {
	EnableToolCall bool `json:"enable_tool_call,omitempty"`
}

// SessionStart is the payload of the SessionStart directive.
type SessionStart struct {
	SessionID  string     `json:"session_id,omitempty"`
	Upstream   Upstream   `json:"upstream"`
	Downstream Downstream `json:"downstream"`
	Parameters Parameters `json:"parameters"`
}

// SessionStop is the payload of the SessionStop directive.
type SessionStop struct {
	SessionID string `json:"session_id,omitempty"`
}

// Defaults fills fields a client left empty.
type Defaults struct {
	Modalities []Modality
	ASRVendor  string
	TTSVendor  string
}

// DecodeStart unmarshals a SessionStart payload, applies d, and validates
// the result.
func DecodeStart(raw json.RawMessage, d Defaults) (SessionStart, error) {
	var s SessionStart
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return SessionStart{}, fmt.Errorf("%w: session start: %v", ErrInvalidPayload, err)
		}
	}
	s.ApplyDefaults(d)
	if err := s.Validate(); err != nil {
		return SessionStart{}, err
	}
	return s, nil
}

// ApplyDefaults fills empty fields. A missing session id gets a fresh UUID.
func (s *SessionStart) ApplyDefaults(d Defaults) {
	if s.SessionID == "" {
		s.SessionID = uuid.NewString()
	}
	if s.Upstream.ASRVendor == "" {
		s.Upstream.ASRVendor = d.ASRVendor
	}
	if s.Upstream.ASROptions.SampleRate == 0 {
		s.Upstream.ASROptions.SampleRate = DefaultSampleRate
	}
	if s.Upstream.ASROptions.Format == "" {
		s.Upstream.ASROptions.Format = FormatPCM
	}
	if s.Downstream.TTSVendor == "" {
		s.Downstream.TTSVendor = d.TTSVendor
	}
	if s.Downstream.TTSOptions.SampleRate == 0 {
		s.Downstream.TTSOptions.SampleRate = DefaultSampleRate
	}
	if s.Downstream.TTSOptions.Format == "" {
		s.Downstream.TTSOptions.Format = FormatPCM
	}
	if len(s.Downstream.Modalities) == 0 {
		s.Downstream.Modalities = slices.Clone(d.Modalities)
	}
}

// Validate checks the payload after defaults were applied. All problems are
// reported at once.
func (s *SessionStart) Validate() error {
	var errs []error
	checkRate := func(field string, rate int) {
		if rate <= 0 || rate > MaxSampleRate {
			errs = append(errs, fmt.Errorf("%s %d out of range (0, %d]", field, rate, MaxSampleRate))
		}
	}
	checkRate("upstream.asr_options.sample_rate", s.Upstream.ASROptions.SampleRate)
	checkRate("downstream.tts_options.sample_rate", s.Downstream.TTSOptions.SampleRate)

	if f := s.Upstream.ASROptions.Format; f != FormatPCM {
		errs = append(errs, fmt.Errorf("upstream.asr_options.format %q unsupported", f))
	}
	if f := s.Upstream.AudioFormat; f != "" && f != FormatPCM {
		errs = append(errs, fmt.Errorf("upstream.audio_format %q unsupported", f))
	}
	if f := s.Downstream.TTSOptions.Format; f != FormatPCM {
		errs = append(errs, fmt.Errorf("downstream.tts_options.format %q unsupported", f))
	}
	if v := s.Upstream.ASROptions.FastVADMaxDuration; v != nil && *v < 0 {
		errs = append(errs, fmt.Errorf("upstream.asr_options.fast_vad_max_duration %d is negative", *v))
	}
	if len(s.Downstream.Modalities) == 0 {
		errs = append(errs, errors.New("downstream.modalities is empty"))
	}
	for _, m := range s.Downstream.Modalities {
		if m != ModalityAudio && m != ModalityText {
			errs = append(errs, fmt.Errorf("downstream.modalities: unknown modality %q", m))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// Has reports whether the session requested modality m.
func (s *SessionStart) Has(m Modality) bool {
	return slices.Contains(s.Downstream.Modalities, m)
}

// DecodeStop unmarshals a SessionStop payload. An empty payload is valid.
func DecodeStop(raw json.RawMessage) (SessionStop, error) {
	var s SessionStop
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &s); err != nil {
			return SessionStop{}, fmt.Errorf("%w: session stop: %v", ErrInvalidPayload, err)
		}
	}
	return s, nil
}
