package voicechat

import (
	"fmt"
	"maps"
	"slices"

	"github.com/MrWong99/voicechat/pkg/provider/stt"
	"github.com/MrWong99/voicechat/pkg/provider/tts"
)

// Providers is the set of recognizer and synthesizer back-ends a session can
// choose from by vendor name. The zero-value names select DefaultSTT and
// DefaultTTS.
type Providers struct {
	STT        map[string]stt.Provider
	TTS        map[string]tts.Provider
	DefaultSTT string
	DefaultTTS string
}

// Recognizer resolves a recognizer vendor.
func (p Providers) Recognizer(name string) (stt.Provider, error) {
	if name == "" {
		name = p.DefaultSTT
	}
	if r, ok := p.STT[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: asr vendor %q (configured: %v)", ErrUnknownVendor, name, slices.Sorted(maps.Keys(p.STT)))
}

// Synthesizer resolves a synthesizer vendor.
func (p Providers) Synthesizer(name string) (tts.Provider, error) {
	if name == "" {
		name = p.DefaultTTS
	}
	if s, ok := p.TTS[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: tts vendor %q (configured: %v)", ErrUnknownVendor, name, slices.Sorted(maps.Keys(p.TTS)))
}
