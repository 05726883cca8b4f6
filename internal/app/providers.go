package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicechat/internal/config"
	"github.com/MrWong99/voicechat/internal/resilience"
	"github.com/MrWong99/voicechat/internal/voicechat"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
	"github.com/MrWong99/voicechat/pkg/provider/stt"
	"github.com/MrWong99/voicechat/pkg/provider/tts"
)

// Providers holds the instantiated provider set shared by all sessions.
type Providers struct {
	// LLM is the chat model, possibly wrapped in a fallback chain.
	LLM     llm.Provider
	LLMName string

	// STT and TTS are keyed by vendor name, as selected by clients.
	STT map[string]stt.Provider
	TTS map[string]tts.Provider

	// DefaultSTT and DefaultTTS are the first configured entries.
	DefaultSTT string
	DefaultTTS string
}

// session converts p to the form consumed by voice chat sessions.
func (p *Providers) session() voicechat.Providers {
	return voicechat.Providers{
		STT:        p.STT,
		TTS:        p.TTS,
		DefaultSTT: p.DefaultSTT,
		DefaultTTS: p.DefaultTTS,
	}
}

// BuildProviders instantiates every provider named in cfg through reg. When
// llm_fallbacks is set the chat model is wrapped in a [resilience.LLMFallback]
// with one circuit breaker per backend.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{
		STT: make(map[string]stt.Provider, len(cfg.Providers.STT)),
		TTS: make(map[string]tts.Provider, len(cfg.Providers.TTS)),
	}

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM, ps.LLMName = primary, cfg.Providers.LLM.Name
	slog.Info("provider created", "kind", "llm", "name", ps.LLMName)

	if len(cfg.Providers.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, from, to resilience.State) {
					if to == resilience.StateOpen {
						slog.Warn("llm backend unavailable, failing over", "name", name, "from", from.String())
					}
				},
			},
		})
		for _, entry := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("app: create llm fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
			slog.Info("provider created", "kind", "llm_fallback", "name", entry.Name)
		}
		ps.LLM = fb
	}

	for _, entry := range cfg.Providers.STT {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create stt provider %q: %w", entry.Name, err)
		}
		ps.STT[entry.Name] = p
		if ps.DefaultSTT == "" {
			ps.DefaultSTT = entry.Name
		}
		slog.Info("provider created", "kind", "stt", "name", entry.Name)
	}

	for _, entry := range cfg.Providers.TTS {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create tts provider %q: %w", entry.Name, err)
		}
		ps.TTS[entry.Name] = p
		if ps.DefaultTTS == "" {
			ps.DefaultTTS = entry.Name
		}
		slog.Info("provider created", "kind", "tts", "name", entry.Name)
	}

	return ps, nil
}
