package main

import (
	"slices"
	"testing"

	"github.com/MrWong99/voicechat/internal/config"
)

func TestRegisterBuiltinProviders_CoversKnownNames(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	for kind, names := range config.ValidProviderNames {
		registered := reg.Names(kind)
		for _, name := range names {
			if !slices.Contains(registered, name) {
				t.Errorf("%s provider %q is not registered", kind, name)
			}
		}
	}
}

func TestOptStrings(t *testing.T) {
	tests := []struct {
		name string
		opts map[string]any
		want []string
	}{
		{"list", map[string]any{"k": []any{"zh", "", "en", 3}}, []string{"zh", "en"}},
		{"comma string", map[string]any{"k": " zh, en ,"}, []string{"zh", "en"}},
		{"missing", map[string]any{}, nil},
		{"nil map", nil, nil},
		{"wrong type", map[string]any{"k": 7}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := optStrings(tt.opts, "k"); !slices.Equal(got, tt.want) {
				t.Errorf("optStrings() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in).String(); got != tt.want {
			t.Errorf("slogLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDefaultBackends(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.LLM = config.ProviderEntry{Name: "dashscope"}
	cfg.Providers.STT = []config.ProviderEntry{{Name: "deepgram"}, {Name: "dashscope"}}

	got := defaultBackends(cfg)
	if got["llm"] != "dashscope" || got["stt"] != "deepgram" {
		t.Errorf("defaultBackends() = %v", got)
	}
	if _, ok := got["tts"]; ok {
		t.Errorf("tts reported without a configured entry: %v", got)
	}
}
