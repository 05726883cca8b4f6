package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicechat/pkg/protocol"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "dashscope", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"dashscope", "deepgram"},
	"tts": {"dashscope", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the environment, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.APIPath != "" && !strings.HasPrefix(cfg.Server.APIPath, "/") {
		errs = append(errs, fmt.Errorf("server.api_path %q must start with '/'", cfg.Server.APIPath))
	}
	if cfg.Server.ReadLimitBytes < 0 {
		errs = append(errs, fmt.Errorf("server.read_limit_bytes %d must not be negative", cfg.Server.ReadLimitBytes))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout %v must not be negative", cfg.Server.WriteTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, e := range cfg.Providers.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", e.Name)
	}
	if len(cfg.Providers.STT) == 0 {
		errs = append(errs, errors.New("providers.stt needs at least one entry"))
	}
	errs = append(errs, validateEntries("stt", cfg.Providers.STT)...)
	errs = append(errs, validateEntries("tts", cfg.Providers.TTS)...)

	// Session
	s := cfg.Session
	if s.WorkerPoolSize < 0 {
		errs = append(errs, fmt.Errorf("session.worker_pool_size %d must not be negative", s.WorkerPoolSize))
	}
	if s.TTSPoolSize < 0 {
		errs = append(errs, fmt.Errorf("session.tts_pool_size %d must not be negative", s.TTSPoolSize))
	}
	if s.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("session.max_tokens %d must not be negative", s.MaxTokens))
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("session.temperature %.2f is out of range [0, 2]", s.Temperature))
	}
	for _, m := range s.DefaultModalities {
		if m != protocol.ModalityAudio && m != protocol.ModalityText {
			errs = append(errs, fmt.Errorf("session.default_modalities: unknown modality %q", m))
		}
	}
	if slices.Contains(s.DefaultModalities, protocol.ModalityAudio) && len(cfg.Providers.TTS) == 0 {
		errs = append(errs, errors.New("session.default_modalities includes audio but providers.tts is empty"))
	}
	if s.SystemPromptFile != "" && s.SystemPrompt != "" {
		slog.Warn("session.system_prompt_file overrides session.system_prompt")
	}

	// Memory
	if cfg.Memory.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("memory.history_limit %d must not be negative", cfg.Memory.HistoryLimit))
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Debug("memory.postgres_dsn is empty; conversation history is kept in memory")
	}

	return errors.Join(errs...)
}

// validateEntries checks a vendor list for missing and duplicate names.
func validateEntries(kind string, entries []ProviderEntry) []error {
	var errs []error
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		prefix := fmt.Sprintf("providers.%s[%d]", kind, i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.%s[%d]", prefix, e.Name, kind, prev))
		}
		seen[e.Name] = i
		validateProviderName(kind, e.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int, so float values are truncated.
func OptInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

