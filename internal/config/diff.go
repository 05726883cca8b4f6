package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any field of the session block changed.
	SessionChanged bool
	SessionChanges []string // yaml keys of the changed session fields

	// RestartRequired lists changed sections that only take effect after a
	// restart (server address, providers, memory).
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionChanges = diffSession(&old.Session, &new.Session)
	d.SessionChanged = len(d.SessionChanges) > 0

	if !sameServer(&old.Server, &new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(&old.Providers, &new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	return d
}

// diffSession returns the yaml keys of the session fields that differ.
func diffSession(old, new *SessionConfig) []string {
	var keys []string
	add := func(changed bool, key string) {
		if changed {
			keys = append(keys, key)
		}
	}
	add(old.SystemPrompt != new.SystemPrompt, "system_prompt")
	add(old.SystemPromptFile != new.SystemPromptFile, "system_prompt_file")
	add(old.ToolsDir != new.ToolsDir, "tools_dir")
	add(old.Temperature != new.Temperature, "temperature")
	add(old.MaxTokens != new.MaxTokens, "max_tokens")
	add(old.WorkerPoolSize != new.WorkerPoolSize, "worker_pool_size")
	add(old.FrameQueueSize != new.FrameQueueSize, "frame_queue_size")
	add(old.PacerSlack != new.PacerSlack, "pacer_slack")
	add(old.TTSPoolSize != new.TTSPoolSize, "tts_pool_size")
	add(!slices.Equal(old.DefaultModalities, new.DefaultModalities), "default_modalities")
	add(old.EmitPartialTranscripts != new.EmitPartialTranscripts, "emit_partial_transcripts")
	add(old.DumpDir != new.DumpDir, "dump_dir")
	return keys
}

// sameServer compares everything but the log level, which is hot-reloadable.
func sameServer(old, new *ServerConfig) bool {
	if old.ListenAddr != new.ListenAddr || old.APIPath != new.APIPath ||
		old.ReadLimitBytes != new.ReadLimitBytes || old.WriteTimeout != new.WriteTimeout {
		return false
	}
	if !slices.Equal(old.AllowedOrigins, new.AllowedOrigins) {
		return false
	}
	if (old.TLS == nil) != (new.TLS == nil) {
		return false
	}
	return old.TLS == nil || *old.TLS == *new.TLS
}

func sameProviders(old, new *ProvidersConfig) bool {
	return sameEntry(old.LLM, new.LLM) &&
		slices.EqualFunc(old.LLMFallbacks, new.LLMFallbacks, sameEntry) &&
		slices.EqualFunc(old.STT, new.STT, sameEntry) &&
		slices.EqualFunc(old.TTS, new.TTS, sameEntry)
}

// sameEntry compares the scalar fields of two entries and the string form of
// their options.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || !equalOption(v, w) {
			return false
		}
	}
	return true
}

func equalOption(a, b any) bool {
	switch av := a.(type) {
	case string, int, float64, bool, nil:
		return a == b
	case []any:
		bv, ok := b.([]any)
		return ok && slices.EqualFunc(av, bv, equalOption)
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !equalOption(v, bv[k]) {
				return false
			}
		}
		return true
	}
	return false
}
