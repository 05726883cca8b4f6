// Command voicechat is the main entry point for the real-time voice chat server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicechat/internal/app"
	"github.com/MrWong99/voicechat/internal/config"
	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
	"github.com/MrWong99/voicechat/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voicechat/pkg/provider/llm/openai"
	"github.com/MrWong99/voicechat/pkg/provider/stt"
	sttdashscope "github.com/MrWong99/voicechat/pkg/provider/stt/dashscope"
	"github.com/MrWong99/voicechat/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voicechat/pkg/provider/tts"
	ttsdashscope "github.com/MrWong99/voicechat/pkg/provider/tts/dashscope"
	"github.com/MrWong99/voicechat/pkg/provider/tts/elevenlabs"
)

// dashscopeCompatibleURL is DashScope's OpenAI-compatible chat endpoint.
const dashscopeCompatibleURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicechat: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicechat: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voicechat starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicechat",
		ServiceVersion: version,
		Backends:       defaultBackends(cfg),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(next *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if err := application.ApplyReload(next, d); err != nil {
			slog.Warn("config reload rejected", "err", err)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if m := config.OptString(entry.Options, "tool_model"); m != "" {
			opts = append(opts, openai.WithToolModel(m))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// DashScope speaks the OpenAI protocol in compatible mode.
	reg.RegisterLLM("dashscope", func(entry config.ProviderEntry) (llm.Provider, error) {
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = dashscopeCompatibleURL
		}
		opts := []openai.Option{openai.WithBaseURL(baseURL)}
		if m := config.OptString(entry.Options, "tool_model"); m != "" {
			opts = append(opts, openai.WithToolModel(m))
		}
		if search, ok := entry.Options["enable_search"].(bool); ok {
			opts = append(opts, openai.WithExtraBody("enable_search", search))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp and llamafile go
	// through any-llm: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("dashscope", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttdashscope.Option
		if entry.Model != "" {
			opts = append(opts, sttdashscope.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sttdashscope.WithEndpoint(entry.BaseURL))
		}
		if rate := config.OptInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, sttdashscope.WithSampleRate(rate))
		}
		if hints := optStrings(entry.Options, "language_hints"); len(hints) > 0 {
			opts = append(opts, sttdashscope.WithLanguageHints(hints...))
		}
		return sttdashscope.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate := config.OptInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		if ms := config.OptInt(entry.Options, "endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(time.Duration(ms)*time.Millisecond))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("dashscope", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsdashscope.Option
		if entry.Model != "" {
			opts = append(opts, ttsdashscope.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, ttsdashscope.WithEndpoint(entry.BaseURL))
		}
		if voice := config.OptString(entry.Options, "voice"); voice != "" {
			opts = append(opts, ttsdashscope.WithVoice(voice))
		}
		if rate := config.OptInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, ttsdashscope.WithSampleRate(rate))
		}
		return ttsdashscope.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if voice := config.OptString(entry.Options, "voice"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voicechat: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	for _, fb := range cfg.Providers.LLMFallbacks {
		printProvider("LLM fallback", fb.Name, fb.Model)
	}
	for _, e := range cfg.Providers.STT {
		printProvider("STT", e.Name, e.Model)
	}
	for _, e := range cfg.Providers.TTS {
		printProvider("TTS", e.Name, e.Model)
	}
	memory := "in-memory"
	if cfg.Memory.PostgresDSN != "" {
		memory = "postgres"
	}
	fmt.Printf("║  History store   : %-19s ║\n", memory)
	fmt.Printf("║  Worker pool     : %-19d ║\n", cfg.Session.WorkerPoolSize)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  API path        : %-19s ║\n", cfg.Server.APIPath)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optStrings extracts a list of strings from a provider Options map. A single
// comma-separated string is accepted as well.
func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// defaultBackends names the vendor each kind uses when a client does not
// choose one.
func defaultBackends(cfg *config.Config) map[string]string {
	b := map[string]string{"llm": cfg.Providers.LLM.Name}
	if len(cfg.Providers.STT) > 0 {
		b["stt"] = cfg.Providers.STT[0].Name
	}
	if len(cfg.Providers.TTS) > 0 {
		b["tts"] = cfg.Providers.TTS[0].Name
	}
	return b
}
