// Package app wires all voice chat subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects the history store,
// loads prompts and tools, and builds the HTTP surface; Run serves until the
// context is cancelled; Shutdown drains client sessions and tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithListener, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicechat/internal/config"
	"github.com/MrWong99/voicechat/internal/health"
	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/internal/resilience"
	"github.com/MrWong99/voicechat/internal/server"
	"github.com/MrWong99/voicechat/internal/tools"
	"github.com/MrWong99/voicechat/internal/voicechat"
	"github.com/MrWong99/voicechat/pkg/memory"
	"github.com/MrWong99/voicechat/pkg/memory/postgres"
)

// ErrShuttingDown is reported by the readiness probe once Shutdown started.
var ErrShuttingDown = errors.New("app: shutting down")

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	history  memory.HistoryStore
	metrics  *observe.Metrics
	listener net.Listener

	// template is copied into every new session. Hot reload swaps it; running
	// sessions keep the settings they started with.
	template atomic.Pointer[voicechat.Config]

	ws       *server.Server
	handler  http.Handler
	httpSrv  *http.Server
	draining atomic.Bool
	checkers []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from config.
func WithHistoryStore(h memory.HistoryStore) Option {
	return func(a *App) { a.history = h }
}

// WithListener makes Run serve on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithMetrics injects the metric instruments used by the server and sessions.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App from cfg and the providers built by [BuildProviders].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if fb, ok := providers.LLM.(*resilience.LLMFallback); ok {
		a.checkers = append(a.checkers, health.Checker{Name: "llm", Check: fb.Check})
	}

	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	tmpl, err := a.sessionTemplate(cfg.Session)
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init session settings: %w", err)
	}
	a.template.Store(tmpl)

	a.initHTTP()
	return a, nil
}

// initMemory connects the PostgreSQL history store, or falls back to an
// in-process store when no DSN is configured.
func (a *App) initMemory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	if a.cfg.Memory.PostgresDSN == "" {
		a.history = memory.NewLocalStore(a.cfg.Memory.HistoryLimit)
		slog.Info("using in-memory history store", "history_limit", a.cfg.Memory.HistoryLimit)
		return nil
	}

	store, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN,
		postgres.WithHistoryLimit(a.cfg.Memory.HistoryLimit))
	if err != nil {
		return err
	}
	a.history = store
	a.checkers = append(a.checkers, health.Checker{Name: "database", Check: store.Ping})
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("connected postgres history store")
	return nil
}

// sessionTemplate builds the per-session config from the session block.
func (a *App) sessionTemplate(sc config.SessionConfig) (*voicechat.Config, error) {
	chat, err := chatSettings(sc)
	if err != nil {
		return nil, err
	}
	return &voicechat.Config{
		Providers:              a.providers.session(),
		LLM:                    a.providers.LLM,
		LLMName:                a.providers.LLMName,
		History:                a.history,
		Chat:                   chat,
		WorkerPoolSize:         sc.WorkerPoolSize,
		PacerSlack:             sc.PacerSlack,
		TTSPoolSize:            sc.TTSPoolSize,
		DefaultModalities:      slices.Clone(sc.DefaultModalities),
		EmitPartialTranscripts: sc.EmitPartialTranscripts,
		DumpDir:                sc.DumpDir,
		Metrics:                a.metrics,
	}, nil
}

// chatSettings resolves the system prompt and tool definitions. A prompt
// file takes precedence over the inline prompt.
func chatSettings(sc config.SessionConfig) (voicechat.ChatSettings, error) {
	chat := voicechat.ChatSettings{
		SystemPrompt: sc.SystemPrompt,
		Temperature:  sc.Temperature,
		MaxTokens:    sc.MaxTokens,
	}
	if sc.SystemPromptFile != "" {
		data, err := os.ReadFile(sc.SystemPromptFile)
		if err != nil {
			return voicechat.ChatSettings{}, fmt.Errorf("read system prompt: %w", err)
		}
		chat.SystemPrompt = strings.TrimSpace(string(data))
	}
	if sc.ToolsDir != "" {
		defs, err := tools.LoadDir(sc.ToolsDir)
		if err != nil {
			return voicechat.ChatSettings{}, fmt.Errorf("load tools: %w", err)
		}
		chat.Tools = defs
		slog.Info("loaded tool definitions", "dir", sc.ToolsDir, "count", len(defs))
	}
	return chat, nil
}

// initHTTP builds the WebSocket server, health probes and metrics endpoint.
func (a *App) initHTTP() {
	sc := a.cfg.Server
	a.ws = server.New(server.Config{
		Path:           sc.APIPath,
		ReadLimit:      sc.ReadLimitBytes,
		WriteTimeout:   sc.WriteTimeout,
		AllowedOrigins: sc.AllowedOrigins,
		Metrics:        a.metrics,
	}, a.newSession)

	checkers := append([]health.Checker{{
		Name: "server",
		Check: func(context.Context) error {
			if a.draining.Load() {
				return ErrShuttingDown
			}
			return nil
		},
	}}, a.checkers...)

	mux := http.NewServeMux()
	a.ws.Register(mux)
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
	a.httpSrv = &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newSession is the server's session factory.
func (a *App) newSession(t voicechat.Transport) server.Session {
	cfg := *a.template.Load()
	return voicechat.NewSession(cfg, t)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Connections returns the number of open client connections.
func (a *App) Connections() int {
	return a.ws.Connections()
}

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	l := a.listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(l, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(l)
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", l.Addr().String(), "path", a.cfg.Server.APIPath, "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyReload applies the hot-reloadable part of a changed config. New
// session settings only affect sessions started afterwards; if they cannot
// be built the previous settings stay in effect.
func (a *App) ApplyReload(cfg *config.Config, d config.ConfigDiff) error {
	if !d.SessionChanged {
		return nil
	}
	tmpl, err := a.sessionTemplate(cfg.Session)
	if err != nil {
		return fmt.Errorf("app: reload session settings: %w", err)
	}
	a.template.Store(tmpl)
	slog.Info("session settings reloaded", "changed", d.SessionChanges)
	return nil
}

// Shutdown fails readiness, asks every client to go away, waits for their
// sessions to close and then tears down the remaining subsystems. If ctx
// expires first the remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "connections", a.ws.Connections(), "closers", len(a.closers))
		a.draining.Store(true)

		// Hijacked WebSocket connections are invisible to http.Server, so
		// they are drained first.
		if err := a.ws.Shutdown(ctx); err != nil {
			slog.Warn("websocket drain incomplete", "err", err)
		}
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases what New acquired before failing.
func (a *App) runClosers() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
