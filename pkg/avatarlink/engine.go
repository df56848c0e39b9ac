// Package avatarlink assembles the server: configuration, the token proxy,
// the websocket transport and one session context per connected client.
package avatarlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/avatarlink/pkg/catalog"
	"github.com/harunnryd/avatarlink/pkg/configutil"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/harunnryd/avatarlink/pkg/redact"
	"github.com/harunnryd/avatarlink/pkg/resilience"
	"github.com/harunnryd/avatarlink/pkg/runner"
	"github.com/harunnryd/avatarlink/pkg/session"
	"github.com/harunnryd/avatarlink/pkg/tokens"
	"github.com/harunnryd/avatarlink/pkg/transports"
	"github.com/harunnryd/avatarlink/pkg/transports/ws"
)

type Engine struct {
	cfg       Config
	logger    *slog.Logger
	catalog   *catalog.Catalog
	providers *ProviderRegistry
	tokens    *tokens.Handler
	registry  *session.Registry
	transport transports.Transport
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	debugObs  *metrics.MemoryObserver
	jsonl     *os.File
	server    *http.Server
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Tokens overrides where sessions fetch access tokens.
	Tokens session.TokenSource
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("avatarlink_init",
		"environment", cfg.Environment,
		"streaming_provider", cfg.Streaming.Provider,
		"avatars", len(cfg.Avatars),
		"token_service", tokenServiceLabel(cfg),
	)

	cat, err := catalog.New(cfg.Avatars, cfg.Defaults)
	if err != nil {
		return nil, err
	}
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	factory, err := providers.BuildStreamingFactory(cfg.Streaming.Provider, cfg.Streaming.Settings)
	if err != nil {
		return nil, err
	}

	debugObs := metrics.NewBoundedMemoryObserver(cfg.Metrics.DebugLimit)
	obsList := []metrics.Observer{
		metrics.NewLoggerObserver(logging.NewComponentLogger(logger, "metrics")),
		debugObs,
	}
	var jsonl *os.File
	if path := strings.TrimSpace(cfg.Metrics.JSONLPath); path != "" {
		jsonl, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		obsList = append(obsList, metrics.NewJSONLObserver(jsonl))
	}
	sampled := metrics.NewSamplingObserver(metrics.NewMultiObserver(obsList...), cfg.Metrics.SampleRate,
		"session_start", "token_fetch", "session_state")
	asyncObs := metrics.NewAsyncObserver(sampled, cfg.Metrics.Buffer)

	if strings.TrimSpace(cfg.Upstream.BaseURL) == "" {
		logger.Warn("upstream_base_url_missing", "message", "token proxy requests will fail until upstream.base_url is set")
	}
	proxy := tokens.NewHandler(tokens.HandlerConfig{
		Catalog:         cat,
		BaseURL:         cfg.Upstream.BaseURL,
		CreateTokenPath: cfg.Upstream.CreateTokenPath,
		Client:          &http.Client{Timeout: configutil.Millis(cfg.Upstream.TimeoutMS)},
		Breaker:         resilience.NewCircuitBreaker(cfg.Upstream.CircuitThreshold, configutil.Millis(cfg.Upstream.CircuitCooldownMS)),
		Logger:          logger,
	})

	var source session.TokenSource = proxy
	switch {
	case opts.Tokens != nil:
		source = opts.Tokens
	case strings.TrimSpace(cfg.TokenService.URL) != "":
		source = tokens.NewFetcher(cfg.TokenService.URL, configutil.Millis(cfg.TokenService.TimeoutMS))
	}

	settings := cfg.Session.Settings()
	registry := session.NewRegistry(func() (*session.Context, error) {
		return session.New(session.Options{
			Catalog:  cat,
			Tokens:   source,
			Factory:  factory,
			Observer: asyncObs,
			Logger:   logger,
			Settings: settings,
		})
	})
	transport := ws.New(ws.Config{
		Path:           cfg.Server.WSPath,
		AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, registry, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		catalog:   cat,
		providers: providers,
		tokens:    proxy,
		registry:  registry,
		transport: transport,
		asyncObs:  asyncObs,
		debugObs:  debugObs,
		jsonl:     jsonl,
	}
	e.server = &http.Server{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           e.Handler(),
	}

	drainTimeout := configutil.Millis(cfg.Server.DrainTimeoutMS)
	if drainTimeout == 0 {
		drainTimeout = 5 * time.Second
	}
	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Avatarlink Ready", "addr", cfg.Server.Addr, "token_path", cfg.Server.TokenPath}
			if rr, ok := any(transport).(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			asyncObs.Close()
			if jsonl != nil {
				_ = jsonl.Close()
			}
			logger.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_sessions", registry.Count(),
				"metrics_dropped", asyncObs.Dropped(),
			)
		},
	}
	drainer := runner.DrainerFunc(func() error {
		_ = transport.Stop()
		registry.SetDraining(true)
		registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		_ = registry.WaitForEmpty(ctx, 50*time.Millisecond)
		return e.server.Shutdown(ctx)
	})
	e.runner = runner.NewLifecycleRunner(drainer, hooks, drainTimeout+time.Second)
	return e, nil
}

func tokenServiceLabel(cfg Config) string {
	if strings.TrimSpace(cfg.TokenService.URL) == "" {
		return "in_process"
	}
	return cfg.TokenService.URL
}

// Handler routes the token proxy, the websocket transport and the
// operational endpoints.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(e.cfg.Server.TokenPath, e.tokens)
	mux.Handle(e.cfg.Server.WSPath, e.transport)
	mux.HandleFunc("/api/avatars", e.handleAvatars)
	mux.HandleFunc("/health", e.handleHealth)
	mux.HandleFunc("/debug/metrics", e.handleMetrics)
	return mux
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	if e.registry.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (e *Engine) handleAvatars(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, e.catalog.Avatars())
}

type debugMetrics struct {
	ActiveSessions int64                  `json:"active_sessions"`
	Dropped        int64                  `json:"dropped"`
	Events         []metrics.MetricsEvent `json:"events"`
}

func (e *Engine) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, debugMetrics{
		ActiveSessions: e.registry.Count(),
		Dropped:        e.asyncObs.Dropped(),
		Events:         e.debugObs.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Run listens on the configured address and blocks until ctx ends or Stop
// is called, then drains live sessions.
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("http_server_error", "error", err)
			_ = e.Stop()
		}
	}()
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

func (e *Engine) Registry() *session.Registry {
	return e.registry
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}
