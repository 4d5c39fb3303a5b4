package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexcodex/promptloop/framework"
	"github.com/lexcodex/promptloop/llm"
	"github.com/lexcodex/promptloop/persistence"
	"github.com/lexcodex/promptloop/server"
	"github.com/lexcodex/promptloop/tools"
)

// Runtime wires the CLI commands and the API server to one configured
// connector, toolset and session store.
type Runtime struct {
	Config    Config
	Connector framework.Connector
	Tools     *framework.Toolset
	Store     persistence.ChatlogStore
	Registry  *prometheus.Registry
	Telemetry framework.Telemetry
	Logger    *log.Logger

	clients *llm.ClientCache
	closers []io.Closer
}

// Option customizes New.
type Option func(*options)

type options struct {
	connector     framework.Connector
	skipConnector bool
	runner        tools.CommandRunner
	logOutput     io.Writer
}

// WithConnector skips backend construction and uses c instead.
func WithConnector(c framework.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithoutConnector leaves Connector nil, for commands that never generate
// and should not need backend credentials.
func WithoutConnector() Option {
	return func(o *options) { o.skipConnector = true }
}

// WithCommandRunner replaces the host runner behind execute_bash.
func WithCommandRunner(r tools.CommandRunner) Option {
	return func(o *options) { o.runner = r }
}

// WithLogOutput mirrors the runtime log to w.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// New builds a runtime from cfg. Close releases what it opened.
func New(ctx context.Context, cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.runner == nil {
		o.runner = tools.LocalCommandRunner{}
	}

	rt := &Runtime{Config: cfg, Registry: prometheus.NewRegistry()}
	if err := rt.openLog(o.logOutput); err != nil {
		return nil, err
	}
	if err := rt.openTelemetry(); err != nil {
		_ = rt.Close()
		return nil, err
	}

	clients, err := llm.NewClientCache(0, cfg.ClientTTL)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("client cache: %w", err)
	}
	rt.clients = clients

	if !o.skipConnector {
		connector := o.connector
		if connector == nil {
			connector, err = rt.buildConnector(ctx)
			if err != nil {
				_ = rt.Close()
				return nil, err
			}
		}
		rt.Connector = llm.NewInstrumentedConnector(connector, rt.Telemetry, cfg.Backend.Model, cfg.Debug)
	}

	rt.Tools, err = tools.NewToolset(tools.Options{
		Workspace:   tools.NewWorkspace(cfg.Workspace),
		Runner:      o.runner,
		Policy:      cfg.Tools.Bash,
		DisableBash: cfg.Tools.DisableBash,
	}, cfg.Tools.Enabled...)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("toolset: %w", err)
	}

	if cfg.Store.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	store, err := persistence.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	rt.Store = store
	rt.closers = append(rt.closers, store)

	rt.Logger.Printf("runtime ready: provider=%s model=%s tools=%d store=%s", cfg.Backend.Provider, cfg.Backend.Model, rt.Tools.Len(), cfg.Store.Driver)
	return rt, nil
}

func (r *Runtime) openLog(extra io.Writer) error {
	if err := os.MkdirAll(filepath.Dir(r.Config.LogPath), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(r.Config.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	r.closers = append(r.closers, logFile)
	writers := []io.Writer{logFile}
	if extra != nil {
		writers = append(writers, extra)
	}
	r.Logger = log.New(io.MultiWriter(writers...), "promptloop ", log.LstdFlags|log.Lmicroseconds)
	return nil
}

// openTelemetry logs events in debug mode and appends them as JSON lines
// when a telemetry path is configured.
func (r *Runtime) openTelemetry() error {
	var sinks []framework.Telemetry
	if r.Config.Debug {
		sinks = append(sinks, framework.LoggerTelemetry{Logger: r.Logger})
	}
	if r.Config.TelemetryPath != "" {
		if err := os.MkdirAll(filepath.Dir(r.Config.TelemetryPath), 0o755); err != nil {
			return fmt.Errorf("create telemetry directory: %w", err)
		}
		file, err := framework.NewJSONFileTelemetry(r.Config.TelemetryPath)
		if err != nil {
			return fmt.Errorf("open telemetry: %w", err)
		}
		r.closers = append(r.closers, file)
		sinks = append(sinks, file)
	}
	switch len(sinks) {
	case 0:
	case 1:
		r.Telemetry = sinks[0]
	default:
		r.Telemetry = framework.MultiplexTelemetry{Sinks: sinks}
	}
	return nil
}

func (r *Runtime) buildConnector(ctx context.Context) (framework.Connector, error) {
	backend := r.Config.Backend
	key, err := backend.APIKey()
	if err != nil {
		return nil, err
	}
	opts := []llm.ConnectorOption{llm.WithClientCache(r.clients), llm.WithDebug(r.Config.Debug)}
	switch backend.Provider {
	case ProviderGemini:
		return llm.NewGeminiConnector(ctx, backend.BaseURL, backend.Model, key, opts...)
	default:
		return llm.NewOpenAIConnector(backend.BaseURL, backend.Model, key, opts...)
	}
}

// Embedder builds the embedding client from the embedding config.
func (r *Runtime) Embedder() (llm.Embedder, error) {
	emb := r.Config.Embedding
	if emb.Model == "" {
		return nil, errors.New("embedding model not configured")
	}
	key, err := emb.APIKey()
	if err != nil {
		return nil, err
	}
	return llm.NewDeepInfraEmbedder(emb.BaseURL, emb.Model, key,
		llm.WithClientCache(r.clients), llm.WithDebug(r.Config.Debug))
}

// GeneratorOptions are the options every generation in this runtime uses.
func (r *Runtime) GeneratorOptions() []framework.GeneratorOption {
	return []framework.GeneratorOption{
		framework.WithTools(r.Tools),
		framework.WithConfig(r.Config.Generation),
		framework.WithMaxAttempts(r.Config.MaxAttempts),
		framework.WithMaxRounds(r.Config.MaxRounds),
		framework.WithDefaultRetryDelay(r.Config.RetryDelay),
		framework.WithTelemetry(r.Telemetry),
		framework.WithMetrics(r.Registry),
		framework.WithRetryNotify(func(attempt int, delay time.Duration, err error) {
			r.Logger.Printf("attempt %d throttled, retrying in %s: %v", attempt, delay, err)
		}),
	}
}

// Generator returns a generator over the runtime's connector and tools.
func (r *Runtime) Generator(extra ...framework.GeneratorOption) *framework.Generator {
	return framework.NewGenerator(r.Connector, append(r.GeneratorOptions(), extra...)...)
}

// Server returns an API server sharing the runtime's state.
func (r *Runtime) Server() *server.APIServer {
	return &server.APIServer{
		Connector: r.Connector,
		Tools:     r.Tools,
		Config:    r.Config.Generation,
		Store:     r.Store,
		Registry:  r.Registry,
		Telemetry: r.Telemetry,
		Logger:    r.Logger,
		Options: []framework.GeneratorOption{
			framework.WithMaxAttempts(r.Config.MaxAttempts),
			framework.WithMaxRounds(r.Config.MaxRounds),
			framework.WithDefaultRetryDelay(r.Config.RetryDelay),
		},
	}
}

// Close releases resources managed by the runtime, newest first.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	if r.clients != nil {
		r.clients.Close()
		r.clients = nil
	}
	return errors.Join(errs...)
}
