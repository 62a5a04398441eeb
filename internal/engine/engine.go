// Package engine assembles and runs the full malwatch node: store, report
// bus, rule engine, stage queues, sandbox controller, intel index and the
// pipeline orchestrator.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/malwatch-project/malwatch/internal/bus"
	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
	"github.com/malwatch-project/malwatch/internal/intel"
	"github.com/malwatch-project/malwatch/internal/pipeline"
	"github.com/malwatch-project/malwatch/internal/queue"
	"github.com/malwatch-project/malwatch/internal/rules"
	"github.com/malwatch-project/malwatch/internal/sandbox"
	"github.com/malwatch-project/malwatch/internal/store"
)

// Engine is the top-level malwatch node.
type Engine struct {
	Config       *config.Config
	Store        store.SampleStore
	Bus          *bus.ReportBus
	Rules        *rules.Engine
	Queue        *queue.Manager
	Sandbox      *sandbox.Controller
	Intel        *intel.Index
	Refresher    *intel.Refresher
	Orchestrator *pipeline.Orchestrator
	Logger       zerolog.Logger

	configPath      string
	sandboxProvider sandbox.Provider
	ctx             context.Context
	cancel          context.CancelFunc
}

// NewLogger builds the process logger from config.
func NewLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

// NewEngine creates an engine from config. SandboxProvider is pluggable so
// single-binary deployments can run without real detonation infrastructure.
func NewEngine(cfg *config.Config, configPath string, provider sandbox.Provider) (*Engine, error) {
	logger := NewLogger(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		Config:          cfg,
		Logger:          logger.With().Str("component", "engine").Logger(),
		configPath:      configPath,
		sandboxProvider: provider,
		ctx:             ctx,
		cancel:          cancel,
	}

	var st store.SampleStore
	var persist intel.Persister
	if cfg.Store.InMemory {
		st = store.NewMemoryStore()
	} else {
		bs, err := store.OpenBolt(cfg.Store.Path)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("opening sample store: %w", err)
		}
		st = bs
		persist = bs
	}
	e.Store = st

	e.Rules = rules.NewEngine(logger)
	if err := e.Rules.LoadFromPaths(cfg.Rules.Paths); err != nil {
		e.Logger.Warn().Err(err).Msg("initial rule load failed, starting with empty ruleset")
	}

	e.Intel = intel.NewIndex(cfg.Intel.Shards, persist, logger)
	if err := e.Intel.Warm(); err != nil {
		e.Logger.Warn().Err(err).Msg("intel warm-up failed")
	}

	refresher, err := intel.NewRefresher(cfg.Intel, e.Intel, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("configuring feed refresher: %w", err)
	}
	e.Refresher = refresher

	e.Queue = queue.NewManager(cfg.Queue, logger)
	return e, nil
}

// Start connects the bus, starts the sandbox controller, queues, workers
// and feed refresher.
func (e *Engine) Start() error {
	e.Logger.Info().Msg("starting malwatch engine")

	rb, err := bus.NewReportBus(e.Config.Bus, e.Logger)
	if err != nil {
		return fmt.Errorf("starting report bus: %w", err)
	}
	e.Bus = rb

	auditSink := func(ev *core.AuditEvent) {
		if err := e.Bus.PublishAudit(ev); err != nil {
			e.Logger.Error().Err(err).Str("kind", ev.Kind).Msg("failed to publish audit event")
		}
	}
	e.Sandbox = sandbox.NewController(e.Config.Sandbox, e.provider(), auditSink, e.Logger)

	e.Orchestrator = pipeline.NewOrchestrator(
		e.Config, e.Store, e.Queue, e.Rules, e.Sandbox, e.Intel, e.Bus, e.Logger)

	e.Queue.Start(e.ctx)
	e.Orchestrator.Start(e.ctx)
	e.Refresher.Start()

	if e.Config.Rules.ReloadOnHUP {
		go e.watchHUP()
	}

	e.Logger.Info().
		Int("rules", e.Rules.Current().Len()).
		Int("iocs", e.Intel.Size()).
		Msg("malwatch engine started")
	return nil
}

// Run starts the engine and blocks until a shutdown signal arrives.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}

	return e.Shutdown()
}

// Shutdown gracefully stops all components in dependency order.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down malwatch engine")
	e.cancel()

	if e.Refresher != nil {
		e.Refresher.Stop()
	}
	if e.Orchestrator != nil {
		e.Orchestrator.Stop()
	}
	if e.Queue != nil {
		e.Queue.Stop()
	}
	if e.Sandbox != nil {
		e.Sandbox.Shutdown()
	}
	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing report bus")
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing sample store")
		}
	}

	e.Logger.Info().Msg("malwatch engine stopped")
	return nil
}

// Context returns the engine's root context.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// watchHUP reloads runtime-tunable config and the rule set on SIGHUP.
func (e *Engine) watchHUP() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-hup:
			changes, err := config.Reload(e.Config, e.configPath, e.Logger)
			if err != nil {
				e.Logger.Error().Err(err).Msg("config reload failed, keeping previous config")
				continue
			}
			if err := e.Rules.LoadFromPaths(e.Config.Rules.Paths); err != nil {
				e.Logger.Error().Err(err).Msg("rule reload failed, keeping previous ruleset")
			}
			e.Refresher.RefreshAll()
			e.Logger.Info().Strs("changes", changes).Msg("configuration reloaded")
		}
	}
}

// provider is the detonation backend. The scripted provider stands in until
// a real hypervisor integration is configured.
func (e *Engine) provider() sandbox.Provider {
	if e.sandboxProvider != nil {
		return e.sandboxProvider
	}
	return &sandbox.ScriptedProvider{}
}
