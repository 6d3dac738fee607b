// conductord is the workflow orchestration daemon: it loads config, opens the
// durable store, wires the event bus and its projections, and serves the
// message ingress plus the outbound event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stationhq/conductor/internal/audit"
	"github.com/stationhq/conductor/internal/config"
	"github.com/stationhq/conductor/internal/events"
	"github.com/stationhq/conductor/internal/gate"
	"github.com/stationhq/conductor/internal/mdlog"
	"github.com/stationhq/conductor/internal/notify"
	"github.com/stationhq/conductor/internal/obligation"
	"github.com/stationhq/conductor/internal/persistence"
	"github.com/stationhq/conductor/internal/router"
	"github.com/stationhq/conductor/internal/session"
	"github.com/stationhq/conductor/internal/stream"
	"github.com/stationhq/conductor/internal/sweep"
	"github.com/stationhq/conductor/internal/telemetry"
	"github.com/stationhq/conductor/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	otelProvider, err := telemetry.InitOTel(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	persist, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer persist.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	store := session.NewStore(persist, queueConfig(cfg.Queue, metrics), logger)

	// Projections, in delivery order: state first so every outward-facing
	// sink observes post-transition state.
	projections := []events.Projection{
		session.NewProjection(store),
		persistence.NewEventLogProjection(persist, logger),
		telemetry.NewMetricsProjection(metrics),
	}

	hub := stream.NewHub(cfg.Stream.AllowOrigins, logger)
	if cfg.Stream.Enabled {
		projections = append(projections, stream.NewProjection(hub))
	}

	if cfg.Channels.Telegram.Enabled {
		notifier, nErr := notify.New(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, logger)
		if nErr != nil {
			fatalStartup(logger, "E_TELEGRAM_INIT", nErr)
		}
		projections = append(projections, notifier)
	}

	transcript, err := mdlog.NewTranscript(cfg.HomeDir, logger)
	if err != nil {
		fatalStartup(logger, "E_TRANSCRIPT_INIT", err)
	}
	projections = append(projections, transcript)

	trail, err := audit.NewTrail(cfg.HomeDir, persist, logger)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer trail.Close()
	projections = append(projections, trail)

	bus := events.NewBus(logger, projections...)

	gates := gate.NewManager(store, bus, gate.Config{
		DedupeContinue: cfg.DedupeContinue(),
		ContinueTTL:    cfg.ContinueTTL(),
	}, logger)
	obligations := obligation.NewTracker(store, bus)

	table := cfg.Router.Capabilities
	if len(table) == 0 {
		table = router.DefaultCapabilityTable()
	}
	rt := router.New(table, cfg.Router.FallbackAgent, logger)

	classifier, agents := newCollaborators(cfg.Collaborators, logger)
	engine := workflow.NewEngine(store, bus, rt, gates, obligations,
		tracedClassifier{inner: classifier, tracer: otelProvider.Tracer, metrics: metrics},
		tracedAgents{inner: agents, tracer: otelProvider.Tracer, metrics: metrics},
		workflow.Config{
			AutoApprovePlans: cfg.Engine.AutoApprovePlans,
			MaxTaskRetries:   cfg.Engine.MaxTaskRetries,
			TaskBudget:       cfg.Engine.TaskBudget,
			InboxCap:         cfg.Engine.InboxCap,
		}, otelProvider.Tracer, logger)

	var sweeper *sweep.Sweeper
	if cfg.Sweep.Enabled {
		sweeper = sweep.New(sweep.Config{
			Store:      store,
			Persist:    persist,
			Gates:      gates,
			Logger:     logger,
			Schedule:   cfg.Sweep.Schedule,
			SessionTTL: time.Duration(cfg.Sweep.SessionTTLDays) * 24 * time.Hour,
		})
		if err := sweeper.Start(ctx); err != nil {
			fatalStartup(logger, "E_SWEEP_INIT", err)
		}
		defer sweeper.Stop()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("config watcher failed to start", "error", err)
	} else {
		go reloadLoop(ctx, watcher, cfg, store, gates, sweeper, metrics, logger)
	}

	srv := &http.Server{
		Addr:              cfg.Stream.BindAddr,
		Handler:           newMux(engine, hub, metrics, otelProvider.Tracer, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("startup phase", "phase", "serving", "addr", cfg.Stream.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	hub.Close(shutdownCtx)
	store.Close(shutdownCtx)
	logger.Info("shutdown complete")
}

// reloadLoop re-reads tunables whenever config.yaml changes. Only the
// runtime-adjustable pieces apply live; the rest take effect on restart.
func reloadLoop(ctx context.Context, watcher *config.Watcher, current config.Config,
	store *session.Store, gates *gate.Manager, sweeper *sweep.Sweeper,
	metrics *telemetry.Metrics, logger *slog.Logger) {
	fingerprint := current.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.LoadFrom(current.HomeDir)
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			if next.Fingerprint() == fingerprint {
				continue
			}
			fingerprint = next.Fingerprint()

			store.SetQueueConfig(queueConfig(next.Queue, metrics))
			gates.UpdateConfig(gate.Config{
				DedupeContinue: next.DedupeContinue(),
				ContinueTTL:    next.ContinueTTL(),
			})
			if sweeper != nil {
				if err := sweeper.Reschedule(ctx, next.Sweep.Schedule,
					time.Duration(next.Sweep.SessionTTLDays)*24*time.Hour); err != nil {
					logger.Error("sweep reschedule failed", "error", err)
				}
			}
			logger.Info("config reloaded", "fingerprint", fingerprint)
		}
	}
}

// queueConfig maps the YAML queue tunables onto the persistence queue and
// attaches the flush/retry counters.
func queueConfig(q config.QueueConfig, metrics *telemetry.Metrics) session.QueueConfig {
	return session.QueueConfig{
		Debounce:    time.Duration(q.DebounceMs) * time.Millisecond,
		RetryBase:   time.Duration(q.RetryBaseMs) * time.Millisecond,
		RetryMax:    time.Duration(q.RetryMaxMs) * time.Millisecond,
		MaxAttempts: q.RetryAttempts,
		OnFlush:     func() { metrics.QueueFlushes.Add(context.Background(), 1) },
		OnRetry:     func() { metrics.QueueRetries.Add(context.Background(), 1) },
	}
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "conductord: %s: %v\n", code, err)
	os.Exit(1)
}
