// Package main runs browserd, an HTTP task server that executes
// browser-automation scripts against a bounded pool of warm headless
// browsers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/config"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/script"
	"github.com/entrhq/browserd/pkg/server"
	"github.com/entrhq/browserd/pkg/supervisor"
	"github.com/entrhq/browserd/pkg/task"
	"github.com/entrhq/browserd/pkg/telemetry"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("browserd v%s\n", version)
		return
	}

	if err := run(*configPath, *listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "browserd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string) error {
	// A missing .env file is fine; environment variables still apply.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.NewLogger("main")
	log.Infof("browserd v%s starting (pool=%d queue=%d timeout=%s)",
		version, cfg.PoolCapacity, cfg.QueueDepth, cfg.TaskTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every later component lands on the real provider.
	telemetryShutdown, err := telemetry.Setup(ctx, time.Minute)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			log.Warnf("telemetry shutdown: %v", err)
		}
	}()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	policy, err := script.NewPolicy(cfg.AllowedURLs, cfg.DeniedURLs)
	if err != nil {
		return fmt.Errorf("failed to compile url policy: %w", err)
	}

	engine, err := browser.StartEngine(browser.EngineOptions{
		Headless:       cfg.Headless,
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
		DefaultTimeout: cfg.TaskTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to start browser engine: %w", err)
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			log.Warnf("engine stop: %v", err)
		}
	}()

	pool, err := browser.NewPool(engine, browser.Options{
		Capacity:         cfg.PoolCapacity,
		AcquireTimeout:   cfg.TaskTimeout,
		RecycleAfterUses: cfg.RecycleAfterUses,
		Logger:           logging.NewLogger("pool"),
		Hooks: browser.Hooks{
			HandleSpawned: metrics.HandleSpawned,
			HandleRetired: metrics.HandleRetired,
		},
	})
	if err != nil {
		return err
	}

	if err := metrics.RegisterPoolGauges(func() (int, int, int) {
		st := pool.Stats()
		return st.Live, st.Idle, st.Leased
	}); err != nil {
		return fmt.Errorf("failed to register pool gauges: %w", err)
	}

	hub := server.NewEventHub(logging.NewLogger("events"))

	executor := task.NewExecutor(pool, logging.NewLogger("executor"))
	scheduler := task.NewScheduler(pool, executor, task.SchedulerOptions{
		Capacity:    cfg.PoolCapacity,
		QueueDepth:  cfg.QueueDepth,
		TaskTimeout: cfg.TaskTimeout,
		Logger:      logging.NewLogger("scheduler"),
		Hooks:       schedulerHooks(hub, metrics),
	})

	sup := supervisor.New(pool, scheduler, supervisor.Options{
		WarmupCount:   cfg.WarmupCount,
		IdleTTL:       cfg.IdleTTL,
		SweepInterval: cfg.SweepInterval,
		Logger:        logging.NewLogger("supervisor"),
	})

	gateway := server.New(scheduler, pool, hub, server.Options{
		Policy:      policy,
		TaskTimeout: cfg.TaskTimeout,
		QueueDepth:  cfg.QueueDepth,
		Version:     version,
		Logger:      logging.NewLogger("server"),
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gateway.Handler(),
	}

	// Serve /healthz (not ready) while warmup runs.
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if err := sup.Warmup(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Infof("warmup interrupted by shutdown signal")
		} else {
			shutdownHTTP(httpServer, log)
			return fmt.Errorf("warmup failed: %w", err)
		}
	}

	scheduler.Start()
	go sup.Run(ctx)
	gateway.SetReady(true)
	log.Infof("ready to accept tasks")

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	log.Infof("shutdown signal received")
	gateway.SetReady(false)

	// Stop accepting connections first, then resolve what is in flight.
	shutdownHTTP(httpServer, log)
	sup.Shutdown(cfg.ShutdownGrace)

	log.Infof("shutdown complete")
	return nil
}

func shutdownHTTP(srv *http.Server, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
}

// schedulerHooks fans lifecycle callbacks out to the event hub and the
// metric counters.
func schedulerHooks(hub *server.EventHub, metrics *telemetry.Metrics) task.Hooks {
	events := hub.SchedulerHooks()
	return task.Hooks{
		TaskAdmitted: func(t *task.Task) {
			metrics.TaskSubmitted()
			events.TaskAdmitted(t)
		},
		TaskStarted: events.TaskStarted,
		TaskFinished: func(t *task.Task, r task.Result) {
			switch r.Outcome {
			case task.OutcomeSuccess:
				metrics.TaskSucceeded()
			case task.OutcomeTimeout:
				metrics.TaskTimedOut()
			default:
				metrics.TaskFailed()
			}
			events.TaskFinished(t, r)
		},
		TaskRejected: func() {
			metrics.TaskRejected()
			events.TaskRejected()
		},
	}
}
