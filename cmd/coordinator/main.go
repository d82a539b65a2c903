// Hedge Coordinator, a multi-exchange perpetual-futures hedging daemon.
//
// Architecture:
//
//	main.go                 entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go        orchestrator: wires feeds, pipeline, scheduler, executor; owns goroutines
//	quote/pipeline.go       validates, filters, and scores venue quotes into a versioned cache
//	scoring/model.go        cost model: spread, funding, fees, slippage, latency, capital time
//	capital/coordinator.go  per-venue three-pool budgets with two-phase reservations
//	risk/evaluator.go       mode presets, hard/soft checks, dimension scores, auto-halt
//	scheduler/scheduler.go  tick loop: risk gate, pricing, capital reserve, greedy dispatch
//	executor/executor.go    hedge cycles: taker/maker modes with the unhedged-risk watchdog
//	conn/supervisor.go      per-venue breaker state machine, heartbeats, rate limits
//	adapter/                REST and paper exchange adapters behind one contract
//	store/store.go          JSON file persistence for terminal jobs and risk events
//
// How it makes money:
//
//	The coordinator watches the same perpetual contract across venues. When
//	one venue's bid crosses another's ask by more than total costs, it buys
//	the cheap side and sells the rich side simultaneously, keeping the book
//	delta-neutral. Maker legs collect rebates where fill risk allows; the
//	watchdog converts any resting leg to a taker before exposure can grow.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"perphedge/internal/api"
	"perphedge/internal/config"
	"perphedge/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("HEDGE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(2)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		handlers := api.NewHandlers(
			cfg,
			eng.Scheduler(),
			eng.Capital(),
			eng.Supervisor(),
			eng.Evaluator(),
			eng.Store(),
			eng.CancelAllVenues,
			logger,
		)
		apiServer = api.NewServer(cfg.API, handlers, eng.Metrics().Handler(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("operator api failed", "error", err)
			}
		}()
		logger.Info("operator api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(2)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: paper adapters, no real orders will be placed")
	}

	logger.Info("hedge coordinator started",
		"venues", len(cfg.Venues),
		"risk_mode", cfg.Risk.Mode,
		"executor_mode", cfg.Executor.Mode,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop operator api", "error", err)
		}
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
