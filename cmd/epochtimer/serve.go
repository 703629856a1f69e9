package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/snehjoshi/epochtimer/internal/config"
	"github.com/snehjoshi/epochtimer/internal/metrics"
	"github.com/snehjoshi/epochtimer/internal/node"
	"github.com/snehjoshi/epochtimer/internal/reactor"
	"github.com/snehjoshi/epochtimer/internal/storage/journal"
	transphttp "github.com/snehjoshi/epochtimer/internal/transport/http"
	transportws "github.com/snehjoshi/epochtimer/internal/transport/websocket"
)

var serveFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Value: "config.yaml",
		Usage: "path to config file",
	},
}

func serve(c *cli.Context) error {
	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.Open(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("epochtimer starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"scheduler", cfg.SchedulerKind(),
		"tick_interval", cfg.TickInterval(),
		"idle_timeout", cfg.IdleTimeout(),
	)

	// ── 4. Open session journal ──────────────────────────────────────────────
	j, err := journal.Open(n.Path(cfg.Storage.JournalFile))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err := j.Close(); err != nil {
			slog.Warn("journal close error", "err", err)
		}
	}()

	// ── 5. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 6. Build scheduler and start the reactor ─────────────────────────────
	sched, err := reactor.NewScheduler(cfg)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	loop := reactor.New(sched, cfg.TickInterval(),
		reactor.WithKind(cfg.SchedulerKind()),
		reactor.WithMetrics(metricsReg),
		reactor.WithLogger(logger),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	defer loop.Stop()

	// ── 7. Start HTTP / WebSocket transport ──────────────────────────────────
	ws := transportws.NewHandler(loop, cfg.IdleTimeout(),
		transportws.WithJournal(j, n.ID()),
		transportws.WithMetrics(metricsReg),
		transportws.WithLogger(logger),
	)
	srv := transphttp.New(cfg, transphttp.Deps{
		NodeID:   n.ID(),
		Version:  version,
		Loop:     loop,
		Journal:  j,
		Sessions: ws,
		Metrics:  metricsReg,
	})
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	// Serve in a background goroutine so we can handle signals.
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("epochtimer ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}

	slog.Info("epochtimer stopped")
	return nil
}
