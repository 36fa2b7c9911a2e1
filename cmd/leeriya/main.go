// Command leeriya is the main entry point for the Leeriya collaborative
// music server.
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

	"github.com/stevenp1015/leeriya/internal/config"
	"github.com/stevenp1015/leeriya/internal/lyria"
	"github.com/stevenp1015/leeriya/internal/observe"
	"github.com/stevenp1015/leeriya/internal/room"
	"github.com/stevenp1015/leeriya/internal/server"
)

const shutdownTimeout = 15 * time.Second

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
			fmt.Fprintf(os.Stderr, "leeriya: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "leeriya: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("leeriya starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"mock_generator", cfg.Lyria.UseMock || cfg.Lyria.APIKey == "",
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "leeriya",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Room manager and generator backend ────────────────────────────────────
	sessionCfg := lyria.Config{
		UseMock: cfg.Lyria.UseMock,
		APIKey:  cfg.Lyria.APIKey,
		Model:   cfg.Lyria.Model,
		BaseURL: cfg.Lyria.BaseURL,
	}
	manager := room.NewManager(
		room.Config{
			ReservationTTL: cfg.Room.ReservationTTL,
			IdleTimeout:    cfg.Room.IdleTimeout,
		},
		func(onChunk lyria.ChunkFunc) lyria.Session {
			return lyria.NewSession(sessionCfg, onChunk)
		},
	)

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		manager.Run(ctx)
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(server.Config{
		TokenSecret: cfg.Token.Secret,
		TokenTTL:    cfg.Token.TTL,
		BaseURL:     cfg.Server.BaseURL,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, manager)

	httpSrv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.ListenAndServe()
	}()

	slog.Info("server ready, press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting traffic first, then tear down rooms and telemetry.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	stop()
	<-reaperDone
	manager.CloseAll()
	if err := shutdownMetrics(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
