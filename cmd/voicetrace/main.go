package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubenschmidt/voicetrace/internal/config"
	"github.com/hubenschmidt/voicetrace/internal/ingest"
	"github.com/hubenschmidt/voicetrace/internal/ws"
)

func main() {
	cfg, err := config.Load()
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := openStore(initCtx, cfg)
	if err != nil {
		initCancel()
		slog.Error("open store", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	sink, closeForward, err := buildSink(initCtx, st, cfg.Forward)
	initCancel()
	if err != nil {
		slog.Error("build forward exporter", "forward", cfg.Forward, "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		store:      st,
		thresholds: cfg.Thresholds,
		ingest:     ingest.NewHandler(sink),
		wsHandler:  ws.NewHandler(ws.HandlerConfig{Sink: sink, MaxConcurrent: cfg.MaxStreams}),
	})

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: mux}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		srv.Shutdown(ctx)

		if err := closeForward(ctx); err != nil {
			slog.Warn("close forward exporter", "error", err)
		}
		if err := st.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}()

	slog.Info("voicetrace starting", "addr", addr, "store", cfg.Store, "max_streams", cfg.MaxStreams)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	<-stopped
	slog.Info("voicetrace stopped")
}
