package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hubenschmidt/voicetrace/internal/env"
	"github.com/hubenschmidt/voicetrace/internal/export"
)

func main() {
	registry := export.DefaultRegistry()

	exporter := flag.String("exporter", env.Str("SEED_EXPORTER", "jsonl"), "exporter: "+strings.Join(registry.Names(), ", "))
	target := flag.String("target", env.Str("SEED_TARGET", "-"), "exporter target (file path, ws URL, OTLP endpoint, DSN)")
	conversations := flag.Int("conversations", env.Int("SEED_CONVERSATIONS", 20), "number of conversations to generate")
	turns := flag.Int("turns", env.Int("SEED_TURNS", 6), "turns per conversation")
	concurrency := flag.Int("concurrency", env.Int("SEED_CONCURRENCY", 4), "conversations generated in parallel")
	seed := flag.Uint64("seed", uint64(env.Int("SEED_RANDOM_SEED", 1)), "random seed")
	faultRate := flag.Float64("fault-rate", env.Float("SEED_FAULT_RATE", 0.15), "probability of a faulty turn")
	queue := flag.Int("queue", env.Int("SEED_QUEUE_SIZE", 1024), "async export queue size")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if *conversations <= 0 || *turns <= 0 || *faultRate < 0 || *faultRate > 1 {
		fmt.Fprintln(os.Stderr, "usage: seed --conversations N --turns N --fault-rate [0,1]")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exp, err := registry.Build(ctx, *exporter, *target)
	if err != nil {
		slog.Error("build exporter", "exporter", *exporter, "error", err)
		os.Exit(1)
	}
	async := export.NewAsync(exp, *exporter, *queue)

	started := time.Now()
	err = generate(ctx, async, *exporter, profile{
		conversations: *conversations,
		turns:         *turns,
		concurrency:   *concurrency,
		seed:          *seed,
		faultRate:     *faultRate,
		start:         started.UTC().Truncate(time.Second),
	})

	async.Close()
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := export.Close(closeCtx, exp); closeErr != nil {
		slog.Warn("close exporter", "error", closeErr)
	}

	if err != nil {
		slog.Error("generate", "error", err)
		os.Exit(1)
	}
	slog.Info("done", "conversations", *conversations, "turns", *turns, "exporter", *exporter, "elapsed", time.Since(started).String())
}
