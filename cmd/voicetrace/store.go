package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hubenschmidt/voicetrace/internal/config"
	"github.com/hubenschmidt/voicetrace/internal/export"
	"github.com/hubenschmidt/voicetrace/internal/metrics"
	"github.com/hubenschmidt/voicetrace/internal/store"
	"github.com/hubenschmidt/voicetrace/internal/trace"
)

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		return store.OpenPostgres(ctx, cfg.PostgresDSN)
	case config.StoreRedis:
		return store.OpenRedis(ctx, store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		})
	}
	return store.NewMemory(cfg.MemoryMaxSpans), nil
}

// buildSink returns the exporter ingested spans are written to. forward is a
// comma-separated list of "name=target" entries; each one gets a copy of every
// span, asynchronously, through an exporter from the default registry. The
// returned func flushes and closes those exporters.
func buildSink(ctx context.Context, st store.Store, forward string) (trace.Exporter, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if strings.TrimSpace(forward) == "" {
		return st, noop, nil
	}

	var (
		fan    export.Multi
		asyncs []*export.Async
		exps   []trace.Exporter
		names  []string
	)
	closeFn := func(ctx context.Context) error {
		var errs []error
		for i, a := range asyncs {
			a.Close()
			errs = append(errs, export.Close(ctx, exps[i]))
		}
		return errors.Join(errs...)
	}
	for _, entry := range strings.Split(forward, ",") {
		name, target, _ := strings.Cut(strings.TrimSpace(entry), "=")
		exp, err := export.DefaultRegistry().Build(ctx, name, target)
		if err != nil {
			_ = closeFn(ctx)
			return nil, noop, fmt.Errorf("forward %q: %w", entry, err)
		}
		a := export.NewAsync(exp, name, 0)
		asyncs = append(asyncs, a)
		exps = append(exps, exp)
		names = append(names, name)
		fan = append(fan, a)
	}
	return &teeSink{store: st, forward: fan, label: strings.Join(names, "+")}, closeFn, nil
}

// teeSink writes to the store and forwards a copy. Only the store result is
// returned; a forward failure is logged and counted.
type teeSink struct {
	store   trace.Exporter
	forward trace.Exporter
	label   string
}

func (t *teeSink) Export(ctx context.Context, s trace.Span) error {
	err := t.store.Export(ctx, s)
	if ferr := t.forward.Export(ctx, s); ferr != nil {
		t.dropped(1, ferr)
	}
	return err
}

func (t *teeSink) ExportBatch(ctx context.Context, spans []trace.Span) error {
	err := t.store.ExportBatch(ctx, spans)
	if ferr := t.forward.ExportBatch(ctx, spans); ferr != nil {
		t.dropped(len(spans), ferr)
	}
	return err
}

func (t *teeSink) dropped(n int, err error) {
	slog.Warn("span forward failed", "exporter", t.label, "spans", n, "error", err)
	metrics.SpanExportErrors.WithLabelValues(t.label).Inc()
}
