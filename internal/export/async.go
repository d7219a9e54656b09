package export

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hubenschmidt/voicetrace/internal/metrics"
	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// ErrClosed is returned by exporters used after Close.
var ErrClosed = errors.New("exporter closed")

const defaultQueueSize = 256

// Async writes spans to another exporter from a background goroutine via a
// buffered channel. Export only blocks while the queue is full. All methods
// are nil-safe. Must call Close when done.
type Async struct {
	next  trace.Exporter
	label string
	ch    chan trace.Span
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts a drain goroutine feeding next. label names the exporter
// in logs and metrics.
func NewAsync(next trace.Exporter, label string, queueSize int) *Async {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	a := &Async{
		next:  next,
		label: label,
		ch:    make(chan trace.Span, queueSize),
		done:  make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *Async) drain() {
	defer close(a.done)
	gauge := metrics.AsyncQueueDepth.WithLabelValues(a.label)
	for s := range a.ch {
		gauge.Set(float64(len(a.ch)))
		a.handle(s)
	}
	gauge.Set(0)
}

func (a *Async) handle(s trace.Span) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("async span write panicked", "exporter", a.label, "panic", r)
			metrics.SpanExportErrors.WithLabelValues(a.label).Inc()
		}
	}()
	if err := a.next.Export(context.Background(), s); err != nil {
		slog.Warn("async span write failed", "exporter", a.label, "span", s.Name, "error", err)
		metrics.SpanExportErrors.WithLabelValues(a.label).Inc()
	}
}

func (a *Async) Export(ctx context.Context, s trace.Span) error {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) ExportBatch(ctx context.Context, spans []trace.Span) error {
	for _, s := range spans {
		if err := a.Export(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains pending writes and shuts down the background goroutine.
func (a *Async) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}
