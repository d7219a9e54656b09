package store

import (
	"context"
	"sync"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

const defaultMaxSpans = 100_000

// Memory keeps spans in process. Once MaxSpans is reached the oldest spans
// are dropped. A span id already held is not stored again.
type Memory struct {
	mu       sync.RWMutex
	spans    []trace.Span
	ids      map[string]struct{}
	maxSpans int
}

// NewMemory creates an in-memory store holding at most maxSpans spans
// (a default applies when maxSpans <= 0).
func NewMemory(maxSpans int) *Memory {
	if maxSpans <= 0 {
		maxSpans = defaultMaxSpans
	}
	return &Memory{ids: map[string]struct{}{}, maxSpans: maxSpans}
}

func (m *Memory) Export(ctx context.Context, s trace.Span) error {
	return m.ExportBatch(ctx, []trace.Span{s})
}

func (m *Memory) ExportBatch(_ context.Context, spans []trace.Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range spans {
		s = withIDs(s)
		if _, dup := m.ids[s.SpanID]; dup {
			continue
		}
		m.ids[s.SpanID] = struct{}{}
		m.spans = append(m.spans, s.Clone())
	}
	if over := len(m.spans) - m.maxSpans; over > 0 {
		for _, s := range m.spans[:over] {
			delete(m.ids, s.SpanID)
		}
		m.spans = append([]trace.Span(nil), m.spans[over:]...)
	}
	return nil
}

// Spans returns copies of the matching spans ordered by start time.
func (m *Memory) Spans(_ context.Context, q Query) ([]trace.Span, error) {
	m.mu.RLock()
	out := make([]trace.Span, 0, len(m.spans))
	for _, s := range m.spans {
		if q.match(s) {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()
	sortSpans(out)
	return limit(out, q.Limit), nil
}

func (m *Memory) Conversations(ctx context.Context) ([]Conversation, error) {
	spans, err := m.Spans(ctx, Query{})
	if err != nil {
		return nil, err
	}
	return summarize(spans), nil
}

// Len returns the number of stored spans.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spans)
}

func (m *Memory) Close() error { return nil }
