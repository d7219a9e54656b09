// Package store keeps exported spans and serves them back as analysis
// snapshots.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// Query selects spans. Zero fields match everything; Limit <= 0 means no
// limit.
type Query struct {
	ConversationID string
	TraceID        string
	Limit          int
}

func (q Query) match(s trace.Span) bool {
	if q.ConversationID != "" && s.ConversationID() != q.ConversationID {
		return false
	}
	if q.TraceID != "" && s.TraceID != q.TraceID {
		return false
	}
	return true
}

// Conversation summarizes the stored spans of one conversation.
type Conversation struct {
	ID        string    `json:"id"`
	SpanCount int       `json:"span_count"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Store is a span sink that can be queried. Writes from concurrent
// conversations are serialized by each implementation.
type Store interface {
	trace.Exporter
	Spans(ctx context.Context, q Query) ([]trace.Span, error)
	Conversations(ctx context.Context) ([]Conversation, error)
	Close() error
}

// SpansAsMaps returns the spans selected by q in map form, the input shape
// of analysis.AnalyzeMaps.
func SpansAsMaps(ctx context.Context, st Store, q Query) ([]map[string]any, error) {
	spans, err := st.Spans(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.Map())
	}
	return out, nil
}

// withIDs fills in missing trace and span ids.
func withIDs(s trace.Span) trace.Span {
	if s.TraceID != "" && s.SpanID != "" {
		return s
	}
	s = s.Clone()
	if s.TraceID == "" {
		s.TraceID = trace.NewTraceID()
	}
	if s.SpanID == "" {
		s.SpanID = trace.NewSpanID()
	}
	return s
}

func sortSpans(spans []trace.Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if !spans[i].StartTime.Equal(spans[j].StartTime) {
			return spans[i].StartTime.Before(spans[j].StartTime)
		}
		return spans[i].SpanID < spans[j].SpanID
	})
}

func limit(spans []trace.Span, n int) []trace.Span {
	if n > 0 && len(spans) > n {
		return spans[:n]
	}
	return spans
}

func spanEnd(s trace.Span) time.Time {
	if s.EndTime != nil {
		return *s.EndTime
	}
	return s.StartTime.Add(time.Duration(s.DurationMs * float64(time.Millisecond)))
}

// summarize groups spans into conversation summaries, newest first.
func summarize(spans []trace.Span) []Conversation {
	byID := map[string]*Conversation{}
	for _, s := range spans {
		id := s.ConversationID()
		if id == "" {
			continue
		}
		c, ok := byID[id]
		if !ok {
			c = &Conversation{ID: id, StartedAt: s.StartTime, EndedAt: spanEnd(s)}
			byID[id] = c
		}
		c.SpanCount++
		if s.StartTime.Before(c.StartedAt) {
			c.StartedAt = s.StartTime
		}
		if end := spanEnd(s); end.After(c.EndedAt) {
			c.EndedAt = end
		}
	}
	out := make([]Conversation, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
