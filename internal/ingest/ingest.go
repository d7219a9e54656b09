// Package ingest decodes and validates span payloads arriving from outside
// the process.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// MaxBodyBytes caps a single ingestion payload.
const MaxBodyBytes = 8 << 20

// ErrEmptyBatch is returned for payloads holding zero spans.
var ErrEmptyBatch = errors.New("empty span batch")

// ErrTooLarge is returned for payloads above MaxBodyBytes.
var ErrTooLarge = errors.New("span payload too large")

type envelope struct {
	Spans []trace.Span `json:"spans"`
}

// Decode parses a single span object, a JSON array of spans or an object
// of the form {"spans": [...]}.
func Decode(data []byte) ([]trace.Span, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyBatch
	}

	var spans []trace.Span
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &spans); err != nil {
			return nil, fmt.Errorf("decode span array: %w", err)
		}
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, fmt.Errorf("decode span payload: %w", err)
		}
		if _, ok := probe["spans"]; ok {
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return nil, fmt.Errorf("decode span batch: %w", err)
			}
			spans = env.Spans
			break
		}
		var s trace.Span
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode span: %w", err)
		}
		spans = []trace.Span{s}
	default:
		return nil, fmt.Errorf("%w: payload is neither an object nor an array", trace.ErrMalformedSpan)
	}

	if len(spans) == 0 {
		return nil, ErrEmptyBatch
	}
	return spans, nil
}

// Validate rejects the batch if any span breaks the record invariants or is
// missing a start time.
func Validate(spans []trace.Span) error {
	if len(spans) == 0 {
		return ErrEmptyBatch
	}
	for i, s := range spans {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("span %d: %w", i, err)
		}
		if s.StartTime.IsZero() {
			return fmt.Errorf("span %d: %w: missing start_time", i, trace.ErrMalformedSpan)
		}
	}
	return nil
}

// Normalize returns copies of spans with generated ids where missing and
// duration and end time derived from each other when only one is present.
func Normalize(spans []trace.Span) []trace.Span {
	out := make([]trace.Span, 0, len(spans))
	for _, s := range spans {
		s = s.Clone()
		if s.TraceID == "" {
			s.TraceID = trace.NewTraceID()
		}
		if s.SpanID == "" {
			s.SpanID = trace.NewSpanID()
		}
		switch {
		case s.EndTime != nil && s.DurationMs == 0:
			s.DurationMs = float64(s.EndTime.Sub(s.StartTime)) / float64(time.Millisecond)
		case s.EndTime == nil && s.DurationMs > 0:
			end := s.StartTime.Add(time.Duration(s.DurationMs * float64(time.Millisecond)))
			s.EndTime = &end
		}
		out = append(out, s)
	}
	return out
}

// Parse decodes, validates and normalizes one payload.
func Parse(data []byte) ([]trace.Span, error) {
	spans, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err = Validate(spans); err != nil {
		return nil, err
	}
	return Normalize(spans), nil
}

// Read parses a payload from r, reading at most MaxBodyBytes.
func Read(r io.Reader) ([]trace.Span, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(data) > MaxBodyBytes {
		return nil, ErrTooLarge
	}
	return Parse(data)
}

// Reason maps an ingestion error to a short label for metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyBatch):
		return "empty"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, trace.ErrMalformedSpan):
		return "malformed"
	}
	return "decode"
}
