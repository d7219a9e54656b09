// Package export holds the span sinks the tracer can write to.
package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// JSONL appends one JSON object per span to a writer. Every Export call
// produces a single write followed by a flush, serialized by a mutex, so
// records from concurrent conversations never interleave.
type JSONL struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewJSONL wraps w. If w is an io.Closer, Close closes it.
func NewJSONL(w io.Writer) *JSONL {
	j := &JSONL{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		j.closer = c
	}
	return j
}

// OpenJSONL opens path for appending, creating it if needed.
func OpenJSONL(path string) (*JSONL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open span log: %w", err)
	}
	return NewJSONL(f), nil
}

func (j *JSONL) Export(ctx context.Context, s trace.Span) error {
	return j.ExportBatch(ctx, []trace.Span{s})
}

// ExportBatch encodes every span before taking the lock; a span that fails
// to encode aborts the whole batch and nothing is written.
func (j *JSONL) ExportBatch(_ context.Context, spans []trace.Span) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, s := range spans {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("encode span %q: %w", s.Name, err)
		}
	}
	if buf.Len() == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write spans: %w", err)
	}
	return j.w.Flush()
}

// Close flushes and closes the underlying writer.
func (j *JSONL) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.w.Flush()
	if j.closer != nil {
		if cerr := j.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ReadJSONL parses a span log. Blank lines are ignored; malformed lines are
// logged and skipped.
func ReadJSONL(r io.Reader) ([]trace.Span, error) {
	var spans []trace.Span
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var s trace.Span
		if err := json.Unmarshal(b, &s); err != nil {
			slog.Warn("skipping malformed span line", "line", line, "error", err)
			continue
		}
		spans = append(spans, s)
	}
	if err := sc.Err(); err != nil {
		return spans, fmt.Errorf("read span log: %w", err)
	}
	return spans, nil
}

// ReadJSONLFile reads a span log from disk.
func ReadJSONLFile(path string) ([]trace.Span, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadJSONL(f)
}
