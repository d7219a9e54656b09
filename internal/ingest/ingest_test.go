package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voicetrace/internal/store"
	"github.com/hubenschmidt/voicetrace/internal/trace"
)

const one = `{"name":"voice.stage.asr","start_time":"2026-02-01T10:00:00Z","duration_ms":120,
	"attributes":{"voice.conversation.id":"c-1","voice.stage.type":"asr"}}`

func TestDecode_Shapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"single object", one, 1},
		{"array", "[" + one + "," + one + "]", 2},
		{"envelope", `{"spans":[` + one + `]}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spans, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Len(t, spans, tt.want)
			assert.Equal(t, "c-1", spans[0].ConversationID())
		})
	}
}

func TestDecode_EmptyBatches(t *testing.T) {
	for _, in := range []string{"", "  ", "[]", `{"spans":[]}`} {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, ErrEmptyBatch, "input %q", in)
	}
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte(`"just a string"`))
	assert.ErrorIs(t, err, trace.ErrMalformedSpan)

	_, err = Decode([]byte(`[{"name":`))
	assert.Error(t, err)
}

func TestParse_ValidatesAndNormalizes(t *testing.T) {
	spans, err := Parse([]byte(one))
	require.NoError(t, err)
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Len(t, s.TraceID, 32)
	assert.Len(t, s.SpanID, 16)
	require.NotNil(t, s.EndTime)
	assert.Equal(t, 120.0, float64(s.EndTime.Sub(s.StartTime).Milliseconds()))

	withEnd := `{"name":"llm","start_time":"2026-02-01T10:00:00Z","end_time":"2026-02-01T10:00:00.5Z"}`
	spans, err = Parse([]byte(withEnd))
	require.NoError(t, err)
	assert.Equal(t, 500.0, spans[0].DurationMs)
}

func TestParse_RejectsInvalidSpans(t *testing.T) {
	tests := []string{
		`{"start_time":"2026-02-01T10:00:00Z","duration_ms":1}`,
		`{"name":"asr","duration_ms":1}`,
		`{"name":"asr","start_time":"2026-02-01T10:00:00Z","duration_ms":-3}`,
		`{"name":"asr","start_time":"2026-02-01T10:00:01Z","end_time":"2026-02-01T10:00:00Z"}`,
	}
	for _, in := range tests {
		_, err := Parse([]byte(in))
		assert.ErrorIs(t, err, trace.ErrMalformedSpan, "input %s", in)
	}
}

func TestRead_TooLarge(t *testing.T) {
	_, err := Read(strings.NewReader("[" + strings.Repeat(" ", MaxBodyBytes) + "]"))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, "too_large", Reason(err))
}

type brokenSink struct{}

func (brokenSink) Export(context.Context, trace.Span) error          { return errors.New("down") }
func (brokenSink) ExportBatch(context.Context, []trace.Span) error { return errors.New("down") }

func TestHandler(t *testing.T) {
	mem := store.NewMemory(0)
	srv := httptest.NewServer(NewHandler(mem))
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader("["+one+","+one+"]"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 2, mem.Len())

	resp, err = http.Post(srv.URL, "application/json", strings.NewReader("[]"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 2, mem.Len())
}

func TestHandler_SinkFailure(t *testing.T) {
	srv := httptest.NewServer(NewHandler(brokenSink{}))
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(one))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
