package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voicetrace/internal/store"
	"github.com/hubenschmidt/voicetrace/internal/ws"
)

func TestRun(t *testing.T) {
	mem := store.NewMemory(0)
	srv := httptest.NewServer(ws.NewHandler(ws.HandlerConfig{Sink: mem}))
	defer srv.Close()

	results := run("ws"+strings.TrimPrefix(srv.URL, "http"), 2, 6, time.Now().Add(300*time.Millisecond))
	require.NotEmpty(t, results)

	accepted := 0
	for _, r := range results {
		assert.True(t, r.success, r.err)
		assert.Equal(t, 6, r.accepted)
		accepted += r.accepted
	}
	assert.Equal(t, accepted, mem.Len())

	var out bytes.Buffer
	printSummary(&out, results)
	assert.Contains(t, out.String(), "Batches failed: 0")
	assert.Contains(t, out.String(), "ACK")
}

func TestRun_DialFailure(t *testing.T) {
	results := run("ws://127.0.0.1:1/ws/spans", 1, 1, time.Now().Add(time.Second))
	require.Len(t, results, 1)
	assert.False(t, results[0].success)
	assert.Contains(t, results[0].err, "dial")

	var out bytes.Buffer
	printSummary(&out, results)
	assert.Contains(t, out.String(), "No successful batches")
}

func TestSyntheticBatch(t *testing.T) {
	spans := syntheticBatch("c-1", 7)
	require.Len(t, spans, 7)
	for _, s := range spans {
		require.NoError(t, s.Validate())
		k, ok := s.Stage()
		require.True(t, ok)
		assert.Greater(t, s.DurationMs, stageBase[k]*0.5-1e-9)
		assert.Equal(t, "c-1", s.ConversationID())
	}
}
