package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/voicetrace/internal/analysis"
	"github.com/hubenschmidt/voicetrace/internal/classify"
	"github.com/hubenschmidt/voicetrace/internal/metrics"
	"github.com/hubenschmidt/voicetrace/internal/store"
	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// defaultSpanLimit is how many spans a conversation listing returns when
// the caller omits ?limit=.
const defaultSpanLimit = 1000

type deps struct {
	store      store.Store
	thresholds classify.Thresholds
	ingest     http.Handler
	wsHandler  http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/spans", d.wsHandler)
	mux.Handle("POST /api/spans", d.ingest)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("GET /api/conversations", d.handleConversations)
	mux.HandleFunc("GET /api/conversations/{id}/spans", d.handleConversationSpans)
	mux.HandleFunc("GET /api/analysis", d.handleAnalysis)
	mux.HandleFunc("GET /api/failures", d.handleFailures)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := d.store.Conversations(r.Context())
	if err != nil {
		slog.Error("list conversations", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"conversations": convs, "total": len(convs)})
}

func (d deps) handleConversationSpans(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	spans, err := d.store.Spans(r.Context(), store.Query{
		ConversationID: id,
		Limit:          queryInt(r, "limit", defaultSpanLimit),
	})
	if err != nil {
		slog.Error("list spans", "conversation_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(spans) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"conversation_id": id, "spans": spans})
}

func (d deps) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	spans, ok := d.snapshot(w, r)
	if !ok {
		return
	}
	res := analysis.Analyze(spans, analysis.WithInterruptionTolerance(d.thresholds.InterruptionToleranceMs))
	if fullSnapshot(r) {
		metrics.SpansSkipped.WithLabelValues("analysis").Set(float64(len(res.Skipped)))
	}
	writeJSON(w, res)
}

func (d deps) handleFailures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var types []string
	for _, v := range q["type"] {
		types = append(types, strings.Split(v, ",")...)
	}
	filter, err := classify.ParseFilter(q.Get("severity"), types, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	spans, ok := d.snapshot(w, r)
	if !ok {
		return
	}
	rep, err := classify.Classify(spans, d.thresholds)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if fullSnapshot(r) {
		recordFailures(rep)
	}
	writeJSON(w, rep.Filter(filter))
}

// recordFailures replaces the failure gauges with the counts in rep.
func recordFailures(rep *classify.Report) {
	metrics.FailuresDetected.Reset()
	for _, f := range rep.Failures {
		metrics.FailuresDetected.WithLabelValues(string(f.Type), f.Severity.String()).Inc()
	}
	metrics.SpansSkipped.WithLabelValues("classify").Set(float64(len(rep.Skipped)))
}

func fullSnapshot(r *http.Request) bool {
	return r.URL.Query().Get("conversation_id") == ""
}

// snapshot loads the spans selected by ?conversation_id=, or every stored
// span when it is absent.
func (d deps) snapshot(w http.ResponseWriter, r *http.Request) ([]trace.Span, bool) {
	spans, err := d.store.Spans(r.Context(), store.Query{ConversationID: r.URL.Query().Get("conversation_id")})
	if err != nil {
		slog.Error("load span snapshot", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return spans, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
