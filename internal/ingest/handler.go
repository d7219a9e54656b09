package ingest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hubenschmidt/voicetrace/internal/metrics"
	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// Handler accepts span payloads over HTTP POST and writes them to a sink.
type Handler struct {
	sink trace.Exporter
}

// NewHandler creates a handler writing to sink.
func NewHandler(sink trace.Exporter) *Handler {
	return &Handler{sink: sink}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	spans, err := Read(r.Body)
	if err != nil {
		metrics.IngestRejected.WithLabelValues("http", Reason(err)).Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err = h.sink.ExportBatch(r.Context(), spans); err != nil {
		slog.Error("ingest write failed", "spans", len(spans), "error", err)
		metrics.IngestRejected.WithLabelValues("http", "store").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store write failed"})
		return
	}
	metrics.SpansIngested.WithLabelValues("http").Add(float64(len(spans)))
	slog.Debug("ingest batch", "spans", len(spans), "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(spans)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
