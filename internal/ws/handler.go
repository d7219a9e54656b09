package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voicetrace/internal/ingest"
	"github.com/hubenschmidt/voicetrace/internal/metrics"
	"github.com/hubenschmidt/voicetrace/internal/trace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the span sink shared by all ingestion streams.
type HandlerConfig struct {
	Sink          trace.Exporter
	MaxConcurrent int
	WriteTimeout  time.Duration
}

// Handler manages WebSocket span streams with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a WebSocket handler with a shared sink and concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ack is written back for every batch frame.
type ack struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection and runs the ingestion stream.
// Returns 503 if at max concurrent stream capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.IngestRejected.WithLabelValues("ws", "capacity").Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(ingest.MaxBodyBytes)

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	h.runStream(conn)
}

// runStream reads text frames, each holding one span batch, until the
// client goes away. A bad batch is answered with an error ack and does not
// end the stream.
func (h *Handler) runStream(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("span stream started", "remote", conn.RemoteAddr().String())
	total := 0
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("span stream closed", "accepted", total, "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			metrics.IngestRejected.WithLabelValues("ws", "frame_type").Inc()
			if err = h.reply(conn, ack{Error: "expected a text frame"}); err != nil {
				return
			}
			continue
		}

		n, err := h.ingest(ctx, data)
		reply := ack{Accepted: n}
		if err != nil {
			reply.Error = err.Error()
		}
		total += n
		if err = h.reply(conn, reply); err != nil {
			slog.Error("write ack", "error", err)
			return
		}
	}
}

func (h *Handler) ingest(ctx context.Context, data []byte) (int, error) {
	spans, err := ingest.Parse(data)
	if err != nil {
		metrics.IngestRejected.WithLabelValues("ws", ingest.Reason(err)).Inc()
		return 0, err
	}
	if err = h.cfg.Sink.ExportBatch(ctx, spans); err != nil {
		slog.Error("stream write failed", "spans", len(spans), "error", err)
		metrics.IngestRejected.WithLabelValues("ws", "store").Inc()
		return 0, err
	}
	metrics.SpansIngested.WithLabelValues("ws").Add(float64(len(spans)))
	return len(spans), nil
}

func (h *Handler) reply(conn *websocket.Conn, a ack) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
