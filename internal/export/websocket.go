package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// Ack is the server's reply to one span batch on the streaming endpoint.
type Ack struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// WebSocket pushes span batches to a voicetrace server's streaming ingest
// endpoint and waits for the acknowledgement of each batch. The connection
// is dialed lazily and redialed once after a failed write.
type WebSocket struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocket creates an exporter for url, e.g. ws://localhost:8000/ws/spans.
func NewWebSocket(url string, header http.Header) *WebSocket {
	return &WebSocket{
		url:     url,
		header:  header,
		dialer:  websocket.DefaultDialer,
		timeout: 10 * time.Second,
	}
}

func (w *WebSocket) Export(ctx context.Context, s trace.Span) error {
	return w.ExportBatch(ctx, []trace.Span{s})
}

func (w *WebSocket) ExportBatch(ctx context.Context, spans []trace.Span) error {
	if len(spans) == 0 {
		return nil
	}
	payload, err := json.Marshal(spans)
	if err != nil {
		return fmt.Errorf("encode spans: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	ack, err := w.send(ctx, payload)
	if err != nil {
		// Stale connection: redial once.
		w.reset()
		if ack, err = w.send(ctx, payload); err != nil {
			w.reset()
			return err
		}
	}
	if ack.Error != "" {
		return fmt.Errorf("server rejected batch: %s", ack.Error)
	}
	if ack.Accepted != len(spans) {
		return fmt.Errorf("server accepted %d of %d spans", ack.Accepted, len(spans))
	}
	return nil
}

func (w *WebSocket) send(ctx context.Context, payload []byte) (Ack, error) {
	if w.conn == nil {
		conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
		if err != nil {
			return Ack{}, fmt.Errorf("dial %s: %w", w.url, err)
		}
		w.conn = conn
	}
	deadline := time.Now().Add(w.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.conn.SetWriteDeadline(deadline)
	w.conn.SetReadDeadline(deadline)

	if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return Ack{}, fmt.Errorf("write batch: %w", err)
	}
	msgType, data, err := w.conn.ReadMessage()
	if err != nil {
		return Ack{}, fmt.Errorf("read ack: %w", err)
	}
	if msgType != websocket.TextMessage {
		return Ack{}, errors.New("unexpected ack frame type")
	}
	var ack Ack
	if err = json.Unmarshal(data, &ack); err != nil {
		return Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}

func (w *WebSocket) reset() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// Close sends a close frame and drops the connection.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := w.conn.Close()
	w.conn = nil
	return err
}
