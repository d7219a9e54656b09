// Command loadtest pushes synthetic span batches over concurrent WebSocket
// streams and reports acknowledgement latency.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voicetrace/internal/analysis"
	"github.com/hubenschmidt/voicetrace/internal/export"
	"github.com/hubenschmidt/voicetrace/internal/trace"
)

func main() {
	endpoint := flag.String("endpoint", "ws://localhost:8000/ws/spans", "span stream WebSocket URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent streams")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	batchSize := flag.Int("batch", 50, "spans per frame")
	flag.Parse()

	fmt.Printf("Load test: %d concurrent streams for %s\n", *concurrency, *duration)
	fmt.Printf("Endpoint: %s | Batch: %d spans\n\n", *endpoint, *batchSize)

	results := run(*endpoint, *concurrency, *batchSize, time.Now().Add(*duration))
	printSummary(os.Stdout, results)
}

type batchResult struct {
	success  bool
	accepted int
	ackMs    float64
	err      string
}

// run opens concurrency streams and sends batches on each until deadline.
func run(endpoint string, concurrency, batchSize int, deadline time.Time) []batchResult {
	var mu sync.Mutex
	var results []batchResult
	var wg sync.WaitGroup

	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs := runStream(endpoint, batchSize, deadline)
			mu.Lock()
			results = append(results, rs...)
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

func runStream(endpoint string, batchSize int, deadline time.Time) []batchResult {
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return []batchResult{{err: fmt.Sprintf("dial: %v", err)}}
	}
	defer conn.Close()

	convID := uuid.NewString()
	var results []batchResult
	for time.Now().Before(deadline) {
		payload, err := json.Marshal(syntheticBatch(convID, batchSize))
		if err != nil {
			return append(results, batchResult{err: fmt.Sprintf("encode: %v", err)})
		}
		start := time.Now()
		if err = conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return append(results, batchResult{err: fmt.Sprintf("send: %v", err)})
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		var ack export.Ack
		if err = conn.ReadJSON(&ack); err != nil {
			return append(results, batchResult{err: fmt.Sprintf("read: %v", err)})
		}
		r := batchResult{
			success:  ack.Error == "",
			accepted: ack.Accepted,
			ackMs:    float64(time.Since(start)) / float64(time.Millisecond),
			err:      ack.Error,
		}
		results = append(results, r)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return results
}

var stageBase = map[trace.StageKind]float64{
	trace.StageASR: 300,
	trace.StageLLM: 900,
	trace.StageTTS: 250,
}

func syntheticBatch(convID string, n int) []trace.Span {
	spans := make([]trace.Span, 0, n)
	now := time.Now().UTC()
	for i := range n {
		kind := trace.Stages[i%len(trace.Stages)]
		spans = append(spans, trace.Span{
			Name:       trace.StageSpanName(kind),
			StartTime:  now.Add(time.Duration(i) * time.Millisecond),
			DurationMs: stageBase[kind] * (0.5 + rand.Float64()),
			Attributes: trace.Attributes{
				trace.AttrConversationID: convID,
				trace.AttrSpanKind:       string(trace.KindStage),
				trace.AttrStageType:      string(kind),
			},
		})
	}
	return spans
}

func printSummary(w io.Writer, results []batchResult) {
	var succeeded, failed, spans int
	var acks []float64
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		spans += r.accepted
		acks = append(acks, r.ackMs)
	}

	fmt.Fprintf(w, "\n=== Load Test Results ===\n")
	fmt.Fprintf(w, "Batches acked:  %d\n", succeeded)
	fmt.Fprintf(w, "Batches failed: %d\n", failed)
	fmt.Fprintf(w, "Spans accepted: %d\n", spans)
	printErrors(w, errs)

	if len(acks) == 0 {
		fmt.Fprintln(w, "No successful batches to report latency")
		return
	}

	sort.Float64s(acks)
	p50, _ := analysis.Percentile(acks, 50)
	p95, _ := analysis.Percentile(acks, 95)
	p99, _ := analysis.Percentile(acks, 99)
	fmt.Fprintf(w, "\n%-6s %8s %8s %8s\n", "", "p50", "p95", "p99")
	fmt.Fprintf(w, "%-6s %6.1fms %6.1fms %6.1fms\n", "ACK", p50, p95, p99)
}

func printErrors(w io.Writer, errs map[string]int) {
	if len(errs) == 0 {
		return
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, "Errors:")
	for _, k := range keys {
		fmt.Fprintf(w, "  %4d  %s\n", errs[k], k)
	}
}
