package trace

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voicetrace/internal/metrics"
)

// errScopeAbandoned is recorded when a scope body exits through
// runtime.Goexit instead of returning.
var errScopeAbandoned = errors.New("scope abandoned")

// Exporter accepts finished spans. Implementations must be safe for
// concurrent use.
type Exporter interface {
	Export(ctx context.Context, s Span) error
	ExportBatch(ctx context.Context, spans []Span) error
}

// Tracer opens conversation, turn and stage scopes and hands every finished
// span to its exporter. A nil *Tracer runs scope bodies without exporting.
type Tracer struct {
	exporter Exporter
	label    string
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithLogger sets the logger used to report export failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracer) { t.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// WithExporterLabel sets the exporter label used in metrics.
func WithExporterLabel(label string) Option {
	return func(t *Tracer) { t.label = label }
}

// NewTracer creates a tracer exporting to exp.
func NewTracer(exp Exporter, opts ...Option) *Tracer {
	t := &Tracer{
		exporter: exp,
		label:    fmt.Sprintf("%T", exp),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var untraced = &Tracer{logger: slog.Default(), now: time.Now}

func (t *Tracer) orUntraced() *Tracer {
	if t == nil {
		return untraced
	}
	return t
}

// Conversation opens a conversation scope, runs fn inside it and closes the
// root span when fn returns. An empty id is replaced by a generated one.
// The error returned by fn is returned unchanged; a panic in fn is recorded
// and re-raised.
func (t *Tracer) Conversation(ctx context.Context, id string, attrs Attributes, fn func(ctx context.Context, c *Conversation) error) error {
	t = t.orUntraced()
	if id == "" {
		id = uuid.NewString()
	}
	sp := newLiveSpan(SpanConversation, newTraceID(), "", t.now())
	sp.setAll(attrs)
	sp.set(AttrSpanKind, KindConversation)
	sp.set(AttrConversationID, id)

	conv := &Conversation{id: id, span: sp}
	metrics.ConversationsActive.Inc()
	defer metrics.ConversationsActive.Dec()

	inner := push(ctx, frame{conv: conv})
	return t.run(ctx, sp, KindConversation, "", AttrError, func() error { return fn(inner, conv) })
}

// Turn opens a turn scope under the active conversation, if any.
func (t *Tracer) Turn(ctx context.Context, actor Actor, opts TurnOptions, fn func(ctx context.Context, turn *Turn) error) error {
	t = t.orUntraced()
	if _, err := ParseActor(string(actor)); err != nil {
		return fmt.Errorf("turn scope: %w", err)
	}

	conv := CurrentConversation(ctx)
	traceID, parentID := newTraceID(), ""
	index := 0
	if opts.Index != nil {
		index = *opts.Index
	}
	if conv != nil {
		traceID, parentID = conv.span.traceID, conv.span.spanID
		index = conv.turnIndex(opts.Index)
	}

	sp := newLiveSpan(SpanTurn, traceID, parentID, t.now())
	sp.setAll(opts.Attributes)
	turn := &Turn{
		id:    uuid.NewString(),
		index: index,
		actor: actor,
		conv:  conv,
		span:  sp,
		now:   t.now,
	}
	sp.set(AttrSpanKind, KindTurn)
	if conv != nil {
		sp.set(AttrConversationID, conv.id)
	}
	sp.set(AttrTurnID, turn.id)
	sp.set(AttrTurnIndex, index)
	sp.set(AttrTurnActor, string(actor))

	inner := push(ctx, frame{conv: conv, turn: turn})
	return t.run(ctx, sp, KindTurn, "", AttrError, func() error { return fn(inner, turn) })
}

// Stage opens a pipeline stage scope under the active turn, if any. A stage
// opened outside a conversation is still recorded, without conversation
// linkage.
func (t *Tracer) Stage(ctx context.Context, kind StageKind, opts StageOptions, fn func(ctx context.Context, s *Stage) error) error {
	t = t.orUntraced()
	if _, err := ParseStageKind(string(kind)); err != nil {
		return fmt.Errorf("stage scope: %w", err)
	}

	conv, turn := CurrentConversation(ctx), CurrentTurn(ctx)
	traceID, parentID := newTraceID(), ""
	switch {
	case turn != nil:
		traceID, parentID = turn.span.traceID, turn.span.spanID
	case conv != nil:
		traceID, parentID = conv.span.traceID, conv.span.spanID
	}

	sp := newLiveSpan(StageSpanName(kind), traceID, parentID, t.now())
	sp.setAll(opts.Attributes)
	sp.set(AttrSpanKind, KindStage)
	if conv != nil {
		sp.set(AttrConversationID, conv.id)
	}
	if turn != nil {
		sp.set(AttrTurnID, turn.id)
		sp.set(AttrTurnIndex, turn.index)
	}
	sp.set(AttrStageType, string(kind))
	if opts.Provider != "" {
		sp.set(AttrStageProvider, opts.Provider)
	}
	if opts.Model != "" {
		sp.set(AttrStageModel, opts.Model)
	}
	if opts.InputSize != nil {
		sp.set(AttrStageInputSize, *opts.InputSize)
	}

	stage := &Stage{kind: kind, turn: turn, span: sp}
	inner := push(ctx, frame{conv: conv, turn: turn, stage: stage})
	return t.run(ctx, sp, KindStage, string(kind), AttrStageError, func() error { return fn(inner, stage) })
}

// run executes body and closes sp on every exit path: normal return, error,
// panic or runtime.Goexit.
func (t *Tracer) run(ctx context.Context, sp *liveSpan, kind Kind, stage, errKey string, body func() error) error {
	returned := false
	defer func() {
		if returned {
			return
		}
		r := recover()
		if r == nil {
			t.finish(ctx, sp, kind, stage, errKey, errScopeAbandoned)
			return
		}
		t.finish(ctx, sp, kind, stage, errKey, fmt.Errorf("panic: %v", r))
		panic(r)
	}()

	err := body()
	returned = true
	t.finish(ctx, sp, kind, stage, errKey, err)
	return err
}

func (t *Tracer) finish(ctx context.Context, sp *liveSpan, kind Kind, stage, errKey string, err error) {
	if err != nil {
		sp.set(errKey, err.Error())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errScopeAbandoned) {
			sp.set(AttrIncomplete, true)
		}
	}
	s, ok := sp.finish(t.now())
	if !ok {
		return
	}
	metrics.ScopeDuration.WithLabelValues(string(kind), stage).Observe(s.DurationMs / 1000)
	if ctx == nil {
		ctx = context.Background()
	}
	t.export(context.WithoutCancel(ctx), s, kind)
}

// export hands s to the exporter. Exporter errors and panics are logged and
// counted; they never reach the instrumented code.
func (t *Tracer) export(ctx context.Context, s Span, kind Kind) {
	if t.exporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("span exporter panicked", "exporter", t.label, "span", s.Name, "panic", r)
			metrics.SpanExportErrors.WithLabelValues(t.label).Inc()
		}
	}()
	if err := t.exporter.Export(ctx, s); err != nil {
		t.logger.Warn("span export failed", "exporter", t.label, "span", s.Name, "span_id", s.SpanID, "error", err)
		metrics.SpanExportErrors.WithLabelValues(t.label).Inc()
		return
	}
	metrics.SpansExported.WithLabelValues(t.label, string(kind)).Inc()
}

// NewTraceID returns a random 128-bit trace id in hex.
func NewTraceID() string { return newTraceID() }

// NewSpanID returns a random 64-bit span id in hex.
func NewSpanID() string { return newSpanID() }

func newTraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func newSpanID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:8])
}
