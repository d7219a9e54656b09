package trace

import (
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Span names used by the scope managers.
const (
	SpanConversation = "voice.conversation"
	SpanTurn         = "voice.turn"
	spanStagePrefix  = "voice.stage."
)

// StageSpanName returns the span name used for a stage scope.
func StageSpanName(k StageKind) string {
	return spanStagePrefix + string(k)
}

// liveSpan is a span that is still open. All setters are safe for concurrent
// use; finish closes it exactly once.
type liveSpan struct {
	mu       sync.Mutex
	name     string
	traceID  string
	spanID   string
	parentID string
	start    time.Time
	attrs    Attributes
	ended    bool
}

func newLiveSpan(name, traceID, parentID string, start time.Time) *liveSpan {
	return &liveSpan{
		name:     name,
		traceID:  traceID,
		spanID:   newSpanID(),
		parentID: parentID,
		start:    start,
		attrs:    Attributes{AttrSchemaVersion: int64(SchemaVersion)},
	}
}

func (l *liveSpan) set(key string, v any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.attrs.Set(key, v)
}

func (l *liveSpan) setAll(attrs Attributes) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range attrs {
		l.attrs.Set(k, v)
	}
}

// finish closes the span at end and returns the finished record. The second
// return is false if the span was already closed.
func (l *liveSpan) finish(end time.Time) (Span, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return Span{}, false
	}
	l.ended = true
	if end.Before(l.start) {
		end = l.start
	}
	return Span{
		Name:         l.name,
		TraceID:      l.traceID,
		SpanID:       l.spanID,
		ParentSpanID: l.parentID,
		StartTime:    l.start,
		EndTime:      &end,
		DurationMs:   millis(end.Sub(l.start)),
		Attributes:   l.attrs.Clone(),
	}, true
}

// maxTextLen caps free-text attributes (transcripts, error messages).
const maxTextLen = 500

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so the result stays valid UTF-8.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Conversation is the handle yielded by a conversation scope.
type Conversation struct {
	id        string
	span      *liveSpan
	nextIndex atomic.Int64
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// TraceID returns the trace id shared by all spans of the conversation.
func (c *Conversation) TraceID() string { return c.span.traceID }

// SpanID returns the id of the conversation's root span.
func (c *Conversation) SpanID() string { return c.span.spanID }

// SetAttribute adds an attribute to the conversation span.
func (c *Conversation) SetAttribute(key string, v any) { c.span.set(key, v) }

// turnIndex allocates the index of a new turn. An explicit index is honoured
// and moves the counter past it.
func (c *Conversation) turnIndex(explicit *int) int {
	if explicit == nil {
		return int(c.nextIndex.Add(1) - 1)
	}
	want := int64(*explicit) + 1
	for {
		cur := c.nextIndex.Load()
		if cur >= want || c.nextIndex.CompareAndSwap(cur, want) {
			return *explicit
		}
	}
}

// TurnOptions configures a turn scope. A nil Index lets the conversation
// assign the next index.
type TurnOptions struct {
	Index      *int
	Attributes Attributes
}

// Turn is the handle yielded by a turn scope.
type Turn struct {
	id    string
	index int
	actor Actor
	conv  *Conversation
	span  *liveSpan
	now   func() time.Time
}

// ID returns the turn id.
func (t *Turn) ID() string { return t.id }

// Index returns the position of the turn within its conversation.
func (t *Turn) Index() int { return t.index }

// Actor returns who speaks in the turn.
func (t *Turn) Actor() Actor { return t.actor }

// Conversation returns the enclosing conversation, or nil.
func (t *Turn) Conversation() *Conversation { return t.conv }

// MarkSpeechStart records that the actor started speaking now. Repeated
// calls overwrite the earlier mark.
func (t *Turn) MarkSpeechStart() {
	t.MarkSpeechStartAt(t.now().Sub(t.span.start))
}

// MarkSpeechEnd records that the actor stopped speaking now. Repeated calls
// overwrite the earlier mark.
func (t *Turn) MarkSpeechEnd() {
	t.MarkSpeechEndAt(t.now().Sub(t.span.start))
}

// MarkSpeechStartAt records the speech start at an explicit offset from the
// start of the turn.
func (t *Turn) MarkSpeechStartAt(offset time.Duration) {
	t.span.set(AttrSpeechStartMs, millis(offset))
}

// MarkSpeechEndAt records the speech end at an explicit offset from the
// start of the turn.
func (t *Turn) MarkSpeechEndAt(offset time.Duration) {
	t.span.set(AttrSpeechEndMs, millis(offset))
}

// SetTranscript records what was said during the turn.
func (t *Turn) SetTranscript(text string) {
	t.span.set(AttrTurnTranscript, truncate(text, maxTextLen))
}

// SetAttribute adds an attribute to the turn span.
func (t *Turn) SetAttribute(key string, v any) { t.span.set(key, v) }

// StageOptions configures a stage scope.
type StageOptions struct {
	Provider   string
	Model      string
	InputSize  *int
	Attributes Attributes
}

// Stage is the handle yielded by a stage scope.
type Stage struct {
	kind StageKind
	turn *Turn
	span *liveSpan
}

// Kind returns the pipeline stage.
func (s *Stage) Kind() StageKind { return s.kind }

// Turn returns the enclosing turn, or nil.
func (s *Stage) Turn() *Turn { return s.turn }

// SetOutput records the size of the stage output (characters, bytes or
// samples, depending on the stage).
func (s *Stage) SetOutput(size int) { s.span.set(AttrStageOutputSize, size) }

// SetError records a stage failure without failing the scope.
func (s *Stage) SetError(msg string) { s.span.set(AttrStageError, truncate(msg, maxTextLen)) }

// SetAttribute adds an attribute to the stage span.
func (s *Stage) SetAttribute(key string, v any) { s.span.set(key, v) }

// Ptr returns a pointer to v, for optional option fields.
func Ptr[T any](v T) *T { return &v }
