package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrMalformedSpan is returned when a span record violates the record invariants.
var ErrMalformedSpan = errors.New("malformed span")

// Span is a finished (or still open) unit of observed work. Once handed to an
// Exporter it is treated as immutable; use Clone before modifying a copy.
type Span struct {
	Name         string     `json:"name"`
	TraceID      string     `json:"trace_id"`
	SpanID       string     `json:"span_id"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	DurationMs   float64    `json:"duration_ms"`
	Attributes   Attributes `json:"attributes,omitempty"`
}

// Finished reports whether the span has been closed.
func (s Span) Finished() bool {
	return s.EndTime != nil
}

// Validate checks the record invariants: a name, a non-negative duration and
// an end time that does not precede the start time.
func (s Span) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrMalformedSpan)
	}
	if s.DurationMs < 0 || math.IsNaN(s.DurationMs) || math.IsInf(s.DurationMs, 0) {
		return fmt.Errorf("%w: invalid duration_ms %v", ErrMalformedSpan, s.DurationMs)
	}
	if s.EndTime != nil && !s.StartTime.IsZero() && s.EndTime.Before(s.StartTime) {
		return fmt.Errorf("%w: end_time before start_time", ErrMalformedSpan)
	}
	return nil
}

// Clone returns a deep copy of the span.
func (s Span) Clone() Span {
	c := s
	c.Attributes = s.Attributes.Clone()
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return c
}

// ConversationID returns the conversation id attribute, or "" if absent.
func (s Span) ConversationID() string {
	v, _ := s.Attributes.Str(AttrConversationID)
	return v
}

// Kind classifies the span into the conversation/turn/stage hierarchy. The
// explicit kind attribute wins; otherwise the name and attributes decide.
func (s Span) Kind() Kind {
	if v, ok := s.Attributes.Str(AttrSpanKind); ok {
		if k, err := ParseKind(v); err == nil {
			return k
		}
	}
	switch normalizeName(s.Name) {
	case "conversation":
		return KindConversation
	case "turn":
		return KindTurn
	}
	if _, ok := s.Stage(); ok {
		return KindStage
	}
	if _, ok := s.Attributes.Str(AttrTurnActor); ok {
		return KindTurn
	}
	return KindUnknown
}

// Stage returns the pipeline stage of the span, from the stage type
// attribute or, failing that, from the span name.
func (s Span) Stage() (StageKind, bool) {
	if v, ok := s.Attributes.Str(AttrStageType); ok {
		if k, err := ParseStageKind(v); err == nil {
			return k, true
		}
	}
	k, err := ParseStageKind(normalizeName(s.Name))
	if err != nil {
		return "", false
	}
	return k, true
}

// Map returns the span as a plain map, the shape used by the storage query
// interface.
func (s Span) Map() map[string]any {
	m := map[string]any{
		"name":        s.Name,
		"trace_id":    s.TraceID,
		"span_id":     s.SpanID,
		"start_time":  s.StartTime.Format(time.RFC3339Nano),
		"duration_ms": s.DurationMs,
		"attributes":  map[string]any(s.Attributes.Clone()),
	}
	if s.ParentSpanID != "" {
		m["parent_span_id"] = s.ParentSpanID
	}
	if s.EndTime != nil {
		m["end_time"] = s.EndTime.Format(time.RFC3339Nano)
	}
	return m
}

// FromMap rebuilds a span from its map form. Unknown keys are ignored.
func FromMap(m map[string]any) (Span, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Span{}, fmt.Errorf("%w: %v", ErrMalformedSpan, err)
	}
	var s Span
	if err = json.Unmarshal(data, &s); err != nil {
		return Span{}, fmt.Errorf("%w: %v", ErrMalformedSpan, err)
	}
	s.Attributes = s.Attributes.normalized()
	return s, nil
}

// UnmarshalJSON decodes a span and normalizes its attribute values.
func (s *Span) UnmarshalJSON(data []byte) error {
	type plain Span
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Span(p)
	s.Attributes = s.Attributes.normalized()
	return nil
}

func normalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "voice.")
	n = strings.TrimPrefix(n, "stage.")
	return n
}

// Kind is a level of the conversation hierarchy.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindTurn         Kind = "turn"
	KindStage        Kind = "stage"
	KindUnknown      Kind = "unknown"
)

// ParseKind parses a span kind attribute value.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindConversation, KindTurn, KindStage:
		return k, nil
	}
	return KindUnknown, fmt.Errorf("unknown span kind %q", s)
}

// Actor identifies who speaks in a turn.
type Actor string

const (
	ActorUser   Actor = "user"
	ActorAgent  Actor = "agent"
	ActorSystem Actor = "system"
)

// ParseActor parses an actor name.
func ParseActor(s string) (Actor, error) {
	switch a := Actor(strings.ToLower(s)); a {
	case ActorUser, ActorAgent, ActorSystem:
		return a, nil
	}
	return "", fmt.Errorf("unknown actor %q", s)
}

// StageKind is one stage of the ASR -> LLM -> TTS pipeline.
type StageKind string

const (
	StageASR StageKind = "asr"
	StageLLM StageKind = "llm"
	StageTTS StageKind = "tts"
)

// Stages lists the pipeline stages in pipeline order.
var Stages = []StageKind{StageASR, StageLLM, StageTTS}

// ParseStageKind parses a stage name.
func ParseStageKind(s string) (StageKind, error) {
	switch k := StageKind(strings.ToLower(s)); k {
	case StageASR, StageLLM, StageTTS:
		return k, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Rank orders stages in pipeline order; unknown stages sort last.
func (k StageKind) Rank() int {
	for i, s := range Stages {
		if s == k {
			return i
		}
	}
	return len(Stages)
}
