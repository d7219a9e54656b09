package analysis

import (
	"fmt"
	"sort"
	"time"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// TurnRef is the view of one turn span used for gap analysis.
type TurnRef struct {
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id"`
	SpanID         string      `json:"span_id"`
	Index          *int        `json:"turn_index"`
	Actor          trace.Actor `json:"actor"`
	Start          time.Time   `json:"start_time"`
	SpeechStartMs  *float64    `json:"speech_start_ms"`
	SpeechEndMs    *float64    `json:"speech_end_ms"`
}

func (r TurnRef) key() string {
	if r.TurnID != "" {
		return r.TurnID
	}
	return fmt.Sprintf("%s#%d", r.ConversationID, *r.Index)
}

// Gap is the timing between two consecutive turns of a conversation:
// Next's speech start minus Prev's speech end.
type Gap struct {
	ConversationID string  `json:"conversation_id"`
	Prev           TurnRef `json:"prev"`
	Next           TurnRef `json:"next"`
	GapMs          float64 `json:"gap_ms"`
	// Interruption is set when Next started speaking before Prev finished.
	Interruption bool `json:"interruption"`
	// Silence is set for user->agent hand-offs that were not interruptions.
	Silence bool `json:"silence"`
}

// turnRefFrom extracts a TurnRef from a turn-kind span. It fails when the
// span carries neither a turn id nor a turn index.
func turnRefFrom(s trace.Span) (TurnRef, error) {
	ref := TurnRef{
		ConversationID: s.ConversationID(),
		SpanID:         s.SpanID,
		Start:          s.StartTime,
	}
	ref.TurnID, _ = s.Attributes.Str(trace.AttrTurnID)
	if idx, ok := s.Attributes.Int(trace.AttrTurnIndex); ok {
		i := int(idx)
		ref.Index = &i
	}
	if ref.TurnID == "" && ref.Index == nil {
		return ref, fmt.Errorf("turn span has neither %s nor %s", trace.AttrTurnID, trace.AttrTurnIndex)
	}
	if a, ok := s.Attributes.Str(trace.AttrTurnActor); ok {
		if actor, err := trace.ParseActor(a); err == nil {
			ref.Actor = actor
		}
	}
	if v, ok := s.Attributes.Float(trace.AttrSpeechStartMs); ok {
		ref.SpeechStartMs = &v
	}
	if v, ok := s.Attributes.Float(trace.AttrSpeechEndMs); ok {
		ref.SpeechEndMs = &v
	}
	return ref, nil
}

// sortTurns orders turns by index, then start time, then turn id. Turns
// without an index sort last.
func sortTurns(turns []TurnRef) {
	sort.SliceStable(turns, func(i, j int) bool {
		a, b := turns[i], turns[j]
		switch {
		case a.Index == nil && b.Index != nil:
			return false
		case a.Index != nil && b.Index == nil:
			return true
		case a.Index != nil && *a.Index != *b.Index:
			return *a.Index < *b.Index
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.TurnID < b.TurnID
	})
}

// gapBetween computes next.speech_start - prev.speech_end on a common time
// base. ok is false when either mark is missing or the two turns cannot be
// placed on the same timeline.
func gapBetween(prev, next TurnRef) (float64, bool) {
	if prev.SpeechEndMs == nil || next.SpeechStartMs == nil {
		return 0, false
	}
	if prev.Start.IsZero() != next.Start.IsZero() {
		return 0, false
	}
	base := 0.0
	if !prev.Start.IsZero() {
		base = float64(next.Start.Sub(prev.Start)) / float64(time.Millisecond)
	}
	return base + *next.SpeechStartMs - *prev.SpeechEndMs, true
}

// conversationGaps walks the ordered turns of one conversation and returns
// the gap of every consecutive pair that carries speech marks.
func conversationGaps(convID string, turns []TurnRef, toleranceMs float64) []Gap {
	var gaps []Gap
	for i := 1; i < len(turns); i++ {
		prev, next := turns[i-1], turns[i]
		if prev.Index == nil || next.Index == nil {
			continue
		}
		g, ok := gapBetween(prev, next)
		if !ok {
			continue
		}
		gap := Gap{ConversationID: convID, Prev: prev, Next: next, GapMs: g}
		gap.Interruption = g < toleranceMs
		gap.Silence = !gap.Interruption && prev.Actor == trace.ActorUser && next.Actor == trace.ActorAgent
		gaps = append(gaps, gap)
	}
	return gaps
}

// Gaps returns the turn gaps of every conversation in spans, ordered by
// conversation id and turn order. Malformed spans are ignored.
func Gaps(spans []trace.Span, opts ...Option) []Gap {
	o := newOptions(opts)
	idx := buildIndex(spans)
	var out []Gap
	for _, convID := range idx.convOrder() {
		out = append(out, conversationGaps(convID, idx.orderedTurns(convID), o.InterruptionToleranceMs)...)
	}
	return out
}
