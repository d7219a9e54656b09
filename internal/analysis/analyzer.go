// Package analysis reduces a finite set of finished spans into latency,
// turn-taking and evaluation metrics. Everything here is pure: inputs are
// read, never modified, and no I/O is performed.
package analysis

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// DefaultInterruptionToleranceMs is the gap below which the next turn is
// considered to have interrupted the previous one.
const DefaultInterruptionToleranceMs = 0.0

// ErrInvalidOption reports an out-of-range analyzer option.
var ErrInvalidOption = errors.New("invalid analysis option")

// Options tunes the analyzer.
type Options struct {
	InterruptionToleranceMs float64
}

// Option sets a field of Options.
type Option func(*Options)

// WithInterruptionTolerance counts a gap as an interruption when it is
// strictly below ms. ms may be positive to treat near-zero gaps as
// interruptions too.
func WithInterruptionTolerance(ms float64) Option {
	return func(o *Options) { o.InterruptionToleranceMs = ms }
}

func newOptions(opts []Option) Options {
	o := Options{InterruptionToleranceMs: DefaultInterruptionToleranceMs}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Validate rejects unusable option values.
func (o Options) Validate() error {
	if math.IsNaN(o.InterruptionToleranceMs) || math.IsInf(o.InterruptionToleranceMs, 0) {
		return fmt.Errorf("%w: interruption tolerance %v", ErrInvalidOption, o.InterruptionToleranceMs)
	}
	return nil
}

// Result is the metrics snapshot of one analysis run. All fields are always
// populated; statistics that cannot be computed are nil, not zero.
type Result struct {
	TotalSpans         int                   `json:"total_spans"`
	DuplicateSpans     int                   `json:"duplicate_spans"`
	TotalConversations int                   `json:"total_conversations"`
	TotalTurns         int                   `json:"total_turns"`
	Stages             StageMetrics          `json:"stages"`
	Turns              TurnMetrics           `json:"turns"`
	Evaluation         EvalMetrics           `json:"evaluation"`
	Conversations      []ConversationMetrics `json:"conversations"`
	Skipped            []Skipped             `json:"skipped"`
}

// StageMetrics holds per-stage latency statistics.
type StageMetrics struct {
	ASR LatencyStats `json:"asr"`
	LLM LatencyStats `json:"llm"`
	TTS LatencyStats `json:"tts"`
}

// Get returns the statistics of one stage.
func (m StageMetrics) Get(k trace.StageKind) LatencyStats {
	switch k {
	case trace.StageASR:
		return m.ASR
	case trace.StageLLM:
		return m.LLM
	case trace.StageTTS:
		return m.TTS
	}
	return LatencyStats{}
}

// TurnMetrics aggregates turn-taking across all conversations.
type TurnMetrics struct {
	TotalTurns       int          `json:"total_turns"`
	UserTurns        int          `json:"user_turns"`
	AgentTurns       int          `json:"agent_turns"`
	SystemTurns      int          `json:"system_turns"`
	SilenceAfterUser Distribution `json:"silence_after_user_ms"`
	Interruptions    int          `json:"interruptions"`
	InterruptionRate *float64     `json:"interruption_rate"`
}

// EvalMetrics aggregates attributes written by the semantic evaluator.
type EvalMetrics struct {
	IntentEvaluated   int          `json:"intent_evaluated"`
	IntentCorrect     int          `json:"intent_correct"`
	IntentCorrectRate *float64     `json:"intent_correct_rate"`
	Relevance         Distribution `json:"relevance_score"`
}

// ConversationMetrics is the per-conversation breakdown.
type ConversationMetrics struct {
	ConversationID   string       `json:"conversation_id"`
	Spans            int          `json:"spans"`
	DurationMs       *float64     `json:"duration_ms"`
	Turns            int          `json:"turns"`
	AgentTurns       int          `json:"agent_turns"`
	SilenceAfterUser Distribution `json:"silence_after_user_ms"`
	Interruptions    int          `json:"interruptions"`
	InterruptionRate *float64     `json:"interruption_rate"`
}

// Skipped records an input span left out of the analysis.
type Skipped struct {
	Position int    `json:"position"`
	SpanID   string `json:"span_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Reason   string `json:"reason"`
}

// Analyze computes metrics over spans. Open or malformed spans are skipped
// and listed in Result.Skipped.
func Analyze(spans []trace.Span, opts ...Option) *Result {
	return analyze(buildIndex(spans), len(spans), nil, newOptions(opts))
}

// AnalyzeMaps analyzes spans in the map form returned by the storage query
// interface. Maps that cannot be decoded are skipped.
func AnalyzeMaps(maps []map[string]any, opts ...Option) *Result {
	spans, skipped := DecodeMaps(maps)
	idx := buildIndex(spans)
	return analyze(idx, len(maps), skipped, newOptions(opts))
}

// DecodeMaps converts map-form spans, returning the decodable ones and a
// Skipped entry for each failure.
func DecodeMaps(maps []map[string]any) ([]trace.Span, []Skipped) {
	spans := make([]trace.Span, 0, len(maps))
	var skipped []Skipped
	for i, m := range maps {
		s, err := trace.FromMap(m)
		if err != nil {
			skipped = append(skipped, Skipped{Position: i, Reason: err.Error()})
			continue
		}
		spans = append(spans, s)
	}
	return spans, skipped
}

func analyze(idx *index, total int, preSkipped []Skipped, o Options) *Result {
	res := &Result{
		TotalSpans:     total - idx.duplicates,
		DuplicateSpans: idx.duplicates,
		Conversations:  []ConversationMetrics{},
		Skipped:        append(append([]Skipped{}, preSkipped...), idx.skipped...),
	}

	stageSamples := map[trace.StageKind][]float64{}
	stageErrors := map[trace.StageKind]int{}
	var relevance []float64

	for _, s := range idx.valid {
		if k, ok := s.Stage(); ok && s.Kind() == trace.KindStage {
			stageSamples[k] = append(stageSamples[k], s.DurationMs)
			if _, failed := s.Attributes.Str(trace.AttrStageError); failed {
				stageErrors[k]++
			}
		}
		if v, ok := s.Attributes.Bool(trace.AttrIntentCorrect); ok {
			res.Evaluation.IntentEvaluated++
			if v {
				res.Evaluation.IntentCorrect++
			}
		}
		if v, ok := s.Attributes.Float(trace.AttrRelevanceScore); ok && !math.IsInf(v, 0) {
			relevance = append(relevance, v)
		}
	}

	res.Stages.ASR = summarizeLatency(stageSamples[trace.StageASR])
	res.Stages.ASR.Errors = stageErrors[trace.StageASR]
	res.Stages.LLM = summarizeLatency(stageSamples[trace.StageLLM])
	res.Stages.LLM.Errors = stageErrors[trace.StageLLM]
	res.Stages.TTS = summarizeLatency(stageSamples[trace.StageTTS])
	res.Stages.TTS.Errors = stageErrors[trace.StageTTS]

	res.Evaluation.IntentCorrectRate = ratio(res.Evaluation.IntentCorrect, res.Evaluation.IntentEvaluated)
	res.Evaluation.Relevance = summarize(relevance)

	var allSilence []float64
	for _, convID := range idx.convOrder() {
		turns := idx.orderedTurns(convID)
		gaps := conversationGaps(convID, turns, o.InterruptionToleranceMs)

		cm := ConversationMetrics{
			ConversationID: convID,
			Spans:          idx.spansPerConv[convID],
			DurationMs:     idx.convDuration[convID],
			Turns:          len(turns),
		}
		for _, t := range turns {
			switch t.Actor {
			case trace.ActorUser:
				res.Turns.UserTurns++
			case trace.ActorAgent:
				res.Turns.AgentTurns++
				cm.AgentTurns++
			case trace.ActorSystem:
				res.Turns.SystemTurns++
			}
		}
		var silence []float64
		for _, g := range gaps {
			if g.Interruption {
				cm.Interruptions++
			}
			if g.Silence {
				silence = append(silence, g.GapMs)
			}
		}
		cm.SilenceAfterUser = summarize(silence)
		cm.InterruptionRate = ratio(cm.Interruptions, cm.AgentTurns)
		allSilence = append(allSilence, silence...)
		res.Turns.Interruptions += cm.Interruptions
		res.TotalTurns += cm.Turns

		if convID != "" {
			res.TotalConversations++
		}
		if convID != "" || cm.Turns > 0 {
			res.Conversations = append(res.Conversations, cm)
		}
	}
	// Conversations known only from non-turn spans.
	for _, convID := range idx.convIDsWithoutTurns() {
		res.TotalConversations++
		res.Conversations = append(res.Conversations, ConversationMetrics{
			ConversationID:   convID,
			Spans:            idx.spansPerConv[convID],
			DurationMs:       idx.convDuration[convID],
			SilenceAfterUser: summarize(nil),
		})
	}
	sort.SliceStable(res.Conversations, func(i, j int) bool {
		return res.Conversations[i].ConversationID < res.Conversations[j].ConversationID
	})

	res.Turns.TotalTurns = res.TotalTurns
	res.Turns.SilenceAfterUser = summarize(allSilence)
	res.Turns.InterruptionRate = ratio(res.Turns.Interruptions, res.Turns.AgentTurns)
	return res
}

// index is the grouped view of a span snapshot shared by the analyzer and
// the classifier.
type index struct {
	valid        []trace.Span
	skipped      []Skipped
	duplicates   int
	turns        map[string]map[string]TurnRef
	convIDs      map[string]struct{}
	spansPerConv map[string]int
	convDuration map[string]*float64
}

func buildIndex(spans []trace.Span) *index {
	idx := &index{
		turns:        map[string]map[string]TurnRef{},
		convIDs:      map[string]struct{}{},
		spansPerConv: map[string]int{},
		convDuration: map[string]*float64{},
	}
	seen := map[string]struct{}{}
	for i, s := range spans {
		if s.SpanID != "" {
			if _, dup := seen[s.SpanID]; dup {
				idx.duplicates++
				continue
			}
			seen[s.SpanID] = struct{}{}
		}
		if err := Usable(s); err != nil {
			idx.skipped = append(idx.skipped, Skipped{Position: i, SpanID: s.SpanID, Name: s.Name, Reason: err.Error()})
			continue
		}
		convID := s.ConversationID()
		if convID != "" {
			idx.convIDs[convID] = struct{}{}
			idx.spansPerConv[convID]++
		}

		switch s.Kind() {
		case trace.KindConversation:
			if convID != "" {
				d := s.DurationMs
				idx.convDuration[convID] = &d
			}
		case trace.KindTurn:
			ref, err := turnRefFrom(s)
			if err != nil {
				idx.skipped = append(idx.skipped, Skipped{Position: i, SpanID: s.SpanID, Name: s.Name, Reason: err.Error()})
				continue
			}
			byKey := idx.turns[convID]
			if byKey == nil {
				byKey = map[string]TurnRef{}
				idx.turns[convID] = byKey
			}
			// Duplicate deliveries of one turn keep the earliest span.
			if prev, dup := byKey[ref.key()]; !dup || ref.Start.Before(prev.Start) {
				byKey[ref.key()] = ref
			}
		}
		idx.valid = append(idx.valid, s)
	}
	return idx
}

// Dedupe returns spans without repeated deliveries: the first span with a
// given span id is kept. Spans without an id are all kept.
func Dedupe(spans []trace.Span) []trace.Span {
	out := make([]trace.Span, 0, len(spans))
	seen := make(map[string]struct{}, len(spans))
	for _, s := range spans {
		if s.SpanID != "" {
			if _, dup := seen[s.SpanID]; dup {
				continue
			}
			seen[s.SpanID] = struct{}{}
		}
		out = append(out, s)
	}
	return out
}

// Usable reports why a span cannot take part in analysis: it fails the
// record invariants or is still open.
func Usable(s trace.Span) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if !s.Finished() && s.DurationMs == 0 {
		return fmt.Errorf("%w: span is still open", trace.ErrMalformedSpan)
	}
	return nil
}

// convOrder returns the ids of conversations that have turns, sorted.
func (idx *index) convOrder() []string {
	ids := make([]string, 0, len(idx.turns))
	for id := range idx.turns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (idx *index) convIDsWithoutTurns() []string {
	var ids []string
	for id := range idx.convIDs {
		if _, ok := idx.turns[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (idx *index) orderedTurns(convID string) []TurnRef {
	byKey := idx.turns[convID]
	out := make([]TurnRef, 0, len(byKey))
	for _, t := range byKey {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	sortTurns(out)
	return out
}
