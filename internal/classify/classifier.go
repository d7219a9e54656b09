package classify

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/hubenschmidt/voicetrace/internal/analysis"
	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// Report is the outcome of one classification run. BySeverity, ByType and
// Total always describe the full classification, also after Filter.
type Report struct {
	Failures   []Failure           `json:"failures"`
	Total      int                 `json:"total"`
	BySeverity map[string]int      `json:"by_severity"`
	ByType     map[FailureType]int `json:"by_type"`
	Skipped    []analysis.Skipped  `json:"skipped"`
	Thresholds Thresholds          `json:"thresholds"`
}

// Classify applies th to spans. spans is read, never modified. Running it
// twice over the same input yields identical reports.
func Classify(spans []trace.Span, th Thresholds) (*Report, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}

	opt := analysis.WithInterruptionTolerance(th.InterruptionToleranceMs)
	res := analysis.Analyze(spans, opt)

	var found []detected
	for _, s := range analysis.Dedupe(spans) {
		if analysis.Usable(s) != nil {
			continue
		}
		found = append(found, spanRules(s, th)...)
	}
	for _, g := range analysis.Gaps(spans, opt) {
		found = append(found, gapRules(g, th)...)
	}
	for _, cm := range res.Conversations {
		if cm.InterruptionRate == nil || *cm.InterruptionRate <= th.MaxInterruptionRate {
			continue
		}
		rate, limit := *cm.InterruptionRate, th.MaxInterruptionRate
		found = append(found, detected{Failure: Failure{
			Type:           TypeHighInterruptionRate,
			Severity:       SeverityHigh,
			Message:        fmt.Sprintf("interruption rate %.2f exceeds %.2f (%d of %d agent turns)", rate, limit, cm.Interruptions, cm.AgentTurns),
			ConversationID: cm.ConversationID,
			SignalName:     "interruption_rate",
			SignalValue:    &rate,
			Threshold:      &limit,
		}})
	}

	sortDetected(found)

	rep := &Report{
		Failures:   make([]Failure, 0, len(found)),
		Total:      len(found),
		BySeverity: map[string]int{},
		ByType:     map[FailureType]int{},
		Skipped:    res.Skipped,
		Thresholds: th,
	}
	for _, d := range found {
		rep.Failures = append(rep.Failures, d.Failure)
		rep.BySeverity[d.Severity.String()]++
		rep.ByType[d.Type]++
	}
	if rep.Skipped == nil {
		rep.Skipped = []analysis.Skipped{}
	}
	return rep, nil
}

// Filter narrows the failure list.
type Filter struct {
	MinSeverity    Severity
	Types          []FailureType
	ConversationID string
}

// ParseFilter builds a Filter from textual options. Empty values match
// everything.
func ParseFilter(minSeverity string, types []string, conversationID string) (Filter, error) {
	f := Filter{ConversationID: conversationID}
	if minSeverity != "" {
		sev, err := ParseSeverity(minSeverity)
		if err != nil {
			return Filter{}, err
		}
		f.MinSeverity = sev
	}
	for _, name := range types {
		if name == "" {
			continue
		}
		t, err := ParseFailureType(name)
		if err != nil {
			return Filter{}, err
		}
		f.Types = append(f.Types, t)
	}
	return f, nil
}

func (f Filter) match(fl Failure) bool {
	if f.MinSeverity != 0 && fl.Severity < f.MinSeverity {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, fl.Type) {
		return false
	}
	if f.ConversationID != "" && fl.ConversationID != f.ConversationID {
		return false
	}
	return true
}

// Filter returns a copy of the report whose Failures match f. Counts are
// carried over unchanged.
func (r *Report) Filter(f Filter) *Report {
	out := *r
	out.Failures = make([]Failure, 0, len(r.Failures))
	for _, fl := range r.Failures {
		if f.match(fl) {
			out.Failures = append(out.Failures, fl)
		}
	}
	out.BySeverity = make(map[string]int, len(r.BySeverity))
	for k, v := range r.BySeverity {
		out.BySeverity[k] = v
	}
	out.ByType = make(map[FailureType]int, len(r.ByType))
	for k, v := range r.ByType {
		out.ByType[k] = v
	}
	return &out
}

// detected pairs a failure with the span start used for ordering.
type detected struct {
	Failure
	start time.Time
}

func spanRules(s trace.Span, th Thresholds) []detected {
	base := Failure{
		ConversationID: s.ConversationID(),
		SpanID:         s.SpanID,
	}
	base.TurnID, _ = s.Attributes.Str(trace.AttrTurnID)
	if idx, ok := s.Attributes.Int(trace.AttrTurnIndex); ok {
		i := int(idx)
		base.TurnIndex = &i
	}

	var out []detected
	add := func(f Failure) { out = append(out, detected{Failure: f, start: s.StartTime}) }

	if k, ok := s.Stage(); ok && s.Kind() == trace.KindStage {
		base.Stage = k
		limit := th.StageLatencyMs(k)
		if s.DurationMs > limit {
			f := base
			v, l := s.DurationMs, limit
			f.Type = TypeHighLatency
			f.Severity = th.Band(v, l)
			f.Message = fmt.Sprintf("%s latency %.1fms exceeds %.1fms", k, v, l)
			f.SignalName = string(k) + "_latency_ms"
			f.SignalValue, f.Threshold = &v, &l
			add(f)
		}
		msg, failed := s.Attributes.Str(trace.AttrStageError)
		if !failed {
			msg, failed = s.Attributes.Str(trace.AttrError)
		}
		if failed {
			f := base
			f.Type = TypeStageError
			f.Severity = SeverityHigh
			f.Message = fmt.Sprintf("%s stage failed: %s", k, msg)
			add(f)
		}
		base.Stage = ""
	}

	if ok, found := s.Attributes.Bool(trace.AttrIntentCorrect); found && !ok {
		f := base
		f.Type = TypeIntentMismatch
		f.Severity = SeverityMedium
		f.Message = "evaluator marked the intent as incorrect"
		f.SignalName = trace.AttrIntentCorrect
		add(f)
	}
	if score, ok := s.Attributes.Float(trace.AttrRelevanceScore); ok && score < th.MinRelevanceScore {
		f := base
		v, l := score, th.MinRelevanceScore
		f.Type = TypeLowRelevance
		f.Severity = SeverityLow
		f.Message = fmt.Sprintf("relevance score %.2f below %.2f", v, l)
		f.SignalName = trace.AttrRelevanceScore
		f.SignalValue, f.Threshold = &v, &l
		add(f)
	}
	return out
}

func gapRules(g analysis.Gap, th Thresholds) []detected {
	next := g.Next
	base := Failure{
		ConversationID: g.ConversationID,
		TurnID:         next.TurnID,
		TurnIndex:      next.Index,
		SpanID:         next.SpanID,
	}
	var out []detected
	if g.Interruption {
		f := base
		v, l := g.GapMs, th.InterruptionToleranceMs
		f.Type = TypeInterruption
		f.Severity = SeverityMedium
		f.Message = fmt.Sprintf("%s turn started speaking %.1fms before the %s turn finished", next.Actor, -v, g.Prev.Actor)
		f.SignalName = "turn_gap_ms"
		f.SignalValue, f.Threshold = &v, &l
		out = append(out, detected{Failure: f, start: next.Start})
	}
	if g.Silence && g.GapMs > th.MaxSilenceGapMs {
		f := base
		v, l := g.GapMs, th.MaxSilenceGapMs
		f.Type = TypeLongSilence
		f.Severity = th.Band(v, l)
		f.Message = fmt.Sprintf("agent answered after %.1fms of silence, limit %.1fms", v, l)
		f.SignalName = "silence_after_user_ms"
		f.SignalValue, f.Threshold = &v, &l
		out = append(out, detected{Failure: f, start: next.Start})
	}
	return out
}

func stageRank(k trace.StageKind) int {
	if k == "" {
		return len(trace.Stages) + 1
	}
	return k.Rank()
}

// sortDetected orders failures by conversation, turn index (conversation
// level last), stage, rule, span start and span id.
func sortDetected(ds []detected) {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if a.ConversationID != b.ConversationID {
			return a.ConversationID < b.ConversationID
		}
		switch {
		case a.TurnIndex == nil && b.TurnIndex != nil:
			return false
		case a.TurnIndex != nil && b.TurnIndex == nil:
			return true
		case a.TurnIndex != nil && *a.TurnIndex != *b.TurnIndex:
			return *a.TurnIndex < *b.TurnIndex
		}
		if ra, rb := stageRank(a.Stage), stageRank(b.Stage); ra != rb {
			return ra < rb
		}
		if ra, rb := a.Type.rank(), b.Type.rank(); ra != rb {
			return ra < rb
		}
		if !a.start.Equal(b.start) {
			return a.start.Before(b.start)
		}
		if a.SpanID != b.SpanID {
			return a.SpanID < b.SpanID
		}
		return a.Message < b.Message
	})
}
