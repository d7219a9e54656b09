package analysis

import (
	"fmt"
	"testing"
	"time"

	"github.com/hubenschmidt/voicetrace/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func finished(name string, start time.Time, ms float64, attrs trace.Attributes) trace.Span {
	end := start.Add(time.Duration(ms * float64(time.Millisecond)))
	return trace.Span{
		Name:       name,
		TraceID:    trace.NewTraceID(),
		SpanID:     trace.NewSpanID(),
		StartTime:  start,
		EndTime:    &end,
		DurationMs: ms,
		Attributes: attrs,
	}
}

func turnSpan(conv, id string, index int, actor trace.Actor, start time.Time, ms float64, speechStart, speechEnd float64) trace.Span {
	return finished(trace.SpanTurn, start, ms, trace.Attributes{
		trace.AttrConversationID: conv,
		trace.AttrTurnID:         id,
		trace.AttrTurnIndex:      int64(index),
		trace.AttrTurnActor:      string(actor),
		trace.AttrSpeechStartMs:  speechStart,
		trace.AttrSpeechEndMs:    speechEnd,
	})
}

func stageSpan(conv string, kind trace.StageKind, start time.Time, ms float64) trace.Span {
	return finished(string(kind), start, ms, trace.Attributes{trace.AttrConversationID: conv})
}

func TestAnalyze_EndToEndScenario(t *testing.T) {
	spans := []trace.Span{
		finished("turn", t0, 1000, trace.Attributes{
			trace.AttrConversationID: "c-1", trace.AttrTurnID: "t-user", trace.AttrTurnActor: "user",
		}),
		stageSpan("c-1", trace.StageASR, t0.Add(100*time.Millisecond), 100),
		stageSpan("c-1", trace.StageLLM, t0.Add(1100*time.Millisecond), 500),
		finished("turn", t0.Add(1000*time.Millisecond), 800, trace.Attributes{
			trace.AttrConversationID: "c-1", trace.AttrTurnID: "t-agent", trace.AttrTurnActor: "agent",
		}),
	}

	res := Analyze(spans)

	assert.Equal(t, 4, res.TotalSpans)
	assert.Equal(t, 1, res.TotalConversations)
	assert.Equal(t, 2, res.TotalTurns)
	assert.Equal(t, 1, res.Stages.ASR.Count)
	assert.Equal(t, 1, res.Stages.LLM.Count)
	assert.Equal(t, 0, res.Stages.TTS.Count)
	require.NotNil(t, res.Stages.LLM.P99Ms)
	assert.Equal(t, 500.0, *res.Stages.LLM.P99Ms)
	assert.Nil(t, res.Stages.TTS.MeanMs)
	assert.Equal(t, 1, res.Turns.UserTurns)
	assert.Equal(t, 1, res.Turns.AgentTurns)
	assert.Empty(t, res.Skipped)
}

func TestAnalyze_EmptyInput(t *testing.T) {
	res := Analyze(nil)

	require.NotNil(t, res)
	assert.Zero(t, res.TotalSpans)
	assert.Zero(t, res.TotalConversations)
	assert.Zero(t, res.TotalTurns)
	for _, k := range trace.Stages {
		st := res.Stages.Get(k)
		assert.Zero(t, st.Count)
		assert.Nil(t, st.MeanMs)
		assert.Nil(t, st.P50Ms)
		assert.Nil(t, st.P95Ms)
		assert.Nil(t, st.P99Ms)
	}
	assert.Nil(t, res.Turns.SilenceAfterUser.Mean)
	assert.Nil(t, res.Turns.InterruptionRate)
	assert.Nil(t, res.Evaluation.IntentCorrectRate)
	assert.NotNil(t, res.Conversations)
}

func TestAnalyze_TotalTurnsCountsDistinctTurnIDs(t *testing.T) {
	spans := []trace.Span{
		turnSpan("c-1", "a", 0, trace.ActorUser, t0, 100, 0, 90),
		turnSpan("c-1", "b", 1, trace.ActorAgent, t0.Add(time.Second), 100, 10, 90),
		// Redelivery of turn "b".
		turnSpan("c-1", "b", 1, trace.ActorAgent, t0.Add(time.Second), 100, 10, 90),
		turnSpan("c-2", "c", 0, trace.ActorUser, t0, 100, 0, 90),
	}

	res := Analyze(spans)

	assert.Equal(t, 3, res.TotalTurns)
	assert.Equal(t, 2, res.TotalConversations)
	require.Len(t, res.Conversations, 2)
	assert.Equal(t, "c-1", res.Conversations[0].ConversationID)
	assert.Equal(t, 2, res.Conversations[0].Turns)
	assert.Equal(t, 1, res.Conversations[1].Turns)
}

func TestAnalyze_RedeliveredBatch(t *testing.T) {
	batch := []trace.Span{
		turnSpan("c-1", "u", 0, trace.ActorUser, t0, 1000, 0, 900),
		stageSpan("c-1", trace.StageASR, t0.Add(100*time.Millisecond), 900),
	}
	twice := append(append([]trace.Span{}, batch...), batch...)

	res := Analyze(twice)

	assert.Equal(t, 2, res.TotalSpans)
	assert.Equal(t, 2, res.DuplicateSpans)
	assert.Equal(t, 1, res.TotalTurns)
	assert.Equal(t, 1, res.Stages.ASR.Count)
	require.Len(t, res.Conversations, 1)
	assert.Equal(t, 2, res.Conversations[0].Spans)
	assert.Empty(t, res.Skipped)
}

func TestDedupe_KeepsFirstAndIDLess(t *testing.T) {
	a := stageSpan("c-1", trace.StageLLM, t0, 10)
	b := stageSpan("c-1", trace.StageTTS, t0, 20)
	noID := stageSpan("c-1", trace.StageASR, t0, 30)
	noID.SpanID = ""

	got := Dedupe([]trace.Span{a, noID, b, a, noID})

	require.Len(t, got, 4)
	assert.Equal(t, []string{a.SpanID, "", b.SpanID, ""}, []string{got[0].SpanID, got[1].SpanID, got[2].SpanID, got[3].SpanID})
}

func TestAnalyze_InterruptionAndSilence(t *testing.T) {
	spans := []trace.Span{
		// Listed out of order on purpose.
		turnSpan("c-1", "t2", 2, trace.ActorUser, t0, 3000, 2500, 2900),
		turnSpan("c-1", "t0", 0, trace.ActorUser, t0, 3000, 0, 2000),
		turnSpan("c-1", "t1", 1, trace.ActorAgent, t0, 3000, 1800, 2400),
		turnSpan("c-1", "t3", 3, trace.ActorAgent, t0, 3000, 3300, 3600),
	}

	res := Analyze(spans)

	assert.Equal(t, 1, res.Turns.Interruptions)
	require.NotNil(t, res.Turns.InterruptionRate)
	assert.Equal(t, 0.5, *res.Turns.InterruptionRate)
	// t0 -> t1 is an interruption, so only t2 -> t3 produces silence.
	assert.Equal(t, 1, res.Turns.SilenceAfterUser.Count)
	require.NotNil(t, res.Turns.SilenceAfterUser.Mean)
	assert.InDelta(t, 400.0, *res.Turns.SilenceAfterUser.Mean, 1e-9)

	gaps := Gaps(spans)
	require.Len(t, gaps, 3)
	assert.True(t, gaps[0].Interruption)
	assert.Equal(t, "t1", gaps[0].Next.TurnID)
	assert.InDelta(t, -200.0, gaps[0].GapMs, 1e-9)
}

func TestAnalyze_GapUsesAbsoluteTime(t *testing.T) {
	spans := []trace.Span{
		turnSpan("c-1", "u", 0, trace.ActorUser, t0, 2000, 100, 1500),
		turnSpan("c-1", "a", 1, trace.ActorAgent, t0.Add(2*time.Second), 1000, 200, 900),
	}

	gaps := Gaps(spans)

	require.Len(t, gaps, 1)
	assert.InDelta(t, 700.0, gaps[0].GapMs, 1e-9)
	assert.True(t, gaps[0].Silence)
	assert.False(t, gaps[0].Interruption)
}

func TestAnalyze_InterruptionTolerance(t *testing.T) {
	spans := []trace.Span{
		turnSpan("c-1", "u", 0, trace.ActorUser, t0, 2000, 0, 1000),
		turnSpan("c-1", "a", 1, trace.ActorAgent, t0, 2000, 1050, 1900),
	}

	assert.Equal(t, 0, Analyze(spans).Turns.Interruptions)
	assert.Equal(t, 1, Analyze(spans, WithInterruptionTolerance(100)).Turns.Interruptions)
}

func TestAnalyze_NoAgentTurnsLeavesRateNil(t *testing.T) {
	spans := []trace.Span{
		turnSpan("c-1", "u1", 0, trace.ActorUser, t0, 1000, 0, 800),
		turnSpan("c-1", "u2", 1, trace.ActorUser, t0, 1000, 500, 900),
	}

	res := Analyze(spans)

	assert.Equal(t, 1, res.Turns.Interruptions)
	assert.Nil(t, res.Turns.InterruptionRate)
	require.Len(t, res.Conversations, 1)
	assert.Nil(t, res.Conversations[0].InterruptionRate)
}

func TestAnalyze_SkipsMalformedSpans(t *testing.T) {
	open := trace.Span{Name: "llm", StartTime: t0, Attributes: trace.Attributes{trace.AttrConversationID: "c-1"}}
	negative := trace.Span{Name: "asr", DurationMs: -5}
	noKey := finished("turn", t0, 10, trace.Attributes{trace.AttrTurnActor: "user"})
	ok := stageSpan("c-1", trace.StageTTS, t0, 40)

	res := Analyze([]trace.Span{open, negative, noKey, ok})

	assert.Equal(t, 4, res.TotalSpans)
	assert.Equal(t, 1, res.Stages.TTS.Count)
	assert.Equal(t, 0, res.Stages.LLM.Count)
	require.Len(t, res.Skipped, 3)
	assert.Equal(t, 0, res.Skipped[0].Position)
	assert.Equal(t, 1, res.Skipped[1].Position)
	assert.Equal(t, 2, res.Skipped[2].Position)
}

func TestAnalyze_EvaluationAggregates(t *testing.T) {
	spans := []trace.Span{
		finished("turn", t0, 10, trace.Attributes{trace.AttrTurnID: "1", trace.AttrIntentCorrect: true, trace.AttrRelevanceScore: 0.9}),
		finished("turn", t0, 10, trace.Attributes{trace.AttrTurnID: "2", trace.AttrIntentCorrect: false, trace.AttrRelevanceScore: 0.5}),
		finished("turn", t0, 10, trace.Attributes{trace.AttrTurnID: "3"}),
	}

	res := Analyze(spans)

	assert.Equal(t, 2, res.Evaluation.IntentEvaluated)
	assert.Equal(t, 1, res.Evaluation.IntentCorrect)
	require.NotNil(t, res.Evaluation.IntentCorrectRate)
	assert.Equal(t, 0.5, *res.Evaluation.IntentCorrectRate)
	assert.Equal(t, 2, res.Evaluation.Relevance.Count)
	assert.Equal(t, 0.5, *res.Evaluation.Relevance.Min)
}

func TestAnalyze_StageErrorsAndAttributePartition(t *testing.T) {
	spans := []trace.Span{
		finished("synthesize", t0, 120, trace.Attributes{trace.AttrStageType: "tts", trace.AttrStageError: "voice not found"}),
		finished("voice.stage.tts", t0, 80, nil),
	}

	res := Analyze(spans)

	assert.Equal(t, 2, res.Stages.TTS.Count)
	assert.Equal(t, 1, res.Stages.TTS.Errors)
	assert.Equal(t, 80.0, *res.Stages.TTS.MinMs)
}

func TestAnalyzeMaps(t *testing.T) {
	s := stageSpan("c-1", trace.StageASR, t0, 42)
	maps := []map[string]any{s.Map(), {"name": 12}}

	res := AnalyzeMaps(maps)

	assert.Equal(t, 2, res.TotalSpans)
	assert.Equal(t, 1, res.Stages.ASR.Count)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 1, res.Skipped[0].Position)
}

func TestAnalyze_DoesNotMutateInput(t *testing.T) {
	spans := []trace.Span{
		turnSpan("c-1", "b", 1, trace.ActorAgent, t0, 100, 10, 50),
		turnSpan("c-1", "a", 0, trace.ActorUser, t0, 100, 0, 5),
	}
	before := fmt.Sprint(spans)

	Analyze(spans)

	assert.Equal(t, before, fmt.Sprint(spans))
}

func TestPercentile_SingleValue(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		v := rapid.Float64Range(0, 1e6).Draw(rt, "v")
		st := summarizeLatency([]float64{v})
		for _, p := range []*float64{st.MeanMs, st.P50Ms, st.P95Ms, st.P99Ms, st.MinMs, st.MaxMs} {
			if p == nil || *p != v {
				rt.Fatalf("want %v, got %v", v, p)
			}
		}
	})
}

func TestPercentile_ConstantSample(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		k := rapid.Float64Range(0, 1e6).Draw(rt, "k")
		n := rapid.IntRange(1, 200).Draw(rt, "n")
		sample := make([]float64, n)
		for i := range sample {
			sample[i] = k
		}
		st := summarizeLatency(sample)
		if st.Count != n {
			rt.Fatalf("count %d, want %d", st.Count, n)
		}
		for _, p := range []*float64{st.MeanMs, st.P50Ms, st.P95Ms, st.P99Ms} {
			if p == nil || *p != k {
				rt.Fatalf("want %v, got %v", k, p)
			}
		}
	})
}

func TestPercentile_Bounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sample := rapid.SliceOfN(rapid.Float64Range(0, 1e5), 1, 100).Draw(rt, "sample")
		sorted := sortedCopy(sample)
		prev := sorted[0]
		for _, pct := range []float64{1, 50, 95, 99, 100} {
			v, ok := Percentile(sorted, pct)
			if !ok || v < sorted[0] || v > sorted[len(sorted)-1] || v < prev {
				rt.Fatalf("p%v=%v out of order for %v", pct, v, sorted)
			}
			prev = v
		}
	})
}

func TestPercentile_NearestRank(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	p50, _ := Percentile(sorted, 50)
	p95, _ := Percentile(sorted, 95)
	p99, _ := Percentile(sorted, 99)
	_, ok := Percentile(nil, 50)

	assert.Equal(t, 50.0, p50)
	assert.Equal(t, 100.0, p95)
	assert.Equal(t, 100.0, p99)
	assert.False(t, ok)
}
