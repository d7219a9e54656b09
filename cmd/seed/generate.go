package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

var errProviderTimeout = errors.New("provider timeout")

// profile controls the shape of generated conversations.
type profile struct {
	conversations int
	turns         int
	concurrency   int
	seed          uint64
	faultRate     float64
	start         time.Time
}

// simClock is a per-conversation virtual clock so generated durations do
// not depend on wall time.
type simClock struct{ t time.Time }

func (c *simClock) now() time.Time          { return c.t }
func (c *simClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func ms(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }

// generate runs p.conversations synthetic conversations through the scope
// API, at most p.concurrency at a time, and exports every span to exp.
func generate(ctx context.Context, exp trace.Exporter, label string, p profile) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.concurrency, 1))
	for i := 0; i < p.conversations; i++ {
		g.Go(func() error {
			return conversation(ctx, exp, label, p, i)
		})
	}
	return g.Wait()
}

func conversation(ctx context.Context, exp trace.Exporter, label string, p profile, i int) error {
	rng := rand.New(rand.NewPCG(p.seed, uint64(i)))
	clock := &simClock{t: p.start.Add(time.Duration(i) * time.Minute)}
	tr := trace.NewTracer(exp, trace.WithClock(clock.now), trace.WithExporterLabel(label))

	id := fmt.Sprintf("seed-%04d", i)
	return tr.Conversation(ctx, id, trace.Attributes{"seed.profile": "default"}, func(ctx context.Context, c *trace.Conversation) error {
		for n := 0; n < p.turns; n++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			actor := trace.ActorUser
			if n%2 == 1 {
				actor = trace.ActorAgent
			}
			if err := turn(ctx, tr, clock, rng, actor, p.faultRate); err != nil {
				return err
			}
		}
		return nil
	})
}

// turn emits one turn. User turns run ASR; agent turns run LLM then TTS.
// With probability faultRate a turn gets a slow stage, a failed stage or,
// for user turns, speech that runs past the point the agent starts talking.
func turn(ctx context.Context, tr *trace.Tracer, clock *simClock, rng *rand.Rand, actor trace.Actor, faultRate float64) error {
	fault := rng.Float64() < faultRate
	var bargeIn time.Time

	err := tr.Turn(ctx, actor, trace.TurnOptions{}, func(ctx context.Context, t *trace.Turn) error {
		start := clock.now()
		if actor == trace.ActorUser {
			t.MarkSpeechStartAt(0)
			speech := 800 + rng.Float64()*1500
			clock.advance(ms(speech))
			t.SetTranscript("synthetic user utterance")
			stageErr := stage(ctx, tr, clock, rng, trace.StageASR, "whisper-server", 300, fault)
			speechEnd := speech
			if fault && rng.IntN(2) == 0 {
				bargeIn = start.Add(ms(speech))
				speechEnd += 200 + rng.Float64()*600
			}
			t.MarkSpeechEndAt(ms(speechEnd))
			return ignoreStageError(stageErr)
		}

		t.MarkSpeechStartAt(0)
		if err := ignoreStageError(stage(ctx, tr, clock, rng, trace.StageLLM, "ollama", 900, fault)); err != nil {
			return err
		}
		err := stage(ctx, tr, clock, rng, trace.StageTTS, "piper", 250, false)
		t.MarkSpeechEndAt(clock.now().Sub(start))
		t.SetAttribute(trace.AttrIntentCorrect, rng.Float64() > 0.1)
		t.SetAttribute(trace.AttrRelevanceScore, 0.3+rng.Float64()*0.7)
		return ignoreStageError(err)
	})
	if err != nil {
		return err
	}
	if !bargeIn.IsZero() {
		// the next turn starts while the user is still speaking
		clock.t = bargeIn
		return nil
	}
	clock.advance(ms(100 + rng.Float64()*900))
	return nil
}

func stage(ctx context.Context, tr *trace.Tracer, clock *simClock, rng *rand.Rand, kind trace.StageKind, provider string, baseMs float64, fault bool) error {
	return tr.Stage(ctx, kind, trace.StageOptions{Provider: provider}, func(ctx context.Context, s *trace.Stage) error {
		d := baseMs * (0.6 + rng.Float64()*0.8)
		if fault {
			d *= 2 + rng.Float64()*3
		}
		clock.advance(ms(d))
		s.SetOutput(rng.IntN(4096))
		if fault && rng.IntN(4) == 0 {
			return errProviderTimeout
		}
		return nil
	})
}

// ignoreStageError keeps a failed stage from ending the conversation; the
// failure is already recorded on the stage span.
func ignoreStageError(err error) error {
	if errors.Is(err, errProviderTimeout) {
		return nil
	}
	return err
}
