package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	spans []Span
}

func (r *recorder) Export(_ context.Context, s Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, s)
	return nil
}

func (r *recorder) ExportBatch(ctx context.Context, spans []Span) error {
	for _, s := range spans {
		_ = r.Export(ctx, s)
	}
	return nil
}

func (r *recorder) byName(name string) []Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Span
	for _, s := range r.spans {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracer(t *testing.T) (*Tracer, *recorder, *fakeClock) {
	t.Helper()
	rec := &recorder{}
	clock := newFakeClock()
	return NewTracer(rec, WithClock(clock.Now), WithExporterLabel("test")), rec, clock
}

func TestConversationScope_StampsAttributes(t *testing.T) {
	tr, rec, clock := newTestTracer(t)

	err := tr.Conversation(context.Background(), "conv-1", Attributes{"tenant": "acme"}, func(ctx context.Context, c *Conversation) error {
		assert.Equal(t, "conv-1", c.ID())
		assert.Same(t, c, CurrentConversation(ctx))
		assert.Nil(t, CurrentTurn(ctx))
		assert.Equal(t, 1, Depth(ctx))
		clock.Advance(1500 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	spans := rec.byName(SpanConversation)
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, 1500.0, s.DurationMs)
	assert.Empty(t, s.ParentSpanID)
	assert.Len(t, s.TraceID, 32)
	assert.Len(t, s.SpanID, 16)
	assert.Equal(t, "conv-1", s.ConversationID())
	assert.Equal(t, KindConversation, s.Kind())
	v, _ := s.Attributes.Int(AttrSchemaVersion)
	assert.Equal(t, int64(SchemaVersion), v)
	tenant, _ := s.Attributes.Str("tenant")
	assert.Equal(t, "acme", tenant)
	assert.NotContains(t, s.Attributes, AttrError)
}

func TestConversationScope_GeneratesID(t *testing.T) {
	tr, rec, _ := newTestTracer(t)
	var got string
	require.NoError(t, tr.Conversation(context.Background(), "", nil, func(_ context.Context, c *Conversation) error {
		got = c.ID()
		return nil
	}))
	assert.NotEmpty(t, got)
	assert.Equal(t, got, rec.byName(SpanConversation)[0].ConversationID())
}

func TestTurnScope_IndexesAndParenting(t *testing.T) {
	tr, rec, _ := newTestTracer(t)

	err := tr.Conversation(context.Background(), "conv-1", nil, func(ctx context.Context, c *Conversation) error {
		for _, actor := range []Actor{ActorUser, ActorAgent} {
			if err := tr.Turn(ctx, actor, TurnOptions{}, func(ctx context.Context, turn *Turn) error {
				assert.Same(t, turn, CurrentTurn(ctx))
				assert.Same(t, c, CurrentConversation(ctx))
				assert.Equal(t, 2, Depth(ctx))
				return nil
			}); err != nil {
				return err
			}
		}
		return tr.Turn(ctx, ActorUser, TurnOptions{Index: Ptr(7)}, func(context.Context, *Turn) error { return nil })
	})
	require.NoError(t, err)

	conv := rec.byName(SpanConversation)[0]
	turns := rec.byName(SpanTurn)
	require.Len(t, turns, 3)

	var indexes []int64
	for _, s := range turns {
		assert.Equal(t, conv.TraceID, s.TraceID)
		assert.Equal(t, conv.SpanID, s.ParentSpanID)
		assert.Equal(t, "conv-1", s.ConversationID())
		assert.Equal(t, KindTurn, s.Kind())
		idx, ok := s.Attributes.Int(AttrTurnIndex)
		require.True(t, ok)
		indexes = append(indexes, idx)
	}
	assert.Equal(t, []int64{0, 1, 7}, indexes)
	actor, _ := turns[1].Attributes.Str(AttrTurnActor)
	assert.Equal(t, "agent", actor)
}

func TestTurnScope_InvalidActor(t *testing.T) {
	tr, rec, _ := newTestTracer(t)
	called := false
	err := tr.Turn(context.Background(), Actor("robot"), TurnOptions{}, func(context.Context, *Turn) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Empty(t, rec.spans)
}

func TestTurnScope_SpeechMarksLastWriteWins(t *testing.T) {
	tr, rec, clock := newTestTracer(t)

	err := tr.Conversation(context.Background(), "c", nil, func(ctx context.Context, _ *Conversation) error {
		return tr.Turn(ctx, ActorUser, TurnOptions{}, func(_ context.Context, turn *Turn) error {
			clock.Advance(100 * time.Millisecond)
			turn.MarkSpeechStart()
			clock.Advance(100 * time.Millisecond)
			turn.MarkSpeechStart()
			clock.Advance(800 * time.Millisecond)
			turn.MarkSpeechEnd()
			turn.SetTranscript("hello there")
			return nil
		})
	})
	require.NoError(t, err)

	s := rec.byName(SpanTurn)[0]
	start, _ := s.Attributes.Float(AttrSpeechStartMs)
	end, _ := s.Attributes.Float(AttrSpeechEndMs)
	assert.Equal(t, 200.0, start)
	assert.Equal(t, 1000.0, end)
	text, _ := s.Attributes.Str(AttrTurnTranscript)
	assert.Equal(t, "hello there", text)
}

func TestStageScope_AttributesAndParent(t *testing.T) {
	tr, rec, clock := newTestTracer(t)

	err := tr.Conversation(context.Background(), "c", nil, func(ctx context.Context, _ *Conversation) error {
		return tr.Turn(ctx, ActorAgent, TurnOptions{}, func(ctx context.Context, turn *Turn) error {
			return tr.Stage(ctx, StageLLM, StageOptions{Provider: "ollama", Model: "llama3.2:3b", InputSize: Ptr(42)}, func(ctx context.Context, s *Stage) error {
				assert.Same(t, s, CurrentStage(ctx))
				assert.Same(t, turn, s.Turn())
				assert.Equal(t, 3, Depth(ctx))
				clock.Advance(500 * time.Millisecond)
				s.SetOutput(128)
				return nil
			})
		})
	})
	require.NoError(t, err)

	turn := rec.byName(SpanTurn)[0]
	stages := rec.byName(StageSpanName(StageLLM))
	require.Len(t, stages, 1)
	s := stages[0]
	assert.Equal(t, turn.SpanID, s.ParentSpanID)
	assert.Equal(t, 500.0, s.DurationMs)
	k, ok := s.Stage()
	require.True(t, ok)
	assert.Equal(t, StageLLM, k)

	turnID, _ := turn.Attributes.Str(AttrTurnID)
	stageTurnID, _ := s.Attributes.Str(AttrTurnID)
	assert.Equal(t, turnID, stageTurnID)
	provider, _ := s.Attributes.Str(AttrStageProvider)
	assert.Equal(t, "ollama", provider)
	in, _ := s.Attributes.Int(AttrStageInputSize)
	out, _ := s.Attributes.Int(AttrStageOutputSize)
	assert.Equal(t, int64(42), in)
	assert.Equal(t, int64(128), out)
}

func TestStageScope_ErrorIsRecordedAndPropagated(t *testing.T) {
	tr, rec, _ := newTestTracer(t)
	boom := errors.New("provider timeout")

	err := tr.Conversation(context.Background(), "c", nil, func(ctx context.Context, _ *Conversation) error {
		return tr.Turn(ctx, ActorAgent, TurnOptions{}, func(ctx context.Context, _ *Turn) error {
			before := Depth(ctx)
			stageErr := tr.Stage(ctx, StageTTS, StageOptions{}, func(context.Context, *Stage) error {
				return boom
			})
			assert.Same(t, boom, stageErr)
			assert.Equal(t, before, Depth(ctx))
			return nil
		})
	})
	require.NoError(t, err)

	stages := rec.byName(StageSpanName(StageTTS))
	require.Len(t, stages, 1)
	msg, ok := stages[0].Attributes.Str(AttrStageError)
	require.True(t, ok)
	assert.Equal(t, "provider timeout", msg)
	assert.NotContains(t, stages[0].Attributes, AttrIncomplete)
}

func TestStageScope_PanicIsRecordedAndRepanicked(t *testing.T) {
	tr, rec, _ := newTestTracer(t)
	ctx := context.Background()

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = tr.Stage(ctx, StageASR, StageOptions{}, func(context.Context, *Stage) error {
			panic("kaboom")
		})
	})
	assert.Equal(t, 0, Depth(ctx))

	stages := rec.byName(StageSpanName(StageASR))
	require.Len(t, stages, 1)
	msg, _ := stages[0].Attributes.Str(AttrStageError)
	assert.Equal(t, "panic: kaboom", msg)
}

func TestStageScope_OutsideConversation(t *testing.T) {
	tr, rec, _ := newTestTracer(t)
	require.NoError(t, tr.Stage(context.Background(), StageASR, StageOptions{}, func(context.Context, *Stage) error { return nil }))

	s := rec.byName(StageSpanName(StageASR))[0]
	assert.Empty(t, s.ParentSpanID)
	assert.Empty(t, s.ConversationID())
	assert.Len(t, s.TraceID, 32)
}

func TestStageScope_InvalidKind(t *testing.T) {
	tr, _, _ := newTestTracer(t)
	err := tr.Stage(context.Background(), StageKind("vad"), StageOptions{}, func(context.Context, *Stage) error { return nil })
	assert.Error(t, err)
}

func TestConversationScope_CancelledIsIncomplete(t *testing.T) {
	tr, rec, _ := newTestTracer(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := tr.Conversation(ctx, "c", nil, func(ctx context.Context, _ *Conversation) error {
		return tr.Turn(ctx, ActorUser, TurnOptions{}, func(ctx context.Context, _ *Turn) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
	})
	require.ErrorIs(t, err, context.Canceled)

	for _, name := range []string{SpanConversation, SpanTurn} {
		spans := rec.byName(name)
		require.Len(t, spans, 1, name)
		incomplete, _ := spans[0].Attributes.Bool(AttrIncomplete)
		assert.True(t, incomplete, name)
		_, hasErr := spans[0].Attributes.Str(AttrError)
		assert.True(t, hasErr, name)
	}
}

func TestConcurrentConversations_AreIsolated(t *testing.T) {
	tr, rec, _ := newTestTracer(t)

	// Two conversations take turns at explicit suspension points so their
	// bodies interleave.
	aTurn, bTurn := make(chan struct{}), make(chan struct{})
	var wg sync.WaitGroup
	run := func(id string, wait, signal chan struct{}, first bool) {
		defer wg.Done()
		_ = tr.Conversation(context.Background(), id, nil, func(ctx context.Context, _ *Conversation) error {
			for i := 0; i < 3; i++ {
				if !first || i > 0 {
					<-wait
				}
				err := tr.Turn(ctx, ActorUser, TurnOptions{}, func(ctx context.Context, _ *Turn) error {
					assert.Equal(t, id, CurrentConversation(ctx).ID())
					return nil
				})
				assert.NoError(t, err)
				assert.Equal(t, id, CurrentConversation(ctx).ID())
				signal <- struct{}{}
			}
			return nil
		})
	}
	wg.Add(2)
	go run("a", aTurn, bTurn, true)
	go run("b", bTurn, aTurn, false)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	// drain the final hand-off from b back to a.
	select {
	case <-aTurn:
	case <-done:
	}
	<-done

	for _, s := range rec.byName(SpanTurn) {
		assert.Contains(t, []string{"a", "b"}, s.ConversationID())
	}
	assert.Len(t, rec.byName(SpanTurn), 6)
}

func TestChildGoroutineInheritsSnapshot(t *testing.T) {
	tr, _, _ := newTestTracer(t)
	err := tr.Conversation(context.Background(), "parent", nil, func(ctx context.Context, c *Conversation) error {
		got := make(chan *Conversation, 1)
		go func(ctx context.Context) { got <- CurrentConversation(ctx) }(ctx)
		assert.Same(t, c, <-got)
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, CurrentConversation(context.Background()))
}

type failingExporter struct{ panics bool }

func (f failingExporter) Export(context.Context, Span) error {
	if f.panics {
		panic("exporter exploded")
	}
	return errors.New("sink unavailable")
}

func (f failingExporter) ExportBatch(ctx context.Context, spans []Span) error {
	return f.Export(ctx, Span{})
}

func TestExporterFailuresDoNotReachCaller(t *testing.T) {
	for _, panics := range []bool{false, true} {
		tr := NewTracer(failingExporter{panics: panics})
		err := tr.Conversation(context.Background(), "c", nil, func(ctx context.Context, _ *Conversation) error {
			return tr.Stage(ctx, StageLLM, StageOptions{}, func(context.Context, *Stage) error { return nil })
		})
		assert.NoError(t, err)
	}
}

func TestNilTracerRunsBodies(t *testing.T) {
	var tr *Tracer
	ran := false
	err := tr.Conversation(context.Background(), "c", nil, func(ctx context.Context, _ *Conversation) error {
		return tr.Turn(ctx, ActorUser, TurnOptions{}, func(ctx context.Context, turn *Turn) error {
			ran = true
			assert.Equal(t, "c", CurrentConversation(ctx).ID())
			turn.MarkSpeechStart()
			return nil
		})
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
