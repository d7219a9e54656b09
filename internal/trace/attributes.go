package trace

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// SchemaVersion is stamped on every span. Increment on breaking changes to
// the attribute keys below.
const SchemaVersion = 1

// Canonical attribute keys.
const (
	AttrSchemaVersion = "voice.schema.version"
	AttrSpanKind      = "voice.span.kind"
	AttrError         = "voice.error"
	AttrIncomplete    = "voice.incomplete"

	AttrConversationID = "voice.conversation.id"

	AttrTurnID         = "voice.turn.id"
	AttrTurnIndex      = "voice.turn.index"
	AttrTurnActor      = "voice.turn.actor"
	AttrTurnTranscript = "voice.turn.transcript"
	AttrSpeechStartMs  = "voice.turn.speech_start_ms"
	AttrSpeechEndMs    = "voice.turn.speech_end_ms"

	AttrStageType       = "voice.stage.type"
	AttrStageProvider   = "voice.stage.provider"
	AttrStageModel      = "voice.stage.model"
	AttrStageInputSize  = "voice.stage.input_size"
	AttrStageOutputSize = "voice.stage.output_size"
	AttrStageError      = "voice.stage.error"

	// Written by the external semantic evaluator; only read here.
	AttrIntentCorrect  = "eval.intent_correct"
	AttrRelevanceScore = "eval.relevance_score"
)

// Attributes is an open map of scalar values: string, int64, float64, bool
// or nil. Consumers must tolerate keys they do not know.
type Attributes map[string]any

// Set stores v under key, coercing it to one of the scalar types.
func (a Attributes) Set(key string, v any) {
	a[key] = scalar(v)
}

// Clone returns a shallow copy; values are scalars so this is a deep copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	c := make(Attributes, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Str returns a string attribute.
func (a Attributes) Str(key string) (string, bool) {
	v, ok := a[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Int returns an integer attribute. Integral floats (as produced by JSON
// decoding) and numeric strings are accepted.
func (a Attributes) Int(key string) (int64, bool) {
	switch v := a[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which is out of range.
		if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Float returns a numeric attribute.
func (a Attributes) Float(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		if math.IsNaN(v) {
			return 0, false
		}
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

// Bool returns a boolean attribute. The strings "true" and "false" are
// accepted as well.
func (a Attributes) Bool(key string) (bool, bool) {
	switch v := a[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

func (a Attributes) normalized() Attributes {
	if a == nil {
		return nil
	}
	for k, v := range a {
		a[k] = scalar(v)
	}
	return a
}

func scalar(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64, float64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int8:
		return int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case uint32:
		return int64(x)
	case uint16:
		return int64(x)
	case uint8:
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case float32:
		return float64(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case time.Duration:
		return float64(x) / float64(time.Millisecond)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	case error:
		return x.Error()
	}
	return fmt.Sprint(v)
}
