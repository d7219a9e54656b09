package classify

import (
	"errors"
	"fmt"
	"math"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// Default limits. Latencies and gaps are in milliseconds.
const (
	DefaultASRLatencyMs        = 800.0
	DefaultLLMLatencyMs        = 2000.0
	DefaultTTSLatencyMs        = 600.0
	DefaultMaxSilenceGapMs     = 3000.0
	DefaultMaxInterruptionRate = 0.3
	DefaultMinRelevanceScore   = 0.5
	DefaultHighFactor          = 1.5
	DefaultCriticalFactor      = 3.0
	DefaultInterruptionTolMs   = 0.0
)

// ErrInvalidThreshold is returned for out-of-range threshold values.
var ErrInvalidThreshold = errors.New("invalid threshold")

// Thresholds holds every limit the classifier applies.
type Thresholds struct {
	ASRLatencyMs        float64 `yaml:"asr_latency_ms" json:"asr_latency_ms"`
	LLMLatencyMs        float64 `yaml:"llm_latency_ms" json:"llm_latency_ms"`
	TTSLatencyMs        float64 `yaml:"tts_latency_ms" json:"tts_latency_ms"`
	MaxSilenceGapMs     float64 `yaml:"max_silence_gap_ms" json:"max_silence_gap_ms"`
	MaxInterruptionRate float64 `yaml:"max_interruption_rate" json:"max_interruption_rate"`
	MinRelevanceScore   float64 `yaml:"min_relevance_score" json:"min_relevance_score"`
	// A signal at most HighFactor times its limit is medium, at most
	// CriticalFactor times is high, anything above is critical.
	HighFactor     float64 `yaml:"high_factor" json:"high_factor"`
	CriticalFactor float64 `yaml:"critical_factor" json:"critical_factor"`
	// Gaps strictly below this count as interruptions.
	InterruptionToleranceMs float64 `yaml:"interruption_tolerance_ms" json:"interruption_tolerance_ms"`
}

// DefaultThresholds returns the default limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ASRLatencyMs:            DefaultASRLatencyMs,
		LLMLatencyMs:            DefaultLLMLatencyMs,
		TTSLatencyMs:            DefaultTTSLatencyMs,
		MaxSilenceGapMs:         DefaultMaxSilenceGapMs,
		MaxInterruptionRate:     DefaultMaxInterruptionRate,
		MinRelevanceScore:       DefaultMinRelevanceScore,
		HighFactor:              DefaultHighFactor,
		CriticalFactor:          DefaultCriticalFactor,
		InterruptionToleranceMs: DefaultInterruptionTolMs,
	}
}

// ThresholdOption overrides one limit.
type ThresholdOption func(*Thresholds)

// WithStageLatency sets the latency limit of one stage.
func WithStageLatency(k trace.StageKind, ms float64) ThresholdOption {
	return func(t *Thresholds) {
		switch k {
		case trace.StageASR:
			t.ASRLatencyMs = ms
		case trace.StageLLM:
			t.LLMLatencyMs = ms
		case trace.StageTTS:
			t.TTSLatencyMs = ms
		}
	}
}

func WithMaxSilenceGap(ms float64) ThresholdOption {
	return func(t *Thresholds) { t.MaxSilenceGapMs = ms }
}

func WithMaxInterruptionRate(r float64) ThresholdOption {
	return func(t *Thresholds) { t.MaxInterruptionRate = r }
}

func WithMinRelevanceScore(s float64) ThresholdOption {
	return func(t *Thresholds) { t.MinRelevanceScore = s }
}

func WithSeverityBands(high, critical float64) ThresholdOption {
	return func(t *Thresholds) {
		t.HighFactor = high
		t.CriticalFactor = critical
	}
}

func WithInterruptionTolerance(ms float64) ThresholdOption {
	return func(t *Thresholds) { t.InterruptionToleranceMs = ms }
}

// NewThresholds applies opts over the defaults and validates the result.
func NewThresholds(opts ...ThresholdOption) (Thresholds, error) {
	t := DefaultThresholds()
	for _, opt := range opts {
		opt(&t)
	}
	if err := t.Validate(); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}

// Validate rejects limits that cannot be applied.
func (t Thresholds) Validate() error {
	var errs []error
	positive := func(name string, v float64) {
		if !finite(v) || v <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be > 0, got %v", ErrInvalidThreshold, name, v))
		}
	}
	unit := func(name string, v float64) {
		if !finite(v) || v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%w: %s must be in [0,1], got %v", ErrInvalidThreshold, name, v))
		}
	}

	positive("asr_latency_ms", t.ASRLatencyMs)
	positive("llm_latency_ms", t.LLMLatencyMs)
	positive("tts_latency_ms", t.TTSLatencyMs)
	positive("max_silence_gap_ms", t.MaxSilenceGapMs)
	unit("max_interruption_rate", t.MaxInterruptionRate)
	unit("min_relevance_score", t.MinRelevanceScore)
	if !finite(t.HighFactor) || t.HighFactor < 1 {
		errs = append(errs, fmt.Errorf("%w: high_factor must be >= 1, got %v", ErrInvalidThreshold, t.HighFactor))
	}
	if !finite(t.CriticalFactor) || t.CriticalFactor < t.HighFactor {
		errs = append(errs, fmt.Errorf("%w: critical_factor must be >= high_factor, got %v", ErrInvalidThreshold, t.CriticalFactor))
	}
	if !finite(t.InterruptionToleranceMs) || t.InterruptionToleranceMs < 0 {
		errs = append(errs, fmt.Errorf("%w: interruption_tolerance_ms must be >= 0, got %v", ErrInvalidThreshold, t.InterruptionToleranceMs))
	}
	return errors.Join(errs...)
}

// StageLatencyMs returns the latency limit of a stage.
func (t Thresholds) StageLatencyMs(k trace.StageKind) float64 {
	switch k {
	case trace.StageASR:
		return t.ASRLatencyMs
	case trace.StageLLM:
		return t.LLMLatencyMs
	case trace.StageTTS:
		return t.TTSLatencyMs
	}
	return 0
}

// Band maps how far value exceeds limit to a severity. It assumes
// value > limit > 0.
func (t Thresholds) Band(value, limit float64) Severity {
	r := value / limit
	switch {
	case r <= t.HighFactor:
		return SeverityMedium
	case r <= t.CriticalFactor:
		return SeverityHigh
	}
	return SeverityCritical
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
