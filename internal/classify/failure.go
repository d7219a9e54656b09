// Package classify derives typed, severity-ranked failures from a span
// snapshot and a set of thresholds.
package classify

import (
	"fmt"
	"strings"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// FailureType names the rule that produced a failure.
type FailureType string

const (
	TypeHighLatency          FailureType = "high_latency"
	TypeStageError           FailureType = "stage_error"
	TypeInterruption         FailureType = "interruption"
	TypeLongSilence          FailureType = "long_silence"
	TypeIntentMismatch       FailureType = "intent_mismatch"
	TypeLowRelevance         FailureType = "low_relevance"
	TypeHighInterruptionRate FailureType = "high_interruption_rate"
)

// ruleOrder ranks rules for the stable failure order.
var ruleOrder = []FailureType{
	TypeHighLatency,
	TypeStageError,
	TypeInterruption,
	TypeLongSilence,
	TypeIntentMismatch,
	TypeLowRelevance,
	TypeHighInterruptionRate,
}

func (t FailureType) rank() int {
	for i, r := range ruleOrder {
		if r == t {
			return i
		}
	}
	return len(ruleOrder)
}

// ParseFailureType parses a rule name such as "high_latency".
func ParseFailureType(name string) (FailureType, error) {
	t := FailureType(strings.ToLower(strings.TrimSpace(name)))
	if t.rank() == len(ruleOrder) {
		return "", fmt.Errorf("unknown failure type %q", name)
	}
	return t, nil
}

// Severity orders failures: low < medium < high < critical.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	if _, ok := severityNames[s]; !ok {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for s, sn := range severityNames {
		if sn == n {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// Failure is one classified quality issue.
type Failure struct {
	Type           FailureType     `json:"type"`
	Severity       Severity        `json:"severity"`
	Message        string          `json:"message"`
	ConversationID string          `json:"conversation_id,omitempty"`
	TurnID         string          `json:"turn_id,omitempty"`
	TurnIndex      *int            `json:"turn_index,omitempty"`
	Stage          trace.StageKind `json:"stage,omitempty"`
	SpanID         string          `json:"span_id,omitempty"`
	SignalName     string          `json:"signal_name,omitempty"`
	SignalValue    *float64        `json:"signal_value,omitempty"`
	Threshold      *float64        `json:"threshold,omitempty"`
}
