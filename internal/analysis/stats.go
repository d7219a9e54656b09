package analysis

import (
	"math"
	"sort"
)

// Percentile returns the nearest-rank percentile of sorted: the smallest value
// such that at least pct percent of the sample is less than or equal to it.
// sorted must be in ascending order. ok is false for an empty sample.
func Percentile(sorted []float64, pct float64) (value float64, ok bool) {
	if len(sorted) == 0 {
		return 0, false
	}
	idx := int(math.Ceil(pct/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx], true
}

// LatencyStats summarizes a duration sample in milliseconds. Statistics of an
// empty sample are nil.
type LatencyStats struct {
	Count  int      `json:"count"`
	Errors int      `json:"errors"`
	MeanMs *float64 `json:"mean_ms"`
	P50Ms  *float64 `json:"p50_ms"`
	P95Ms  *float64 `json:"p95_ms"`
	P99Ms  *float64 `json:"p99_ms"`
	MinMs  *float64 `json:"min_ms"`
	MaxMs  *float64 `json:"max_ms"`
}

func summarizeLatency(sample []float64) LatencyStats {
	st := LatencyStats{Count: len(sample)}
	if len(sample) == 0 {
		return st
	}
	sorted := sortedCopy(sample)
	st.MeanMs = ptr(mean(sorted))
	st.P50Ms = percentilePtr(sorted, 50)
	st.P95Ms = percentilePtr(sorted, 95)
	st.P99Ms = percentilePtr(sorted, 99)
	st.MinMs = ptr(sorted[0])
	st.MaxMs = ptr(sorted[len(sorted)-1])
	return st
}

// Distribution summarizes a non-latency sample.
type Distribution struct {
	Count int      `json:"count"`
	Mean  *float64 `json:"mean"`
	P50   *float64 `json:"p50"`
	P95   *float64 `json:"p95"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
}

func summarize(sample []float64) Distribution {
	d := Distribution{Count: len(sample)}
	if len(sample) == 0 {
		return d
	}
	sorted := sortedCopy(sample)
	d.Mean = ptr(mean(sorted))
	d.P50 = percentilePtr(sorted, 50)
	d.P95 = percentilePtr(sorted, 95)
	d.Min = ptr(sorted[0])
	d.Max = ptr(sorted[len(sorted)-1])
	return d
}

func sortedCopy(sample []float64) []float64 {
	out := make([]float64, len(sample))
	copy(out, sample)
	sort.Float64s(out)
	return out
}

// mean sums in ascending order so equal samples reproduce their value.
func mean(sorted []float64) float64 {
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	m := sum / float64(len(sorted))
	// Clamp rounding drift so the mean never leaves the sample range.
	if m < sorted[0] {
		return sorted[0]
	}
	if m > sorted[len(sorted)-1] {
		return sorted[len(sorted)-1]
	}
	return m
}

func percentilePtr(sorted []float64, pct float64) *float64 {
	v, ok := Percentile(sorted, pct)
	if !ok {
		return nil
	}
	return &v
}

func ratio(num, den int) *float64 {
	if den == 0 {
		return nil
	}
	return ptr(float64(num) / float64(den))
}

func ptr(v float64) *float64 { return &v }
