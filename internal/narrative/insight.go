package narrative

import (
	"math"
	"reflect"

	"github.com/TobiSchelling/nour/internal/signal"
)

// Priority levels of an insight.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Insight is the read-time view of a narrative. It is never persisted.
type Insight struct {
	*Narrative
	Confidence float64
	Priority   string
}

// NewInsight scores a narrative from its evidence.
func NewInsight(n *Narrative) Insight {
	return Insight{
		Narrative:  n,
		Confidence: Confidence(n.Evidence),
		Priority:   Priority(n.Evidence),
	}
}

// Confidence averages whichever evidence factors are present: the signal
// score, the number of hot signals over five, and the size of the signal
// data over ten (both capped at one). With no factors it is 0.5.
func Confidence(evidence map[string]any) float64 {
	var factors []float64

	if score, ok := signal.ToFloat(evidence["signal_score"]); ok {
		factors = append(factors, score)
	}
	if n, ok := signal.ToFloat(evidence["signals_count"]); ok {
		factors = append(factors, math.Min(n/5, 1))
	}
	if n, ok := size(evidence["signal_data"]); ok {
		factors = append(factors, math.Min(float64(n)/10, 1))
	}

	if len(factors) == 0 {
		return 0.5
	}
	var sum float64
	for _, f := range factors {
		sum += f
	}
	return sum / float64(len(factors))
}

// Priority is high above a 0.8 signal score, medium above 0.5, and low
// otherwise, including when the evidence carries no signal score at all.
func Priority(evidence map[string]any) string {
	score, ok := signal.ToFloat(evidence["signal_score"])
	switch {
	case ok && score > 0.8:
		return PriorityHigh
	case ok && score > 0.5:
		return PriorityMedium
	}
	return PriorityLow
}

func size(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return rv.Len(), true
	}
	return 0, false
}
