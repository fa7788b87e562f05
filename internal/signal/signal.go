// Package signal computes normalized, scored business indicators over a time window.
package signal

import (
	"math"
	"reflect"
	"time"

	"github.com/rotisserie/eris"
)

// ErrInvalidPeriod is returned when a period does not satisfy start < end.
var ErrInvalidPeriod = eris.New("invalid period: start must be before end")

// Kind identifies a signal type.
type Kind string

// Built-in signal kinds.
const (
	KindPipelineVelocityDelta Kind = "pipeline_velocity_delta"
	KindLateInvoiceRisk       Kind = "late_invoice_risk"
	KindStalledDealMotif      Kind = "stalled_deal_motif"
	KindSupportChurnFlag      Kind = "support_churn_flag"
)

// Period is a half-open interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod returns a validated period.
func NewPeriod(start, end time.Time) (Period, error) {
	if !start.Before(end) {
		return Period{}, eris.Wrapf(ErrInvalidPeriod, "signal: period %s..%s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Period{Start: start, End: end}, nil
}

// Duration returns the length of the period.
func (p Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Previous returns the equal-length period immediately preceding p.
func (p Period) Previous() Period {
	return Period{Start: p.Start.Add(-p.Duration()), End: p.Start}
}

// Contains reports whether t falls inside [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Payload holds the kind-specific quantitative fields of a signal.
type Payload map[string]any

// Float returns the numeric value of key, or fallback when absent or non-numeric.
func (p Payload) Float(key string, fallback float64) float64 {
	if f, ok := ToFloat(p[key]); ok {
		return f
	}
	return fallback
}

// Signal is an immutable computed fact for one organization and period.
type Signal struct {
	ID        int64
	OrgID     int64
	Kind      Kind
	Period    Period
	Payload   Payload
	Score     float64
	Threshold float64
	CreatedAt time.Time
}

// Notable reports whether the score exceeds the stored threshold.
func (s Signal) Notable() bool {
	return s.Score > s.Threshold
}

// ToFloat converts numeric values to float64. Strings are not coerced.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool, string:
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
