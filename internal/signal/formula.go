package signal

import "time"

// Input is what a formula sees for one computation.
type Input struct {
	OrgID   int64
	Period  Period
	Records []Record
	Now     time.Time
}

// Output is a formula's computed signal body. A nil Output means "no signal".
type Output struct {
	Payload   Payload
	Score     float64
	Threshold float64
}

// Formula computes one signal kind from one record domain.
type Formula interface {
	Kind() Kind
	Domain() Domain
	// Window is the record window a source must supply for the period.
	Window(p Period) Period
	Compute(in Input) (*Output, error)
}

// Registry maps kinds to formulas, in registration order.
type Registry struct {
	order    []Kind
	formulas map[Kind]Formula
}

// NewRegistry creates a registry containing the given formulas.
func NewRegistry(formulas ...Formula) *Registry {
	r := &Registry{formulas: make(map[Kind]Formula)}
	for _, f := range formulas {
		r.Register(f)
	}
	return r
}

// DefaultRegistry returns the four built-in formulas.
func DefaultRegistry(stall StallDetector) *Registry {
	return NewRegistry(
		VelocityFormula{},
		LateInvoiceFormula{},
		StalledDealFormula{Detector: stall},
		SupportChurnFormula{},
	)
}

// Register adds or replaces the formula for its kind.
func (r *Registry) Register(f Formula) {
	if _, exists := r.formulas[f.Kind()]; !exists {
		r.order = append(r.order, f.Kind())
	}
	r.formulas[f.Kind()] = f
}

// Get returns the formula for a kind.
func (r *Registry) Get(kind Kind) (Formula, bool) {
	f, ok := r.formulas[kind]
	return f, ok
}

// Kinds returns registered kinds in registration order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, len(r.order))
	copy(out, r.order)
	return out
}

// Formulas returns registered formulas in registration order.
func (r *Registry) Formulas() []Formula {
	out := make([]Formula, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.formulas[k])
	}
	return out
}
