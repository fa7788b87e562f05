package rules

import (
	"fmt"

	"github.com/TobiSchelling/nour/internal/condition"
	"github.com/TobiSchelling/nour/internal/metrics"
	"github.com/TobiSchelling/nour/internal/signal"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Draft is a narrative built from a triggered rule, not yet persisted.
type Draft struct {
	Title    string
	Summary  string
	Actions  []string
	Evidence map[string]any
	Severity string
}

// Result is the outcome of evaluating one rule.
type Result struct {
	RuleID    int64
	RuleName  string
	Triggered bool
	Severity  string
	Category  string
	Narrative *Draft
}

// Engine evaluates rules against a signal set. It holds no rule state.
type Engine struct {
	metrics *metrics.Registry
}

// NewEngine creates an Engine. m may be nil.
func NewEngine(m *metrics.Registry) *Engine {
	return &Engine{metrics: m}
}

// EvaluateAll evaluates rules in the given order and returns one result per
// rule. A rule that fails internally is logged and left out.
func (e *Engine) EvaluateAll(rules []*Rule, signals []signal.Signal) []Result {
	results := make([]Result, 0, len(rules))
	for _, r := range rules {
		res, err := e.Evaluate(r, signals)
		if err != nil {
			e.metrics.Rule("skipped")
			zap.L().Warn("rule evaluation failed", zap.Error(err))
			continue
		}
		if res.Triggered {
			e.metrics.Rule("triggered")
		} else {
			e.metrics.Rule("quiet")
		}
		results = append(results, res)
	}
	return results
}

// Evaluate evaluates a single rule. When the condition holds the result
// carries a Draft built from the rule's template over all signals.
func (e *Engine) Evaluate(r *Rule, signals []signal.Signal) (res Result, err error) {
	if r == nil {
		return Result{}, eris.New("rules: nil rule")
	}
	if r.Definition == nil {
		return Result{}, eris.Errorf("rules: rule %d (%s) has no definition", r.ID, r.Name)
	}
	defer func() {
		if p := recover(); p != nil {
			res, err = Result{}, eris.New(fmt.Sprintf("rules: rule %d (%s) panicked: %v", r.ID, r.Name, p))
		}
	}()

	def := r.Definition
	res = Result{
		RuleID:    r.ID,
		RuleName:  r.Name,
		Triggered: condition.Evaluate(def.When, signals),
		Severity:  def.Severity(),
		Category:  r.Category,
	}
	if res.Triggered {
		res.Narrative = BuildDraft(def, signals)
	}
	return res, nil
}

// BuildDraft substitutes the rule's narrative template with variables from signals.
func BuildDraft(def *Definition, signals []signal.Signal) *Draft {
	vars := BuildVars(def, signals)

	title := def.Then.Name
	if title == "" {
		title = DefaultTitle
	}
	actions := make([]string, len(def.Then.Actions))
	copy(actions, def.Then.Actions)

	return &Draft{
		Title:    title,
		Summary:  Substitute(def.Then.NarrativeTemplate, vars),
		Actions:  actions,
		Evidence: vars.Map(),
		Severity: def.Severity(),
	}
}
