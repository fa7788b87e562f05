// Package condition parses and evaluates the boolean condition trees used in
// rule definitions.
//
// A condition document has one of three shapes:
//
//	{all: [cond, ...]}
//	{any: [cond, ...]}
//	{signal: kind, where: {field: {op: value, ...}, ...}}
//
// Parse converts a document into a Condition once; Evaluate is pure and never fails.
package condition

import (
	"github.com/TobiSchelling/nour/internal/signal"
)

// Condition is one node of a condition tree: All, Any or Leaf.
type Condition interface {
	isCondition()
}

// All holds when every child holds. An empty All holds.
type All []Condition

// Any holds when at least one child holds. An empty Any does not hold.
type Any []Condition

// Leaf holds when a signal of Kind exists and, if Where is set, at least one
// such signal satisfies every field check.
type Leaf struct {
	Kind  signal.Kind
	Where []FieldCheck
}

// FieldCheck constrains one payload field.
type FieldCheck struct {
	Field    string
	Criteria Criteria
}

// Criteria is a conjunction of operator checks.
type Criteria []Criterion

// Criterion is one operator and its operand. Count criteria carry Nested
// instead of Value.
type Criterion struct {
	Op     string
	Value  any
	Nested Criteria
}

func (All) isCondition()  {}
func (Any) isCondition()  {}
func (Leaf) isCondition() {}

// Evaluate reports whether c holds for signals. A nil condition holds.
func Evaluate(c Condition, signals []signal.Signal) bool {
	switch n := c.(type) {
	case nil:
		return true
	case All:
		for _, child := range n {
			if !Evaluate(child, signals) {
				return false
			}
		}
		return true
	case Any:
		for _, child := range n {
			if Evaluate(child, signals) {
				return true
			}
		}
		return false
	case Leaf:
		return evaluateLeaf(n, signals)
	case *Leaf:
		return n != nil && evaluateLeaf(*n, signals)
	}
	return false
}

func evaluateLeaf(leaf Leaf, signals []signal.Signal) bool {
	if leaf.Kind == "" {
		return false
	}
	for _, s := range signals {
		if s.Kind != leaf.Kind {
			continue
		}
		if len(leaf.Where) == 0 || satisfiesAll(s.Payload, leaf.Where) {
			return true
		}
	}
	return false
}

func satisfiesAll(payload signal.Payload, checks []FieldCheck) bool {
	for _, fc := range checks {
		// A null field is treated as missing.
		value, ok := payload[fc.Field]
		if !ok || value == nil {
			return false
		}
		if !fc.Criteria.Match(value) {
			return false
		}
	}
	return true
}

// Match reports whether value satisfies every criterion.
func (cs Criteria) Match(value any) bool {
	for _, c := range cs {
		if !c.match(value) {
			return false
		}
	}
	return true
}

func (c Criterion) match(value any) bool {
	switch c.Op {
	case "gte":
		cmp, ok := compare(value, c.Value)
		return ok && cmp >= 0
	case "lte":
		cmp, ok := compare(value, c.Value)
		return ok && cmp <= 0
	case "gt":
		cmp, ok := compare(value, c.Value)
		return ok && cmp > 0
	case "lt":
		cmp, ok := compare(value, c.Value)
		return ok && cmp < 0
	case "eq":
		return equal(value, c.Value)
	case "ne":
		return !equal(value, c.Value)
	case "in":
		return contains(c.Value, value)
	case "count":
		return c.Nested.Match(count(value))
	default:
		// Unknown operators are satisfied.
		return true
	}
}
