// Package rules holds declarative alert rules: their definitions, YAML
// authoring format, and the engine that evaluates them against signals.
package rules

import (
	"fmt"
	"time"

	"github.com/TobiSchelling/nour/internal/condition"
	"github.com/rotisserie/eris"
)

// ErrInvalidRuleDefinition is returned when a rule document is missing a
// required clause or cannot be parsed.
var ErrInvalidRuleDefinition = eris.New("invalid rule definition")

// Categories lists the rule categories offered to authors.
var Categories = []string{"sales", "finance", "support", "operations", "marketing", "general"}

// Defaults applied to rules that do not set them.
const (
	DefaultCategory = "general"
	DefaultPriority = 1
	DefaultSeverity = "medium"
	DefaultTitle    = "Rule Triggered"
)

// Rule is a stored alert definition belonging to one organization.
type Rule struct {
	ID         int64
	OrgID      int64
	Name       string
	Category   string
	Priority   int
	Enabled    bool
	Definition *Definition
	CreatedAt  time.Time
}

// Definition is a validated rule document.
type Definition struct {
	Name string
	When condition.Condition
	Then Then
	// Raw is the normalized source document, kept for storage and display.
	Raw map[string]any
}

// Then is the narrative bundle produced when a rule triggers.
type Then struct {
	Name              string
	NarrativeTemplate string
	Actions           []string
	Severity          string
}

// Severity returns the rule's severity, defaulting to medium.
func (d *Definition) Severity() string {
	if d.Then.Severity != "" {
		return d.Then.Severity
	}
	if s, ok := d.Raw["severity"].(string); ok && s != "" {
		return s
	}
	return DefaultSeverity
}

// ValidateDefinition checks the structural requirements of a rule document:
// name, when and then present; when a mapping (possibly empty); then a
// mapping containing narrative_template.
func ValidateDefinition(doc map[string]any) error {
	for _, field := range []string{"name", "when", "then"} {
		if _, ok := doc[field]; !ok {
			return invalid("missing %q", field)
		}
	}
	if doc["when"] != nil {
		if _, ok := doc["when"].(map[string]any); !ok {
			return invalid("when must be a mapping, got %T", doc["when"])
		}
	}
	then, ok := doc["then"].(map[string]any)
	if !ok {
		return invalid("then must be a mapping, got %T", doc["then"])
	}
	if _, ok := then["narrative_template"]; !ok {
		return invalid("then is missing %q", "narrative_template")
	}
	return nil
}

// ParseDefinition validates a decoded rule document and parses its condition.
func ParseDefinition(raw any) (*Definition, error) {
	doc, ok := normalize(raw).(map[string]any)
	if !ok {
		return nil, invalid("expected a mapping, got %T", raw)
	}
	if err := ValidateDefinition(doc); err != nil {
		return nil, err
	}

	when, err := condition.Parse(doc["when"])
	if err != nil {
		return nil, withCause(err, "when clause")
	}

	then := doc["then"].(map[string]any)
	def := &Definition{
		Name: stringField(doc, "name"),
		When: when,
		Then: Then{
			Name:              stringField(then, "name"),
			NarrativeTemplate: stringField(then, "narrative_template"),
			Severity:          stringField(then, "severity"),
		},
		Raw: doc,
	}
	if def.Name == "" {
		return nil, invalid("name must be a non-empty string")
	}

	switch actions := then["actions"].(type) {
	case nil:
	case []any:
		for i, a := range actions {
			s, ok := a.(string)
			if !ok {
				return nil, invalid("then.actions[%d] must be a string, got %T", i, a)
			}
			def.Then.Actions = append(def.Then.Actions, s)
		}
	default:
		return nil, invalid("then.actions must be a list, got %T", actions)
	}

	return def, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// normalize converts interface-keyed maps into string-keyed maps so the
// document can be stored as JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}

// withCause reports ErrInvalidRuleDefinition while keeping cause matchable.
// eris matches a wrap layer whose message equals the target's.
func withCause(cause error, what string) error {
	return eris.Wrapf(eris.Wrap(cause, ErrInvalidRuleDefinition.Error()), "rules: %s", what)
}

func invalid(format string, args ...any) error {
	return eris.Wrapf(ErrInvalidRuleDefinition, "rules: "+format, args...)
}
