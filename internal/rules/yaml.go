package rules

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Document is one authored rule together with its storage attributes.
//
//	name: Late invoices piling up
//	category: finance
//	priority: 3
//	when:
//	  signal: late_invoice_risk
//	  where:
//	    late_percentage: {gte: 0.2}
//	then:
//	  name: Collections risk
//	  narrative_template: "{late_invoice_risk_late_invoices} invoices are late"
//	  actions: [Call the top accounts]
//	  severity: high
type Document struct {
	Definition *Definition
	Category   string
	Priority   int
	Enabled    bool
}

// Rule builds an unsaved rule for orgID.
func (d Document) Rule(orgID int64) *Rule {
	return &Rule{
		OrgID:      orgID,
		Name:       d.Definition.Name,
		Category:   d.Category,
		Priority:   d.Priority,
		Enabled:    d.Enabled,
		Definition: d.Definition,
	}
}

// ParseYAML reads a stream of YAML documents, one rule per document.
// Empty documents are skipped. Any decode or validation failure is reported
// as ErrInvalidRuleDefinition with the cause attached.
func ParseYAML(r io.Reader) ([]Document, error) {
	dec := yaml.NewDecoder(r)
	var docs []Document
	for i := 0; ; i++ {
		var raw any
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, withCause(err, fmt.Sprintf("yaml document %d", i+1))
		}
		if raw == nil {
			continue
		}

		doc, err := documentFrom(raw)
		if err != nil {
			return nil, fmt.Errorf("rules: yaml document %d: %w", i+1, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func documentFrom(raw any) (Document, error) {
	def, err := ParseDefinition(raw)
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		Definition: def,
		Category:   DefaultCategory,
		Priority:   DefaultPriority,
		Enabled:    true,
	}
	if c, ok := def.Raw["category"].(string); ok && c != "" {
		doc.Category = c
	}
	switch p := def.Raw["priority"].(type) {
	case nil:
	case int:
		doc.Priority = p
	default:
		return Document{}, invalid("priority must be an integer, got %T", p)
	}
	switch e := def.Raw["enabled"].(type) {
	case nil:
	case bool:
		doc.Enabled = e
	default:
		return Document{}, invalid("enabled must be a boolean, got %T", e)
	}
	return doc, nil
}
