package condition

import (
	"fmt"
	"sort"

	"github.com/TobiSchelling/nour/internal/signal"
	"github.com/rotisserie/eris"
)

// ErrMalformed is returned when a condition document has an invalid shape.
var ErrMalformed = eris.New("malformed condition")

// Parse converts a decoded condition document (YAML or JSON) into a Condition.
// A nil or empty document parses to an empty All, which always holds.
func Parse(doc any) (Condition, error) {
	return parseNode(doc, "when")
}

func parseNode(doc any, path string) (Condition, error) {
	if doc == nil {
		return All{}, nil
	}
	m, ok := asMap(doc)
	if !ok {
		return nil, malformed(path, "expected a mapping, got %T", doc)
	}
	if len(m) == 0 {
		return All{}, nil
	}

	_, hasAll := m["all"]
	_, hasAny := m["any"]
	_, hasSignal := m["signal"]
	shapes := 0
	for _, has := range []bool{hasAll, hasAny, hasSignal} {
		if has {
			shapes++
		}
	}
	if shapes > 1 {
		return nil, malformed(path, "all, any and signal are mutually exclusive")
	}

	switch {
	case hasAll:
		if err := onlyKeys(m, path, "all"); err != nil {
			return nil, err
		}
		children, err := parseList(m["all"], path+".all")
		if err != nil {
			return nil, err
		}
		return All(children), nil
	case hasAny:
		if err := onlyKeys(m, path, "any"); err != nil {
			return nil, err
		}
		children, err := parseList(m["any"], path+".any")
		if err != nil {
			return nil, err
		}
		return Any(children), nil
	case hasSignal:
		if err := onlyKeys(m, path, "signal", "where"); err != nil {
			return nil, err
		}
		return parseLeaf(m, path)
	}
	return nil, malformed(path, "unknown condition shape %v", sortedKeys(m))
}

func parseList(doc any, path string) ([]Condition, error) {
	if doc == nil {
		return nil, nil
	}
	items, ok := doc.([]any)
	if !ok {
		return nil, malformed(path, "expected a list, got %T", doc)
	}
	out := make([]Condition, 0, len(items))
	for i, item := range items {
		c, err := parseNode(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseLeaf(m map[string]any, path string) (Condition, error) {
	kind, ok := m["signal"].(string)
	if !ok || kind == "" {
		return nil, malformed(path+".signal", "expected a signal kind")
	}
	leaf := Leaf{Kind: signal.Kind(kind)}

	raw, present := m["where"]
	if !present || raw == nil {
		return leaf, nil
	}
	where, ok := asMap(raw)
	if !ok {
		return nil, malformed(path+".where", "expected a mapping, got %T", raw)
	}
	for _, field := range sortedKeys(where) {
		criteria, err := parseCriteria(where[field], path+".where."+field)
		if err != nil {
			return nil, err
		}
		leaf.Where = append(leaf.Where, FieldCheck{Field: field, Criteria: criteria})
	}
	return leaf, nil
}

func parseCriteria(doc any, path string) (Criteria, error) {
	m, ok := asMap(doc)
	if !ok {
		return nil, malformed(path, "expected operator mapping, got %T", doc)
	}
	out := make(Criteria, 0, len(m))
	for _, op := range sortedKeys(m) {
		if op != "count" {
			out = append(out, Criterion{Op: op, Value: m[op]})
			continue
		}
		nested, err := parseCriteria(m[op], path+".count")
		if err != nil {
			return nil, err
		}
		out = append(out, Criterion{Op: op, Nested: nested})
	}
	return out, nil
}

// asMap accepts both string-keyed maps and the interface-keyed maps some
// decoders produce.
func asMap(doc any) (map[string]any, bool) {
	switch m := doc.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	}
	return nil, false
}

func onlyKeys(m map[string]any, path string, allowed ...string) error {
	for k := range m {
		ok := false
		for _, a := range allowed {
			if k == a {
				ok = true
				break
			}
		}
		if !ok {
			return malformed(path, "unexpected key %q", k)
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func malformed(path, format string, args ...any) error {
	return eris.Wrapf(ErrMalformed, "%s: %s", path, fmt.Sprintf(format, args...))
}
