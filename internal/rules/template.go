package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/nour/internal/signal"
)

// Vars is an insertion-ordered variable bag for template substitution.
// Setting an existing key replaces its value but keeps its position.
type Vars struct {
	keys   []string
	values map[string]any
}

// NewVars returns an empty bag.
func NewVars() *Vars {
	return &Vars{values: make(map[string]any)}
}

func (v *Vars) Set(key string, value any) {
	if _, ok := v.values[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.values[key] = value
}

func (v *Vars) Get(key string) (any, bool) {
	val, ok := v.values[key]
	return val, ok
}

// Keys returns variable names in insertion order.
func (v *Vars) Keys() []string {
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Map returns a copy of the bag as a plain map.
func (v *Vars) Map() map[string]any {
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// BuildVars collects template variables from every signal, in order:
// {kind}_data holds the whole payload and {kind}_{field} each field. Later
// signals of a kind overwrite earlier ones. rule_name and severity come from
// the definition.
func BuildVars(def *Definition, signals []signal.Signal) *Vars {
	vars := NewVars()
	for _, s := range signals {
		vars.Set(string(s.Kind)+"_data", map[string]any(s.Payload))

		fields := make([]string, 0, len(s.Payload))
		for f := range s.Payload {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			vars.Set(string(s.Kind)+"_"+f, s.Payload[f])
		}
	}

	name, severity := "Unknown Rule", DefaultSeverity
	if def != nil {
		name, severity = def.Name, def.Severity()
	}
	vars.Set("rule_name", name)
	vars.Set("severity", severity)
	return vars
}

// Substitute replaces every {name} placeholder of a known variable with the
// variable's string form. Unknown placeholders are left as they are.
func Substitute(template string, vars *Vars) string {
	out := template
	for _, k := range vars.keys {
		placeholder := "{" + k + "}"
		if !strings.Contains(out, placeholder) {
			continue
		}
		out = strings.ReplaceAll(out, placeholder, FormatValue(vars.values[k]))
	}
	return out
}

// FormatValue renders a variable for substitution: numbers in their shortest
// decimal form, strings verbatim, collections as JSON.
func FormatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
