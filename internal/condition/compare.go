package condition

import (
	"reflect"
	"strings"

	"github.com/TobiSchelling/nour/internal/signal"
)

// compare orders two numbers or two strings. Any other pairing is incomparable.
func compare(a, b any) (int, bool) {
	if x, ok := signal.ToFloat(a); ok {
		y, ok := signal.ToFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	x, ok := a.(string)
	if !ok {
		return 0, false
	}
	y, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(x, y), true
}

func equal(a, b any) bool {
	if x, ok := signal.ToFloat(a); ok {
		y, ok := signal.ToFloat(b)
		return ok && x == y
	}
	return reflect.DeepEqual(a, b)
}

// contains reports whether value is a member of collection. A string
// collection matches substrings; a map matches keys.
func contains(collection, value any) bool {
	if s, ok := collection.(string); ok {
		sub, ok := value.(string)
		return ok && strings.Contains(s, sub)
	}
	rv := reflect.ValueOf(collection)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), value) {
				return true
			}
		}
	case reflect.Map:
		for _, k := range rv.MapKeys() {
			if equal(k.Interface(), value) {
				return true
			}
		}
	}
	return false
}

// count is the length of a sequence value, or 1 for anything else.
func count(value any) int {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Len()
	}
	return 1
}
