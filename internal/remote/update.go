package remote

import (
	"encoding/base64"
	"math"
	"reflect"
	"time"
)

// Transform is a field update evaluated against the stored value inside the
// backend's write, so concurrent writers do not overwrite each other.
type Transform interface {
	// Apply returns the new field value; keep=false removes the field.
	Apply(cur any, exists bool) (v any, keep bool)
}

// Increment adds By to a numeric field (missing counts as zero).
type Increment struct{ By float64 }

// Apply implements Transform.
func (t Increment) Apply(cur any, _ bool) (any, bool) {
	n, _ := ToFloat(cur)
	return n + t.By, true
}

// ArrayUnion appends values not already present.
type ArrayUnion struct{ Values []any }

// Apply implements Transform.
func (t ArrayUnion) Apply(cur any, _ bool) (any, bool) {
	out := cloneArray(cur)
	for _, v := range t.Values {
		if indexOf(out, v) < 0 {
			out = append(out, v)
		}
	}
	return out, true
}

// ArrayRemove drops every occurrence of values.
type ArrayRemove struct{ Values []any }

// Apply implements Transform.
func (t ArrayRemove) Apply(cur any, _ bool) (any, bool) {
	in := cloneArray(cur)
	out := in[:0]
	for _, v := range in {
		if indexOf(t.Values, v) < 0 {
			out = append(out, v)
		}
	}
	return out, true
}

// Delete removes the field.
type Delete struct{}

// Apply implements Transform.
func (Delete) Apply(any, bool) (any, bool) { return nil, false }

// Inc is shorthand for Increment{By: n}.
func Inc(n int) Increment { return Increment{By: float64(n)} }

// Union is shorthand for an ArrayUnion of strings.
func Union(vals ...string) ArrayUnion { return ArrayUnion{Values: strAny(vals)} }

// Remove is shorthand for an ArrayRemove of strings.
func Remove(vals ...string) ArrayRemove { return ArrayRemove{Values: strAny(vals)} }

// ApplyUpdate returns a copy of fields with update merged in. Plain values
// replace, transforms are evaluated against the current value.
func ApplyUpdate(fields, update map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+len(update))
	for k, v := range fields {
		out[k] = v
	}
	for k, v := range update {
		if t, ok := v.(Transform); ok {
			cur, exists := out[k]
			nv, keep := t.Apply(cur, exists)
			if !keep {
				delete(out, k)
				continue
			}
			out[k] = Normalize(nv)
			continue
		}
		out[k] = Normalize(v)
	}
	return out
}

// HasTransforms reports whether update carries any Transform value.
func HasTransforms(update map[string]any) bool {
	for _, v := range update {
		if _, ok := v.(Transform); ok {
			return true
		}
	}
	return false
}

// NormalizeFields applies Normalize to every value of a plain field map.
func NormalizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if t, ok := v.(Transform); ok {
			out[k] = t
			continue
		}
		out[k] = Normalize(v)
	}
	return out
}

// Normalize converts v to the JSON-like subset every backend round-trips
// unchanged: numbers become float64, typed slices []any, times RFC 3339 strings.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, string, float64:
		return x
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case []string:
		return strAny(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = Normalize(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	default:
		return x
	}
}

// ToFloat reads a numeric value of any width.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// ToInt reads a numeric value rounded to the nearest int.
func ToInt(v any) int {
	f, _ := ToFloat(v)
	return int(math.Round(f))
}

func cloneArray(v any) []any {
	switch x := v.(type) {
	case []any:
		return append([]any(nil), x...)
	case []string:
		return strAny(x)
	default:
		return []any{}
	}
}

func indexOf(arr []any, v any) int {
	nv := Normalize(v)
	for i := range arr {
		if reflect.DeepEqual(Normalize(arr[i]), nv) {
			return i
		}
	}
	return -1
}

func strAny(vals []string) []any {
	out := make([]any, len(vals))
	for i, s := range vals {
		out[i] = s
	}
	return out
}
