package record

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Normalize converts Go values to the shapes encoding/json produces when
// decoding into any: nil, bool, float64, string, []any and map[string]any.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, float64, string:
		return val
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Normalize(iter.Value().Interface())
		}
		return out
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}
	return v
}

// AsSlice reports whether v is an array and returns it normalized.
func AsSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	list, ok := Normalize(v).([]any)
	return list, ok
}

// IsEmpty reports whether v places no constraint in a predicate: nil, "",
// false, 0, NaN or an empty array.
func IsEmpty(v any) bool {
	switch val := Normalize(v).(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case float64:
		return val == 0 || math.IsNaN(val)
	case []any:
		return len(val) == 0
	}
	return false
}

// SameValue is strict equality over normalized JSON values. Arrays and
// objects compare structurally.
func SameValue(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

// Contains reports whether list holds an element SameValue to v.
func Contains(list []any, v any) bool {
	for _, item := range list {
		if SameValue(item, v) {
			return true
		}
	}
	return false
}

// Intersects reports whether a and b share at least one element.
func Intersects(a, b []any) bool {
	for _, item := range a {
		if Contains(b, item) {
			return true
		}
	}
	return false
}

// LooseEqual compares scalars with type coercion: numbers and numeric
// strings compare by value and booleans compare as 0/1. Arrays and objects
// are compared through their string form against scalars and never equal
// each other.
func LooseEqual(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	_, aComposite := a.([]any)
	_, aObject := a.(map[string]any)
	_, bComposite := b.([]any)
	_, bObject := b.(map[string]any)
	if (aComposite || aObject) && (bComposite || bObject) {
		return false
	}
	if aComposite || aObject {
		return LooseEqual(Stringify(a), b)
	}
	if bComposite || bObject {
		return LooseEqual(a, Stringify(b))
	}

	switch av := a.(type) {
	case string:
		switch bv := b.(type) {
		case string:
			return av == bv
		case float64:
			n, ok := toNumber(av)
			return ok && n == bv
		case bool:
			return LooseEqual(av, boolNumber(bv))
		}
	case float64:
		switch bv := b.(type) {
		case float64:
			return av == bv
		case string:
			n, ok := toNumber(bv)
			return ok && av == n
		case bool:
			return av == boolNumber(bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return av == bv
		}
		return LooseEqual(boolNumber(av), b)
	}
	return false
}

// Stringify renders a value the way it reads in a text search: numbers in
// shortest form, arrays comma-joined, objects as compact JSON.
func Stringify(v any) string {
	switch val := Normalize(v).(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatNumber(val)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			if item == nil {
				continue
			}
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs >= 1e21 || abs < 1e-6) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) {
		return 0, false
	}
	return n, true
}

func boolNumber(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
