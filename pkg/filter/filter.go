// Package filter evaluates schema-less predicate maps against records.
//
// A record matches when every predicate entry is satisfied. For an entry
// (key, value), checked in order:
//
//  1. an empty value (nil, "", false, 0, empty array) places no constraint;
//  2. an array field and an array value must share an element;
//  3. the "ids" key with an array value matches on the record identifier;
//  4. an array field must contain a scalar value;
//  5. otherwise the field must loosely equal the value, or its string form
//     must contain the value's string form (case-sensitive).
//
// A missing or null field never satisfies a non-empty value.
package filter

import (
	"errors"
	"net/url"
	"strings"

	"sophiasocial/pkg/record"
)

// IDsKey selects records by identifier.
const IDsKey = "ids"

// ErrNoMatch reports a filter that ran over readable data and matched nothing.
var ErrNoMatch = errors.New("no records matched the filter")

// Predicates maps a field name to a scalar or array constraint.
type Predicates map[string]any

// Empty reports whether p constrains nothing.
func (p Predicates) Empty() bool {
	for _, v := range p {
		if !record.IsEmpty(v) {
			return false
		}
	}
	return true
}

// Matches reports whether rec satisfies every entry of p.
func Matches(rec record.Record, p Predicates) bool {
	for key, value := range p {
		if !satisfied(rec, key, record.Normalize(value)) {
			return false
		}
	}
	return true
}

// Filter returns the records matching p, preserving input order.
// ErrNoMatch is returned with an empty slice when nothing matched.
func Filter(records []record.Record, p Predicates) ([]record.Record, error) {
	out := make([]record.Record, 0, len(records))
	for _, rec := range records {
		if Matches(rec, p) {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return out, ErrNoMatch
	}
	return out, nil
}

func satisfied(rec record.Record, key string, value any) bool {
	if record.IsEmpty(value) {
		return true
	}
	valueList, valueIsList := value.([]any)
	field, present := rec.Get(key)
	fieldList, fieldIsList := field.([]any)

	if present && fieldIsList && valueIsList {
		return record.Intersects(fieldList, valueList)
	}
	if key == IDsKey && valueIsList {
		return record.Contains(valueList, rec.ID)
	}
	if !present || field == nil {
		return false
	}
	if fieldIsList {
		return record.Contains(fieldList, value)
	}
	return record.LooseEqual(field, value) ||
		strings.Contains(record.Stringify(field), record.Stringify(value))
}

// FromQuery turns URL query parameters into predicates. Repeated keys become
// arrays and the ids key is split on commas; every other value stays a string.
func FromQuery(values url.Values) Predicates {
	p := make(Predicates, len(values))
	for key, vals := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if key == IDsKey {
			p[key] = splitIDs(vals)
			continue
		}
		switch len(vals) {
		case 0:
		case 1:
			p[key] = vals[0]
		default:
			list := make([]any, 0, len(vals))
			for _, v := range vals {
				list = append(list, v)
			}
			p[key] = list
		}
	}
	return p
}

// FromBody normalizes a decoded JSON/form body into predicates. A string ids
// value is split on commas.
func FromBody(body map[string]any) Predicates {
	p := make(Predicates, len(body))
	for key, v := range body {
		if key == IDsKey {
			if s, ok := v.(string); ok {
				p[key] = splitIDs([]string{s})
				continue
			}
		}
		p[key] = record.Normalize(v)
	}
	return p
}

func splitIDs(vals []string) []any {
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
