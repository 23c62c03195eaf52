package record

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// IDField is the key carrying the identifier in the JSON form of a record.
const IDField = "id"

// Record is a schema-less JSON document with a stable identifier.
// Fields never contains IDField; the identifier lives in ID.
type Record struct {
	ID     string
	Fields map[string]any
}

// New builds a record from an id and a field map. Values are normalized to
// their JSON shapes and an "id" key inside fields is dropped.
func New(id string, fields map[string]any) Record {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == IDField {
			continue
		}
		out[k] = Normalize(v)
	}
	return Record{ID: id, Fields: out}
}

// FromMap splits a decoded JSON object into a record.
func FromMap(m map[string]any) Record {
	return New(idString(m[IDField]), m)
}

// Map returns the flat JSON object form, id included.
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[IDField] = r.ID
	return out
}

// Get returns a field value. The "id" key resolves to the record identifier.
func (r Record) Get(key string) (any, bool) {
	if key == IDField {
		return r.ID, r.ID != ""
	}
	v, ok := r.Fields[key]
	return v, ok
}

// Strings returns a string-array field; non-string elements are skipped.
func (r Record) Strings(key string) []string {
	list, ok := AsSlice(r.Fields[key])
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out[k] = cloneValue(v)
	}
	return Record{ID: r.ID, Fields: out}
}

// Without returns a copy with the named fields removed.
func (r Record) Without(keys ...string) Record {
	out := r.Clone()
	for _, k := range keys {
		delete(out.Fields, k)
	}
	return out
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Map())
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("record: expected JSON object")
	}
	*r = FromMap(m)
	return nil
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
