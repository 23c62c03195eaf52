package store

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"sophiasocial/pkg/record"
)

// Update operators understood by every backend.
const (
	OpSet      = "$set"
	OpUnset    = "$unset"
	OpInc      = "$inc"
	OpPush     = "$push"
	OpAddToSet = "$addToSet"
	OpPull     = "$pull"
)

// Apply order for operator patches.
var operatorOrder = []string{OpSet, OpUnset, OpInc, OpPush, OpAddToSet, OpPull}

// Patch is an update document. Plain field keys are merged into the record;
// keys starting with "$" are operators mapping field names to arguments.
type Patch map[string]any

// Set builds a shallow-merge patch.
func Set(fields map[string]any) Patch {
	return Patch{OpSet: fields}
}

// AddToSet adds value to an array field unless already present.
func AddToSet(field string, value any) Patch {
	return Patch{OpAddToSet: map[string]any{field: value}}
}

// Pull removes every occurrence of value from an array field.
func Pull(field string, value any) Patch {
	return Patch{OpPull: map[string]any{field: value}}
}

// Push appends value to an array field.
func Push(field string, value any) Patch {
	return Patch{OpPush: map[string]any{field: value}}
}

// Merge combines operator patches; later patches win on the same field.
func Merge(patches ...Patch) Patch {
	out := Patch{}
	for _, p := range patches {
		for op, raw := range p {
			args, ok := raw.(map[string]any)
			if !ok {
				out[op] = raw
				continue
			}
			dst, _ := out[op].(map[string]any)
			if dst == nil {
				dst = map[string]any{}
			}
			for k, v := range args {
				dst[k] = v
			}
			out[op] = dst
		}
	}
	return out
}

// IsOperator reports whether any key uses the operator sigil.
func (p Patch) IsOperator() bool {
	for k := range p {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// Fields returns the field names the patch touches, sorted.
func (p Patch) Fields() []string {
	seen := map[string]struct{}{}
	if !p.IsOperator() {
		for k := range p {
			seen[k] = struct{}{}
		}
	} else {
		for _, raw := range p {
			if args, ok := raw.(map[string]any); ok {
				for k := range args {
					seen[k] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Operators validates p against the record id and returns its operator form.
// Plain patches become a single $set. A $set of the id to its current value
// is dropped; any other write to the id fails with ErrImmutableID.
func (p Patch) Operators(id string) (map[string]map[string]any, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty patch", ErrInvalidPatch)
	}
	ops := map[string]map[string]any{}
	if !p.IsOperator() {
		set := make(map[string]any, len(p))
		for k, v := range p {
			set[k] = record.Normalize(v)
		}
		ops[OpSet] = set
	} else {
		for op, raw := range p {
			if !strings.HasPrefix(op, "$") {
				return nil, fmt.Errorf("%w: field %q mixed with operators", ErrInvalidPatch, op)
			}
			if !supportedOperator(op) {
				return nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidPatch, op)
			}
			args, ok := record.Normalize(raw).(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s expects an object", ErrInvalidPatch, op)
			}
			ops[op] = args
		}
	}

	touched := map[string]string{}
	for _, op := range operatorOrder {
		args := ops[op]
		for field, v := range args {
			// Dotted paths would address nested elements on the document
			// backend and be stored as literal keys elsewhere.
			if field == "" || strings.HasPrefix(field, "$") || strings.Contains(field, ".") {
				return nil, fmt.Errorf("%w: invalid field name %q", ErrInvalidPatch, field)
			}
			if field == record.IDField || field == "_id" {
				if op == OpSet && record.SameValue(v, id) {
					delete(args, field)
					continue
				}
				return nil, ErrImmutableID
			}
			if prev, dup := touched[field]; dup {
				return nil, fmt.Errorf("%w: %q updated by both %s and %s", ErrInvalidPatch, field, prev, op)
			}
			touched[field] = op
		}
		if args != nil && len(args) == 0 {
			delete(ops, op)
		}
	}
	return ops, nil
}

// Apply mutates fields according to p.
func (p Patch) Apply(id string, fields map[string]any) error {
	ops, err := p.Operators(id)
	if err != nil {
		return err
	}
	return applyOperators(ops, fields)
}

func applyOperators(ops map[string]map[string]any, fields map[string]any) error {
	for _, op := range operatorOrder {
		for field, arg := range ops[op] {
			if err := applyOne(op, field, arg, fields); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyOne(op, field string, arg any, fields map[string]any) error {
	switch op {
	case OpSet:
		fields[field] = record.Normalize(arg)
	case OpUnset:
		delete(fields, field)
	case OpInc:
		delta, ok := arg.(float64)
		if !ok || math.IsNaN(delta) {
			return fmt.Errorf("%w: $inc on %q expects a number", ErrInvalidPatch, field)
		}
		cur, exists := fields[field]
		if !exists || cur == nil {
			fields[field] = delta
			return nil
		}
		n, ok := cur.(float64)
		if !ok {
			return fmt.Errorf("%w: $inc on non-numeric field %q", ErrInvalidPatch, field)
		}
		fields[field] = n + delta
	case OpPush, OpAddToSet:
		list, err := arrayField(fields, field)
		if err != nil {
			return err
		}
		values, err := eachValues(arg)
		if err != nil {
			return err
		}
		for _, v := range values {
			if op == OpAddToSet && record.Contains(list, v) {
				continue
			}
			list = append(list, v)
		}
		fields[field] = list
	case OpPull:
		cur, exists := fields[field]
		if !exists || cur == nil {
			return nil
		}
		list, ok := cur.([]any)
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotArray, field)
		}
		remove := pullValues(arg)
		kept := make([]any, 0, len(list))
		for _, item := range list {
			if record.Contains(remove, item) {
				continue
			}
			kept = append(kept, item)
		}
		fields[field] = kept
	}
	return nil
}

func arrayField(fields map[string]any, field string) ([]any, error) {
	cur, exists := fields[field]
	if !exists || cur == nil {
		return []any{}, nil
	}
	list, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotArray, field)
	}
	return append([]any(nil), list...), nil
}

// eachValues unwraps {"$each": [...]} into its values.
func eachValues(arg any) ([]any, error) {
	if m, ok := arg.(map[string]any); ok {
		if each, ok := m["$each"]; ok {
			list, ok := each.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: $each expects an array", ErrInvalidPatch)
			}
			return list, nil
		}
	}
	return []any{arg}, nil
}

// pullValues unwraps {"$in": [...]} into its values.
func pullValues(arg any) []any {
	if m, ok := arg.(map[string]any); ok {
		if in, ok := m["$in"].([]any); ok {
			return in
		}
	}
	return []any{arg}
}

func supportedOperator(op string) bool {
	for _, known := range operatorOrder {
		if op == known {
			return true
		}
	}
	return false
}
