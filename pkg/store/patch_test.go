package store

import (
	"errors"
	"reflect"
	"testing"
)

func TestPatchIsOperator(t *testing.T) {
	if (Patch{"name": "Ana"}).IsOperator() {
		t.Fatalf("plain patch reported as operator")
	}
	if !AddToSet("members", "u1").IsOperator() {
		t.Fatalf("operator patch not detected")
	}
}

func TestPatchApply(t *testing.T) {
	tests := []struct {
		name   string
		before map[string]any
		patch  Patch
		want   map[string]any
	}{
		{
			name:   "plain patch merges",
			before: map[string]any{"name": "Ana", "city": "Madrid"},
			patch:  Patch{"city": "Sevilla", "age": 30},
			want:   map[string]any{"name": "Ana", "city": "Sevilla", "age": 30.0},
		},
		{
			name:   "add to set skips duplicates",
			before: map[string]any{"members": []any{"u1"}},
			patch:  AddToSet("members", "u1"),
			want:   map[string]any{"members": []any{"u1"}},
		},
		{
			name:   "add to set creates missing array",
			before: map[string]any{},
			patch:  AddToSet("clubs", "c1"),
			want:   map[string]any{"clubs": []any{"c1"}},
		},
		{
			name:   "add to set each",
			before: map[string]any{"tags": []any{"a"}},
			patch:  Patch{OpAddToSet: map[string]any{"tags": map[string]any{"$each": []any{"a", "b"}}}},
			want:   map[string]any{"tags": []any{"a", "b"}},
		},
		{
			name:   "push allows duplicates",
			before: map[string]any{"log": []any{"x"}},
			patch:  Push("log", "x"),
			want:   map[string]any{"log": []any{"x", "x"}},
		},
		{
			name:   "pull removes every occurrence",
			before: map[string]any{"clubs": []any{"c1", "c2", "c1"}},
			patch:  Pull("clubs", "c1"),
			want:   map[string]any{"clubs": []any{"c2"}},
		},
		{
			name:   "pull in",
			before: map[string]any{"clubs": []any{"c1", "c2", "c3"}},
			patch:  Patch{OpPull: map[string]any{"clubs": map[string]any{"$in": []any{"c1", "c3"}}}},
			want:   map[string]any{"clubs": []any{"c2"}},
		},
		{
			name:   "pull on missing field is a no-op",
			before: map[string]any{},
			patch:  Pull("clubs", "c1"),
			want:   map[string]any{},
		},
		{
			name:   "unset and inc",
			before: map[string]any{"draft": true, "votes": 2.0},
			patch:  Patch{OpUnset: map[string]any{"draft": ""}, OpInc: map[string]any{"votes": 1}},
			want:   map[string]any{"votes": 3.0},
		},
		{
			name:   "set of unchanged id is dropped",
			before: map[string]any{"title": "Dune"},
			patch:  Patch{"id": "b1", "title": "Dune Messiah"},
			want:   map[string]any{"title": "Dune Messiah"},
		},
		{
			name:   "merge combines operators",
			before: map[string]any{"members": []any{"u1", "u2"}, "admins": []any{"u2"}},
			patch:  Merge(Pull("members", "u2"), Pull("admins", "u2")),
			want:   map[string]any{"members": []any{"u1"}, "admins": []any{}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fields := tc.before
			if err := tc.patch.Apply("b1", fields); err != nil {
				t.Fatalf("apply: %v", err)
			}
			if !reflect.DeepEqual(fields, tc.want) {
				t.Fatalf("fields = %#v, want %#v", fields, tc.want)
			}
		})
	}
}

func TestPatchApplyErrors(t *testing.T) {
	tests := []struct {
		name    string
		before  map[string]any
		patch   Patch
		wantErr error
	}{
		{name: "empty", before: map[string]any{}, patch: Patch{}, wantErr: ErrInvalidPatch},
		{name: "mixed keys", before: map[string]any{}, patch: Patch{"$set": map[string]any{"a": 1}, "b": 2}, wantErr: ErrInvalidPatch},
		{name: "unknown operator", before: map[string]any{}, patch: Patch{"$rename": map[string]any{"a": "b"}}, wantErr: ErrInvalidPatch},
		{name: "operator arg not object", before: map[string]any{}, patch: Patch{"$set": "x"}, wantErr: ErrInvalidPatch},
		{name: "change id", before: map[string]any{}, patch: Patch{"id": "other"}, wantErr: ErrImmutableID},
		{name: "pull id", before: map[string]any{}, patch: Pull("_id", "x"), wantErr: ErrImmutableID},
		{name: "add to scalar", before: map[string]any{"name": "Ana"}, patch: AddToSet("name", "x"), wantErr: ErrNotArray},
		{name: "conflicting ops", before: map[string]any{}, patch: Merge(AddToSet("a", "x"), Pull("a", "y")), wantErr: ErrInvalidPatch},
		{name: "dotted plain field", before: map[string]any{"admins": []any{"u1"}}, patch: Patch{"admins.0": "u2"}, wantErr: ErrInvalidPatch},
		{name: "dotted set field", before: map[string]any{"members": []any{"u1"}}, patch: Patch{"$set": map[string]any{"members.1": "u2"}}, wantErr: ErrInvalidPatch},
		{name: "dotted pull field", before: map[string]any{}, patch: Pull("a.b", "x"), wantErr: ErrInvalidPatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.patch.Apply("b1", tc.before)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("apply err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestPatchFields(t *testing.T) {
	got := Merge(AddToSet("members", "u1"), Set(map[string]any{"name": "x"})).Fields()
	want := []string{"members", "name"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("fields = %v, want %v", got, want)
	}
}

func TestOperatorsRejectDottedPaths(t *testing.T) {
	for _, p := range []Patch{
		{"admins.0": "attacker"},
		{"$set": map[string]any{"members.1": "attacker"}},
		AddToSet("admins.0", "attacker"),
	} {
		ops, err := p.Operators("c1")
		if !errors.Is(err, ErrInvalidPatch) {
			t.Fatalf("Operators(%v) = %v, %v; want ErrInvalidPatch", p, ops, err)
		}
	}
}
