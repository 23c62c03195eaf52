package store

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"sophiasocial/pkg/record"
)

// runCollectionSuite exercises the Collection contract against one backend.
func runCollectionSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("create assigns id and reads back", func(t *testing.T) {
		coll := newStore(t).Collection("books")
		created, err := coll.Create(ctx, record.New("", map[string]any{"title": "1984", "year": 1949}))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if created.ID == "" {
			t.Fatalf("expected generated id")
		}
		got, err := coll.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Fields["title"] != "1984" || got.Fields["year"] != 1949.0 {
			t.Fatalf("unexpected fields: %#v", got.Fields)
		}
	})

	t.Run("create keeps caller id and rejects duplicates", func(t *testing.T) {
		coll := newStore(t).Collection("users")
		id := "64b7f0c2a1b2c3d4e5f60718"
		if _, err := coll.Create(ctx, record.New(id, map[string]any{"name": "Ana"})); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := coll.Create(ctx, record.New(id, map[string]any{"name": "Luis"})); !errors.Is(err, ErrDuplicateID) {
			t.Fatalf("expected ErrDuplicateID, got %v", err)
		}
	})

	t.Run("read all keeps insertion order", func(t *testing.T) {
		coll := newStore(t).Collection("movies")
		var want []string
		for _, title := range []string{"Alien", "Brazil", "Casablanca"} {
			rec, err := coll.Create(ctx, record.New("", map[string]any{"title": title}))
			if err != nil {
				t.Fatalf("create %s: %v", title, err)
			}
			want = append(want, rec.ID)
		}
		all, err := coll.ReadAll(ctx)
		if err != nil {
			t.Fatalf("read all: %v", err)
		}
		var got []string
		for _, rec := range all {
			got = append(got, rec.ID)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("order = %v, want %v", got, want)
		}
	})

	t.Run("update plain and operator patches", func(t *testing.T) {
		coll := newStore(t).Collection("clubs")
		club, err := coll.Create(ctx, record.New("", map[string]any{"name": "Lectores", "members": []any{"u1"}}))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		updated, err := coll.Update(ctx, club.ID, Patch{"name": "Lectores del Sur"})
		if err != nil {
			t.Fatalf("plain update: %v", err)
		}
		if updated.Fields["name"] != "Lectores del Sur" {
			t.Fatalf("name = %v", updated.Fields["name"])
		}
		if _, err := coll.Update(ctx, club.ID, AddToSet("members", "u2")); err != nil {
			t.Fatalf("add to set: %v", err)
		}
		updated, err = coll.Update(ctx, club.ID, AddToSet("members", "u2"))
		if err != nil {
			t.Fatalf("add to set again: %v", err)
		}
		if got := updated.Strings("members"); !reflect.DeepEqual(got, []string{"u1", "u2"}) {
			t.Fatalf("members = %v", got)
		}
		updated, err = coll.Update(ctx, club.ID, Pull("members", "u1"))
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		if got := updated.Strings("members"); !reflect.DeepEqual(got, []string{"u2"}) {
			t.Fatalf("members after pull = %v", got)
		}
		if updated.Fields["name"] != "Lectores del Sur" {
			t.Fatalf("operator patch must not touch other fields")
		}
	})

	t.Run("update missing record", func(t *testing.T) {
		coll := newStore(t).Collection("books")
		if _, err := coll.Create(ctx, record.New("", map[string]any{"title": "x"})); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := coll.Update(ctx, "64b7f0c2a1b2c3d4e5f60799", Patch{"title": "y"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("update rejects id change", func(t *testing.T) {
		coll := newStore(t).Collection("books")
		rec, err := coll.Create(ctx, record.New("", map[string]any{"title": "x"}))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := coll.Update(ctx, rec.ID, Patch{"id": "other"}); !errors.Is(err, ErrImmutableID) {
			t.Fatalf("expected ErrImmutableID, got %v", err)
		}
	})

	t.Run("update many skips missing ids", func(t *testing.T) {
		coll := newStore(t).Collection("users")
		u1, _ := coll.Create(ctx, record.New("", map[string]any{"clubs": []any{"c1"}}))
		u2, _ := coll.Create(ctx, record.New("", map[string]any{"clubs": []any{"c1", "c2"}}))
		n, err := coll.UpdateMany(ctx, []string{u1.ID, u2.ID, "64b7f0c2a1b2c3d4e5f60799"}, Pull("clubs", "c1"))
		if err != nil {
			t.Fatalf("update many: %v", err)
		}
		if n != 2 {
			t.Fatalf("matched = %d, want 2", n)
		}
		got, _ := coll.Get(ctx, u2.ID)
		if clubs := got.Strings("clubs"); !reflect.DeepEqual(clubs, []string{"c2"}) {
			t.Fatalf("u2 clubs = %v", clubs)
		}
		if n, err := coll.UpdateMany(ctx, nil, Pull("clubs", "c1")); err != nil || n != 0 {
			t.Fatalf("empty ids = (%d, %v)", n, err)
		}
	})

	t.Run("delete and count", func(t *testing.T) {
		coll := newStore(t).Collection("votes")
		a, _ := coll.Create(ctx, record.New("", map[string]any{"value": 1}))
		if _, err := coll.Create(ctx, record.New("", map[string]any{"value": 2})); err != nil {
			t.Fatalf("create: %v", err)
		}
		id, err := coll.Delete(ctx, a.ID)
		if err != nil || id != a.ID {
			t.Fatalf("delete = (%q, %v)", id, err)
		}
		if _, err := coll.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
		if _, err := coll.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on get, got %v", err)
		}
		n, err := coll.Count(ctx)
		if err != nil || n != 1 {
			t.Fatalf("count = (%d, %v), want 1", n, err)
		}
	})

	t.Run("concurrent add to set loses nothing", func(t *testing.T) {
		coll := newStore(t).Collection("clubs")
		club, err := coll.Create(ctx, record.New("", map[string]any{"members": []any{}}))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
		var wg sync.WaitGroup
		for _, u := range users {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				if _, err := coll.Update(ctx, club.ID, AddToSet("members", u)); err != nil {
					t.Errorf("add %s: %v", u, err)
				}
			}(u)
		}
		wg.Wait()
		got, err := coll.Get(ctx, club.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if n := len(got.Strings("members")); n != len(users) {
			t.Fatalf("members = %d, want %d", n, len(users))
		}
	})
}

func TestMemoryStoreCollection(t *testing.T) {
	runCollectionSuite(t, func(t *testing.T) Store {
		return NewMemoryStore(nil)
	})
}

func TestFileStoreCollection(t *testing.T) {
	runCollectionSuite(t, func(t *testing.T) Store {
		s, err := NewFileStore(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("new file store: %v", err)
		}
		return s
	})
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "sqlite"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestOpenMemoryBackend(t *testing.T) {
	s, err := Open(context.Background(), Options{Backend: " Memory "})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Backend() != BackendMemory {
		t.Fatalf("backend = %q", s.Backend())
	}
}
