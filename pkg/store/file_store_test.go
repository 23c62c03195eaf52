package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sophiasocial/pkg/record"
)

func TestFileStoreMissingCollection(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	coll := s.Collection("proposals")
	if _, err := coll.ReadAll(context.Background()); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
	if _, err := coll.Update(context.Background(), "x", Patch{"a": 1}); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound on update, got %v", err)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "books.json"), []byte(`[{"id": "b1",`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if _, err := s.Collection("books").ReadAll(context.Background()); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestFileStoreReadsSeededFileAndPersists(t *testing.T) {
	dir := t.TempDir()
	seed := `[{"id": "book_001", "title": "Cien años de soledad", "year": 1967}]`
	if err := os.WriteFile(filepath.Join(dir, "books.json"), []byte(seed), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Collection("books").Update(ctx, "book_001", Patch{"read": true}); err != nil {
		t.Fatalf("update: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "books.json"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var docs []map[string]any
	if err := json.Unmarshal(raw, &docs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(docs) != 1 || docs[0]["id"] != "book_001" || docs[0]["read"] != true {
		t.Fatalf("unexpected file content: %s", raw)
	}

	reopened, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, err := reopened.Collection("books").Get(ctx, "book_001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Fields["title"] != "Cien años de soledad" {
		t.Fatalf("title = %v", rec.Fields["title"])
	}
}

func TestFileStoreEmptyFileReadsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "votes.json"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, _ := NewFileStore(dir, nil)
	all, err := s.Collection("votes").ReadAll(context.Background())
	if err != nil || len(all) != 0 {
		t.Fatalf("read all = (%v, %v)", all, err)
	}
	if _, err := s.Collection("votes").Create(context.Background(), record.New("", map[string]any{"v": 1})); err != nil {
		t.Fatalf("create into empty file: %v", err)
	}
}

func TestNewFileStoreRequiresDir(t *testing.T) {
	if _, err := NewFileStore(" ", nil); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
