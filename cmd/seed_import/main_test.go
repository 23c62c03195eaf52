package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"sophiasocial/pkg/auth"
	"sophiasocial/pkg/store"
)

func TestImportCollectionHashesPasswordsAndKeepsIDs(t *testing.T) {
	dir := t.TempDir()
	users := `[
  {"_id": {"$oid": "64b7f0c2a1b2c3d4e5f60718"}, "name": "Ana", "email": "ana@example.com", "password": "secret123", "clubs": []},
  {"id": "64b7f0c2a1b2c3d4e5f60719", "name": "Bo", "email": "bo@example.com"}
]`
	if err := os.WriteFile(filepath.Join(dir, "users.json"), []byte(users), 0o644); err != nil {
		t.Fatalf("write users: %v", err)
	}
	src, err := store.NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	dst := store.NewMemoryStore(nil)
	ctx := context.Background()

	stats, err := importCollection(ctx, src.Collection("users"), dst.Collection("users"), false, slog.Default())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if stats.Imported != 2 {
		t.Fatalf("imported = %d", stats.Imported)
	}
	ana, err := dst.Collection("users").Get(ctx, "64b7f0c2a1b2c3d4e5f60718")
	if err != nil {
		t.Fatalf("get imported user: %v", err)
	}
	if _, ok := ana.Fields["password"]; ok {
		t.Fatalf("plaintext password imported")
	}
	if _, ok := ana.Fields["_id"]; ok {
		t.Fatalf("legacy _id kept as a field")
	}
	hash, _ := ana.Fields["passwordHash"].(string)
	if !auth.CheckPassword("secret123", hash) {
		t.Fatalf("imported hash does not verify")
	}

	if _, err := importCollection(ctx, src.Collection("users"), dst.Collection("users"), false, slog.Default()); !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID on re-import, got %v", err)
	}
	stats, err = importCollection(ctx, src.Collection("users"), dst.Collection("users"), true, slog.Default())
	if err != nil || stats.Skipped != 2 {
		t.Fatalf("skip existing = (%+v, %v)", stats, err)
	}
}

func TestLoadConfigDefaultsEntities(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.yaml")
	content := `
sourceDir: "./data"
target:
  backend: "memory"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Entities) != 7 {
		t.Fatalf("entities = %v", cfg.Entities)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(bad, []byte("sourceDir: x\ntarget:\n  backend: file\nentities: [planets]\n"), 0o644)
	if _, err := loadConfig(bad); err == nil {
		t.Fatalf("expected error for unknown entity")
	}
}
