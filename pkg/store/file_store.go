package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sophiasocial/internal/util"
	"sophiasocial/pkg/record"
)

// FileStore keeps each collection as a JSON array in <dir>/<name>.json.
// Every operation reads the whole file and mutations rewrite it. Writes
// within one process are serialized per collection; concurrent writers in
// other processes may still lose updates.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the data directory if missing.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("file store data dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger, locks: make(map[string]*sync.Mutex)}, nil
}

func (f *FileStore) Backend() string { return BackendFile }

func (f *FileStore) Close(context.Context) error { return nil }

// Collection returns a handle on <dir>/<name>.json. The file is created on first write.
func (f *FileStore) Collection(name string) Collection {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		f.locks[name] = lock
	}
	return &fileCollection{
		name:   name,
		path:   filepath.Join(f.dir, safeName(name)+".json"),
		lock:   lock,
		logger: f.logger.With("collection", name),
	}
}

type fileCollection struct {
	name   string
	path   string
	lock   *sync.Mutex
	logger *slog.Logger
}

func (c *fileCollection) Name() string { return c.name }

func (c *fileCollection) Create(ctx context.Context, rec record.Record) (record.Record, error) {
	rec = record.New(rec.ID, rec.Fields)
	if rec.ID == "" {
		rec.ID = util.NewID()
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	records, err := c.load(ctx)
	if errors.Is(err, ErrCollectionNotFound) {
		records, err = []record.Record{}, nil
	}
	if err != nil {
		return record.Record{}, err
	}
	if indexOf(records, rec.ID) >= 0 {
		return record.Record{}, ErrDuplicateID
	}
	records = append(records, rec)
	if err := c.save(records); err != nil {
		return record.Record{}, err
	}
	c.logger.Debug("record created", "id", rec.ID)
	return rec.Clone(), nil
}

func (c *fileCollection) ReadAll(ctx context.Context) ([]record.Record, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.load(ctx)
}

func (c *fileCollection) Get(ctx context.Context, id string) (record.Record, error) {
	records, err := c.ReadAll(ctx)
	if err != nil {
		return record.Record{}, err
	}
	i := indexOf(records, id)
	if i < 0 {
		return record.Record{}, ErrNotFound
	}
	return records[i], nil
}

func (c *fileCollection) Update(ctx context.Context, id string, patch Patch) (record.Record, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	records, err := c.load(ctx)
	if err != nil {
		return record.Record{}, err
	}
	i := indexOf(records, id)
	if i < 0 {
		return record.Record{}, ErrNotFound
	}
	next := records[i].Clone()
	if err := patch.Apply(id, next.Fields); err != nil {
		return record.Record{}, err
	}
	records[i] = next
	if err := c.save(records); err != nil {
		return record.Record{}, err
	}
	c.logger.Debug("record updated", "id", id, "fields", patch.Fields())
	return next.Clone(), nil
}

func (c *fileCollection) UpdateMany(ctx context.Context, ids []string, patch Patch) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	records, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	matched := 0
	for i, rec := range records {
		if _, ok := wanted[rec.ID]; !ok {
			continue
		}
		next := rec.Clone()
		if err := patch.Apply(rec.ID, next.Fields); err != nil {
			return 0, err
		}
		records[i] = next
		matched++
	}
	if matched == 0 {
		return 0, nil
	}
	if err := c.save(records); err != nil {
		return 0, err
	}
	return matched, nil
}

func (c *fileCollection) Delete(ctx context.Context, id string) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	records, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	i := indexOf(records, id)
	if i < 0 {
		return "", ErrNotFound
	}
	records = append(records[:i], records[i+1:]...)
	if err := c.save(records); err != nil {
		return "", err
	}
	c.logger.Debug("record deleted", "id", id)
	return id, nil
}

func (c *fileCollection) Count(ctx context.Context) (int, error) {
	records, err := c.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (c *fileCollection) load(ctx context.Context) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, c.name)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return []record.Record{}, nil
	}
	var records []record.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, c.path, err)
	}
	if records == nil {
		records = []record.Record{}
	}
	return records, nil
}

// save writes to a temp file and renames it over the collection file.
func (c *fileCollection) save(records []record.Record) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), "."+filepath.Base(c.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("replace %s: %w", c.path, err)
	}
	return nil
}

func indexOf(records []record.Record, id string) int {
	for i, rec := range records {
		if rec.ID == id {
			return i
		}
	}
	return -1
}

func safeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	if name == "" || name == "." || name == ".." {
		return "records"
	}
	return name
}
