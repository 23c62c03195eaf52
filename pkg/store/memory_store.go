package store

import (
	"context"
	"log/slog"
	"sync"

	"sophiasocial/internal/util"
	"sophiasocial/pkg/record"
)

// MemoryStore keeps collections in-process. Used by tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
	logger      *slog.Logger
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		collections: make(map[string]*memoryCollection),
		logger:      logger,
	}
}

func (m *MemoryStore) Backend() string { return BackendMemory }

func (m *MemoryStore) Close(context.Context) error { return nil }

// Collection returns the named collection, creating it on first use.
func (m *MemoryStore) Collection(name string) Collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		c = &memoryCollection{
			name:    name,
			records: make(map[string]record.Record),
			logger:  m.logger.With("collection", name),
		}
		m.collections[name] = c
	}
	return c
}

type memoryCollection struct {
	name    string
	mu      sync.RWMutex
	records map[string]record.Record
	orders  []string
	logger  *slog.Logger
}

func (c *memoryCollection) Name() string { return c.name }

func (c *memoryCollection) Create(_ context.Context, rec record.Record) (record.Record, error) {
	rec = record.New(rec.ID, rec.Fields)
	if rec.ID == "" {
		rec.ID = util.NewID()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[rec.ID]; exists {
		return record.Record{}, ErrDuplicateID
	}
	c.records[rec.ID] = rec
	c.orders = append(c.orders, rec.ID)
	c.logger.Debug("record created", "id", rec.ID)
	return rec.Clone(), nil
}

// ReadAll returns records in insertion order.
func (c *memoryCollection) ReadAll(context.Context) ([]record.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]record.Record, 0, len(c.orders))
	for _, id := range c.orders {
		if rec, ok := c.records[id]; ok {
			res = append(res, rec.Clone())
		}
	}
	return res, nil
}

func (c *memoryCollection) Get(_ context.Context, id string) (record.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return record.Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (c *memoryCollection) Update(_ context.Context, id string, patch Patch) (record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return record.Record{}, ErrNotFound
	}
	next := rec.Clone()
	if err := patch.Apply(id, next.Fields); err != nil {
		return record.Record{}, err
	}
	c.records[id] = next
	c.logger.Debug("record updated", "id", id, "fields", patch.Fields())
	return next.Clone(), nil
}

func (c *memoryCollection) UpdateMany(_ context.Context, ids []string, patch Patch) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	staged := make(map[string]record.Record, len(ids))
	for _, id := range ids {
		rec, ok := c.records[id]
		if !ok {
			continue
		}
		next := rec.Clone()
		if err := patch.Apply(id, next.Fields); err != nil {
			return 0, err
		}
		staged[id] = next
	}
	for id, rec := range staged {
		c.records[id] = rec
	}
	return len(staged), nil
}

func (c *memoryCollection) Delete(_ context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[id]; !ok {
		return "", ErrNotFound
	}
	delete(c.records, id)
	for i, existing := range c.orders {
		if existing == id {
			c.orders = append(c.orders[:i], c.orders[i+1:]...)
			break
		}
	}
	c.logger.Debug("record deleted", "id", id)
	return id, nil
}

func (c *memoryCollection) Count(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records), nil
}
