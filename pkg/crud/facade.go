// Package crud gives every entity the same create, read, update and delete surface.
package crud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sophiasocial/pkg/filter"
	"sophiasocial/pkg/record"
	"sophiasocial/pkg/store"
)

var (
	// ErrProtectedField reports an update touching a field owned by another component.
	ErrProtectedField = errors.New("field cannot be updated directly")
	// ErrInvalidBody reports a create request without fields.
	ErrInvalidBody = errors.New("request body must be a non-empty object")
)

// Option configures a Facade.
type Option func(*Facade)

// WithHiddenFields strips fields from every record the facade returns.
func WithHiddenFields(fields ...string) Option {
	return func(f *Facade) {
		f.hidden = append(f.hidden, fields...)
	}
}

// WithProtectedFields rejects updates that touch the named fields.
func WithProtectedFields(fields ...string) Option {
	return func(f *Facade) {
		for _, field := range fields {
			f.protected[field] = struct{}{}
		}
	}
}

// WithLogger sets the facade logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facade) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Facade wraps one collection.
type Facade struct {
	coll      store.Collection
	hidden    []string
	protected map[string]struct{}
	logger    *slog.Logger
}

// New builds a facade over coll.
func New(coll store.Collection, opts ...Option) *Facade {
	f := &Facade{
		coll:      coll,
		protected: map[string]struct{}{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.logger = f.logger.With("collection", coll.Name())
	return f
}

// Name returns the collection name.
func (f *Facade) Name() string { return f.coll.Name() }

// Collection exposes the underlying collection to other components.
func (f *Facade) Collection() store.Collection { return f.coll }

// Create stores a new record from fields.
func (f *Facade) Create(ctx context.Context, fields map[string]any) (record.Record, error) {
	if len(fields) == 0 {
		return record.Record{}, ErrInvalidBody
	}
	rec, err := f.coll.Create(ctx, record.FromMap(fields))
	if err != nil {
		return record.Record{}, err
	}
	f.logger.Info("record created", "id", rec.ID)
	return f.visible(rec), nil
}

// Read returns the whole collection, or the records matching p when p
// constrains anything. Hidden fields are stripped before filtering so they
// can never be matched. filter.ErrNoMatch comes back with an empty slice
// when nothing matched.
func (f *Facade) Read(ctx context.Context, p filter.Predicates) ([]record.Record, error) {
	all, err := f.coll.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		all[i] = f.visible(all[i])
	}
	if p.Empty() {
		return all, nil
	}
	out, err := filter.Filter(all, p)
	if err != nil && !errors.Is(err, filter.ErrNoMatch) {
		return nil, err
	}
	return out, err
}

// Get returns one record.
func (f *Facade) Get(ctx context.Context, id string) (record.Record, error) {
	rec, err := f.coll.Get(ctx, id)
	if err != nil {
		return record.Record{}, err
	}
	return f.visible(rec), nil
}

// Update forwards a shallow-merge or operator patch.
func (f *Facade) Update(ctx context.Context, id string, patch store.Patch) (record.Record, error) {
	for _, field := range patch.Fields() {
		if _, ok := f.protected[field]; ok {
			return record.Record{}, fmt.Errorf("%w: %s", ErrProtectedField, field)
		}
	}
	rec, err := f.coll.Update(ctx, id, patch)
	if err != nil {
		return record.Record{}, err
	}
	f.logger.Info("record updated", "id", id)
	return f.visible(rec), nil
}

// Delete removes a record and returns its id.
func (f *Facade) Delete(ctx context.Context, id string) (string, error) {
	removed, err := f.coll.Delete(ctx, id)
	if err != nil {
		return "", err
	}
	f.logger.Info("record deleted", "id", removed)
	return removed, nil
}

// Count returns the number of records in the collection.
func (f *Facade) Count(ctx context.Context) (int, error) {
	return f.coll.Count(ctx)
}

func (f *Facade) visible(rec record.Record) record.Record {
	if len(f.hidden) == 0 {
		return rec
	}
	return rec.Without(f.hidden...)
}
