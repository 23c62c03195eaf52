package store

import (
	"context"
	"errors"

	"sophiasocial/pkg/record"
)

var (
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrCollectionNotFound reports a collection whose backing data does not exist.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrDuplicateID reports a create with an identifier already in use.
	ErrDuplicateID = errors.New("record id already exists")
	// ErrInvalidPatch reports a malformed or unsupported update.
	ErrInvalidPatch = errors.New("invalid patch")
	// ErrImmutableID reports an update that tries to change a record identifier.
	ErrImmutableID = errors.New("record id is immutable")
	// ErrNotArray reports an array operator applied to a non-array field.
	ErrNotArray = errors.New("field is not an array")
	// ErrCorrupt reports stored data that cannot be decoded.
	ErrCorrupt = errors.New("stored data is corrupt")
)

// Collection is the capability interface over one named set of records.
// Implementations must be safe for concurrent use.
type Collection interface {
	Name() string
	// Create stores rec. An empty ID is replaced with a fresh identifier.
	Create(ctx context.Context, rec record.Record) (record.Record, error)
	// ReadAll returns every record. Order is insertion order where the backend keeps one.
	ReadAll(ctx context.Context) ([]record.Record, error)
	Get(ctx context.Context, id string) (record.Record, error)
	// Update applies a shallow-merge or operator patch and returns the result.
	Update(ctx context.Context, id string, patch Patch) (record.Record, error)
	// UpdateMany applies patch to every existing record in ids and returns how many matched.
	UpdateMany(ctx context.Context, ids []string, patch Patch) (int, error)
	// Delete removes a record and returns its id.
	Delete(ctx context.Context, id string) (string, error)
	Count(ctx context.Context) (int, error)
}

// Store hands out collections over one backend connection.
type Store interface {
	Collection(name string) Collection
	Backend() string
	Close(ctx context.Context) error
}
