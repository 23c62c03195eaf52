package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string
	DataDir       string
	MongoURI      string
	MongoDatabase string
	DatabaseURL   string
	Logger        *slog.Logger
}

// Open connects the configured backend. The returned Store owns the
// connection and must be closed by the caller.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendFile:
		return NewFileStore(opts.DataDir, opts.Logger)
	case BackendMemory:
		return NewMemoryStore(opts.Logger), nil
	case BackendMongo:
		return NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase, opts.Logger)
	case BackendPostgres:
		return NewGormStore(opts.DatabaseURL, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
