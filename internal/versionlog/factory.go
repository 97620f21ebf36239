package versionlog

import (
	"context"
	"fmt"

	"workhub/collab/internal/collab"
)

// Sink is the persistence contract rooms record into, plus Close for
// shutdown.
type Sink interface {
	collab.VersionSink
	Close() error
}

// Open selects a backend by name. DSN semantics depend on the backend:
// ignored for memory, a file path for sqlite, a connection string for
// postgres.
func Open(ctx context.Context, backend, dsn string) (Sink, error) {
	switch backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		if dsn == "" {
			return nil, fmt.Errorf("sqlite backend requires a file path")
		}
		return OpenSQLite(ctx, dsn)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres backend requires a connection string")
		}
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown version backend %q (want memory, sqlite or postgres)", backend)
	}
}
