package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// Database dialects understood by the SQL backends.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// Opts holds configuration for store backends.
type Opts struct {
	DSN     string
	Dialect string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN selects SQLite with a database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Dialect = DialectSQLite
	}
}

// WithPostgresDSN selects PostgreSQL with a connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Dialect = DialectPostgres
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else, which is treated as a file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return DialectPostgres
	}
	return DialectSQLite
}

// Open builds the backend selected by opts, falling back to an in-memory
// store when no DSN is configured.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Info("Store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	case cfg.Dialect == DialectPostgres:
		return NewPostgresStore(opts...)
	case cfg.Dialect == DialectSQLite, cfg.Dialect == "":
		return NewSQLiteStore(opts...)
	}
	return nil, fmt.Errorf("unsupported store dialect %q", cfg.Dialect)
}
