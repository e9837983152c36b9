// Package store persists contents, requests, and results in an embedded
// SQLite database. All access goes through hand-written SQL; the claim
// query is the only point of contention between the API and the
// scheduler, and it is a single atomic statement.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ignite/bulkmail/internal/apperr"
)

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// pragmas applied on open. WAL lets the pixel and webhook handlers read
// while the batcher writes; the rest trades durability margins for bulk
// insert throughput, acceptable because a crash loses at most the last
// checkpoint of status updates, never accepted submissions.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA mmap_size = 268435456",
	"PRAGMA cache_size = -64000",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA page_size = 4096",
	"PRAGMA auto_vacuum = INCREMENTAL",
	"PRAGMA foreign_keys = ON",
}

// Open opens (creating if necessary) the database at path and applies
// the schema. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?%s", url.PathEscape(path), url.Values{
		"_busy_timeout": {"5000"},
		"_journal_mode": {"WAL"},
		"_foreign_keys": {"on"},
	}.Encode())
	if path == ":memory:" {
		// A pooled :memory: DSN gives every connection its own empty
		// database. Share one in-process database across the pool.
		dsn = "file::memory:?mode=memory&cache=shared&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.Store, "failed to open database", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent batch updates and claims.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, apperr.Wrap(apperr.Store, "failed to apply pragma", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// nullIfEmpty maps "" to SQL NULL for optional text columns.
func nullIfEmpty(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
