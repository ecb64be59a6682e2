// Package state persists per-source ingestion checkpoints.
//
// The store is a single durable table keyed by source name. Exactly one row
// exists per source and Set overwrites it wholesale. The design assumes a
// single writer per source at a time.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Meta is the run metadata committed alongside a checkpoint.
type Meta struct {
	RowsSeen int64 `json:"rows_seen"`
	BadRows  int64 `json:"bad_rows"`
}

// Store defines checkpoint operations.
type Store interface {
	// Get returns the stored cursor for source, with ok=false when absent.
	Get(ctx context.Context, source string) (cursor string, ok bool, err error)

	// Set overwrites the single row for source. A failed write must surface
	// to the caller so the pass commit aborts instead of silently succeeding.
	Set(ctx context.Context, source, cursor string, meta Meta) error

	Close() error
}

// Open selects a store implementation from the DSN. Postgres URLs open a
// Postgres-backed store; anything else is treated as a SQLite file path.
func Open(dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPostgres(dsn)
	}
	return OpenSQLite(dsn)
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	get     string
	replace string
}

// OpenSQLite opens (and if needed creates) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite state db: %w", err)
	}
	const ddl = `CREATE TABLE IF NOT EXISTS state(
		source TEXT PRIMARY KEY,
		checkpoint TEXT,
		meta TEXT,
		updated_at INTEGER
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure state schema: %w", err)
	}
	return &SQLStore{
		db:      db,
		get:     `SELECT checkpoint FROM state WHERE source = ?`,
		replace: `REPLACE INTO state(source, checkpoint, meta, updated_at) VALUES(?, ?, ?, ?)`,
	}, nil
}

// OpenPostgres opens a Postgres-backed store and ensures the schema exists.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres state db: %w", err)
	}
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	const ddl = `CREATE TABLE IF NOT EXISTS state(
		source TEXT PRIMARY KEY,
		checkpoint TEXT,
		meta JSONB,
		updated_at BIGINT
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure state schema: %w", err)
	}
	return &SQLStore{
		db: db,
		get: `SELECT checkpoint FROM state WHERE source = $1`,
		replace: `INSERT INTO state(source, checkpoint, meta, updated_at) VALUES($1, $2, $3, $4)
			ON CONFLICT (source) DO UPDATE SET checkpoint = EXCLUDED.checkpoint,
			meta = EXCLUDED.meta, updated_at = EXCLUDED.updated_at`,
	}, nil
}

// Get returns the stored cursor for source.
func (s *SQLStore) Get(ctx context.Context, source string) (string, bool, error) {
	var cursor sql.NullString
	err := s.db.QueryRowContext(ctx, s.get, source).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get checkpoint for %s: %w", source, err)
	}
	return cursor.String, cursor.Valid, nil
}

// Set atomically overwrites the checkpoint row for source.
func (s *SQLStore) Set(ctx context.Context, source, cursor string, meta Meta) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal checkpoint meta: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.replace, source, cursor, string(blob), time.Now().Unix()); err != nil {
		return fmt.Errorf("set checkpoint for %s: %w", source, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
