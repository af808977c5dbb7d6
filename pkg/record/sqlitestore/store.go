// Package sqlitestore implements record.Store on a SQLite database.
//
// Each Append runs in one transaction, so a batch is either fully persisted
// or not at all. Records are ordered by an autoincrement sequence column;
// ReadLast is a single indexed lookup.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Sternrassler/customer-export/pkg/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	id    TEXT NOT NULL,
	name  TEXT NOT NULL,
	email TEXT NOT NULL
)`

// Store is a SQLite-backed record store.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

var _ record.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		db:     db,
		path:   path,
		logger: logger.With().Str("store", "sqlite").Str("path", path).Logger(),
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Append inserts records in order inside one transaction.
func (s *Store) Append(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return ctx.Err()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO customers (id, name, email) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Name, r.Email); err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Debug().Int("records", len(records)).Msg("Appended records")
	return nil
}

// ReadLast returns the record with the highest sequence number.
func (s *Store) ReadLast(ctx context.Context) (*record.Record, error) {
	var rec record.Record
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email FROM customers ORDER BY seq DESC LIMIT 1`,
	).Scan(&rec.ID, &rec.Name, &rec.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last record: %w", err)
	}
	return &rec, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
