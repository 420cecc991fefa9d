package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/example/roster-sync/internal/types"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS roster_records (
		collection TEXT NOT NULL,
		scope_key  TEXT NOT NULL,
		record_id  TEXT NOT NULL,
		position   INTEGER NOT NULL DEFAULT 0,
		fields     TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, scope_key, record_id)
	)`,
	`CREATE TABLE IF NOT EXISTS linked_records (
		collection TEXT NOT NULL,
		record_id  TEXT NOT NULL,
		fields     TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, record_id)
	)`,
}

// SQLite stores rosters in a single SQLite file. Field merging happens in Go
// inside a transaction.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path. ":memory:" opens a private
// in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A private in-memory database lives on one connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB exposes the handle for health checks.
func (s *SQLite) DB() *sql.DB { return s.db }

// Close closes the handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver returns "sqlite".
func (s *SQLite) Driver() string { return DriverSQLite }

// EnsureSchema creates the roster tables when missing.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure sqlite schema: %w", err)
		}
	}
	return nil
}

// LoadRoster returns the records of scope in roster order.
func (s *SQLite) LoadRoster(ctx context.Context, scope types.Scope) ([]types.Seed, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, fields FROM roster_records
		WHERE collection = ? AND scope_key = ?
		ORDER BY position, record_id`, scope.Collection, scope.Key)
	if err != nil {
		return nil, fmt.Errorf("query roster %s: %w", scope, err)
	}
	defer rows.Close()

	var seeds []types.Seed
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		fields, err := decodeFields([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		seeds = append(seeds, types.Seed{ID: types.RecordID(id), Fields: fields})
	}
	return seeds, rows.Err()
}

// ImportRoster replaces the records of scope.
func (s *SQLite) ImportRoster(ctx context.Context, scope types.Scope, seeds []types.Seed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM roster_records WHERE collection = ? AND scope_key = ?`, scope.Collection, scope.Key); err != nil {
		return fmt.Errorf("clear roster %s: %w", scope, err)
	}
	now := time.Now().UTC().UnixMilli()
	for i, seed := range seeds {
		data, err := encodeFields(seed.Fields)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO roster_records (collection, scope_key, record_id, position, fields, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (collection, scope_key, record_id)
			DO UPDATE SET position = excluded.position, fields = excluded.fields, updated_at = excluded.updated_at`,
			scope.Collection, scope.Key, string(seed.ID), i, string(data), now); err != nil {
			return fmt.Errorf("import %s: %w", seed.ID, err)
		}
	}
	return tx.Commit()
}

// Commit merges each record's fields into the stored row.
func (s *SQLite) Commit(ctx context.Context, records []types.CommitRecord) ([]types.CommitResult, error) {
	ctx, span := tracer.Start(ctx, "storage.sqlite.commit")
	defer span.End()
	defer observe(commitLatency, DriverSQLite, time.Now())

	results := make([]types.CommitResult, 0, len(records))
	for _, rec := range records {
		committed, err := s.commitOne(ctx, rec)
		if err != nil {
			if isSQLiteDataError(err) {
				results = append(results, rejected(rec.ID, err.Error()))
				continue
			}
			span.RecordError(err)
			return nil, fmt.Errorf("commit %s: %w", rec.ID, err)
		}
		results = append(results, accepted(rec.ID, committed))
	}
	return results, nil
}

func (s *SQLite) commitOne(ctx context.Context, rec types.CommitRecord) (types.Fields, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := selectFields(ctx, tx, `SELECT fields FROM roster_records WHERE collection = ? AND scope_key = ? AND record_id = ?`,
		rec.Scope.Collection, rec.Scope.Key, string(rec.ID))
	if err != nil {
		return nil, err
	}
	next := merge(current, rec.Fields)
	data, err := encodeFields(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO roster_records (collection, scope_key, record_id, fields, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, scope_key, record_id)
		DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`,
		rec.Scope.Collection, rec.Scope.Key, string(rec.ID), string(data), time.Now().UTC().UnixMilli()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

// CommitLinked applies all writes in one transaction.
func (s *SQLite) CommitLinked(ctx context.Context, writes []types.LinkedWrite) error {
	ctx, span := tracer.Start(ctx, "storage.sqlite.commit_linked")
	defer span.End()
	defer observe(linkedLatency, DriverSQLite, time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()
	for _, w := range writes {
		current, err := selectFields(ctx, tx, `SELECT fields FROM linked_records WHERE collection = ? AND record_id = ?`, w.Collection, string(w.ID))
		if err != nil {
			return err
		}
		data, err := encodeFields(merge(current, types.Fields{w.Field: w.Value}))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO linked_records (collection, record_id, fields, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (collection, record_id)
			DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`,
			w.Collection, string(w.ID), string(data), now); err != nil {
			return fmt.Errorf("linked %s/%s: %w", w.Collection, w.ID, err)
		}
	}
	return tx.Commit()
}

// LinkedRecord returns the stored fields of a related record.
func (s *SQLite) LinkedRecord(ctx context.Context, collection string, id types.RecordID) (types.Fields, error) {
	return selectFields(ctx, s.db, `SELECT fields FROM linked_records WHERE collection = ? AND record_id = ?`, collection, string(id))
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func selectFields(ctx context.Context, q queryer, query string, args ...any) (types.Fields, error) {
	var raw string
	err := q.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Fields{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeFields([]byte(raw))
}

func isSQLiteDataError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3lib.SQLITE_CONSTRAINT, sqlite3lib.SQLITE_MISMATCH, sqlite3lib.SQLITE_TOOBIG:
		return true
	}
	return false
}
