package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/roster-sync/internal/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS roster_records (
	collection TEXT NOT NULL,
	scope_key  TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	position   INTEGER NOT NULL DEFAULT 0,
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, scope_key, record_id)
);
CREATE TABLE IF NOT EXISTS linked_records (
	collection TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, record_id)
);`

// Postgres stores rosters in a pgx pool. Record fields live in a JSONB
// column; commits merge the submitted fields into the stored object.
type Postgres struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// PostgresOption configures the Postgres store.
type PostgresOption func(*Postgres)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) PostgresOption {
	return func(p *Postgres) {
		p.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		p.retryDelay = d
	}
}

// NewPostgres constructs a store over pool.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Driver returns "postgres".
func (p *Postgres) Driver() string { return DriverPostgres }

// EnsureSchema creates the roster tables when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

// LoadRoster returns the records of scope in roster order.
func (p *Postgres) LoadRoster(ctx context.Context, scope types.Scope) ([]types.Seed, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT record_id, fields
		FROM roster_records
		WHERE collection = $1 AND scope_key = $2
		ORDER BY position, record_id`, scope.Collection, scope.Key)
	if err != nil {
		return nil, fmt.Errorf("query roster %s: %w", scope, err)
	}
	defer rows.Close()

	var seeds []types.Seed
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		seeds = append(seeds, types.Seed{ID: types.RecordID(id), Fields: fields})
	}
	return seeds, rows.Err()
}

// ImportRoster replaces the records of scope in one transaction.
func (p *Postgres) ImportRoster(ctx context.Context, scope types.Scope, seeds []types.Seed) error {
	return p.retry(ctx, func(ctx context.Context) error {
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `DELETE FROM roster_records WHERE collection = $1 AND scope_key = $2`, scope.Collection, scope.Key); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, seed := range seeds {
			data, err := encodeFields(seed.Fields)
			if err != nil {
				return err
			}
			batch.Queue(`
				INSERT INTO roster_records (collection, scope_key, record_id, position, fields)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (collection, scope_key, record_id)
				DO UPDATE SET position = EXCLUDED.position, fields = EXCLUDED.fields, updated_at = now()`,
				scope.Collection, scope.Key, string(seed.ID), i, data)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// Commit upserts every record and returns the stored field set. A
// constraint or data error rejects only that record; a connection failure
// fails the whole call.
func (p *Postgres) Commit(ctx context.Context, records []types.CommitRecord) ([]types.CommitResult, error) {
	ctx, span := tracer.Start(ctx, "storage.postgres.commit")
	defer span.End()
	span.SetAttributes(attribute.Int("records", len(records)))
	defer observe(commitLatency, DriverPostgres, time.Now())

	results := make([]types.CommitResult, 0, len(records))
	for _, rec := range records {
		data, err := encodeFields(rec.Fields)
		if err != nil {
			results = append(results, rejected(rec.ID, err.Error()))
			continue
		}

		var stored []byte
		err = p.retry(ctx, func(ctx context.Context) error {
			return p.pool.QueryRow(ctx, `
				INSERT INTO roster_records (collection, scope_key, record_id, fields)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (collection, scope_key, record_id)
				DO UPDATE SET fields = roster_records.fields || EXCLUDED.fields, updated_at = now()
				RETURNING fields`,
				rec.Scope.Collection, rec.Scope.Key, string(rec.ID), data,
			).Scan(&stored)
		})
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				results = append(results, rejected(rec.ID, pgErr.Message))
				continue
			}
			span.RecordError(err)
			return nil, fmt.Errorf("commit %s: %w", rec.ID, err)
		}

		committed, err := decodeFields(stored)
		if err != nil {
			results = append(results, rejected(rec.ID, err.Error()))
			continue
		}
		results = append(results, accepted(rec.ID, committed))
	}
	return results, nil
}

// CommitLinked applies all writes in one transaction.
func (p *Postgres) CommitLinked(ctx context.Context, writes []types.LinkedWrite) error {
	ctx, span := tracer.Start(ctx, "storage.postgres.commit_linked")
	defer span.End()
	defer observe(linkedLatency, DriverPostgres, time.Now())

	return p.retry(ctx, func(ctx context.Context) error {
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, w := range writes {
			data, err := encodeFields(types.Fields{w.Field: w.Value})
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO linked_records (collection, record_id, fields)
				VALUES ($1, $2, $3)
				ON CONFLICT (collection, record_id)
				DO UPDATE SET fields = linked_records.fields || EXCLUDED.fields, updated_at = now()`,
				w.Collection, string(w.ID), data); err != nil {
				return fmt.Errorf("linked %s/%s: %w", w.Collection, w.ID, err)
			}
		}
		return tx.Commit(ctx)
	})
}

func (p *Postgres) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := p.retryDelay
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == p.maxRetries {
			return err
		}
		retriesTotal.WithLabelValues(DriverPostgres).Inc()
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
