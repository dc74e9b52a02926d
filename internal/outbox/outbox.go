// Package outbox keeps measurements that could not be published so a later
// cycle can replay them.
package outbox

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"cloudpico-node/internal/types"
)

//go:embed sql/insert-entry.sql
var insertEntrySQL string

//go:embed sql/trim-entries.sql
var trimEntriesSQL string

//go:embed sql/pending-entries.sql
var pendingEntriesSQL string

//go:embed sql/delete-entry.sql
var deleteEntrySQL string

//go:embed sql/mark-attempt.sql
var markAttemptSQL string

//go:embed sql/count-entries.sql
var countEntriesSQL string

// Entry is a stored measurement awaiting delivery.
type Entry struct {
	ID          int64
	Measurement types.Measurement
	Attempts    int
}

type Store interface {
	// Enqueue stores m and drops the oldest entries beyond the capacity.
	Enqueue(ctx context.Context, m types.Measurement) error
	// Pending returns up to limit entries, oldest first.
	Pending(ctx context.Context, limit int) ([]Entry, error)
	Delete(ctx context.Context, id int64) error
	MarkAttempt(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
}

type repositoryImpl struct {
	db         *sql.DB
	maxEntries int
	logger     *slog.Logger
}

// NewRepository returns a Store over a database migrated with the outbox
// schema. maxEntries below 1 is treated as 1.
func NewRepository(db *sql.DB, maxEntries int, logger *slog.Logger) Store {
	if maxEntries < 1 {
		maxEntries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &repositoryImpl{db: db, maxEntries: maxEntries, logger: logger}
}

func (r *repositoryImpl) Enqueue(ctx context.Context, m types.Measurement) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	captured := m.CapturedAt
	if captured.IsZero() {
		captured = time.Now()
	}
	if _, err := tx.ExecContext(ctx, insertEntrySQL,
		captured.UTC().Format(time.RFC3339Nano), m.Temperature, m.Humidity, m.Pressure); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	res, err := tx.ExecContext(ctx, trimEntriesSQL, r.maxEntries)
	if err != nil {
		return fmt.Errorf("trim entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}

	if dropped, _ := res.RowsAffected(); dropped > 0 {
		r.logger.Warn("outbox full, dropped oldest entries", "dropped", dropped, "max", r.maxEntries)
	}
	return nil
}

func (r *repositoryImpl) Pending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, pendingEntriesSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Error("close outbox rows", "error", err)
		}
	}()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Measurement.Temperature, &e.Measurement.Humidity, &e.Measurement.Pressure, &e.Attempts); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse captured_at %q: %w", ts, err)
		}
		e.Measurement.CapturedAt = t
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, deleteEntrySQL, id); err != nil {
		return fmt.Errorf("delete entry %d: %w", id, err)
	}
	return nil
}

func (r *repositoryImpl) MarkAttempt(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, markAttemptSQL, id); err != nil {
		return fmt.Errorf("mark attempt %d: %w", id, err)
	}
	return nil
}

func (r *repositoryImpl) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, countEntriesSQL).Scan(&n)
	return n, err
}
