package outbox

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"cloudpico-node/internal/migrate"
	"cloudpico-node/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
	})
	if _, err := migrate.Run(context.Background(), db, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func measurement(i int) types.Measurement {
	return types.Measurement{
		Temperature: float64(20 + i),
		Humidity:    float64(40 + i),
		Pressure:    float64(101000 + i),
		CapturedAt:  time.Date(2026, 10, 18, 12, i, 0, 0, time.UTC),
	}
}

func TestEnqueueAndPendingOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupTestDB(t), 10, nil)

	for i := 0; i < 3; i++ {
		if err := repo.Enqueue(ctx, measurement(i)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	entries, err := repo.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Pending: got %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		want := measurement(i)
		if e.Measurement != want {
			t.Fatalf("entry %d = %+v, want %+v", i, e.Measurement, want)
		}
		if e.Attempts != 0 {
			t.Fatalf("entry %d attempts = %d, want 0", i, e.Attempts)
		}
	}
	if !(entries[0].ID < entries[1].ID && entries[1].ID < entries[2].ID) {
		t.Fatalf("ids not ascending: %d %d %d", entries[0].ID, entries[1].ID, entries[2].ID)
	}

	limited, err := repo.Pending(ctx, 2)
	if err != nil {
		t.Fatalf("Pending(2): %v", err)
	}
	if len(limited) != 2 || limited[0].ID != entries[0].ID {
		t.Fatalf("Pending(2) = %+v", limited)
	}
}

func TestEnqueueDropsOldestBeyondCapacity(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupTestDB(t), 2, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 4; i++ {
		if err := repo.Enqueue(ctx, measurement(i)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	n, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
	entries, err := repo.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if entries[0].Measurement != measurement(2) || entries[1].Measurement != measurement(3) {
		t.Fatalf("kept entries = %+v, want the two newest", entries)
	}
}

func TestDeleteAndMarkAttempt(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupTestDB(t), 10, nil)

	for i := 0; i < 2; i++ {
		if err := repo.Enqueue(ctx, measurement(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	entries, err := repo.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}

	if err := repo.MarkAttempt(ctx, entries[1].ID); err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}
	if err := repo.Delete(ctx, entries[0].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	left, err := repo.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(left) != 1 || left[0].ID != entries[1].ID {
		t.Fatalf("left = %+v", left)
	}
	if left[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", left[0].Attempts)
	}

	if err := repo.Delete(ctx, 9999); err != nil {
		t.Fatalf("Delete of missing id: %v", err)
	}
}

func TestEnqueueStampsMissingCaptureTime(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupTestDB(t), 10, nil)

	before := time.Now().Add(-time.Second)
	if err := repo.Enqueue(ctx, types.Measurement{Temperature: 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	entries, err := repo.Pending(ctx, 1)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if entries[0].Measurement.CapturedAt.Before(before) {
		t.Fatalf("captured_at = %v, want recent", entries[0].Measurement.CapturedAt)
	}
}
