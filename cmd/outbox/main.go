package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"cloudpico-node/internal/db"
	"cloudpico-node/internal/migrate"
	"cloudpico-node/internal/outbox"
	"cloudpico-node/internal/types"
)

const usage = `usage: %s <command>
  migrate  apply pending outbox migrations
  status   print the number of buffered measurements and the oldest ones
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}

	path := strings.TrimSpace(os.Getenv("OUTBOX_PATH"))
	if path == "" {
		fmt.Fprintln(os.Stderr, "OUTBOX_PATH is required")
		os.Exit(1)
	}
	path = filepath.Clean(path)

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	conn, err := db.Open(ctx, path, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "db open: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			slog.Error("db close", "err", closeErr)
		}
	}()

	switch os.Args[1] {
	case "migrate":
		applied, err := migrate.Run(ctx, conn, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("migrations applied: %d\n", len(applied))
	case "status":
		if err := status(ctx, os.Stdout, outbox.NewRepository(conn, 1, logger)); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func status(ctx context.Context, w io.Writer, store outbox.Store) error {
	n, err := store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "buffered: %d\n", n)

	entries, err := store.Pending(ctx, 10)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\tattempts=%d", e.ID, e.Measurement.CapturedAt.Format("2006-01-02T15:04:05Z07:00"), e.Attempts)
		for _, f := range e.Measurement.Fields() {
			fmt.Fprintf(w, "\t%s=%s", f.Topic, types.FormatValue(f.Value))
		}
		fmt.Fprintln(w)
	}
	return nil
}
