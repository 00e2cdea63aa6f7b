// Package main is the operator entrypoint exporting aged usage events as a
// zstd-compressed NDJSON archive. The ledger itself is never modified.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"metergate/internal/archive"
	"metergate/internal/config"
	"metergate/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		olderThan = flag.Duration("older-than", 90*24*time.Hour, "export events older than this duration")
		output    = flag.String("out", "", "output file (required)")
	)
	flag.Parse()

	if *output == "" {
		return fmt.Errorf("-out is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	registry := store.DefaultRegistry()
	st, err := registry.Open(ctx, cfg.Store.Driver, cfg.Store.DSN.Unmask())
	if err != nil {
		return fmt.Errorf("opening usage store: %w", err)
	}
	defer st.Close()

	f, err := os.Create(*output)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	defer f.Close()

	cutoff := time.Now().UTC().Add(-*olderThan)
	count, err := archive.NewArchiver(st, logger).Export(ctx, cutoff, f)
	if err != nil {
		return fmt.Errorf("exporting usage events: %w", err)
	}

	fmt.Printf("archived %d events older than %s to %s\n", count, cutoff.Format(time.RFC3339), *output)
	return nil
}
