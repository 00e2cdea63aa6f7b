// Package archive exports aged usage events as zstd-compressed NDJSON.
// Export only: the usage ledger is append-only and this engine never deletes
// events.
package archive

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"metergate/internal/types"
)

// defaultBatchSize bounds memory while paging through the ledger.
const defaultBatchSize = 1000

// UsageLister pages through the ledger oldest-first. Implemented by the store
// drivers.
type UsageLister interface {
	ListUsageBefore(ctx context.Context, cutoff time.Time, offset, limit int) ([]types.UsageEvent, error)
}

// Archiver streams usage events older than a cutoff into a compressed
// NDJSON archive.
type Archiver struct {
	lister    UsageLister
	logger    *slog.Logger
	batchSize int
}

// NewArchiver creates an Archiver over the given ledger.
func NewArchiver(lister UsageLister, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{lister: lister, logger: logger, batchSize: defaultBatchSize}
}

// Export writes every event created before cutoff to w as zstd-compressed
// NDJSON, one event per line, oldest first. Returns the number of events
// written.
func (a *Archiver) Export(ctx context.Context, cutoff time.Time, w io.Writer) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create zstd writer", err)
	}

	enc := json.NewEncoder(zw)
	total := 0

	for {
		events, err := a.lister.ListUsageBefore(ctx, cutoff, total, a.batchSize)
		if err != nil {
			zw.Close()
			return total, err
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				zw.Close()
				return total, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode usage event", err)
			}
			total++
		}

		if len(events) < a.batchSize {
			break
		}
	}

	if err := zw.Close(); err != nil {
		return total, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to finalize archive", err)
	}

	a.logger.InfoContext(ctx, "usage archive export complete",
		"cutoff", cutoff,
		"events", total,
	)
	return total, nil
}
