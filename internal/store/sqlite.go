package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"metergate/internal/types"
)

// sqliteDDL mirrors the postgres schema with sqlite types. Statements are
// discrete strings executed one by one.
var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		meter_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		metadata TEXT,
		period_key TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS usage_events_lookup_idx
		ON usage_events (user_id, meter_id, period_key)`,
	`CREATE TABLE IF NOT EXISTS plan_limits (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		meter_id TEXT NOT NULL,
		limit_value INTEGER NOT NULL,
		recorded_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		processed_at TEXT NOT NULL
	)`,
}

// sqliteTimeFormat stores timestamps as sortable UTC strings.
const sqliteTimeFormat = "2006-01-02 15:04:05.000"

// SQLiteStore implements Store on a modernc.org/sqlite database. It exists
// for single-node deployments that share a local database file with the host
// application.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite is the Registry factory for the sqlite driver.
func OpenSQLite(ctx context.Context, dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable, "failed to open sqlite database", err)
	}
	// A single writer avoids SQLITE_BUSY on concurrent appends.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// Bootstrap executes the schema-ensure statements in order.
func (s *SQLiteStore) Bootstrap(ctx context.Context) error {
	for _, stmt := range sqliteDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "usage store bootstrap failed", err)
		}
	}
	return nil
}

// AppendUsage inserts one usage event into the ledger.
func (s *SQLiteStore) AppendUsage(ctx context.Context, event types.UsageEvent) error {
	var metadata any
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode usage metadata", err)
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, user_id, meter_id, quantity, metadata, period_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.UserID, event.MeterID, event.Quantity, metadata,
		event.PeriodKey, event.CreatedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert usage event", err)
	}
	return nil
}

// SumUsage totals recorded quantity for (userID, meterID, periodKey).
func (s *SQLiteStore) SumUsage(ctx context.Context, userID, meterID, periodKey string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM usage_events
		WHERE user_id = ? AND meter_id = ? AND period_key = ?`,
		userID, meterID, periodKey,
	).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum usage events", err)
	}
	return total, nil
}

// ListUsageBefore returns up to limit events created before cutoff, oldest
// first, skipping offset rows.
func (s *SQLiteStore) ListUsageBefore(ctx context.Context, cutoff time.Time, offset, limit int) ([]types.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, meter_id, quantity, metadata, period_key, created_at
		FROM usage_events
		WHERE created_at < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?`,
		cutoff.UTC().Format(sqliteTimeFormat), limit, offset,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query usage events", err)
	}
	defer rows.Close()

	var events []types.UsageEvent
	for rows.Next() {
		var ev types.UsageEvent
		var metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.MeterID, &ev.Quantity, &metadata, &ev.PeriodKey, &createdAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage event", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode usage metadata", err)
			}
		}
		t, err := time.Parse(sqliteTimeFormat, createdAt)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to parse usage timestamp", err)
		}
		ev.CreatedAt = t.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage events", err)
	}
	return events, nil
}

// SnapshotPlanLimits records the current limit matrix for auditing.
func (s *SQLiteStore) SnapshotPlanLimits(ctx context.Context, meters []types.MeterConfig) error {
	now := time.Now().UTC().Format(sqliteTimeFormat)
	for _, meter := range meters {
		for planID, limit := range meter.Limits {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO plan_limits (id, plan_id, meter_id, limit_value, recorded_at)
				VALUES (?, ?, ?, ?, ?)`,
				uuid.NewString(), planID, meter.ID, limit, now,
			)
			if err != nil {
				return types.NewAppError(types.ErrCodeInternalDB, "failed to snapshot plan limits", err)
			}
		}
	}
	return nil
}

// SetPlan assigns the user's plan on the host application's user table.
func (s *SQLiteStore) SetPlan(ctx context.Context, userID, planID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET plan = ? WHERE id = ?`, planID, userID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set user plan", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return types.NewAppErrorWithDetails(
			types.ErrCodePlanResolution,
			"no user row matched plan update",
			nil,
			map[string]any{"user_id": userID, "plan_id": planID},
		)
	}
	return nil
}

// SetFlag sets a boolean flag inside the user's flags JSON column.
func (s *SQLiteStore) SetFlag(ctx context.Context, userID, key string, value bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET flags = json_set(COALESCE(flags, '{}'), '$.' || ?, json(?))
		WHERE id = ?`,
		key, boolJSON(value), userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set user flag", err)
	}
	return nil
}

func boolJSON(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// FindIDByEmail resolves a user id by email; ("", nil) when absent.
func (s *SQLiteStore) FindIDByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ?`, email).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to look up user by email", err)
	}
	return id, nil
}

// MarkProcessed records a webhook event id; INSERT OR IGNORE makes replays
// report false.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (event_id, processed_at)
		VALUES (?, ?)`,
		eventID, time.Now().UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record processed event", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to read processed event result", err)
	}
	return affected == 1, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
