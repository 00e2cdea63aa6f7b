package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"metergate/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx, so the
// same queries work inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// postgresDDL is the discrete list of schema-ensure statements. Statements
// are individual strings executed one by one, never produced by splitting a
// combined script.
var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		meter_id TEXT NOT NULL,
		quantity BIGINT NOT NULL CHECK (quantity >= 0),
		metadata JSONB,
		period_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS usage_events_lookup_idx
		ON usage_events (user_id, meter_id, period_key)`,
	`CREATE TABLE IF NOT EXISTS plan_limits (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		meter_id TEXT NOT NULL,
		limit_value BIGINT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		processed_at TIMESTAMPTZ NOT NULL
	)`,
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   DBTX
}

// OpenPostgres is the Registry factory for the postgres driver.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable, "failed to open postgres pool", err)
	}
	return &PostgresStore{pool: pool, db: pool}, nil
}

// NewPostgresStore wraps an existing DBTX (pool or transaction). Close is a
// no-op for stores created this way; the caller owns the connection.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// Bootstrap executes the schema-ensure statements in order. Every statement
// uses IF NOT EXISTS so concurrent bootstraps and re-runs are safe.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	for _, stmt := range postgresDDL {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "usage store bootstrap failed", err)
		}
	}
	return nil
}

// AppendUsage inserts one usage event into the ledger.
func (s *PostgresStore) AppendUsage(ctx context.Context, event types.UsageEvent) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode usage metadata", err)
		}
		metadata = b
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_events (id, user_id, meter_id, quantity, metadata, period_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.UserID, event.MeterID, event.Quantity, metadata, event.PeriodKey, event.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert usage event", err)
	}
	return nil
}

// SumUsage totals recorded quantity for (userID, meterID, periodKey).
func (s *PostgresStore) SumUsage(ctx context.Context, userID, meterID, periodKey string) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM usage_events
		WHERE user_id = $1 AND meter_id = $2 AND period_key = $3`,
		userID, meterID, periodKey,
	).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum usage events", err)
	}
	return total, nil
}

// ListUsageBefore returns up to limit events created before cutoff, oldest
// first, skipping offset rows.
func (s *PostgresStore) ListUsageBefore(ctx context.Context, cutoff time.Time, offset, limit int) ([]types.UsageEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, meter_id, quantity, metadata, period_key, created_at
		FROM usage_events
		WHERE created_at < $1
		ORDER BY created_at ASC, id ASC
		OFFSET $2 LIMIT $3`,
		cutoff, offset, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query usage events", err)
	}
	defer rows.Close()

	var events []types.UsageEvent
	for rows.Next() {
		var ev types.UsageEvent
		var metadata []byte
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.MeterID, &ev.Quantity, &metadata, &ev.PeriodKey, &ev.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage event", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode usage metadata", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage events", err)
	}
	return events, nil
}

// SnapshotPlanLimits records the current limit matrix for auditing limit
// changes over time.
func (s *PostgresStore) SnapshotPlanLimits(ctx context.Context, meters []types.MeterConfig) error {
	now := time.Now().UTC()
	for _, meter := range meters {
		for planID, limit := range meter.Limits {
			_, err := s.db.Exec(ctx, `
				INSERT INTO plan_limits (id, plan_id, meter_id, limit_value, recorded_at)
				VALUES ($1, $2, $3, $4, $5)`,
				uuid.NewString(), planID, meter.ID, limit, now,
			)
			if err != nil {
				return types.NewAppError(types.ErrCodeInternalDB, "failed to snapshot plan limits", err)
			}
		}
	}
	return nil
}

// SetPlan assigns the user's plan.
func (s *PostgresStore) SetPlan(ctx context.Context, userID, planID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET plan = $1 WHERE id = $2`, planID, userID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set user plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(
			types.ErrCodePlanResolution,
			"no user row matched plan update",
			nil,
			map[string]any{"user_id": userID, "plan_id": planID},
		)
	}
	return nil
}

// SetFlag sets a boolean flag inside the user's flags JSONB column.
func (s *PostgresStore) SetFlag(ctx context.Context, userID, key string, value bool) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users
		SET flags = jsonb_set(COALESCE(flags, '{}'::jsonb), ARRAY[$1], to_jsonb($2::boolean))
		WHERE id = $3`,
		key, value, userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set user flag", err)
	}
	return nil
}

// FindIDByEmail resolves a user id by email; ("", nil) when absent.
func (s *PostgresStore) FindIDByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to look up user by email", err)
	}
	return id, nil
}

// MarkProcessed records a webhook event id; the primary key makes replays
// lose the insert race and report false.
func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (event_id, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, time.Now().UTC(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record processed event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Close releases the underlying pool, if this store owns one.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

var _ Store = (*PostgresStore)(nil)
