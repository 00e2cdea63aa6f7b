// Package store provides the persistence layer for the usage ledger, the
// user plan state, and the processed-webhook-event ledger.
//
// Two drivers are provided: postgres (pgx) and sqlite (modernc). Drivers are
// selected through an explicit Registry value populated at startup and passed
// by reference; there is no package-level mutable driver table.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"metergate/internal/types"
)

// UsageStore is the usage-ledger surface consumed by the gate, the recorder,
// and the archiver. The ledger is append-only; nothing in this engine updates
// or deletes usage events.
type UsageStore interface {
	// AppendUsage inserts one usage event.
	AppendUsage(ctx context.Context, event types.UsageEvent) error

	// SumUsage totals recorded quantity for (userID, meterID, periodKey).
	SumUsage(ctx context.Context, userID, meterID, periodKey string) (int64, error)

	// ListUsageBefore returns up to limit events created strictly before
	// cutoff, oldest first, skipping offset rows. Used by the archiver for
	// paged export.
	ListUsageBefore(ctx context.Context, cutoff time.Time, offset, limit int) ([]types.UsageEvent, error)
}

// UserStore is the injected user-mutation surface used by the webhook
// reconciler. It operates on the host application's user table; this engine
// never creates or deletes users.
type UserStore interface {
	// SetPlan assigns the user's plan.
	SetPlan(ctx context.Context, userID, planID string) error

	// SetFlag sets a non-blocking boolean flag on the user.
	SetFlag(ctx context.Context, userID, key string, value bool) error

	// FindIDByEmail resolves a user id from an email address. Returns
	// ("", nil) when no user matches.
	FindIDByEmail(ctx context.Context, email string) (string, error)
}

// EventLedger deduplicates webhook events by id. MarkProcessed returns true
// the first time an event id is seen and false on replays, backed by a
// uniqueness constraint so concurrent deliveries cannot both win.
type EventLedger interface {
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}

// Store is the full driver surface a registry factory must produce.
type Store interface {
	UsageStore
	UserStore
	EventLedger

	// Bootstrap runs the idempotent schema-ensure statements. Safe to run
	// concurrently with itself; never destroys existing data.
	Bootstrap(ctx context.Context) error

	// SnapshotPlanLimits records the current limit matrix into the
	// plan_limits audit table.
	SnapshotPlanLimits(ctx context.Context, meters []types.MeterConfig) error

	Close()
}

// ErrDriverUnavailable is returned by Registry.Open for unregistered drivers,
// so call sites branch on the result instead of on import failures.
type ErrDriverUnavailable struct {
	Driver string
}

func (e *ErrDriverUnavailable) Error() string {
	return fmt.Sprintf("store driver %q is not registered", e.Driver)
}

// Factory opens a Store for the given DSN.
type Factory func(ctx context.Context, dsn string) (Store, error)

// Registry maps driver names to factories. A Registry is an explicit value
// constructed at startup and handed to the components that open stores.
type Registry struct {
	mu      sync.Mutex
	drivers map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Factory)}
}

// Register adds or replaces a driver factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = f
}

// Open creates a Store using the named driver. Unknown drivers yield
// *ErrDriverUnavailable.
func (r *Registry) Open(ctx context.Context, driver, dsn string) (Store, error) {
	r.mu.Lock()
	f, ok := r.drivers[driver]
	r.mu.Unlock()
	if !ok {
		return nil, &ErrDriverUnavailable{Driver: driver}
	}
	return f(ctx, dsn)
}

// DefaultRegistry returns a Registry with the built-in drivers registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("postgres", OpenPostgres)
	r.Register("sqlite", OpenSQLite)
	return r
}
