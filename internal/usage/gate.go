package usage

import (
	"context"
	"log/slog"
	"time"

	"metergate/internal/types"
)

// UsageReader is the read side of the usage store needed by the Gate.
// Implemented by store.PostgresStore and store.SQLiteStore.
type UsageReader interface {
	// SumUsage returns the total recorded quantity for the given
	// (userID, meterID, periodKey). A missing table or unreachable store
	// must be reported as an error; the Gate degrades on it.
	SumUsage(ctx context.Context, userID, meterID, periodKey string) (int64, error)
}

// MeterResolver resolves meter definitions by id. Implemented by
// config.Catalog.
type MeterResolver interface {
	Meter(id string) (types.MeterConfig, bool)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithUpgradeURL sets the upgrade URL surfaced on denied gate results.
func WithUpgradeURL(url string) GateOption {
	return func(g *Gate) { g.upgradeURL = url }
}

// WithClock overrides the time source. Intended for time-travel tests.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// Gate decides whether an action may proceed under current usage. It is
// side-effect free and safe to call repeatedly without consuming quota;
// consuming is the Recorder's job.
type Gate struct {
	meters     MeterResolver
	reader     UsageReader
	upgradeURL string
	logger     *slog.Logger
	now        func() time.Time
}

// NewGate creates a Gate over the given meter catalog and usage reader.
func NewGate(meters MeterResolver, reader UsageReader, logger *slog.Logger, opts ...GateOption) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		meters: meters,
		reader: reader,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check evaluates whether userID may consume quantity units of meterID under
// planID. quantity defaults to 1 and planID to the free plan when empty.
//
// The current count degrades to 0 when the store is unreachable or not yet
// bootstrapped -- configured limits apply even before the first migration, and
// a broken store must not fail request-time callers.
func (g *Gate) Check(ctx context.Context, userID, meterID string, quantity int64, planID string) (*types.GateResult, error) {
	meter, ok := g.meters.Meter(meterID)
	if !ok {
		return nil, types.NewUnknownMeterError(meterID)
	}
	if quantity <= 0 {
		quantity = 1
	}
	if planID == "" {
		planID = types.DefaultPlanID
	}

	now := g.now()
	limit := meter.LimitFor(planID)
	key := PeriodKey(now, meter.ResetPeriod)

	var current int64
	if g.reader != nil {
		sum, err := g.reader.SumUsage(ctx, userID, meterID, key)
		if err != nil {
			g.logger.WarnContext(ctx, "usage store unavailable, degrading current to 0",
				"user_id", userID,
				"meter_id", meterID,
				"period_key", key,
				"error", err,
			)
		} else {
			current = sum
		}
	}

	result := &types.GateResult{
		Current:    current,
		Limit:      limit,
		ResetAt:    ResetAt(now, meter.ResetPeriod),
		UpgradeURL: g.upgradeURL,
		Meter:      meter.Clone(),
	}

	switch meter.Kind {
	case types.MeterFlag:
		// A flag meter is a binary entitlement; quantity is ignored.
		result.Allowed = limit > 0
	default:
		result.Allowed = current+quantity <= limit
	}

	if meter.WarningAt > 0 && limit > 0 {
		result.Warning = current*100 >= int64(meter.WarningAt)*limit
	}

	return result, nil
}
