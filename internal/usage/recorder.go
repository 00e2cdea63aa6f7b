package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"metergate/internal/types"
)

// UsageAppender is the write side of the usage store needed by the Recorder.
type UsageAppender interface {
	AppendUsage(ctx context.Context, event types.UsageEvent) error
}

// MeterEventForwarder forwards a counter increment to the payment processor.
// Implemented by external.StripeClient. Forwarding is best effort; the local
// ledger remains the source of truth for gating.
type MeterEventForwarder interface {
	ForwardMeterEvent(ctx context.Context, eventName, userID string, quantity int64) error
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithForwarder attaches a processor-side meter event forwarder.
func WithForwarder(f MeterEventForwarder) RecorderOption {
	return func(r *Recorder) { r.forwarder = f }
}

// WithRecorderClock overrides the time source. Intended for tests.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// Recorder appends consumed usage to the ledger. It never re-checks limits;
// enforcement is the Gate's job and callers must invoke it first when they
// need it.
type Recorder struct {
	meters    MeterResolver
	appender  UsageAppender
	forwarder MeterEventForwarder
	logger    *slog.Logger
	now       func() time.Time
}

// NewRecorder creates a Recorder over the given meter catalog and store.
func NewRecorder(meters MeterResolver, appender UsageAppender, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		meters:   meters,
		appender: appender,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one usage event for (userID, meterID) in the current period
// bucket. quantity defaults to 1 when non-positive.
//
// When the meter declares a RemoteMeterName and a forwarder is configured,
// the increment is also forwarded to the processor. Forward failures are
// logged and swallowed: the local write has already committed and must not be
// invalidated by processor unavailability.
func (r *Recorder) Record(ctx context.Context, userID, meterID string, quantity int64, metadata map[string]string) error {
	meter, ok := r.meters.Meter(meterID)
	if !ok {
		return types.NewUnknownMeterError(meterID)
	}
	if quantity <= 0 {
		quantity = 1
	}

	now := r.now().UTC()
	event := types.UsageEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		MeterID:   meterID,
		Quantity:  quantity,
		Metadata:  metadata,
		PeriodKey: PeriodKey(now, meter.ResetPeriod),
		CreatedAt: now,
	}

	if err := r.appender.AppendUsage(ctx, event); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append usage event", err)
	}

	if meter.RemoteMeterName != "" && r.forwarder != nil {
		if err := r.forwarder.ForwardMeterEvent(ctx, meter.RemoteMeterName, userID, quantity); err != nil {
			r.logger.WarnContext(ctx, "best-effort meter event forward failed",
				"meter_id", meterID,
				"remote_meter", meter.RemoteMeterName,
				"user_id", userID,
				"error", err,
			)
		}
	}

	return nil
}
