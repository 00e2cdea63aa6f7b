package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"metergate/internal/types"
)

type fakeMeters map[string]types.MeterConfig

func (f fakeMeters) Meter(id string) (types.MeterConfig, bool) {
	m, ok := f[id]
	return m, ok
}

type fakeReader struct {
	sum     int64
	err     error
	lastKey string
	calls   int
}

func (f *fakeReader) SumUsage(_ context.Context, _, _, periodKey string) (int64, error) {
	f.calls++
	f.lastKey = periodKey
	return f.sum, f.err
}

func testMeters() fakeMeters {
	return fakeMeters{
		"api_calls": {
			ID:          "api_calls",
			Unit:        "calls",
			Kind:        types.MeterCounter,
			ResetPeriod: types.ResetMonthly,
			Limits:      map[string]int64{"free": 100, "pro": 10000},
			WarningAt:   80,
		},
		"exports": {
			ID:          "exports",
			Kind:        types.MeterCounter,
			ResetPeriod: types.ResetDaily,
			Limits:      map[string]int64{"free": 5, "pro": 50},
		},
		"sso": {
			ID:          "sso",
			Kind:        types.MeterFlag,
			ResetPeriod: types.ResetMonthly,
			Limits:      map[string]int64{"pro": 1},
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestGateCheck_CounterWithinLimit(t *testing.T) {
	reader := &fakeReader{sum: 60}
	g := NewGate(testMeters(), reader, discardLogger())

	res, err := g.Check(context.Background(), "u1", "api_calls", 10, "free")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed {
		t.Error("expected allowed: 60 + 10 <= 100")
	}
	if res.Current != 60 || res.Limit != 100 {
		t.Errorf("got current=%d limit=%d, want 60/100", res.Current, res.Limit)
	}
}

func TestGateCheck_CounterOverLimit(t *testing.T) {
	reader := &fakeReader{sum: 60}
	g := NewGate(testMeters(), reader, discardLogger(), WithUpgradeURL("https://app.example.com/settings/billing"))

	res, err := g.Check(context.Background(), "u1", "api_calls", 50, "free")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Allowed {
		t.Error("expected denied: 60 + 50 > 100")
	}
	if res.Current != 60 {
		t.Errorf("Current = %d, want the recorded 60", res.Current)
	}
	if res.UpgradeURL != "https://app.example.com/settings/billing" {
		t.Errorf("UpgradeURL = %q", res.UpgradeURL)
	}
}

func TestGateCheck_ExactBoundaryAllowed(t *testing.T) {
	reader := &fakeReader{sum: 90}
	g := NewGate(testMeters(), reader, discardLogger())

	res, err := g.Check(context.Background(), "u1", "api_calls", 10, "free")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed {
		t.Error("expected allowed: current+quantity == limit is within the limit")
	}
}

func TestGateCheck_FlagMeter(t *testing.T) {
	reader := &fakeReader{sum: 999}
	g := NewGate(testMeters(), reader, discardLogger())

	pro, err := g.Check(context.Background(), "u1", "sso", 1, "pro")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !pro.Allowed {
		t.Error("flag meter with positive limit must allow regardless of usage")
	}

	free, err := g.Check(context.Background(), "u1", "sso", 1, "free")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if free.Allowed {
		t.Error("flag meter with zero limit must deny")
	}
}

func TestGateCheck_UnknownMeter(t *testing.T) {
	g := NewGate(testMeters(), &fakeReader{}, discardLogger())

	_, err := g.Check(context.Background(), "u1", "nope", 1, "free")
	if err == nil {
		t.Fatal("expected error for unknown meter")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUnknownMeter {
		t.Errorf("got %v, want AppError with code %s", err, types.ErrCodeUnknownMeter)
	}
}

func TestGateCheck_StoreFailureDegradesToZero(t *testing.T) {
	reader := &fakeReader{err: errors.New("connection refused")}
	g := NewGate(testMeters(), reader, discardLogger())

	res, err := g.Check(context.Background(), "u1", "api_calls", 1, "free")
	if err != nil {
		t.Fatalf("Check() error = %v, store failure must not surface", err)
	}
	if res.Current != 0 {
		t.Errorf("Current = %d, want degraded 0", res.Current)
	}
	if !res.Allowed {
		t.Error("expected allowed against degraded current of 0")
	}
}

func TestGateCheck_DegradedStillDeniesZeroLimit(t *testing.T) {
	reader := &fakeReader{err: errors.New("connection refused")}
	g := NewGate(testMeters(), reader, discardLogger())

	// "sso" has no free entry, limit 0. Configured limits apply even when
	// the store is down.
	res, err := g.Check(context.Background(), "u1", "sso", 1, "free")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Allowed {
		t.Error("zero-limit meter must deny even with a degraded store")
	}
}

func TestGateCheck_Defaults(t *testing.T) {
	reader := &fakeReader{sum: 4}
	g := NewGate(testMeters(), reader, discardLogger())

	// Empty plan falls back to free (limit 5); zero quantity falls back to 1.
	res, err := g.Check(context.Background(), "u1", "exports", 0, "")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed {
		t.Error("expected allowed: 4 + 1 <= 5")
	}
	if res.Limit != 5 {
		t.Errorf("Limit = %d, want free-plan 5", res.Limit)
	}
}

func TestGateCheck_PeriodKeyFollowsClock(t *testing.T) {
	reader := &fakeReader{}
	g := NewGate(testMeters(), reader, discardLogger(),
		WithClock(fixedClock(time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC))))

	if _, err := g.Check(context.Background(), "u1", "exports", 1, "free"); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if reader.lastKey != "2024-03-01" {
		t.Errorf("queried period key %q, want 2024-03-01", reader.lastKey)
	}

	g2 := NewGate(testMeters(), reader, discardLogger(),
		WithClock(fixedClock(time.Date(2024, 3, 2, 0, 0, 1, 0, time.UTC))))
	if _, err := g2.Check(context.Background(), "u1", "exports", 1, "free"); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if reader.lastKey != "2024-03-02" {
		t.Errorf("queried period key %q, want 2024-03-02", reader.lastKey)
	}
}

func TestGateCheck_WarningThreshold(t *testing.T) {
	tests := []struct {
		name    string
		current int64
		want    bool
	}{
		{"below threshold", 79, false},
		{"at threshold", 80, true},
		{"above threshold", 95, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(testMeters(), &fakeReader{sum: tt.current}, discardLogger())
			res, err := g.Check(context.Background(), "u1", "api_calls", 1, "free")
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if res.Warning != tt.want {
				t.Errorf("Warning = %v at current=%d (warningAt=80, limit=100), want %v", res.Warning, tt.current, tt.want)
			}
		})
	}
}

func TestGateCheck_ResultMeterIsACopy(t *testing.T) {
	meters := testMeters()
	g := NewGate(meters, &fakeReader{}, discardLogger())

	res, err := g.Check(context.Background(), "u1", "api_calls", 1, "free")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	res.Meter.Limits["free"] = 1

	if got := meters["api_calls"].Limits["free"]; got != 100 {
		t.Errorf("catalog limit mutated through result: %d", got)
	}
}
