// Package usage implements the period-bucketed usage gate and recorder.
//
// The gate is a read-only decision over the usage ledger; the recorder is the
// write path. The two are intentionally decoupled: callers batch-check before
// a long-running operation and record incrementally afterward. A
// check-then-record pair is NOT atomic; concurrent callers can overshoot a
// limit by up to (concurrency-1) x quantity unless they serialize per
// (user, meter, period) themselves.
package usage

import (
	"time"

	"metergate/internal/types"
)

// PeriodKey returns the deterministic bucket key for the given instant.
// Daily meters bucket by UTC calendar date, monthly meters by UTC calendar
// month. Unknown periods fall back to monthly, the coarser bucket.
func PeriodKey(now time.Time, period types.ResetPeriod) string {
	now = now.UTC()
	switch period {
	case types.ResetDaily:
		return now.Format("2006-01-02")
	case types.ResetMonthly:
		return now.Format("2006-01")
	default:
		return now.Format("2006-01")
	}
}

// ResetAt returns the first instant (UTC midnight) of the next bucket after
// now for the given reset period.
func ResetAt(now time.Time, period types.ResetPeriod) time.Time {
	now = now.UTC()
	switch period {
	case types.ResetDaily:
		return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	case types.ResetMonthly:
		return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	}
}
