// Package types defines the shared domain model for the metergate engine:
// meter and plan definitions, usage events, gate results, and the error
// taxonomy used across all components.
package types

import "time"

// MeterKind distinguishes counting meters from binary entitlement flags.
type MeterKind string

const (
	// MeterCounter accumulates quantity within a period bucket.
	MeterCounter MeterKind = "counter"
	// MeterFlag is a binary entitlement; any positive limit grants access.
	MeterFlag MeterKind = "flag"
)

// ResetPeriod is the cadence at which a meter's usage bucket rolls over.
type ResetPeriod string

const (
	ResetDaily   ResetPeriod = "day"
	ResetMonthly ResetPeriod = "month"
)

// DefaultPlanID is the baseline plan assigned when no plan can be resolved.
const DefaultPlanID = "free"

// MeterConfig describes one limited resource dimension. Instances are loaded
// from configuration and are immutable afterwards; components that hand a
// MeterConfig to callers must return a copy (see Clone).
type MeterConfig struct {
	ID              string           `json:"id" validate:"required"`
	Unit            string           `json:"unit"`
	Kind            MeterKind        `json:"kind" validate:"required,oneof=counter flag"`
	ResetPeriod     ResetPeriod      `json:"resetPeriod" validate:"required,oneof=day month"`
	Limits          map[string]int64 `json:"limits"`
	WarningAt       int              `json:"warningAt,omitempty" validate:"gte=0,lte=100"`
	RemoteMeterName string           `json:"remoteMeterName,omitempty"`
}

// LimitFor returns the configured limit for the given plan, or 0 when the
// plan has no entry. A zero limit denies counter meters and flag meters alike.
func (m *MeterConfig) LimitFor(planID string) int64 {
	return m.Limits[planID]
}

// Clone returns a deep copy of the meter configuration, safe for callers to
// hold without aliasing the configuration-owned instance.
func (m *MeterConfig) Clone() MeterConfig {
	out := *m
	out.Limits = make(map[string]int64, len(m.Limits))
	for k, v := range m.Limits {
		out.Limits[k] = v
	}
	return out
}

// BillingInterval is the recurrence of a paid plan. Only monthly billing is
// supported.
type BillingInterval string

const IntervalMonth BillingInterval = "month"

// PlanConfig describes a subscription tier. The Catalog Synchronizer is the
// only component that mutates a PlanConfig, and only to record the resolved
// RemotePriceID.
type PlanConfig struct {
	ID          string          `json:"id" validate:"required"`
	DisplayName string          `json:"displayName" validate:"required"`
	// Price is the plan price in major currency units (e.g. dollars).
	// Remote amounts are derived via MinorUnits.
	Price           float64         `json:"price"`
	BillingInterval BillingInterval `json:"billingInterval" validate:"omitempty,oneof=month"`
	RemotePriceID   string          `json:"remotePriceId,omitempty"`
}

// MinorUnits converts the major-unit price to minor currency units using
// round-half-up, so repeated catalog syncs converge on the same amount.
func (p *PlanConfig) MinorUnits() int64 {
	if p.Price <= 0 {
		return 0
	}
	return int64(p.Price*100 + 0.5)
}

// IsFree reports whether the plan has no positive price. Free plans never get
// remote catalog objects.
func (p *PlanConfig) IsFree() bool {
	return p.Price <= 0
}

// UsageEvent is one append-only entry in the usage ledger.
type UsageEvent struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	MeterID   string            `json:"meterId"`
	Quantity  int64             `json:"quantity"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	PeriodKey string            `json:"periodKey"`
	CreatedAt time.Time         `json:"createdAt"`
}

// GateResult is the transient outcome of a usage check. It is never persisted.
type GateResult struct {
	Allowed    bool        `json:"allowed"`
	Current    int64       `json:"current"`
	Limit      int64       `json:"limit"`
	ResetAt    time.Time   `json:"resetAt"`
	Warning    bool        `json:"warning"`
	UpgradeURL string      `json:"upgradeUrl,omitempty"`
	Meter      MeterConfig `json:"meter"`
}

// CheckoutMetadata is the contract between checkout-session creation and the
// webhook reconciler: the processor echoes these fields back unchanged inside
// lifecycle events, and they are the sole linkage between a remote
// subscription and a local user.
type CheckoutMetadata struct {
	UserID string `json:"userId"`
	PlanID string `json:"planId"`
}

// Metadata key names shared by the checkout builder and the webhook
// reconciler. Renaming either side breaks subscription attribution.
const (
	MetadataUserID = "userId"
	MetadataPlanID = "planId"
)

// PaymentFailedFlag is the user flag set when an invoice payment fails.
// It is advisory and does not change the user's plan.
const PaymentFailedFlag = "paymentFailed"
