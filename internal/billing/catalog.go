// Package billing implements the catalog synchronizer, the checkout session
// builder, and the price-to-plan mapping shared with the webhook reconciler.
package billing

import (
	"context"
	"log/slog"

	"metergate/internal/external"
	"metergate/internal/types"
)

// SyncAction describes the outcome of one plan's catalog synchronization.
type SyncAction string

const (
	// SyncUnchanged: the recorded remote price still matches; nothing mutated.
	SyncUnchanged SyncAction = "unchanged"
	// SyncFound: an existing remote price matched and its id was adopted.
	SyncFound SyncAction = "found"
	// SyncCreated: a new remote price was created.
	SyncCreated SyncAction = "created"
	// SyncSkipped: the plan is free; no remote object exists or was created.
	SyncSkipped SyncAction = "skipped"
	// SyncError: this plan failed; the rest of the batch still ran.
	SyncError SyncAction = "error"
)

// SyncResult is one entry of the per-plan result list returned by Sync.
type SyncResult struct {
	PlanID        string     `json:"planId"`
	Action        SyncAction `json:"action"`
	RemotePriceID string     `json:"remotePriceId,omitempty"`
	Err           error      `json:"-"`
	ErrMessage    string     `json:"error,omitempty"`
}

// CatalogAPI is the remote-catalog surface the synchronizer needs.
// Implemented by external.StripeClient.
type CatalogAPI interface {
	FindProductByPlanID(ctx context.Context, planID string) (*external.Product, error)
	CreateProduct(ctx context.Context, planID, name string) (*external.Product, error)
	UpdateProductName(ctx context.Context, productID, name string) error
	GetPrice(ctx context.Context, priceID string) (*external.Price, error)
	ListActivePrices(ctx context.Context, productID string) ([]external.Price, error)
	CreatePrice(ctx context.Context, productID string, amountMinor int64, currency string, interval types.BillingInterval) (*external.Price, error)
}

// Synchronizer pushes local plan definitions into the remote catalog and
// writes resolved remote price ids back into the plan definitions. Its only
// remote mutations are create-if-absent and update-display-name, so re-runs
// converge to a fixed point.
type Synchronizer struct {
	client   CatalogAPI
	currency string
	logger   *slog.Logger
}

// NewSynchronizer creates a Synchronizer. currency defaults to usd.
func NewSynchronizer(client CatalogAPI, currency string, logger *slog.Logger) *Synchronizer {
	if currency == "" {
		currency = "usd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{client: client, currency: currency, logger: logger}
}

// Sync processes plans sequentially, one result entry per plan. Failures on
// one plan never abort the rest. Resolved price ids are written back into the
// given plan structs; the caller persists the updated definitions.
func (s *Synchronizer) Sync(ctx context.Context, plans []*types.PlanConfig) []SyncResult {
	results := make([]SyncResult, 0, len(plans))
	for _, plan := range plans {
		results = append(results, s.syncPlan(ctx, plan))
	}
	return results
}

func (s *Synchronizer) syncPlan(ctx context.Context, plan *types.PlanConfig) SyncResult {
	if plan.IsFree() {
		// Zero-price plans never get remote objects.
		return SyncResult{PlanID: plan.ID, Action: SyncSkipped}
	}

	interval := plan.BillingInterval
	if interval == "" {
		interval = types.IntervalMonth
	}
	amount := plan.MinorUnits()

	// Step 1: resolve the product by plan-id metadata tag.
	product, err := s.client.FindProductByPlanID(ctx, plan.ID)
	if err != nil {
		return s.failure(ctx, plan.ID, "product search failed", err)
	}
	if product == nil {
		product, err = s.client.CreateProduct(ctx, plan.ID, plan.DisplayName)
		if err != nil {
			return s.failure(ctx, plan.ID, "product creation failed", err)
		}
		s.logger.InfoContext(ctx, "created remote product",
			"plan_id", plan.ID,
			"product_id", product.ID,
		)
	} else if product.Name != plan.DisplayName {
		if err := s.client.UpdateProductName(ctx, product.ID, plan.DisplayName); err != nil {
			return s.failure(ctx, plan.ID, "product rename failed", err)
		}
		s.logger.InfoContext(ctx, "renamed remote product",
			"plan_id", plan.ID,
			"product_id", product.ID,
			"name", plan.DisplayName,
		)
	}

	// Step 2a: a recorded price that still matches wins outright.
	if plan.RemotePriceID != "" {
		price, err := s.client.GetPrice(ctx, plan.RemotePriceID)
		if err != nil {
			return s.failure(ctx, plan.ID, "recorded price fetch failed", err)
		}
		if price != nil && price.Active && price.UnitAmount == amount {
			return SyncResult{PlanID: plan.ID, Action: SyncUnchanged, RemotePriceID: price.ID}
		}
	}

	// Step 2b: adopt an existing active price with matching amount and interval.
	prices, err := s.client.ListActivePrices(ctx, product.ID)
	if err != nil {
		return s.failure(ctx, plan.ID, "price listing failed", err)
	}
	for _, price := range prices {
		if price.UnitAmount == amount && price.Recurring != nil && price.Recurring.Interval == string(interval) {
			plan.RemotePriceID = price.ID
			return SyncResult{PlanID: plan.ID, Action: SyncFound, RemotePriceID: price.ID}
		}
	}

	// Step 2c: nothing matches; create a new price.
	price, err := s.client.CreatePrice(ctx, product.ID, amount, s.currency, interval)
	if err != nil {
		return s.failure(ctx, plan.ID, "price creation failed", err)
	}
	plan.RemotePriceID = price.ID
	s.logger.InfoContext(ctx, "created remote price",
		"plan_id", plan.ID,
		"price_id", price.ID,
		"amount_minor", amount,
	)
	return SyncResult{PlanID: plan.ID, Action: SyncCreated, RemotePriceID: price.ID}
}

func (s *Synchronizer) failure(ctx context.Context, planID, msg string, err error) SyncResult {
	wrapped := types.NewAppErrorWithDetails(
		types.ErrCodeRemoteCatalog,
		msg,
		err,
		map[string]any{"plan_id": planID},
	)
	s.logger.ErrorContext(ctx, "catalog sync failed for plan",
		"plan_id", planID,
		"error", wrapped,
	)
	return SyncResult{PlanID: planID, Action: SyncError, Err: wrapped, ErrMessage: wrapped.Error()}
}
