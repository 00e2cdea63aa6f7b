// Package main is the operator entrypoint for catalog synchronization: it
// pushes local plan definitions into the payment processor's catalog and
// persists the resolved remote price ids back into the catalog document.
//
// The routine is safe to re-run arbitrarily often; its only remote mutations
// are create-if-absent and update-display-name.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"metergate/internal/billing"
	"metergate/internal/config"
	"metergate/internal/external"
	"metergate/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		catalogPath = flag.String("catalog", "", "catalog document path (defaults to CATALOG_PATH)")
		dryRun      = flag.Bool("dry-run", false, "print the plan list without contacting the processor")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if *catalogPath == "" {
		*catalogPath = cfg.Catalog.Path
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	catalog, err := config.LoadCatalog(*catalogPath)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	plans := catalog.Plans()
	if *dryRun {
		for _, p := range plans {
			fmt.Printf("%-20s price=%d%s remote=%s\n", p.ID, p.MinorUnits(), cfg.Billing.Currency, p.RemotePriceID)
		}
		return nil
	}

	if cfg.Billing.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required for catalog sync")
	}

	client := external.NewStripeClient(
		&http.Client{Timeout: 20 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			Logger:    logger,
		},
	)

	sync := billing.NewSynchronizer(client, cfg.Billing.Currency, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Sync mutates the plan structs in place with resolved price ids.
	planPtrs := make([]*types.PlanConfig, len(plans))
	for i := range plans {
		planPtrs[i] = &plans[i]
	}
	results := sync.Sync(ctx, planPtrs)

	failed := 0
	for _, res := range results {
		if res.Action == billing.SyncError {
			failed++
			fmt.Printf("%-20s %-10s %v\n", res.PlanID, res.Action, res.Err)
			continue
		}
		fmt.Printf("%-20s %-10s %s\n", res.PlanID, res.Action, res.RemotePriceID)
	}

	catalog.SetPlans(plans)
	if err := catalog.Save(*catalogPath); err != nil {
		return fmt.Errorf("persisting catalog: %w", err)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d plans failed to sync", failed, len(results))
	}
	return nil
}
