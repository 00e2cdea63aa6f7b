package billing

import "metergate/internal/types"

// PriceMap is the static remote-price-id to local-plan-id mapping the webhook
// reconciler uses to interpret subscription events. It is built once from the
// plan definitions after a catalog sync; events carrying an unmapped price id
// are logged and ignored rather than fuzzy-matched.
type PriceMap map[string]string

// BuildPriceMap derives the price-id mapping from plan definitions. Plans
// without a recorded remote price id (free plans, plans never synced) are
// absent from the map.
func BuildPriceMap(plans []types.PlanConfig) PriceMap {
	m := make(PriceMap, len(plans))
	for _, plan := range plans {
		if plan.RemotePriceID != "" {
			m[plan.RemotePriceID] = plan.ID
		}
	}
	return m
}

// PlanFor resolves a local plan id from a remote price id.
func (m PriceMap) PlanFor(priceID string) (string, bool) {
	planID, ok := m[priceID]
	return planID, ok
}
