package billing

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"metergate/internal/types"
)

// CheckoutRequest describes a subscription checkout session to build.
type CheckoutRequest struct {
	UserID     string
	UserEmail  string
	PriceID    string
	PlanID     string
	SuccessURL string
	CancelURL  string
	TrialDays  int
	Coupon     string
	// Embedded selects embedded checkout (client secret) instead of the
	// redirect flow; ReturnURL replaces SuccessURL in that mode.
	Embedded  bool
	ReturnURL string
	// ExtraMetadata is merged into the session metadata after the contract
	// fields; it cannot override userId/planId.
	ExtraMetadata map[string]string
}

// BuildCheckoutParams is a pure request builder: it produces the
// checkout-session parameters with metadata {userId, planId, ...extra}.
//
// The metadata shape is a contract with the webhook reconciler, which reads
// these exact keys back out of checkout.session.completed events. Renaming a
// field here without renaming it there silently breaks plan attribution.
func BuildCheckoutParams(req CheckoutRequest) (url.Values, error) {
	if req.UserID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "checkout requires a user id", nil)
	}
	if req.PlanID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "checkout requires a plan id", nil)
	}
	if req.PriceID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "checkout requires a price id", nil)
	}

	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("line_items[0][price]", req.PriceID)
	params.Set("line_items[0][quantity]", "1")

	if req.Embedded {
		if req.ReturnURL == "" {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField, "embedded checkout requires a return url", nil)
		}
		params.Set("ui_mode", "embedded")
		params.Set("return_url", req.ReturnURL)
	} else {
		if req.SuccessURL == "" {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField, "checkout requires a success url", nil)
		}
		params.Set("success_url", req.SuccessURL)
		if req.CancelURL != "" {
			params.Set("cancel_url", req.CancelURL)
		}
	}

	if req.UserEmail != "" {
		params.Set("customer_email", req.UserEmail)
	}
	if req.TrialDays > 0 {
		params.Set("subscription_data[trial_period_days]", strconv.Itoa(req.TrialDays))
	}
	if req.Coupon != "" {
		params.Set("discounts[0][coupon]", req.Coupon)
	}

	// Contract fields go on both the session and the subscription, so
	// subscription lifecycle events can resolve the user without a session.
	for _, extra := range sortedKeys(req.ExtraMetadata) {
		params.Set(fmt.Sprintf("metadata[%s]", extra), req.ExtraMetadata[extra])
	}
	params.Set(fmt.Sprintf("metadata[%s]", types.MetadataUserID), req.UserID)
	params.Set(fmt.Sprintf("metadata[%s]", types.MetadataPlanID), req.PlanID)
	params.Set(fmt.Sprintf("subscription_data[metadata][%s]", types.MetadataUserID), req.UserID)
	params.Set(fmt.Sprintf("subscription_data[metadata][%s]", types.MetadataPlanID), req.PlanID)

	return params, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// url.Values ordering does not matter for the API, but deterministic
	// building keeps tests stable.
	sort.Strings(keys)
	return keys
}
