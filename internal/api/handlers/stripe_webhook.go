// This file implements the webhook reconciler: it verifies inbound Stripe
// events and translates subscription-lifecycle changes into local plan-state
// mutations.
//
// The handler is NOT behind auth middleware -- it is called directly by the
// processor. Security is provided by verifying the Stripe-Signature header
// over the exact raw request bytes.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"metergate/internal/billing"
	"metergate/internal/core"
	"metergate/internal/external"
	"metergate/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a webhook payload (64 KB).
// Stripe webhook payloads are small; this limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// UserMutator is the single injected user-mutation surface. All plan-state
// changes the reconciler makes go through it, keeping the component decoupled
// from any specific user-store implementation.
type UserMutator interface {
	SetPlan(ctx context.Context, userID, planID string) error
	SetFlag(ctx context.Context, userID, key string, value bool) error
}

// UserResolver resolves a user id from an email address, used as the fallback
// when an event carries no userId metadata. ("", nil) means no match.
type UserResolver interface {
	FindIDByEmail(ctx context.Context, email string) (string, error)
}

// EventLedger deduplicates events by id. Optional: without one the handler is
// at-least-once and replayed events re-run their (idempotent) mutations.
type EventLedger interface {
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}

// StripeWebhookHandler reconciles remote subscription-lifecycle events onto
// local plan state. Signature verification is the only hard-fail path;
// business-logic failures are logged and the event is still acknowledged,
// because the processor only redelivers on non-2xx and re-delivery of an
// already-actioned event helps nobody.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	users    UserMutator
	resolver UserResolver
	prices   billing.PriceMap
	ledger   EventLedger
	secret   types.SecretString
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates the reconciler. resolver and ledger may be
// nil; email fallback and replay suppression are then disabled.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	users UserMutator,
	resolver UserResolver,
	prices billing.PriceMap,
	ledger EventLedger,
	secret types.SecretString,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		users:    users,
		resolver: resolver,
		prices:   prices,
		ledger:   ledger,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Separate from the usage routes
// because webhook routes are public (no auth middleware).
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook/stripe", h.Handle)
}

type webhookAck struct {
	Received bool `json:"received"`
}

// Handle processes one incoming webhook event:
//  1. Reads the raw body (signature verification operates over exact bytes).
//  2. Verifies the Stripe-Signature header; failure is a 400 and nothing runs.
//  3. Suppresses replayed event ids when a ledger is configured.
//  4. Routes by event type; business failures are logged, not surfaced.
//  5. Acknowledges with 200 {received:true}.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookSignature,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookSignature,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationBadJSON,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if h.ledger != nil && event.ID != "" {
		first, err := h.ledger.MarkProcessed(r.Context(), event.ID)
		if err != nil {
			// Ledger trouble must not block delivery; fall through and
			// process at-least-once.
			h.logger.WarnContext(r.Context(), "processed-event ledger unavailable",
				"event_id", event.ID,
				"error", err,
			)
		} else if !first {
			h.logger.InfoContext(r.Context(), "suppressing replayed webhook event",
				"event_id", event.ID,
				"event_type", event.Type,
			)
			core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
			return
		}
	}

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		// Acknowledge anyway: the processor does not retry on success-shaped
		// responses, and failing here would block re-delivery of an
		// already-actioned event.
	}

	core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
}

// routeEvent dispatches by event type.
func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *webhookEvent) error {
	switch event.Type {
	case external.EventCheckoutCompleted:
		return h.handleCheckoutCompleted(ctx, event)

	case external.EventSubUpdated:
		return h.handleSubscriptionUpdated(ctx, event)

	case external.EventSubDeleted:
		return h.handleSubscriptionDeleted(ctx, event)

	case external.EventInvoiceFailed:
		return h.handlePaymentFailed(ctx, event)

	case external.EventTrialWillEnd:
		// Observability only; notification systems hook in outside this core.
		h.logger.InfoContext(ctx, "trial ending soon",
			"event_id", event.ID,
		)
		return nil

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// handleCheckoutCompleted assigns the plan purchased at checkout. The userId
// comes from session metadata, falling back to a customer-email lookup; the
// planId comes from session metadata only. A plan is never guessed from the
// price at this stage.
func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *webhookEvent) error {
	session, err := event.checkoutSession()
	if err != nil {
		return err
	}

	userID := session.Metadata[types.MetadataUserID]
	if userID == "" {
		userID = h.resolveByEmail(ctx, session.email())
	}
	planID := session.Metadata[types.MetadataPlanID]

	if userID == "" || planID == "" {
		h.logger.WarnContext(ctx, "checkout completed without resolvable user or plan",
			"event_id", event.ID,
			"has_user", userID != "",
			"has_plan", planID != "",
		)
		return nil
	}

	h.logger.InfoContext(ctx, "assigning plan from checkout",
		"event_id", event.ID,
		"user_id", userID,
		"plan_id", planID,
	)
	return h.users.SetPlan(ctx, userID, planID)
}

// handleSubscriptionUpdated maps the subscription's active price id onto a
// local plan through the static price map. Unmapped price ids are logged and
// skipped; there is no fuzzy matching.
func (h *StripeWebhookHandler) handleSubscriptionUpdated(ctx context.Context, event *webhookEvent) error {
	sub, err := event.subscription()
	if err != nil {
		return err
	}

	userID := sub.Metadata[types.MetadataUserID]
	if userID == "" {
		h.logger.WarnContext(ctx, "subscription updated without userId metadata",
			"event_id", event.ID,
		)
		return nil
	}

	priceID := sub.activePriceID()
	planID, ok := h.prices.PlanFor(priceID)
	if !ok {
		h.logger.WarnContext(ctx, "subscription price id has no local plan mapping",
			"event_id", event.ID,
			"price_id", priceID,
		)
		return nil
	}

	h.logger.InfoContext(ctx, "updating plan from subscription",
		"event_id", event.ID,
		"user_id", userID,
		"plan_id", planID,
	)
	return h.users.SetPlan(ctx, userID, planID)
}

// handleSubscriptionDeleted downgrades the user to the baseline plan.
func (h *StripeWebhookHandler) handleSubscriptionDeleted(ctx context.Context, event *webhookEvent) error {
	sub, err := event.subscription()
	if err != nil {
		return err
	}

	userID := sub.Metadata[types.MetadataUserID]
	if userID == "" {
		h.logger.WarnContext(ctx, "subscription deleted without userId metadata",
			"event_id", event.ID,
		)
		return nil
	}

	h.logger.InfoContext(ctx, "downgrading user after subscription deletion",
		"event_id", event.ID,
		"user_id", userID,
	)
	return h.users.SetPlan(ctx, userID, types.DefaultPlanID)
}

// handlePaymentFailed sets the non-blocking paymentFailed flag; the plan is
// untouched (dunning is out of scope).
func (h *StripeWebhookHandler) handlePaymentFailed(ctx context.Context, event *webhookEvent) error {
	invoice, err := event.invoice()
	if err != nil {
		return err
	}

	userID := invoice.userID()
	if userID == "" {
		userID = h.resolveByEmail(ctx, invoice.CustomerEmail)
	}
	if userID == "" {
		h.logger.WarnContext(ctx, "payment failure without resolvable user",
			"event_id", event.ID,
		)
		return nil
	}

	h.logger.WarnContext(ctx, "flagging payment failure",
		"event_id", event.ID,
		"user_id", userID,
	)
	return h.users.SetFlag(ctx, userID, types.PaymentFailedFlag, true)
}

func (h *StripeWebhookHandler) resolveByEmail(ctx context.Context, email string) string {
	if email == "" || h.resolver == nil {
		return ""
	}
	userID, err := h.resolver.FindIDByEmail(ctx, email)
	if err != nil {
		h.logger.WarnContext(ctx, "user lookup by email failed", "error", err)
		return ""
	}
	return userID
}

// ---------------------------------------------------------------------------
// Event Parsing
// ---------------------------------------------------------------------------

// webhookEvent is a minimal representation of a Stripe webhook event tailored
// to the fields the reconciler reads. The full stripe.Event type is avoided
// to keep the handler decoupled from the SDK and simple to test.
type webhookEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type webhookEventData struct {
	Object json.RawMessage `json:"object"`
}

type checkoutSessionObj struct {
	Metadata        map[string]string `json:"metadata"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func (s *checkoutSessionObj) email() string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

type subscriptionObj struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *subscriptionObj) activePriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

type invoiceObj struct {
	Metadata            map[string]string `json:"metadata"`
	CustomerEmail       string            `json:"customer_email"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

func (i *invoiceObj) userID() string {
	if i.SubscriptionDetails != nil {
		if id := i.SubscriptionDetails.Metadata[types.MetadataUserID]; id != "" {
			return id
		}
	}
	return i.Metadata[types.MetadataUserID]
}

func (e *webhookEvent) object() (json.RawMessage, error) {
	var data webhookEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationBadJSON, "invalid webhook event data", err)
	}
	return data.Object, nil
}

func (e *webhookEvent) checkoutSession() (*checkoutSessionObj, error) {
	obj, err := e.object()
	if err != nil {
		return nil, err
	}
	var session checkoutSessionObj
	if err := json.Unmarshal(obj, &session); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationBadJSON, "invalid checkout session object", err)
	}
	return &session, nil
}

func (e *webhookEvent) subscription() (*subscriptionObj, error) {
	obj, err := e.object()
	if err != nil {
		return nil, err
	}
	var sub subscriptionObj
	if err := json.Unmarshal(obj, &sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationBadJSON, "invalid subscription object", err)
	}
	return &sub, nil
}

func (e *webhookEvent) invoice() (*invoiceObj, error) {
	obj, err := e.object()
	if err != nil {
		return nil, err
	}
	var invoice invoiceObj
	if err := json.Unmarshal(obj, &invoice); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationBadJSON, "invalid invoice object", err)
	}
	return &invoice, nil
}
