package external

// Stripe webhook event types handled by the reconciler.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventSubUpdated        = "customer.subscription.updated"
	EventSubDeleted        = "customer.subscription.deleted"
	EventInvoiceFailed     = "invoice.payment_failed"
	EventTrialWillEnd      = "customer.subscription.trial_will_end"
)
