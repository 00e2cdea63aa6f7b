package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidField ErrorCode = "validation_invalid_field"
	ErrCodeValidationBadJSON      ErrorCode = "validation_invalid_json"

	// Metering
	ErrCodeUnknownMeter ErrorCode = "unknown_meter"

	// Webhook (400 -- the one hard-fail path)
	ErrCodeWebhookSignature ErrorCode = "webhook_signature_invalid"

	// Reconciliation (soft failures, logged and acknowledged)
	ErrCodePlanResolution ErrorCode = "plan_resolution_failed"

	// Remote catalog / forwarding
	ErrCodeRemoteCatalog ErrorCode = "remote_catalog_error"
	ErrCodeRemoteForward ErrorCode = "remote_forward_error"

	// Store
	ErrCodeStoreUnavailable ErrorCode = "store_unavailable"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamStripe     ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamRateLimit  ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamDown       ErrorCode = "upstream_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case c == ErrCodeUnknownMeter:
		return http.StatusBadRequest
	case c == ErrCodeWebhookSignature:
		return http.StatusBadRequest
	case c == ErrCodePlanResolution:
		return http.StatusUnprocessableEntity
	case c == ErrCodeUpstreamRateLimit:
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_") || strings.HasPrefix(s, "remote_"):
		return http.StatusBadGateway
	case c == ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the engine.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Details: details}
}

// NewUnknownMeterError is the canonical error for gate/recorder calls naming
// a meter absent from configuration. Always surfaced, never swallowed.
func NewUnknownMeterError(meterID string) *AppError {
	return NewAppErrorWithDetails(
		ErrCodeUnknownMeter,
		fmt.Sprintf("meter %q is not configured", meterID),
		nil,
		map[string]any{"meter_id": meterID},
	)
}
