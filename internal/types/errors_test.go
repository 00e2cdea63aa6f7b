package types

import (
	"errors"
	"net/http"
	"testing"
)

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationBadJSON, http.StatusBadRequest},
		{ErrCodeUnknownMeter, http.StatusBadRequest},
		{ErrCodeWebhookSignature, http.StatusBadRequest},
		{ErrCodePlanResolution, http.StatusUnprocessableEntity},
		{ErrCodeUpstreamRateLimit, http.StatusTooManyRequests},
		{ErrCodeUpstreamStripe, http.StatusBadGateway},
		{ErrCodeUpstreamDown, http.StatusBadGateway},
		{ErrCodeRemoteCatalog, http.StatusBadGateway},
		{ErrCodeRemoteForward, http.StatusBadGateway},
		{ErrCodeStoreUnavailable, http.StatusServiceUnavailable},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{ErrorCode("something_new"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewAppError(ErrCodeInternalDB, "query failed", inner)

	if !errors.Is(err, inner) {
		t.Error("AppError must unwrap to its cause")
	}

	var appErr *AppError
	if !errors.As(error(err), &appErr) || appErr.Code != ErrCodeInternalDB {
		t.Errorf("errors.As failed: %v", err)
	}
}

func TestNewUnknownMeterError(t *testing.T) {
	err := NewUnknownMeterError("ghost")

	if err.Code != ErrCodeUnknownMeter {
		t.Errorf("Code = %s", err.Code)
	}
	if err.Details["meter_id"] != "ghost" {
		t.Errorf("Details = %v", err.Details)
	}
	if err.HTTPStatus() != http.StatusBadRequest {
		t.Errorf("HTTPStatus() = %d, want 400", err.HTTPStatus())
	}
}
