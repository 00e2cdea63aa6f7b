package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"metergate/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// planIDMetadataKey tags remote products with the local plan identifier so
// repeated catalog syncs find the same product instead of creating duplicates.
const planIDMetadataKey = "plan_id"

// Product is the subset of a remote catalog product this engine reads.
// Remote catalog objects are externally authoritative; the engine creates and
// updates them but never deletes.
type Product struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Active   bool              `json:"active"`
	Metadata map[string]string `json:"metadata"`
}

// Recurring is the billing recurrence of a remote price.
type Recurring struct {
	Interval string `json:"interval"`
}

// Price is the subset of a remote catalog price this engine reads.
type Price struct {
	ID         string            `json:"id"`
	Active     bool              `json:"active"`
	UnitAmount int64             `json:"unit_amount"`
	Currency   string            `json:"currency"`
	ProductID  string            `json:"product"`
	Recurring  *Recurring        `json:"recurring"`
	Metadata   map[string]string `json:"metadata"`
}

// CheckoutSession is the result of creating a checkout session. URL is set
// for redirect-based checkout, ClientSecret for embedded checkout.
type CheckoutSession struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	ClientSecret string `json:"client_secret"`
}

type productList struct {
	Data    []Product `json:"data"`
	HasMore bool      `json:"has_more"`
}

type priceList struct {
	Data    []Price `json:"data"`
	HasMore bool    `json:"has_more"`
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API through BaseClient so every call
// inherits the platform's resilience behavior (circuit breaker, retries,
// error mapping) and is testable with httptest.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient over the given *http.Client.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Metergate/1.0",
		WithSleepFunc(time.Sleep),
	)
	return newStripeClient(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful in tests to control retry and breaker behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	return newStripeClient(base, cfg)
}

func newStripeClient(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// Catalog Operations
// ---------------------------------------------------------------------------

// FindProductByPlanID searches the remote catalog for a product tagged with
// the given local plan identifier. Returns (nil, nil) when no product matches.
func (s *StripeClient) FindProductByPlanID(ctx context.Context, planID string) (*Product, error) {
	params := url.Values{}
	params.Set("query", fmt.Sprintf("metadata['%s']:'%s'", planIDMetadataKey, planID))

	resp, err := s.doGet(ctx, "/v1/products/search", params)
	if err != nil {
		return nil, s.wrapStripeError("FindProductByPlanID", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "FindProductByPlanID")
	}

	var list productList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe product search response",
			err,
		)
	}
	if len(list.Data) == 0 {
		return nil, nil
	}
	if len(list.Data) > 1 {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeRemoteCatalog,
			fmt.Sprintf("ambiguous product search: %d products tagged with plan %q", len(list.Data), planID),
			nil,
			map[string]any{"plan_id": planID, "count": len(list.Data)},
		)
	}
	product := list.Data[0]
	return &product, nil
}

// CreateProduct creates a remote product tagged with the local plan id.
func (s *StripeClient) CreateProduct(ctx context.Context, planID, name string) (*Product, error) {
	params := url.Values{}
	params.Set("name", name)
	params.Set(fmt.Sprintf("metadata[%s]", planIDMetadataKey), planID)

	resp, err := s.doPost(ctx, "/v1/products", params)
	if err != nil {
		return nil, s.wrapStripeError("CreateProduct", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateProduct")
	}

	var product Product
	if err := json.NewDecoder(resp.Body).Decode(&product); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe product creation response",
			err,
		)
	}
	return &product, nil
}

// UpdateProductName renames a remote product in place.
func (s *StripeClient) UpdateProductName(ctx context.Context, productID, name string) error {
	params := url.Values{}
	params.Set("name", name)

	resp, err := s.doPost(ctx, "/v1/products/"+productID, params)
	if err != nil {
		return s.wrapStripeError("UpdateProductName", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "UpdateProductName")
	}
	return nil
}

// GetPrice fetches a single price by id. Returns (nil, nil) when the price no
// longer exists.
func (s *StripeClient) GetPrice(ctx context.Context, priceID string) (*Price, error) {
	resp, err := s.doGet(ctx, "/v1/prices/"+priceID, nil)
	if err != nil {
		return nil, s.wrapStripeError("GetPrice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetPrice")
	}

	var price Price
	if err := json.NewDecoder(resp.Body).Decode(&price); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe price response",
			err,
		)
	}
	return &price, nil
}

// ListActivePrices returns the active prices under the given product.
func (s *StripeClient) ListActivePrices(ctx context.Context, productID string) ([]Price, error) {
	params := url.Values{}
	params.Set("product", productID)
	params.Set("active", "true")
	params.Set("limit", "100")

	resp, err := s.doGet(ctx, "/v1/prices", params)
	if err != nil {
		return nil, s.wrapStripeError("ListActivePrices", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListActivePrices")
	}

	var list priceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe price list response",
			err,
		)
	}
	return list.Data, nil
}

// CreatePrice creates a recurring price in minor currency units under the
// given product.
func (s *StripeClient) CreatePrice(ctx context.Context, productID string, amountMinor int64, currency string, interval types.BillingInterval) (*Price, error) {
	params := url.Values{}
	params.Set("product", productID)
	params.Set("unit_amount", fmt.Sprintf("%d", amountMinor))
	params.Set("currency", strings.ToLower(currency))
	params.Set("recurring[interval]", string(interval))

	resp, err := s.doPost(ctx, "/v1/prices", params)
	if err != nil {
		return nil, s.wrapStripeError("CreatePrice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreatePrice")
	}

	var price Price
	if err := json.NewDecoder(resp.Body).Decode(&price); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe price creation response",
			err,
		)
	}
	return &price, nil
}

// ---------------------------------------------------------------------------
// Checkout & Meter Events
// ---------------------------------------------------------------------------

// CreateCheckoutSession posts pre-built checkout parameters (see
// billing.BuildCheckoutParams) and returns the resulting session.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, params url.Values) (*CheckoutSession, error) {
	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}
	return &session, nil
}

// ForwardMeterEvent reports a counter increment to Stripe's billing meters.
// Callers treat failures as best effort; the local ledger stays authoritative.
func (s *StripeClient) ForwardMeterEvent(ctx context.Context, eventName, userID string, quantity int64) error {
	params := url.Values{}
	params.Set("event_name", eventName)
	params.Set("payload[stripe_customer_id]", userID)
	params.Set("payload[value]", fmt.Sprintf("%d", quantity))

	resp, err := s.doPost(ctx, "/v1/billing/meter_events", params)
	if err != nil {
		return types.NewAppError(types.ErrCodeRemoteForward, "meter event forward failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.NewAppError(
			types.ErrCodeRemoteForward,
			fmt.Sprintf("meter event forward returned status %d", resp.StatusCode),
			nil,
		)
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimit,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamDown,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Error.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// AppErrors from BaseClient (circuit breaker, retries exhausted) already
	// carry the right code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// WebhookVerifier checks a raw webhook payload against its signature header.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification: HMAC-SHA256 over the exact raw bytes with
// timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header and
// signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
