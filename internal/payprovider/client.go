// Package payprovider talks to the external payment provider: opening
// checkout sessions and re-verifying transactions reported by webhooks.
package payprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transaction statuses reported by the provider.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
	StatusRefunded  = "refunded"
)

var (
	ErrInvalidClientConfig = errors.New("invalid provider client config")
	ErrLookupFailed        = errors.New("provider lookup failed")
	ErrCheckoutFailed      = errors.New("provider checkout failed")
)

// Transaction is the provider's own record of a checkout.
type Transaction struct {
	ExternalRef string `json:"external_ref"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount"`
}

// CheckoutRequest opens a hosted checkout session.
type CheckoutRequest struct {
	ExternalRef string `json:"external_ref"`
	AmountCents int64  `json:"amount"`
	Description string `json:"description"`
}

// CheckoutSession is the provider's response to a checkout request.
type CheckoutSession struct {
	CheckoutURL string `json:"checkout_url"`
}

// Client is the outbound provider contract consumed by the reconciler
// and the checkout flow.
type Client interface {
	CreateCheckout(ctx context.Context, request CheckoutRequest) (CheckoutSession, error)
	LookupTransaction(ctx context.Context, externalRef string) (Transaction, error)
}

// IsNegativeStatus reports whether a provider status terminates a checkout
// without payment.
func IsNegativeStatus(status string) bool {
	switch strings.TrimSpace(status) {
	case StatusFailed, StatusCancelled, StatusExpired, StatusRefunded:
		return true
	default:
		return false
	}
}

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient wires an HTTPClient. The timeout bounds every provider
// round trip; a timed-out lookup is a verification failure, never a skip.
func NewHTTPClient(baseURL string, apiKey string, timeout time.Duration) (*HTTPClient, error) {
	trimmedBaseURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedBaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidClientConfig)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrInvalidClientConfig)
	}
	return &HTTPClient{
		baseURL:    trimmedBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// CreateCheckout opens a hosted checkout session for a pending purchase.
func (client *HTTPClient) CreateCheckout(ctx context.Context, request CheckoutRequest) (CheckoutSession, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	endpoint := client.baseURL + "/v1/checkout/sessions"
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	defer response.Body.Close()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return CheckoutSession{}, fmt.Errorf("%w: status %d", ErrCheckoutFailed, response.StatusCode)
	}
	var session CheckoutSession
	if err := json.NewDecoder(response.Body).Decode(&session); err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	if strings.TrimSpace(session.CheckoutURL) == "" {
		return CheckoutSession{}, fmt.Errorf("%w: empty checkout url", ErrCheckoutFailed)
	}
	return session, nil
}

// LookupTransaction fetches the provider's record for an external ref.
func (client *HTTPClient) LookupTransaction(ctx context.Context, externalRef string) (Transaction, error) {
	endpoint := client.baseURL + "/v1/transactions/" + url.PathEscape(strings.TrimSpace(externalRef))
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer response.Body.Close()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return Transaction{}, fmt.Errorf("%w: status %d", ErrLookupFailed, response.StatusCode)
	}
	var transaction Transaction
	if err := json.NewDecoder(response.Body).Decode(&transaction); err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	return transaction, nil
}
