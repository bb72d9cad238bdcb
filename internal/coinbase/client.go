// Package coinbase is a small client for the Coinbase Commerce charges API.
package coinbase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://api.commerce.coinbase.com"
	apiVersion     = "2018-03-22"
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

// ChargeRequest is the body of POST /charges.
type ChargeRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	PricingType string            `json:"pricing_type"`
	LocalPrice  Money             `json:"local_price"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	CancelURL   string            `json:"cancel_url,omitempty"`
}

type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type Pricing struct {
	Local Money `json:"local"`
}

type TimelineEntry struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// Charge is the provider's view of a charge.
type Charge struct {
	ID        string          `json:"id"`
	Code      string          `json:"code"`
	HostedURL string          `json:"hosted_url"`
	Pricing   Pricing         `json:"pricing"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timeline  []TimelineEntry `json:"timeline,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

type chargeResponse struct {
	Data Charge `json:"data"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError describes a failed provider call. Retryable is true for
// network failures, timeouts, 429 and 5xx responses.
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("coinbase: request failed: %s", e.Message)
	}
	return fmt.Sprintf("coinbase: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// DevMode fakes provider responses without any network call.
	DevMode bool

	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Client talks to Coinbase Commerce.
type Client struct {
	apiKey  string
	baseURL string
	devMode bool
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		apiKey:  opts.APIKey,
		baseURL: baseURL,
		devMode: opts.DevMode,
		client:  httpClient,
		logger:  logger.With("component", "coinbase"),
	}
}

// IsTestKey reports whether an API key is a placeholder that should run
// the client in dev mode.
func IsTestKey(apiKey string) bool {
	return apiKey == "" || strings.Contains(apiKey, "test_")
}

// DevMode reports whether the client fakes provider calls.
func (c *Client) DevMode() bool { return c.devMode }

// CreateCharge issues a hosted charge.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if c.devMode {
		id := "test-charge-" + uuid.NewString()
		c.logger.Info("dev mode: charge not sent to provider",
			"charge_id", id,
			"amount", req.LocalPrice.Amount,
			"currency", req.LocalPrice.Currency,
		)
		return &Charge{
			ID:        id,
			Code:      "TEST" + strings.ToUpper(id[len(id)-8:]),
			HostedURL: "https://commerce.coinbase.com/charges/test",
			Pricing:   Pricing{Local: req.LocalPrice},
			CreatedAt: time.Now().UTC(),
		}, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal charge request: %w", err)
	}

	var resp chargeResponse
	if err := c.do(ctx, http.MethodPost, "/charges", body, &resp); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" || resp.Data.HostedURL == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "response missing id or hosted_url"}
	}
	return &resp.Data, nil
}

// GetCharge fetches a charge by id or code.
func (c *Client) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	if chargeID == "" {
		return nil, errors.New("coinbase: charge id is required")
	}
	if c.devMode {
		c.logger.Info("dev mode: charge not fetched from provider", "charge_id", chargeID)
		return &Charge{
			ID:        chargeID,
			Code:      "TESTCODE",
			HostedURL: "https://commerce.coinbase.com/charges/test",
			Pricing:   Pricing{Local: Money{Amount: "100.00", Currency: "USD"}},
		}, nil
	}

	var resp chargeResponse
	if err := c.do(ctx, http.MethodGet, "/charges/"+chargeID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("X-CC-Api-Key", c.apiKey)
	httpReq.Header.Set("X-CC-Version", apiVersion)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &APIError{Message: err.Error(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    msg,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}
