package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultResendURL = "https://api.resend.com"
	DefaultFrom      = "FeeZero <noreply@feezero.com>"
)

// SendError is a failed Resend call. Retryable is true for network
// failures, 429 and 5xx.
type SendError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *SendError) Error() string {
	if e.StatusCode == 0 {
		return "resend: " + e.Message
	}
	return fmt.Sprintf("resend: status %d: %s", e.StatusCode, e.Message)
}

type ResendOptions struct {
	APIKey     string
	From       string
	BaseURL    string
	Timeout    time.Duration
	DevMode    bool
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// ResendMailer sends email through the Resend API.
type ResendMailer struct {
	apiKey  string
	from    string
	baseURL string
	devMode bool
	client  *http.Client
	logger  *slog.Logger
}

func NewResendMailer(opts ResendOptions) *ResendMailer {
	if opts.From == "" {
		opts.From = DefaultFrom
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultResendURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ResendMailer{
		apiKey:  opts.APIKey,
		from:    opts.From,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		devMode: opts.DevMode,
		client:  opts.HTTPClient,
		logger:  opts.Logger.With("component", "resend"),
	}
}

// IsTestKey reports whether a Resend key should run the mailer in dev mode.
func IsTestKey(apiKey string) bool {
	return apiKey == "" || strings.Contains(apiKey, "test_key")
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send delivers msg to one recipient and returns the provider message id.
// Resend drops repeated requests with the same idempotency key.
func (m *ResendMailer) Send(ctx context.Context, to string, msg *Message, idempotencyKey string) (string, error) {
	if m.devMode {
		m.logger.Info("dev mode: email not sent", "to", to, "subject", msg.Subject, "idempotency_key", idempotencyKey)
		return "dev-email-" + idempotencyKey, nil
	}

	body, err := json.Marshal(sendRequest{From: m.from, To: []string{to}, Subject: msg.Subject, HTML: msg.HTML})
	if err != nil {
		return "", fmt.Errorf("marshal email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", &SendError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &SendError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &SendError{StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	return out.ID, nil
}
