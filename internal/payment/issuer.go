// Package payment issues hosted charges and keeps the local record in step
// with the provider.
package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/feezero/payments/internal/coinbase"
	"github.com/feezero/payments/internal/currency"
	"github.com/feezero/payments/internal/domain"
	"github.com/feezero/payments/internal/repository"
)

const (
	defaultProviderTimeout = 10 * time.Second
	defaultLanguage        = "ko"
	chargeName             = "FeeZero Project Payment"
)

var supportedLanguages = map[string]bool{"ko": true, "en": true, "zh": true, "ja": true}

// Provider creates charges at the payment provider.
type Provider interface {
	CreateCharge(ctx context.Context, req coinbase.ChargeRequest) (*coinbase.Charge, error)
}

// ChargeStore is the subset of the charge repository the issuer writes to.
type ChargeStore interface {
	Create(ctx context.Context, c *domain.Charge) (*domain.Charge, bool, error)
	AttachProvider(ctx context.Context, id, chargeID, code, hostedURL string, at time.Time) error
	MarkIssuanceFailed(ctx context.Context, id, reason string, at time.Time) error
}

// CreateRequest is one request to collect payment for a project.
type CreateRequest struct {
	ProjectID    string
	PayerID      string
	Amount       decimal.Decimal
	Currency     string
	Description  string
	ProjectTitle string
	PayerEmail   string
	Language     string
}

// CreateResult is what the payer needs to complete the payment.
type CreateResult struct {
	ChargeID  string              `json:"charge_id"`
	Code      string              `json:"code,omitempty"`
	HostedURL string              `json:"hosted_url"`
	Status    domain.ChargeStatus `json:"status"`
	Existing  bool                `json:"existing"`
}

type Options struct {
	RedirectBaseURL string
	ProviderTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// Issuer creates charges. The local row is written before the provider is
// called so a provider charge never exists without a local record.
type Issuer struct {
	store           ChargeStore
	provider        Provider
	redirectBaseURL string
	timeout         time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

func NewIssuer(store ChargeStore, provider Provider, opts Options) *Issuer {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaultProviderTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Issuer{
		store:           store,
		provider:        provider,
		redirectBaseURL: strings.TrimRight(opts.RedirectBaseURL, "/"),
		timeout:         opts.ProviderTimeout,
		logger:          opts.Logger.With("component", "issuer"),
		now:             opts.Now,
	}
}

// Create issues a charge for the project/payer pair, or returns the
// active charge that already exists for it.
func (i *Issuer) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	now := i.now().UTC()
	charge := &domain.Charge{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		PayerID:     req.PayerID,
		Reference:   domain.ChargeReference(req.ProjectID, req.PayerID),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		PayerEmail:  req.PayerEmail,
		Language:    req.Language,
		Status:      domain.StatusCreated,
		Timeline: []domain.TimelineEntry{{
			Status:            domain.StatusCreated,
			Source:            domain.SourceIssuer,
			Applied:           true,
			ProviderTimestamp: now,
			ReceivedAt:        now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	stored, created, err := i.store.Create(ctx, charge)
	if errors.Is(err, repository.ErrActiveChargeExists) {
		return nil, ErrIssuanceInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("store charge: %w", err)
	}
	if !created {
		if stored.ChargeID == "" {
			return nil, ErrIssuanceInFlight
		}
		i.logger.Info("returning active charge",
			"reference", stored.Reference,
			"charge_id", stored.ChargeID,
			"status", stored.Status,
		)
		return &CreateResult{
			ChargeID:  stored.ChargeID,
			Code:      stored.Code,
			HostedURL: stored.HostedURL,
			Status:    stored.Status,
			Existing:  true,
		}, nil
	}

	pctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	resp, err := i.provider.CreateCharge(pctx, i.providerRequest(charge, req.ProjectTitle))
	if err != nil {
		i.failIssuance(ctx, charge, err)
		return nil, &IssuanceError{Err: err}
	}

	// The provider charge exists now; a client disconnect must not leave
	// the local row without it.
	actx := context.WithoutCancel(ctx)
	if err := i.store.AttachProvider(actx, charge.ID, resp.ID, resp.Code, resp.HostedURL, i.now().UTC()); err != nil {
		i.logger.Error("failed to attach provider charge",
			"id", charge.ID,
			"charge_id", resp.ID,
			"reference", charge.Reference,
			"error", err,
		)
		i.failIssuance(actx, charge, fmt.Errorf("attach provider charge %s: %w", resp.ID, err))
		return nil, fmt.Errorf("attach provider charge %s: %w", resp.ID, err)
	}

	i.logger.Info("charge issued",
		"charge_id", resp.ID,
		"reference", charge.Reference,
		"amount", currency.Format(charge.Amount, charge.Currency),
		"currency", charge.Currency,
	)
	return &CreateResult{
		ChargeID:  resp.ID,
		Code:      resp.Code,
		HostedURL: resp.HostedURL,
		Status:    domain.StatusCreated,
	}, nil
}

// failIssuance frees the reference so a resubmission can issue a fresh
// charge. It runs even if the request context is already done.
func (i *Issuer) failIssuance(ctx context.Context, charge *domain.Charge, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := i.store.MarkIssuanceFailed(ctx, charge.ID, cause.Error(), i.now().UTC()); err != nil {
		i.logger.Error("failed to mark charge as failed",
			"id", charge.ID,
			"reference", charge.Reference,
			"error", err,
		)
		return
	}
	i.logger.Warn("charge issuance failed",
		"id", charge.ID,
		"reference", charge.Reference,
		"retryable", IsRetryable(cause),
		"error", cause,
	)
}

func (i *Issuer) providerRequest(c *domain.Charge, projectTitle string) coinbase.ChargeRequest {
	req := coinbase.ChargeRequest{
		Name:        chargeName,
		Description: c.Description,
		PricingType: "fixed_price",
		LocalPrice: coinbase.Money{
			Amount:   currency.Format(c.Amount, c.Currency),
			Currency: c.Currency,
		},
		Metadata: map[string]string{
			"project_id":   c.ProjectID,
			"user_id":      c.PayerID,
			"platform":     "feezero",
			"payment_type": "project",
		},
	}
	if projectTitle != "" {
		req.Metadata["project_title"] = projectTitle
	}
	if i.redirectBaseURL != "" {
		base := i.redirectBaseURL + "/projects/" + c.ProjectID + "/payment"
		req.RedirectURL = base + "/success"
		req.CancelURL = base + "/cancel"
	}
	return req
}

func normalize(req *CreateRequest) error {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.PayerID = strings.TrimSpace(req.PayerID)
	req.ProjectTitle = strings.TrimSpace(req.ProjectTitle)
	req.Description = strings.TrimSpace(req.Description)
	req.PayerEmail = strings.TrimSpace(req.PayerEmail)
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))

	if req.ProjectID == "" {
		return &ValidationError{Field: "projectId", Message: "is required"}
	}
	if req.PayerID == "" {
		return &ValidationError{Field: "payerId", Message: "is required"}
	}
	if strings.Contains(req.ProjectID, ":") || strings.Contains(req.PayerID, ":") {
		return &ValidationError{Field: "projectId", Message: "ids must not contain ':'"}
	}

	code := currency.Normalize(req.Currency)
	if err := currency.Validate(code); err != nil {
		return &ValidationError{Field: "currency", Message: err.Error()}
	}
	req.Currency = code
	if err := currency.CheckAmount(req.Amount, code); err != nil {
		return &ValidationError{Field: "amount", Message: err.Error()}
	}

	if req.Description == "" {
		if req.ProjectTitle != "" {
			req.Description = "Payment for project: " + req.ProjectTitle
		} else {
			req.Description = "Payment for project " + req.ProjectID
		}
	}
	if req.Language == "" {
		req.Language = defaultLanguage
	}
	if !supportedLanguages[req.Language] {
		return &ValidationError{Field: "language", Message: fmt.Sprintf("unsupported language %q", req.Language)}
	}
	return nil
}
