// Package notify delivers the side effects of charge transitions: escrow
// releases and payer emails, driven from the outbox.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feezero/payments/internal/domain"
)

// Mailer sends one rendered email.
type Mailer interface {
	Send(ctx context.Context, to string, msg *Message, idempotencyKey string) (string, error)
}

// EmailNotifier renders a localized template and mails it.
type EmailNotifier struct {
	mailer    Mailer
	templates *Templates
	logger    *slog.Logger
}

func NewEmailNotifier(mailer Mailer, templates *Templates, logger *slog.Logger) *EmailNotifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &EmailNotifier{mailer: mailer, templates: templates, logger: logger.With("component", "email")}
}

// Send renders template in lang and delivers it to to.
func (n *EmailNotifier) Send(ctx context.Context, to, template, lang string, data MessageData, idempotencyKey string) error {
	msg, err := n.templates.Render(template, lang, data)
	if err != nil {
		return err
	}
	id, err := n.mailer.Send(ctx, to, msg, idempotencyKey)
	if err != nil {
		return err
	}
	n.logger.Info("email sent", "template", template, "lang", lang, "charge_id", data.ChargeID, "message_id", id)
	return nil
}

// EscrowStore persists releases, at most one per charge.
type EscrowStore interface {
	Release(ctx context.Context, rel *domain.EscrowRelease) (bool, error)
}

// EscrowLedger releases escrowed funds for a contract once its charge
// completes. A contract is a project.
type EscrowLedger struct {
	store  EscrowStore
	logger *slog.Logger
	now    func() time.Time
}

func NewEscrowLedger(store EscrowStore, logger *slog.Logger, now func() time.Time) *EscrowLedger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if now == nil {
		now = time.Now
	}
	return &EscrowLedger{store: store, logger: logger.With("component", "escrow"), now: now}
}

// Release records the release. Releasing the same charge twice is a no-op.
func (l *EscrowLedger) Release(ctx context.Context, contractID, chargeID string, amount decimal.Decimal, currency string) error {
	created, err := l.store.Release(ctx, &domain.EscrowRelease{
		ChargeID:   chargeID,
		ContractID: contractID,
		Amount:     amount,
		Currency:   currency,
		ReleasedAt: l.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("release escrow for charge %s: %w", chargeID, err)
	}
	if created {
		l.logger.Info("escrow released",
			"contract_id", contractID,
			"charge_id", chargeID,
			"amount", amount.String(),
			"currency", currency,
		)
	} else {
		l.logger.Debug("escrow already released", "charge_id", chargeID)
	}
	return nil
}
