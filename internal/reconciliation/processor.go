// Package reconciliation applies verified provider events to local charges.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/feezero/payments/internal/domain"
	"github.com/feezero/payments/internal/keylock"
	"github.com/feezero/payments/internal/repository"
)

const defaultMaxConflictRetries = 3

// Outcome classifies what Process did with an event.
type Outcome string

const (
	// OutcomeApplied: the event moved the charge to a new status.
	OutcomeApplied Outcome = "applied"
	// OutcomeRecorded: the event was added to the timeline only.
	OutcomeRecorded  Outcome = "recorded"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result is returned for every event that did not hit a storage error.
type Result struct {
	Outcome  Outcome             `json:"outcome"`
	EventID  string              `json:"event_id"`
	ChargeID string              `json:"charge_id"`
	From     domain.ChargeStatus `json:"from,omitempty"`
	Status   domain.ChargeStatus `json:"status,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Tasks    []domain.OutboxTask `json:"tasks,omitempty"`
}

// ChargeStore applies events atomically per charge.
type ChargeStore interface {
	ApplyEvent(ctx context.Context, req repository.ApplyRequest) (*repository.ApplyResult, error)
}

// IgnoredStore keeps acknowledged-but-unapplied events for operators.
type IgnoredStore interface {
	Insert(ctx context.Context, e *domain.IgnoredEvent) error
}

type Options struct {
	Locks              *keylock.Locker
	MaxConflictRetries int
	Logger             *slog.Logger
	Now                func() time.Time
}

// Processor reconciles provider events with stored charges.
type Processor struct {
	charges    ChargeStore
	ignored    IgnoredStore
	locks      *keylock.Locker
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

func NewProcessor(charges ChargeStore, ignored IgnoredStore, opts Options) *Processor {
	if opts.Locks == nil {
		opts.Locks = keylock.New()
	}
	if opts.MaxConflictRetries <= 0 {
		opts.MaxConflictRetries = defaultMaxConflictRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		charges:    charges,
		ignored:    ignored,
		locks:      opts.Locks,
		maxRetries: opts.MaxConflictRetries,
		logger:     opts.Logger.With("component", "reconciliation"),
		now:        opts.Now,
	}
}

// Effects lists the side effects owed when a charge enters status to.
func Effects(to domain.ChargeStatus) []domain.TaskKind {
	switch to {
	case domain.StatusCompleted:
		return []domain.TaskKind{domain.TaskEscrowRelease, domain.TaskEmailPaymentCompleted}
	case domain.StatusFailed:
		return []domain.TaskKind{domain.TaskEmailPaymentFailed}
	}
	return nil
}

// Process applies one verified webhook event. A nil error means the event
// is durably handled and may be acknowledged; any error means the provider
// should redeliver.
func (p *Processor) Process(ctx context.Context, event domain.WebhookEvent) (*Result, error) {
	return p.process(ctx, event, domain.SourceWebhook)
}

func (p *Processor) process(ctx context.Context, event domain.WebhookEvent, source string) (*Result, error) {
	if event.ID == "" || event.ChargeID == "" {
		return nil, errors.New("reconciliation: event id and charge id are required")
	}
	receivedAt := p.now().UTC()

	target, ok := event.Kind.TargetStatus()
	if !ok {
		return p.ignore(ctx, event, domain.IgnoreUnknownEventType, receivedAt)
	}

	providerTS := event.ProviderTimestamp
	if providerTS.IsZero() {
		providerTS = receivedAt
	}

	return p.apply(ctx, repository.ApplyRequest{
		ChargeID:          event.ChargeID,
		EventID:           event.ID,
		EventType:         event.RawType,
		Source:            source,
		Target:            target,
		ProviderTimestamp: providerTS,
		ReceivedAt:        receivedAt,
		Effects:           Effects,
	}, func() (*Result, error) {
		return p.ignore(ctx, event, domain.IgnoreUnknownCharge, receivedAt)
	})
}

// Cancel moves a non-terminal charge to cancelled on operator request.
// Repeating the call for the same charge is a duplicate.
func (p *Processor) Cancel(ctx context.Context, chargeID string) (*Result, error) {
	if chargeID == "" {
		return nil, errors.New("reconciliation: charge id is required")
	}
	now := p.now().UTC()
	return p.apply(ctx, repository.ApplyRequest{
		ChargeID:          chargeID,
		EventID:           "operator-cancel:" + chargeID,
		EventType:         "operator:cancel",
		Source:            domain.SourceOperator,
		Target:            domain.StatusCancelled,
		ProviderTimestamp: now,
		ReceivedAt:        now,
		Effects:           Effects,
	}, nil)
}

// apply runs req under the charge's lock, retrying lost version races.
// notFound decides the result for an unknown charge; nil surfaces
// repository.ErrNotFound to the caller.
func (p *Processor) apply(ctx context.Context, req repository.ApplyRequest, notFound func() (*Result, error)) (*Result, error) {
	unlock := p.locks.Lock(req.ChargeID)
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		res, err := p.charges.ApplyEvent(ctx, req)
		switch {
		case err == nil:
			return p.applied(req, res), nil
		case errors.Is(err, repository.ErrDuplicateEvent):
			p.logger.Debug("duplicate event", "event_id", req.EventID, "charge_id", req.ChargeID)
			return &Result{Outcome: OutcomeDuplicate, EventID: req.EventID, ChargeID: req.ChargeID}, nil
		case errors.Is(err, repository.ErrNotFound):
			if notFound == nil {
				return nil, err
			}
			return notFound()
		case errors.Is(err, repository.ErrConcurrentUpdate):
			lastErr = err
			p.logger.Debug("version conflict, retrying",
				"event_id", req.EventID,
				"charge_id", req.ChargeID,
				"attempt", attempt,
			)
			continue
		default:
			return nil, fmt.Errorf("apply event %s to charge %s: %w", req.EventID, req.ChargeID, err)
		}
	}
	return nil, fmt.Errorf("apply event %s to charge %s after %d attempts: %w",
		req.EventID, req.ChargeID, p.maxRetries, lastErr)
}

func (p *Processor) applied(req repository.ApplyRequest, res *repository.ApplyResult) *Result {
	out := &Result{
		Outcome:  OutcomeRecorded,
		EventID:  req.EventID,
		ChargeID: req.ChargeID,
		From:     res.From,
		Status:   res.Charge.Status,
		Tasks:    res.Tasks,
	}
	if res.Transitioned {
		out.Outcome = OutcomeApplied
		p.logger.Info("charge status changed",
			"charge_id", req.ChargeID,
			"event_id", req.EventID,
			"event_type", req.EventType,
			"from", res.From,
			"to", res.Charge.Status,
			"tasks", len(res.Tasks),
		)
	} else {
		p.logger.Info("event recorded without status change",
			"charge_id", req.ChargeID,
			"event_id", req.EventID,
			"event_type", req.EventType,
			"status", res.Charge.Status,
			"implied", req.Target,
		)
	}
	return out
}

// ignore acknowledges an event that touches no charge. The audit row is
// not part of the seen-set, so a later delivery can still apply once the
// charge is known. Failing to write it is a storage error.
func (p *Processor) ignore(ctx context.Context, event domain.WebhookEvent, reason string, receivedAt time.Time) (*Result, error) {
	p.logger.Warn("webhook event ignored",
		"event_id", event.ID,
		"charge_id", event.ChargeID,
		"event_type", event.RawType,
		"reason", reason,
	)
	if p.ignored != nil {
		err := p.ignored.Insert(ctx, &domain.IgnoredEvent{
			EventID:    event.ID,
			ChargeID:   event.ChargeID,
			EventType:  event.RawType,
			Reason:     reason,
			ReceivedAt: receivedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("record ignored event %s: %w", event.ID, err)
		}
	}
	return &Result{Outcome: OutcomeIgnored, EventID: event.ID, ChargeID: event.ChargeID, Reason: reason}, nil
}
