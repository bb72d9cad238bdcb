package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feezero/payments/internal/currency"
	"github.com/feezero/payments/internal/domain"
	"github.com/feezero/payments/internal/repository"
)

// ErrInvalidPolicy is returned by RetryPolicy.Validate.
var ErrInvalidPolicy = errors.New("notify: invalid retry policy")

// RetryPolicy controls how failed outbox tasks are rescheduled.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 || p.BaseDelay <= 0 || p.MaxDelay < p.BaseDelay {
		return ErrInvalidPolicy
	}
	return nil
}

// Delay is the wait after the given failed attempt (1-based):
// BaseDelay, 2·BaseDelay, 4·BaseDelay, … capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// permanentError marks a task failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// TaskStore is the outbox the dispatcher drains.
type TaskStore interface {
	Due(ctx context.Context, now time.Time, limit int) ([]domain.OutboxTask, error)
	MarkDone(ctx context.Context, id string, attempts int, at time.Time) error
	Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string, at time.Time) error
	MarkDead(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error
}

// ChargeLookup loads the charge a task refers to.
type ChargeLookup interface {
	GetByChargeID(ctx context.Context, chargeID string) (*domain.Charge, error)
}

// EscrowReleaser releases escrow for a completed charge.
type EscrowReleaser interface {
	Release(ctx context.Context, contractID, chargeID string, amount decimal.Decimal, currency string) error
}

// PaymentEmailer sends a templated payment email.
type PaymentEmailer interface {
	Send(ctx context.Context, to, template, lang string, data MessageData, idempotencyKey string) error
}

type DispatcherOptions struct {
	Policy    RetryPolicy
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// DispatchStats summarises one pass over due tasks.
type DispatchStats struct {
	Done        int `json:"done"`
	Rescheduled int `json:"rescheduled"`
	Dead        int `json:"dead"`
}

// Dispatcher delivers outbox tasks. Each task id doubles as the
// idempotency key handed to the downstream system.
type Dispatcher struct {
	tasks     TaskStore
	charges   ChargeLookup
	escrow    EscrowReleaser
	email     PaymentEmailer
	policy    RetryPolicy
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

func NewDispatcher(tasks TaskStore, charges ChargeLookup, escrow EscrowReleaser, email PaymentEmailer, opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Policy == (RetryPolicy{}) {
		opts.Policy = DefaultRetryPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		tasks:     tasks,
		charges:   charges,
		escrow:    escrow,
		email:     email,
		policy:    opts.Policy,
		batchSize: opts.BatchSize,
		logger:    opts.Logger.With("component", "outbox"),
		now:       opts.Now,
	}, nil
}

// RunOnce delivers up to one batch of due tasks.
func (d *Dispatcher) RunOnce(ctx context.Context) (DispatchStats, error) {
	var stats DispatchStats
	due, err := d.tasks.Due(ctx, d.now().UTC(), d.batchSize)
	if err != nil {
		return stats, fmt.Errorf("load due tasks: %w", err)
	}

	for _, task := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := d.dispatch(ctx, task, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Drain repeats RunOnce until no full batch is left.
func (d *Dispatcher) Drain(ctx context.Context) (DispatchStats, error) {
	var total DispatchStats
	for {
		stats, err := d.RunOnce(ctx)
		total.Done += stats.Done
		total.Rescheduled += stats.Rescheduled
		total.Dead += stats.Dead
		if err != nil {
			return total, err
		}
		if stats.Done+stats.Rescheduled+stats.Dead < d.batchSize {
			return total, nil
		}
	}
}

// Run drains the outbox every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := d.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.Error("outbox pass failed", "error", err)
			}
			if stats != (DispatchStats{}) {
				d.logger.Debug("outbox pass", "done", stats.Done, "rescheduled", stats.Rescheduled, "dead", stats.Dead)
			}
		}
	}
}

// dispatch runs one task and settles it. Only a failure to settle is
// returned; delivery failures are recorded on the task.
func (d *Dispatcher) dispatch(ctx context.Context, task domain.OutboxTask, stats *DispatchStats) error {
	attempts := task.Attempts + 1
	runErr := d.execute(ctx, task)
	now := d.now().UTC()

	var settleErr error
	switch {
	case runErr == nil:
		settleErr = d.tasks.MarkDone(ctx, task.ID, attempts, now)
		stats.Done++
	case isPermanent(runErr) || attempts >= d.policy.MaxAttempts:
		settleErr = d.tasks.MarkDead(ctx, task.ID, attempts, runErr.Error(), now)
		stats.Dead++
		d.logger.Error("outbox task abandoned",
			"task_id", task.ID,
			"kind", task.Kind,
			"charge_id", task.ChargeID,
			"attempts", attempts,
			"error", runErr,
		)
	default:
		next := now.Add(d.policy.Delay(attempts))
		settleErr = d.tasks.Reschedule(ctx, task.ID, attempts, next, runErr.Error(), now)
		stats.Rescheduled++
		d.logger.Warn("outbox task failed, will retry",
			"task_id", task.ID,
			"kind", task.Kind,
			"charge_id", task.ChargeID,
			"attempts", attempts,
			"next_attempt_at", next,
			"error", runErr,
		)
	}

	if errors.Is(settleErr, repository.ErrNotFound) {
		// settled by a concurrent dispatcher
		return nil
	}
	if settleErr != nil {
		return fmt.Errorf("settle task %s: %w", task.ID, settleErr)
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, task domain.OutboxTask) error {
	charge, err := d.charges.GetByChargeID(ctx, task.ChargeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &permanentError{err: fmt.Errorf("charge %s not found", task.ChargeID)}
		}
		return err
	}

	switch task.Kind {
	case domain.TaskEscrowRelease:
		return d.escrow.Release(ctx, charge.ProjectID, charge.ChargeID, charge.Amount, charge.Currency)
	case domain.TaskEmailPaymentCompleted:
		return d.sendEmail(ctx, task, charge, TemplatePaymentCompleted)
	case domain.TaskEmailPaymentFailed:
		return d.sendEmail(ctx, task, charge, TemplatePaymentFailed)
	}
	return &permanentError{err: fmt.Errorf("unknown task kind %q", task.Kind)}
}

func (d *Dispatcher) sendEmail(ctx context.Context, task domain.OutboxTask, charge *domain.Charge, template string) error {
	if charge.PayerEmail == "" {
		d.logger.Info("no payer email on charge, skipping notification",
			"charge_id", charge.ChargeID,
			"template", template,
		)
		return nil
	}
	data := MessageData{
		ProjectID:   charge.ProjectID,
		ChargeID:    charge.ChargeID,
		Code:        charge.Code,
		Amount:      currency.Format(charge.Amount, charge.Currency),
		Currency:    charge.Currency,
		Description: charge.Description,
		HostedURL:   charge.HostedURL,
	}
	err := d.email.Send(ctx, charge.PayerEmail, template, charge.Language, data, task.ID)
	var sendErr *SendError
	if errors.As(err, &sendErr) && !sendErr.Retryable {
		return &permanentError{err: err}
	}
	return err
}

func isPermanent(err error) bool {
	var perr *permanentError
	return errors.As(err, &perr)
}
