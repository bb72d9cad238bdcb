package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/feezero/payments/internal/domain"
)

// OutboxRepo reads and settles side-effect tasks. Tasks are only created
// inside ChargeRepo.ApplyEvent, in the same transaction as the transition.
type OutboxRepo struct {
	db *sql.DB
}

func NewOutboxRepo(db *sql.DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

// Due returns pending tasks whose next attempt is at or before now, oldest
// first.
func (r *OutboxRepo) Due(ctx context.Context, now time.Time, limit int) ([]domain.OutboxTask, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, charge_id, state, attempts, next_attempt_at, last_error, created_at, updated_at
		 FROM outbox WHERE state = ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, created_at LIMIT ?`,
		string(domain.TaskPending), formatTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.OutboxTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (r *OutboxRepo) Get(ctx context.Context, id string) (*domain.OutboxTask, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, kind, charge_id, state, attempts, next_attempt_at, last_error, created_at, updated_at
		 FROM outbox WHERE id = ?`, id,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListByCharge returns every task owed for a charge.
func (r *OutboxRepo) ListByCharge(ctx context.Context, chargeID string) ([]domain.OutboxTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, charge_id, state, attempts, next_attempt_at, last_error, created_at, updated_at
		 FROM outbox WHERE charge_id = ? ORDER BY created_at, kind`, chargeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.OutboxTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (r *OutboxRepo) MarkDone(ctx context.Context, id string, attempts int, at time.Time) error {
	return r.settle(ctx, id, domain.TaskDone, attempts, at, "", at)
}

func (r *OutboxRepo) Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string, at time.Time) error {
	return r.settle(ctx, id, domain.TaskPending, attempts, next, lastErr, at)
}

func (r *OutboxRepo) MarkDead(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	return r.settle(ctx, id, domain.TaskDead, attempts, at, lastErr, at)
}

// settle only moves tasks that are still pending; a task that is already
// done stays done.
func (r *OutboxRepo) settle(ctx context.Context, id string, state domain.TaskState, attempts int, next time.Time, lastErr string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET state = ?, attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(state), attempts, formatTime(next), lastErr, formatTime(at), id, string(domain.TaskPending),
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Summary counts tasks per state.
func (r *OutboxRepo) Summary(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM outbox GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := map[string]int{
		string(domain.TaskPending): 0,
		string(domain.TaskDone):    0,
		string(domain.TaskDead):    0,
	}
	for rows.Next() {
		var k string
		var v int
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, rows.Err()
}

func scanTask(row rowScanner) (*domain.OutboxTask, error) {
	var t domain.OutboxTask
	var kind, state, next, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &kind, &t.ChargeID, &state, &t.Attempts, &next,
		&t.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Kind = domain.TaskKind(kind)
	t.State = domain.TaskState(state)
	t.NextAttemptAt = parseTime(next)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
