package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feezero/payments/internal/domain"
)

// IgnoredEventRepo keeps webhooks that were acknowledged without touching
// any charge, so operators can follow up on them.
type IgnoredEventRepo struct {
	db *sql.DB
}

func NewIgnoredEventRepo(db *sql.DB) *IgnoredEventRepo {
	return &IgnoredEventRepo{db: db}
}

func (r *IgnoredEventRepo) Insert(ctx context.Context, e *domain.IgnoredEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_events_ignored
		(id, event_id, charge_id, event_type, reason, received_at)
		VALUES (?,?,?,?,?,?)`,
		e.ID, e.EventID, e.ChargeID, e.EventType, e.Reason, formatTime(e.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert ignored event: %w", err)
	}
	return nil
}

type IgnoredEventFilter struct {
	Reason   string
	ChargeID string
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}

func (r *IgnoredEventRepo) List(ctx context.Context, f IgnoredEventFilter) ([]domain.IgnoredEvent, int, error) {
	where, args := buildIgnoredWhere(f)

	var total int
	countSQL := "SELECT COUNT(*) FROM webhook_events_ignored" + where
	if err := r.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	querySQL := `SELECT id, event_id, charge_id, event_type, reason, received_at
		FROM webhook_events_ignored` + where + " ORDER BY received_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	events := []domain.IgnoredEvent{}
	for rows.Next() {
		var e domain.IgnoredEvent
		var receivedAt string
		if err := rows.Scan(&e.ID, &e.EventID, &e.ChargeID, &e.EventType, &e.Reason, &receivedAt); err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		e.ReceivedAt = parseTime(receivedAt)
		events = append(events, e)
	}
	return events, total, rows.Err()
}

// CountByReason returns how many ignored events exist per reason.
func (r *IgnoredEventRepo) CountByReason(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT reason, COUNT(*) FROM webhook_events_ignored GROUP BY reason",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := make(map[string]int)
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

func buildIgnoredWhere(f IgnoredEventFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Reason != "" {
		clauses = append(clauses, "reason = ?")
		args = append(args, f.Reason)
	}
	if f.ChargeID != "" {
		clauses = append(clauses, "charge_id = ?")
		args = append(args, f.ChargeID)
	}
	if f.From != nil {
		clauses = append(clauses, "received_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "received_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
