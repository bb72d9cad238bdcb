package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/feezero/payments/internal/domain"
)

const chargeColumns = `id, COALESCE(charge_id, ''), code, hosted_url, project_id, payer_id,
	reference, amount, currency, description, payer_email, language, status,
	version, created_at, updated_at`

type ChargeRepo struct {
	db *sql.DB
}

func NewChargeRepo(db *sql.DB) *ChargeRepo {
	return &ChargeRepo{db: db}
}

// Create persists a new charge together with its initial timeline entry.
// If an active (non-terminal) charge already exists for the same reference,
// the stored charge is returned and nothing is written.
//
// Returns (existing, false, nil) when an active charge already existed.
// Returns (new, true, nil) when the charge was created.
func (r *ChargeRepo) Create(ctx context.Context, c *domain.Charge) (*domain.Charge, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := getActiveByReference(ctx, tx, c.Reference)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if c.Version == 0 {
		c.Version = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO charges
		(id, charge_id, code, hosted_url, project_id, payer_id, reference, amount,
		 currency, description, payer_email, language, status, version,
		 created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, nullableString(c.ChargeID), c.Code, c.HostedURL, c.ProjectID, c.PayerID,
		c.Reference, c.Amount.String(), c.Currency, c.Description, c.PayerEmail,
		c.Language, string(c.Status), c.Version,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, ErrActiveChargeExists
		}
		return nil, false, fmt.Errorf("insert charge: %w", err)
	}

	for _, entry := range c.Timeline {
		if err := insertTimeline(ctx, tx, c.ID, entry); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return c, true, nil
}

// AttachProvider records the provider-assigned identifiers on a charge
// after issuance succeeded. A charge already failed by orphan recovery is
// reported as ErrNotFound.
func (r *ChargeRepo) AttachProvider(ctx context.Context, id, chargeID, code, hostedURL string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE charges SET charge_id = ?, code = ?, hosted_url = ?, updated_at = ?,
		 version = version + 1
		 WHERE id = ? AND charge_id IS NULL AND status = ?`,
		chargeID, code, hostedURL, formatTime(at), id, string(domain.StatusCreated),
	)
	if err != nil {
		return fmt.Errorf("attach provider charge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkIssuanceFailed moves a charge that never reached the provider to
// failed and records why on its timeline.
func (r *ChargeRepo) MarkIssuanceFailed(ctx context.Context, id, reason string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	c, err := getCharge(ctx, tx, "id = ?", id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(c.Status, domain.StatusFailed) {
		return nil
	}

	if err := casStatus(ctx, tx, c, domain.StatusFailed, at); err != nil {
		return err
	}
	entry := domain.TimelineEntry{
		Status:            domain.StatusFailed,
		EventType:         "issuance_failed: " + reason,
		Source:            domain.SourceIssuer,
		Applied:           true,
		ProviderTimestamp: at,
		ReceivedAt:        at,
	}
	if err := insertTimeline(ctx, tx, c.ID, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByChargeID returns a charge, with its timeline, by provider charge id.
func (r *ChargeRepo) GetByChargeID(ctx context.Context, chargeID string) (*domain.Charge, error) {
	return r.getWithTimeline(ctx, "charge_id = ?", chargeID)
}

// GetByID returns a charge, with its timeline, by local id.
func (r *ChargeRepo) GetByID(ctx context.Context, id string) (*domain.Charge, error) {
	return r.getWithTimeline(ctx, "id = ?", id)
}

func (r *ChargeRepo) getWithTimeline(ctx context.Context, where string, arg any) (*domain.Charge, error) {
	c, err := getCharge(ctx, r.db, where, arg)
	if err != nil {
		return nil, err
	}
	c.Timeline, err = loadTimeline(ctx, r.db, c.ID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyRequest describes one event to append to a charge's timeline and,
// if it is a forward step, to apply to its status.
type ApplyRequest struct {
	ChargeID          string
	EventID           string
	EventType         string
	Source            string
	Target            domain.ChargeStatus
	ProviderTimestamp time.Time
	ReceivedAt        time.Time

	// Effects returns the side effects owed for a transition into the
	// given status. They are enqueued in the same transaction.
	Effects func(to domain.ChargeStatus) []domain.TaskKind
}

// ApplyResult reports what ApplyEvent did.
type ApplyResult struct {
	Charge       *domain.Charge
	From         domain.ChargeStatus
	Transitioned bool
	Tasks        []domain.OutboxTask
}

// ApplyEvent atomically checks the seen-set, appends the timeline entry,
// moves the status forward when allowed and enqueues side effects. The
// status update is a compare-and-swap on the charge version; a lost race
// returns ErrConcurrentUpdate and nothing is written.
func (r *ChargeRepo) ApplyEvent(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seen int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_events WHERE event_id = ?", req.EventID,
	).Scan(&seen)
	if err != nil {
		return nil, fmt.Errorf("check processed event: %w", err)
	}
	if seen > 0 {
		return nil, ErrDuplicateEvent
	}

	c, err := getCharge(ctx, tx, "charge_id = ?", req.ChargeID)
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{From: c.Status}
	if domain.CanTransition(c.Status, req.Target) {
		if err := casStatus(ctx, tx, c, req.Target, req.ReceivedAt); err != nil {
			return nil, err
		}
		result.Transitioned = true
		if req.Effects != nil {
			for _, kind := range req.Effects(req.Target) {
				task, inserted, err := insertTask(ctx, tx, kind, c.ChargeID, req.ReceivedAt)
				if err != nil {
					return nil, err
				}
				if inserted {
					result.Tasks = append(result.Tasks, task)
				}
			}
		}
	} else {
		if err := casTouch(ctx, tx, c, req.ReceivedAt); err != nil {
			return nil, err
		}
	}

	entry := domain.TimelineEntry{
		Status:            req.Target,
		EventType:         req.EventType,
		EventID:           req.EventID,
		Source:            req.Source,
		Applied:           result.Transitioned,
		ProviderTimestamp: req.ProviderTimestamp,
		ReceivedAt:        req.ReceivedAt,
	}
	if err := insertTimeline(ctx, tx, c.ID, entry); err != nil {
		return nil, err
	}

	outcome := "recorded"
	if result.Transitioned {
		outcome = "applied"
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, charge_id, event_type, outcome, processed_at)
		VALUES (?,?,?,?,?)`,
		req.EventID, req.ChargeID, req.EventType, outcome, formatTime(req.ReceivedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEvent
		}
		return nil, fmt.Errorf("record processed event: %w", err)
	}

	c.Timeline, err = loadTimeline(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	result.Charge = c
	return result, nil
}

// ChargeFilter narrows List results.
type ChargeFilter struct {
	Status    string
	Currency  string
	ProjectID string
	Page      int
	Limit     int
}

func (r *ChargeRepo) List(ctx context.Context, f ChargeFilter) ([]domain.Charge, int, error) {
	where, args := buildChargeWhere(f)

	var total int
	countSQL := "SELECT COUNT(*) FROM charges" + where
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

	querySQL := "SELECT " + chargeColumns + " FROM charges" + where +
		" ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	charges := []domain.Charge{}
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		charges = append(charges, *c)
	}
	return charges, total, rows.Err()
}

// ListStale returns active charges that reached the provider and have not
// changed since before. Oldest first.
func (r *ChargeRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Charge, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+chargeColumns+` FROM charges
		WHERE status IN ('created','pending') AND charge_id IS NOT NULL AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`,
		formatTime(before), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale charges: %w", err)
	}
	defer rows.Close()

	var charges []domain.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		charges = append(charges, *c)
	}
	return charges, rows.Err()
}

// ListOrphaned returns charges still in created with no provider id that
// were stored before before: issuance was interrupted between the local
// insert and AttachProvider. Oldest first.
func (r *ChargeRepo) ListOrphaned(ctx context.Context, before time.Time, limit int) ([]domain.Charge, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+chargeColumns+` FROM charges
		WHERE status = ? AND charge_id IS NULL AND created_at < ?
		ORDER BY created_at ASC LIMIT ?`,
		string(domain.StatusCreated), formatTime(before), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query orphaned charges: %w", err)
	}
	defer rows.Close()

	var charges []domain.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		charges = append(charges, *c)
	}
	return charges, rows.Err()
}

// ChargeStats aggregates charges for the dashboard.
type ChargeStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	// CompletedVolume is the sum of completed amounts per currency.
	CompletedVolume map[string]decimal.Decimal `json:"completed_volume"`
}

func (r *ChargeRepo) Stats(ctx context.Context) (*ChargeStats, error) {
	stats := &ChargeStats{
		ByStatus:        map[string]int{},
		CompletedVolume: map[string]decimal.Decimal{},
	}
	for _, s := range []domain.ChargeStatus{
		domain.StatusCreated, domain.StatusPending, domain.StatusCompleted,
		domain.StatusFailed, domain.StatusCancelled,
	} {
		stats.ByStatus[string(s)] = 0
	}

	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM charges GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// amounts are stored as decimal text, so sum in Go rather than SQL
	amounts, err := r.db.QueryContext(ctx,
		"SELECT currency, amount FROM charges WHERE status = ?", string(domain.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("completed amounts: %w", err)
	}
	defer amounts.Close()
	for amounts.Next() {
		var cur, amount string
		if err := amounts.Scan(&cur, &amount); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amount, err)
		}
		stats.CompletedVolume[cur] = stats.CompletedVolume[cur].Add(d)
	}
	return stats, amounts.Err()
}

// --- helpers ---

func buildChargeWhere(f ChargeFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Currency != "" {
		clauses = append(clauses, "currency = ?")
		args = append(args, f.Currency)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, f.ProjectID)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func getActiveByReference(ctx context.Context, q querier, reference string) (*domain.Charge, error) {
	return getCharge(ctx, q, "reference = ? AND status IN ('created','pending')", reference)
}

func getCharge(ctx context.Context, q querier, where string, args ...any) (*domain.Charge, error) {
	row := q.QueryRowContext(ctx, "SELECT "+chargeColumns+" FROM charges WHERE "+where, args...)
	c, err := scanCharge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get charge: %w", err)
	}
	return c, nil
}

func casStatus(ctx context.Context, tx *sql.Tx, c *domain.Charge, to domain.ChargeStatus, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE charges SET status = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(to), formatTime(at), c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConcurrentUpdate
	}
	c.Status = to
	c.Version++
	c.UpdatedAt = at
	return nil
}

func casTouch(ctx context.Context, tx *sql.Tx, c *domain.Charge, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE charges SET version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		formatTime(at), c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("touch charge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConcurrentUpdate
	}
	c.Version++
	c.UpdatedAt = at
	return nil
}

func insertTimeline(ctx context.Context, q querier, chargeRef string, e domain.TimelineEntry) error {
	applied := 0
	if e.Applied {
		applied = 1
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO charge_timeline
		(charge_ref, status, event_type, event_id, source, applied, provider_time, received_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		chargeRef, string(e.Status), e.EventType, e.EventID, e.Source, applied,
		formatTime(e.ProviderTimestamp), formatTime(e.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert timeline: %w", err)
	}
	return nil
}

// loadTimeline returns entries ordered by provider timestamp, falling back
// to arrival order for ties.
func loadTimeline(ctx context.Context, q querier, chargeRef string) ([]domain.TimelineEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT status, event_type, event_id, source, applied, provider_time, received_at
		 FROM charge_timeline WHERE charge_ref = ? ORDER BY provider_time, seq`,
		chargeRef,
	)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var entries []domain.TimelineEntry
	for rows.Next() {
		var e domain.TimelineEntry
		var status, providerTime, receivedAt string
		var applied int
		if err := rows.Scan(&status, &e.EventType, &e.EventID, &e.Source, &applied,
			&providerTime, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		e.Status = domain.ChargeStatus(status)
		e.Applied = applied == 1
		e.ProviderTimestamp = parseTime(providerTime)
		e.ReceivedAt = parseTime(receivedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertTask(ctx context.Context, tx *sql.Tx, kind domain.TaskKind, chargeID string, at time.Time) (domain.OutboxTask, bool, error) {
	task := domain.OutboxTask{
		ID:            uuid.NewString(),
		Kind:          kind,
		ChargeID:      chargeID,
		State:         domain.TaskPending,
		NextAttemptAt: at,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbox
		(id, kind, charge_id, state, attempts, next_attempt_at, last_error, created_at, updated_at)
		VALUES (?,?,?,?,0,?,'',?,?)`,
		task.ID, string(task.Kind), task.ChargeID, string(task.State),
		formatTime(task.NextAttemptAt), formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
	)
	if err != nil {
		return task, false, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	n, _ := res.RowsAffected()
	return task, n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharge(row rowScanner) (*domain.Charge, error) {
	var c domain.Charge
	var amount, status, createdAt, updatedAt string

	err := row.Scan(
		&c.ID, &c.ChargeID, &c.Code, &c.HostedURL, &c.ProjectID, &c.PayerID,
		&c.Reference, &amount, &c.Currency, &c.Description, &c.PayerEmail,
		&c.Language, &status, &c.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	c.Status = domain.ChargeStatus(status)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
