package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/feezero/payments/internal/domain"
)

// EscrowRepo is the release-on-completion escrow ledger. A charge can be
// released at most once.
type EscrowRepo struct {
	db *sql.DB
}

func NewEscrowRepo(db *sql.DB) *EscrowRepo {
	return &EscrowRepo{db: db}
}

// Release records a release. Returns false if the charge was already
// released; the stored release is left untouched.
func (r *EscrowRepo) Release(ctx context.Context, rel *domain.EscrowRelease) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO escrow_releases
		(charge_id, contract_id, amount, currency, released_at)
		VALUES (?,?,?,?,?)`,
		rel.ChargeID, rel.ContractID, rel.Amount.String(), rel.Currency, formatTime(rel.ReleasedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert escrow release: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *EscrowRepo) GetByChargeID(ctx context.Context, chargeID string) (*domain.EscrowRelease, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT charge_id, contract_id, amount, currency, released_at
		 FROM escrow_releases WHERE charge_id = ?`, chargeID,
	)
	rel, err := scanRelease(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rel, nil
}

// ListByContract returns all releases for a contract, oldest first.
func (r *EscrowRepo) ListByContract(ctx context.Context, contractID string) ([]domain.EscrowRelease, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT charge_id, contract_id, amount, currency, released_at
		 FROM escrow_releases WHERE contract_id = ? ORDER BY released_at`, contractID,
	)
	if err != nil {
		return nil, fmt.Errorf("query releases: %w", err)
	}
	defer rows.Close()

	var releases []domain.EscrowRelease
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		releases = append(releases, *rel)
	}
	return releases, rows.Err()
}

func scanRelease(row rowScanner) (*domain.EscrowRelease, error) {
	var rel domain.EscrowRelease
	var amount, releasedAt string
	if err := row.Scan(&rel.ChargeID, &rel.ContractID, &amount, &rel.Currency, &releasedAt); err != nil {
		return nil, err
	}
	var err error
	rel.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	rel.ReleasedAt = parseTime(releasedAt)
	return &rel, nil
}
