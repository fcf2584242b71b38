package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReferralRepo struct {
	pool *pgxpool.Pool
}

func NewReferralRepo(pool *pgxpool.Pool) *ReferralRepo {
	return &ReferralRepo{pool: pool}
}

// Create inserts the (referrer, referred) signup row inside the given
// transaction. Returns false when the row already existed; the unique
// constraint makes this the exactly-once gate for referral bonuses.
func (r *ReferralRepo) Create(ctx context.Context, tx pgx.Tx, referrerID, referredID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO referral_signups (referrer_id, referred_id)
		VALUES ($1, $2)
		ON CONFLICT (referrer_id, referred_id) DO NOTHING
	`, referrerID, referredID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CountByReferrer returns how many signups the user has referred.
func (r *ReferralRepo) CountByReferrer(ctx context.Context, referrerID uuid.UUID) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM referral_signups WHERE referrer_id = $1
	`, referrerID).Scan(&n)
	return n, err
}
