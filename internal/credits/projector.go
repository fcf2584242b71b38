package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pixelmint/backend/internal/models"
)

// ReferralStats is the read-side referral summary for a referrer.
type ReferralStats struct {
	ReferredCount        int64 `json:"referred_count"`
	CreditsFromReferrals int64 `json:"credits_from_referrals"`
}

// Balances returns the settled balance and the available balance (settled
// minus outstanding reservations) in one read.
func (s *Service) Balances(ctx context.Context, userID uuid.UUID) (balance, available int64, err error) {
	balance, reserved, err := s.entries.SumsPool(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("sums: %w", err)
	}
	return balance, balance - reserved, nil
}

// Balance returns the settled balance: the sum of committed and granted
// ledger amounts.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	balance, _, err := s.Balances(ctx, userID)
	return balance, err
}

// Available returns the spendable balance after subtracting outstanding
// reservations.
func (s *Service) Available(ctx context.Context, userID uuid.UUID) (int64, error) {
	_, available, err := s.Balances(ctx, userID)
	return available, err
}

// GetReferralStats returns how many users this user has referred and the
// total referral-bonus credits granted to them.
func (s *Service) GetReferralStats(ctx context.Context, userID uuid.UUID) (*ReferralStats, error) {
	count, err := s.referrals.CountByReferrer(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count referrals: %w", err)
	}
	total, err := s.entries.SumGrantedByAction(ctx, userID, models.ActionReferralBonus)
	if err != nil {
		return nil, fmt.Errorf("sum referral bonuses: %w", err)
	}
	return &ReferralStats{ReferredCount: count, CreditsFromReferrals: total}, nil
}
