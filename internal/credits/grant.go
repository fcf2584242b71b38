package credits

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pixelmint/backend/internal/models"
)

// Grant appends a granted ledger entry and returns the user's new settled
// balance. An empty requestID gets a generated one; callers that pass a
// deterministic requestID get replay deduplication for free.
func (s *Service) Grant(ctx context.Context, userID uuid.UUID, amount int64, action, requestID string, metadata json.RawMessage) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	if action == "" {
		action = models.ActionAdminGrant
	}
	if requestID == "" {
		requestID = "grant-" + uuid.NewString()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin grant tx: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := s.users.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return 0, fmt.Errorf("lock user %s: %w", userID, err)
	}
	if user == nil {
		return 0, fmt.Errorf("user %s not found", userID)
	}

	existing, err := s.entries.FindByRequest(ctx, tx, userID, requestID)
	if err != nil {
		return 0, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing == nil {
		entry := &models.LedgerEntry{
			ID:        uuid.New(),
			UserID:    userID,
			RequestID: requestID,
			Action:    action,
			Amount:    amount,
			Status:    models.EntryStatusGranted,
			Metadata:  metadata,
		}
		if err := s.entries.Append(ctx, tx, entry); err != nil {
			return 0, fmt.Errorf("append grant: %w", err)
		}
	}

	balance, _, err := s.entries.Sums(ctx, tx, userID)
	if err != nil {
		return 0, fmt.Errorf("sums: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit grant tx: %w", err)
	}
	return balance, nil
}

// AwardReferralBonus grants the configured referral bonus to referrerID for
// bringing in referredID. The signup row is created before the grant, inside
// the same transaction, under a (referrer, referred) uniqueness constraint;
// that ordering makes the bonus exactly-once even under concurrent duplicate
// triggers. Returns true when a bonus was granted by this call.
func (s *Service) AwardReferralBonus(ctx context.Context, referrerID, referredID uuid.UUID) (bool, error) {
	if s.cfg.ReferralBonus <= 0 {
		return false, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin referral tx: %w", err)
	}
	defer tx.Rollback(ctx)

	referrer, err := s.users.GetByIDForUpdate(ctx, tx, referrerID)
	if err != nil {
		return false, fmt.Errorf("lock referrer %s: %w", referrerID, err)
	}
	if referrer == nil {
		return false, fmt.Errorf("referrer %s not found", referrerID)
	}

	created, err := s.referrals.Create(ctx, tx, referrerID, referredID)
	if err != nil {
		return false, fmt.Errorf("create referral signup: %w", err)
	}
	if !created {
		// Already credited for this referred user.
		return false, nil
	}

	metadata, _ := json.Marshal(map[string]string{"referred_user": referredID.String()})
	entry := &models.LedgerEntry{
		ID:        uuid.New(),
		UserID:    referrerID,
		RequestID: "referral-" + referredID.String(),
		Action:    models.ActionReferralBonus,
		Amount:    s.cfg.ReferralBonus,
		Status:    models.EntryStatusGranted,
		Metadata:  metadata,
	}
	if err := s.entries.Append(ctx, tx, entry); err != nil {
		return false, fmt.Errorf("append referral bonus: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit referral tx: %w", err)
	}
	return true, nil
}
