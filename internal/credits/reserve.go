package credits

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelmint/backend/internal/models"
)

// Reservation is the outcome of a Reserve call.
type Reservation struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	RequestID     string    `json:"request_id"`
	Status        string    `json:"status"`
	Available     int64     `json:"available"`
	// Replayed is true when the (user, request id) pair had already been
	// reserved and this call was resolved to the original entry.
	Replayed bool `json:"replayed"`
}

// Reserve atomically holds cost credits for a pending action. A replay of the
// same (userID, requestID) returns the prior outcome without a second entry.
func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, requestID, action string, cost int64, metadata json.RawMessage) (*Reservation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.ReserveTx(ctx, tx, userID, requestID, action, cost, metadata)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve tx: %w", err)
	}
	return res, nil
}

// ReserveTx is Reserve inside the caller's transaction, so the reservation
// can be made atomic with other writes (e.g. enqueueing the generation job).
// The idempotency lookup, the daily cap check, the available-balance check
// and the ledger append all run under the user's row lock.
func (s *Service) ReserveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, requestID, action string, cost int64, metadata json.RawMessage) (*Reservation, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request id is required")
	}
	if cost <= 0 {
		return nil, fmt.Errorf("cost must be positive, got %d", cost)
	}

	user, err := s.users.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", userID, err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %s not found", userID)
	}

	// Replay of a request we already saw is a no-op, not an error.
	existing, err := s.entries.FindByRequest(ctx, tx, userID, requestID)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing != nil {
		balance, reserved, err := s.entries.Sums(ctx, tx, userID)
		if err != nil {
			return nil, fmt.Errorf("sums: %w", err)
		}
		return &Reservation{
			ReservationID: existing.ID,
			RequestID:     requestID,
			Status:        existing.Status,
			Available:     balance - reserved,
			Replayed:      true,
		}, nil
	}

	cap := s.cfg.DefaultDailyCap
	if user.DailyCap != nil {
		cap = *user.DailyCap
	}
	if cap > 0 {
		daySpend, err := s.entries.DayDebits(ctx, tx, userID, dayStartUTC(s.now()))
		if err != nil {
			return nil, fmt.Errorf("day debits: %w", err)
		}
		if daySpend+cost > cap {
			return nil, ErrDailyCapExceeded
		}
	}

	balance, reserved, err := s.entries.Sums(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("sums: %w", err)
	}
	available := balance - reserved
	if available < cost {
		return nil, ErrInsufficientCredits
	}

	entry := &models.LedgerEntry{
		ID:        uuid.New(),
		UserID:    userID,
		RequestID: requestID,
		Action:    action,
		Amount:    -cost,
		Status:    models.EntryStatusReserved,
		Metadata:  metadata,
	}
	if err := s.entries.Append(ctx, tx, entry); err != nil {
		// The user lock rules out a racing replay by the same user, so a
		// duplicate here means the request id belongs to someone else.
		return nil, fmt.Errorf("append reservation: %w", err)
	}

	return &Reservation{
		ReservationID: entry.ID,
		RequestID:     requestID,
		Status:        models.EntryStatusReserved,
		Available:     available - cost,
	}, nil
}

// AllowToday reports whether a further action of the given cost fits under
// cap for the current UTC day. This is an advisory read; the authoritative
// check runs inside ReserveTx under the user lock. A user with no debits
// today is always under cap.
func (s *Service) AllowToday(ctx context.Context, userID uuid.UUID, cost, cap int64) (bool, error) {
	if cap <= 0 {
		return true, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	daySpend, err := s.entries.DayDebits(ctx, tx, userID, dayStartUTC(s.now()))
	if err != nil {
		return false, fmt.Errorf("day debits: %w", err)
	}
	return daySpend+cost <= cap, nil
}
