// Package credits is the credit accounting core: reservation of credits for
// paid generation actions, finalization of reservations, bonus grants, and
// read-side balance projections, all backed by an append-only ledger.
//
// Every balance-affecting write for a user runs under that user's row lock
// (SELECT ... FOR UPDATE), so concurrent calls for the same user serialize
// across the read-check-write sequence while different users never block
// each other.
package credits

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelmint/backend/internal/models"
)

// Disposition is the caller's verdict on a reservation.
type Disposition string

const (
	DispositionCommit Disposition = "commit"
	DispositionRefund Disposition = "refund"
)

// TxBeginner abstracts transaction creation so tests don't need a
// pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// LedgerStore is the append-only ledger interface the service writes and
// projects from.
type LedgerStore interface {
	Append(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	FindByRequest(ctx context.Context, tx pgx.Tx, userID uuid.UUID, requestID string) (*models.LedgerEntry, error)
	FindByRequestGlobal(ctx context.Context, requestID string) (*models.LedgerEntry, error)
	Transition(ctx context.Context, requestID, fromStatus, toStatus string) (bool, error)
	DayDebits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, since time.Time) (int64, error)
	Sums(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (balance, reserved int64, err error)
	SumsPool(ctx context.Context, userID uuid.UUID) (balance, reserved int64, err error)
	ListStaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]*models.LedgerEntry, error)
	SumGrantedByAction(ctx context.Context, userID uuid.UUID, action string) (int64, error)
}

// UserLocker serializes balance-affecting writes per user.
type UserLocker interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
}

// ReferralStore creates and counts referral signup rows.
type ReferralStore interface {
	Create(ctx context.Context, tx pgx.Tx, referrerID, referredID uuid.UUID) (bool, error)
	CountByReferrer(ctx context.Context, referrerID uuid.UUID) (int64, error)
}

// Config carries the accounting policy knobs.
type Config struct {
	// DefaultDailyCap limits a user's debit volume per UTC day. A user row
	// may override it; zero means uncapped.
	DefaultDailyCap int64
	// ReferralBonus is the amount granted to a referrer per referred user.
	ReferralBonus int64
}

// Service implements the reservation, finalization, grant and projection
// operations.
type Service struct {
	db        TxBeginner
	users     UserLocker
	entries   LedgerStore
	referrals ReferralStore
	cfg       Config

	now func() time.Time
}

func NewService(db TxBeginner, users UserLocker, entries LedgerStore, referrals ReferralStore, cfg Config) *Service {
	return &Service{
		db:        db,
		users:     users,
		entries:   entries,
		referrals: referrals,
		cfg:       cfg,
		now:       time.Now,
	}
}

// dayStartUTC returns midnight UTC of the day containing t. The daily cap
// window is a UTC calendar day.
func dayStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
