package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelmint/backend/internal/models"
)

// ErrDuplicateRequest is returned by Append when an entry with the same
// request_id already exists. Callers that want replay-instead-of-error
// semantics look the entry up first (FindByRequest) under the per-user lock.
var ErrDuplicateRequest = errors.New("duplicate request id")

// Store is the append-only credit ledger. Rows are never deleted; the only
// mutation is the conditional status transition performed by Transition.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const entryColumns = `id, user_id, request_id, action, amount, status, metadata, created_at`

// Append inserts a new ledger entry inside the given transaction and fills
// in its created_at. A unique violation on request_id maps to
// ErrDuplicateRequest.
func (s *Store) Append(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, user_id, request_id, action, amount, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, e.ID, e.UserID, e.RequestID, e.Action, e.Amount, e.Status, e.Metadata).Scan(&e.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRequest
		}
		return err
	}
	return nil
}

// FindByRequest returns the entry for (userID, requestID), or nil if none
// exists. Runs inside the caller's transaction so the result is consistent
// with the per-user lock.
func (s *Store) FindByRequest(ctx context.Context, tx pgx.Tx, userID uuid.UUID, requestID string) (*models.LedgerEntry, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM credit_ledger WHERE user_id = $1 AND request_id = $2
	`, userID, requestID)
	return scanEntry(row)
}

// FindByRequestGlobal returns the entry for a request id regardless of
// owner, or nil if none exists.
func (s *Store) FindByRequestGlobal(ctx context.Context, requestID string) (*models.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM credit_ledger WHERE request_id = $1
	`, requestID)
	return scanEntry(row)
}

// Transition conditionally moves the entry for requestID from one status to
// another. Returns true iff exactly one row changed; a false result means the
// entry was not in fromStatus (someone else transitioned it first).
func (s *Store) Transition(ctx context.Context, requestID, fromStatus, toStatus string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credit_ledger SET status = $3
		WHERE request_id = $1 AND status = $2
	`, requestID, fromStatus, toStatus)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DayDebits sums the debit amounts (reserved or committed holds/spends)
// written for the user since the given instant, as a positive number.
// No rows means zero spend.
func (s *Store) DayDebits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(-amount), 0)
		FROM credit_ledger
		WHERE user_id = $1 AND amount < 0
		  AND status IN ('reserved', 'committed')
		  AND created_at >= $2
	`, userID, since).Scan(&total)
	return total, err
}

// Sums returns the user's settled balance (committed + granted amounts) and
// the total currently held in outstanding reservations, in one query.
func (s *Store) Sums(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (balance, reserved int64, err error) {
	err = tx.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status IN ('committed', 'granted')), 0),
			COALESCE(SUM(-amount) FILTER (WHERE status = 'reserved'), 0)
		FROM credit_ledger WHERE user_id = $1
	`, userID).Scan(&balance, &reserved)
	return balance, reserved, err
}

// SumsPool is Sums outside any transaction, for read-only projections.
func (s *Store) SumsPool(ctx context.Context, userID uuid.UUID) (balance, reserved int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status IN ('committed', 'granted')), 0),
			COALESCE(SUM(-amount) FILTER (WHERE status = 'reserved'), 0)
		FROM credit_ledger WHERE user_id = $1
	`, userID).Scan(&balance, &reserved)
	return balance, reserved, err
}

// ListStaleReserved returns up to limit reservations created before cutoff
// that were never finalized, oldest first.
func (s *Store) ListStaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]*models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM credit_ledger
		WHERE status = 'reserved' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListByUser returns the user's ledger entries, newest first.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM credit_ledger WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// SumGrantedByAction sums granted amounts for a user filtered by action
// (e.g. referral-bonus for referral stats).
func (s *Store) SumGrantedByAction(ctx context.Context, userID uuid.UUID, action string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_ledger
		WHERE user_id = $1 AND status = 'granted' AND action = $2
	`, userID, action).Scan(&total)
	return total, err
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.RequestID, &e.Action, &e.Amount, &e.Status, &e.Metadata, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]*models.LedgerEntry, error) {
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.RequestID, &e.Action, &e.Amount, &e.Status, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
