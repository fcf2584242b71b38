package generation

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelmint/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const generationColumns = `id, user_id, request_id, action, status, cost, input_payload, output_payload, failure_reason, created_at, updated_at, completed_at`

// CreateTx inserts a generation row inside the given transaction, so the row
// lands atomically with the credit reservation and the queued job.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, g *models.Generation) error {
	return tx.QueryRow(ctx, `
		INSERT INTO generations (id, user_id, request_id, action, status, cost, input_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, g.ID, g.UserID, g.RequestID, g.Action, g.Status, g.Cost, g.InputPayload).Scan(&g.CreatedAt, &g.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	return scanGeneration(row)
}

func (r *Repository) GetByRequestID(ctx context.Context, requestID string) (*models.Generation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE request_id = $1`, requestID)
	return scanGeneration(row)
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+generationColumns+` FROM generations
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Generation
	for rows.Next() {
		var g models.Generation
		if err := rows.Scan(&g.ID, &g.UserID, &g.RequestID, &g.Action, &g.Status, &g.Cost, &g.InputPayload, &g.OutputPayload, &g.FailureReason, &g.CreatedAt, &g.UpdatedAt, &g.CompletedAt); err != nil {
			return nil, err
		}
		list = append(list, &g)
	}
	return list, rows.Err()
}

func (r *Repository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = 'running', updated_at = now() WHERE id = $1
	`, id)
	return err
}

func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = 'completed', output_payload = $2, completed_at = now(), updated_at = now()
		WHERE id = $1
	`, id, output)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = 'failed', failure_reason = $2, completed_at = now(), updated_at = now()
		WHERE id = $1
	`, id, reason)
	return err
}

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(&g.ID, &g.UserID, &g.RequestID, &g.Action, &g.Status, &g.Cost, &g.InputPayload, &g.OutputPayload, &g.FailureReason, &g.CreatedAt, &g.UpdatedAt, &g.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
