package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelmint/backend/internal/credits"
	"github.com/pixelmint/backend/internal/models"
)

// GenerateJobArgs is the queued work for one generation.
type GenerateJobArgs struct {
	GenerationID uuid.UUID       `json:"generation_id"`
	UserID       uuid.UUID       `json:"user_id"`
	RequestID    string          `json:"request_id"`
	Action       string          `json:"action"`
	InputPayload json.RawMessage `json:"input_payload"`
}

func (GenerateJobArgs) Kind() string { return "generate" }

// InsertGenerateJobTxFunc enqueues a generate job within the given
// transaction. Provided by main using river.Client.InsertTx.
type InsertGenerateJobTxFunc func(ctx context.Context, tx pgx.Tx, args GenerateJobArgs) error

// CreditsService is the slice of the accounting core the generation
// pipeline needs.
type CreditsService interface {
	ReserveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, requestID, action string, cost int64, metadata json.RawMessage) (*credits.Reservation, error)
	Finalize(ctx context.Context, requestID string, disposition credits.Disposition) error
	AwardReferralBonus(ctx context.Context, referrerID, referredID uuid.UUID) (bool, error)
}

// UserGetter resolves a user, used to find who referred them.
type UserGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Service creates generations with their credit hold and queued job in one
// transaction, and settles the hold when the job concludes.
type Service struct {
	repo           *Repository
	credits        CreditsService
	users          UserGetter
	insertGenerate InsertGenerateJobTxFunc
	logger         *slog.Logger
}

func NewService(repo *Repository, creditsSvc CreditsService, users UserGetter, insertGenerate InsertGenerateJobTxFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:           repo,
		credits:        creditsSvc,
		users:          users,
		insertGenerate: insertGenerate,
		logger:         logger,
	}
}

// Create reserves cost credits under requestID and, in the same transaction,
// records the generation and enqueues its job. A replayed requestID returns
// the already-existing generation without reserving or enqueueing again.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, requestID, action string, cost int64, input json.RawMessage) (*models.Generation, *credits.Reservation, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.credits.ReserveTx(ctx, tx, userID, requestID, action, cost, nil)
	if err != nil {
		return nil, nil, err
	}
	if res.Replayed {
		// The reservation (and therefore the generation) already exists.
		g, err := s.repo.GetByRequestID(ctx, requestID)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup replayed generation: %w", err)
		}
		return g, res, nil
	}

	g := &models.Generation{
		ID:           uuid.New(),
		UserID:       userID,
		RequestID:    requestID,
		Action:       action,
		Status:       models.GenerationStatusQueued,
		Cost:         cost,
		InputPayload: input,
	}
	if err := s.repo.CreateTx(ctx, tx, g); err != nil {
		return nil, nil, fmt.Errorf("create generation: %w", err)
	}
	if err := s.insertGenerate(ctx, tx, GenerateJobArgs{
		GenerationID: g.ID,
		UserID:       userID,
		RequestID:    requestID,
		Action:       action,
		InputPayload: input,
	}); err != nil {
		return nil, nil, fmt.Errorf("enqueue generate job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit create tx: %w", err)
	}
	return g, res, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error) {
	return s.repo.ListByUser(ctx, userID, limit)
}

// MarkRunning implements the worker's status callback.
func (s *Service) MarkRunning(ctx context.Context, generationID uuid.UUID) error {
	return s.repo.MarkRunning(ctx, generationID)
}

// MarkCompleted records the output, commits the credit hold and, on a
// referred user's first committed generation, awards the referral bonus.
func (s *Service) MarkCompleted(ctx context.Context, generationID uuid.UUID, output json.RawMessage) error {
	if err := s.repo.MarkCompleted(ctx, generationID, output); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	g, err := s.repo.GetByID(ctx, generationID)
	if err != nil {
		return fmt.Errorf("get generation: %w", err)
	}
	if g == nil {
		return fmt.Errorf("generation %s not found", generationID)
	}
	if err := s.credits.Finalize(ctx, g.RequestID, credits.DispositionCommit); err != nil {
		return fmt.Errorf("commit reservation %s: %w", g.RequestID, err)
	}
	s.awardReferralIfAny(ctx, g.UserID)
	return nil
}

// MarkFailed records the failure and refunds the credit hold.
func (s *Service) MarkFailed(ctx context.Context, generationID uuid.UUID, reason string) error {
	if err := s.repo.MarkFailed(ctx, generationID, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	g, err := s.repo.GetByID(ctx, generationID)
	if err != nil {
		return fmt.Errorf("get generation: %w", err)
	}
	if g == nil {
		return fmt.Errorf("generation %s not found", generationID)
	}
	if err := s.credits.Finalize(ctx, g.RequestID, credits.DispositionRefund); err != nil {
		return fmt.Errorf("refund reservation %s: %w", g.RequestID, err)
	}
	return nil
}

// awardReferralIfAny grants the referrer's bonus on the referred user's
// first committed generation. The signup-row constraint makes repeats no-ops,
// so this is safe to call on every completion.
func (s *Service) awardReferralIfAny(ctx context.Context, userID uuid.UUID) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil || u == nil || u.ReferredBy == nil {
		if err != nil {
			s.logger.Error("referral lookup failed", "user_id", userID, "error", err)
		}
		return
	}
	granted, err := s.credits.AwardReferralBonus(ctx, *u.ReferredBy, u.ID)
	if err != nil {
		s.logger.Error("award referral bonus failed", "referrer_id", *u.ReferredBy, "referred_id", u.ID, "error", err)
		return
	}
	if granted {
		s.logger.Info("referral bonus granted", "referrer_id", *u.ReferredBy, "referred_id", u.ID)
	}
}
