package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/pixelmint/backend/internal/services"
)

// GenerationService defines the contract the worker needs to report progress
// and outcomes.
type GenerationService interface {
	MarkRunning(ctx context.Context, generationID uuid.UUID) error
	MarkCompleted(ctx context.Context, generationID uuid.UUID, output json.RawMessage) error
	MarkFailed(ctx context.Context, generationID uuid.UUID, reason string) error
}

// GenerateWorker runs queued generations: it POSTs the input payload to the
// model endpoint and settles the generation (and its credit hold) from the
// response.
type GenerateWorker struct {
	river.WorkerDefaults[GenerateJobArgs]
	svc           GenerationService
	validator     *services.Validator
	modelEndpoint string
	httpClient    *http.Client
	logger        *slog.Logger
}

func NewGenerateWorker(svc GenerationService, validator *services.Validator, modelEndpoint string, logger *slog.Logger) *GenerateWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerateWorker{
		svc:           svc,
		validator:     validator,
		modelEndpoint: modelEndpoint,
		httpClient:    &http.Client{},
		logger:        logger,
	}
}

type modelRequest struct {
	Action string          `json:"action"`
	Input  json.RawMessage `json:"input"`
}

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateJobArgs]) error {
	args := job.Args

	if err := w.svc.MarkRunning(ctx, args.GenerationID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	deadline, err := w.validator.GetDeadline(args.Action, args.InputPayload)
	if err != nil {
		return w.failJob(ctx, args.GenerationID, fmt.Sprintf("resolve deadline: %v", err))
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(modelRequest{Action: args.Action, Input: args.InputPayload})
	if err != nil {
		return w.failJob(ctx, args.GenerationID, fmt.Sprintf("marshal model request: %v", err))
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, w.modelEndpoint, bytes.NewReader(body))
	if err != nil {
		return w.failJob(ctx, args.GenerationID, fmt.Sprintf("create model request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Deadline overruns fail the generation; transient network errors
		// bubble up so River retries with the same job (and the same hold).
		if callCtx.Err() == context.DeadlineExceeded {
			return w.failJob(ctx, args.GenerationID, "model call exceeded deadline")
		}
		return fmt.Errorf("model endpoint call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return w.failJob(ctx, args.GenerationID, fmt.Sprintf("model returned status %d", resp.StatusCode))
	}

	var output json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil {
		return w.failJob(ctx, args.GenerationID, "model returned invalid JSON")
	}

	// Soft flag: a nonconforming output is logged but still delivered.
	if err := w.validator.ValidateOutput(ctx, args.Action, output); err != nil {
		w.logger.Warn("model output failed schema validation",
			"generation_id", args.GenerationID, "action", args.Action, "error", err)
	}

	if err := w.svc.MarkCompleted(ctx, args.GenerationID, output); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (w *GenerateWorker) failJob(ctx context.Context, generationID uuid.UUID, reason string) error {
	if err := w.svc.MarkFailed(ctx, generationID, reason); err != nil {
		return fmt.Errorf("generation failed (%s) AND failed to record it: %w", reason, err)
	}
	w.logger.Warn("generation failed", "generation_id", generationID, "reason", reason)
	return nil
}

// Timeout caps a single work attempt; the per-action deadline inside Work is
// always shorter.
func (w *GenerateWorker) Timeout(*river.Job[GenerateJobArgs]) time.Duration {
	return 10 * time.Minute
}
