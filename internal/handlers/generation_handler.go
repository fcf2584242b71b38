package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixelmint/backend/internal/credits"
	"github.com/pixelmint/backend/internal/middleware"
	"github.com/pixelmint/backend/internal/models"
	"github.com/pixelmint/backend/internal/services"
)

// GenerationService is the subset of the generation service used by the handler.
type GenerationService interface {
	Create(ctx context.Context, userID uuid.UUID, requestID, action string, cost int64, input json.RawMessage) (*models.Generation, *credits.Reservation, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error)
}

// GenerationHandler serves /v1/generations endpoints.
type GenerationHandler struct {
	Service   GenerationService
	Validator *services.Validator
	Logger    *slog.Logger
}

// --- POST /v1/generations ---

type createGenerationRequest struct {
	Action       string          `json:"action"`
	InputPayload json.RawMessage `json:"input_payload"`
	Cost         int64           `json:"cost"`
	RequestID    string          `json:"request_id"`
}

type createGenerationResponse struct {
	GenerationID string `json:"generation_id"`
	RequestID    string `json:"request_id"`
	Status       string `json:"status"`
	Available    int64  `json:"available"`
	Replayed     bool   `json:"replayed,omitempty"`
}

// CreateGeneration handles POST /v1/generations.
// Auth (via middleware) -> Validate Input -> Reserve Credits + Enqueue -> 202.
func (h *GenerationHandler) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	if req.Action == "" {
		http.Error(w, `{"error":"action is required"}`, http.StatusBadRequest)
		return
	}
	if !h.Validator.Knows(req.Action) {
		http.Error(w, `{"error":"unknown action"}`, http.StatusBadRequest)
		return
	}
	if req.Cost <= 0 {
		http.Error(w, `{"error":"cost must be > 0"}`, http.StatusBadRequest)
		return
	}
	// Clients may supply a request_id to retry safely; otherwise one is minted.
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	// Validate input payload against the action schema (hard reject).
	if err := h.Validator.ValidateInput(r.Context(), req.Action, req.InputPayload); err != nil {
		if errors.Is(err, services.ErrValidation) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		h.Logger.Error("validate input", "error", err)
		http.Error(w, `{"error":"input validation failed"}`, http.StatusBadRequest)
		return
	}

	gen, res, err := h.Service.Create(r.Context(), user.ID, req.RequestID, req.Action, req.Cost, req.InputPayload)
	if err != nil {
		switch {
		case errors.Is(err, credits.ErrInsufficientCredits):
			http.Error(w, `{"error":"insufficient credits"}`, http.StatusPaymentRequired)
		case errors.Is(err, credits.ErrDailyCapExceeded):
			http.Error(w, `{"error":"daily spend cap exceeded"}`, http.StatusTooManyRequests)
		case errors.Is(err, credits.ErrDuplicateRequest):
			http.Error(w, `{"error":"request_id already used"}`, http.StatusConflict)
		default:
			h.Logger.Error("create generation", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, createGenerationResponse{
		GenerationID: gen.ID.String(),
		RequestID:    gen.RequestID,
		Status:       gen.Status,
		Available:    res.Available,
		Replayed:     res.Replayed,
	})
}

// --- GET /v1/generations/{id} ---

func (h *GenerationHandler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid generation id"}`, http.StatusBadRequest)
		return
	}

	gen, err := h.Service.Get(r.Context(), id)
	if err != nil {
		h.Logger.Error("get generation", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if gen == nil || gen.UserID != user.ID {
		http.Error(w, `{"error":"generation not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

// --- GET /v1/generations ---

func (h *GenerationHandler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	gens, err := h.Service.ListByUser(r.Context(), user.ID, 50)
	if err != nil {
		h.Logger.Error("list generations", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if gens == nil {
		gens = []*models.Generation{}
	}
	writeJSON(w, http.StatusOK, gens)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
