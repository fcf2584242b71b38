package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixelmint/backend/internal/credits"
)

// CreditsService is the subset of the credits service used by admin endpoints.
type CreditsService interface {
	Grant(ctx context.Context, userID uuid.UUID, amount int64, action, requestID string, metadata json.RawMessage) (int64, error)
	Finalize(ctx context.Context, requestID string, disposition credits.Disposition) error
}

// CreditsHandler serves admin credit operations.
type CreditsHandler struct {
	Credits CreditsService
	Logger  *slog.Logger
}

// --- POST /v1/grants ---

type createGrantRequest struct {
	UserID    string          `json:"user_id"`
	Amount    int64           `json:"amount"`
	RequestID string          `json:"request_id"`
	Metadata  json.RawMessage `json:"metadata"`
}

type createGrantResponse struct {
	NewBalance int64 `json:"new_balance"`
}

// CreateGrant handles POST /v1/grants (admin only).
func (h *CreditsHandler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	var req createGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, `{"error":"amount must be > 0"}`, http.StatusBadRequest)
		return
	}

	balance, err := h.Credits.Grant(r.Context(), userID, req.Amount, "", req.RequestID, req.Metadata)
	if err != nil {
		h.Logger.Error("create grant", "error", err)
		http.Error(w, `{"error":"grant failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, createGrantResponse{NewBalance: balance})
}

// --- POST /v1/finalize ---

type finalizeRequest struct {
	RequestID   string `json:"request_id"`
	Disposition string `json:"disposition"`
}

// FinalizeReservation handles POST /v1/finalize (admin only). It lets an
// operator manually settle a hold that automation never resolved.
func (h *CreditsHandler) FinalizeReservation(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.RequestID == "" {
		http.Error(w, `{"error":"request_id is required"}`, http.StatusBadRequest)
		return
	}

	var disposition credits.Disposition
	switch req.Disposition {
	case "commit":
		disposition = credits.DispositionCommit
	case "refund":
		disposition = credits.DispositionRefund
	default:
		http.Error(w, `{"error":"disposition must be commit or refund"}`, http.StatusBadRequest)
		return
	}

	if err := h.Credits.Finalize(r.Context(), req.RequestID, disposition); err != nil {
		switch {
		case errors.Is(err, credits.ErrUnknownRequest):
			http.Error(w, `{"error":"unknown request_id"}`, http.StatusNotFound)
		case errors.Is(err, credits.ErrInvalidFinalizeStatus):
			http.Error(w, `{"error":"reservation already settled differently"}`, http.StatusConflict)
		default:
			h.Logger.Error("finalize reservation", "error", err)
			http.Error(w, `{"error":"finalize failed"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- GET /v1/actions ---

type actionInfo struct {
	Name     string `json:"name"`
	Cost     int64  `json:"cost"`
	Deadline string `json:"deadline"`
}

// ListActions returns the generation actions the platform offers, with their
// list price in credits and execution deadline.
func ListActions(w http.ResponseWriter, _ *http.Request) {
	actions := []actionInfo{
		{Name: "image-generation", Cost: 2, Deadline: "30s–120s (quality-dependent)"},
		{Name: "video-generation", Cost: 10, Deadline: "5m"},
	}
	writeJSON(w, http.StatusOK, actions)
}
