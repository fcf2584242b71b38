package dashboard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/pixelmint/backend/internal/auth"
	"github.com/pixelmint/backend/internal/credits"
	"github.com/pixelmint/backend/internal/ledger"
	"github.com/pixelmint/backend/internal/models"
	"github.com/pixelmint/backend/internal/repository"
)

type Handler struct {
	authSvc auth.Service
	userR   *repository.UserRepo
	ledgerR *ledger.Store
	credits *credits.Service
	log     *slog.Logger
}

func NewHandler(
	authSvc auth.Service,
	userR *repository.UserRepo,
	ledgerR *ledger.Store,
	creditsSvc *credits.Service,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		authSvc: authSvc,
		userR:   userR,
		ledgerR: ledgerR,
		credits: creditsSvc,
		log:     log,
	}
}

func (h *Handler) userIDFromRequest(r *http.Request) (uuid.UUID, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return uuid.Nil, fmt.Errorf("missing authorization")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return uuid.Nil, fmt.Errorf("bad authorization format")
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return uuid.Nil, fmt.Errorf("empty token")
	}
	id, _, err := h.authSvc.ValidateToken(r.Context(), token)
	return id, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /api/v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userIDFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	user, err := h.userR.GetByID(r.Context(), userID)
	if err != nil || user == nil {
		h.log.Error("get user failed", "error", err)
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	balance, available, err := h.credits.Balances(r.Context(), userID)
	if err != nil {
		h.log.Error("project balances failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            user.ID,
		"email":         user.Email,
		"name":          user.Name,
		"role":          user.Role,
		"balance":       balance,
		"available":     available,
		"daily_cap":     user.DailyCap,
		"referral_code": user.ID.String(),
		"created_at":    user.CreatedAt,
	})
}

// PATCH /api/v1/account/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userIDFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		DailyCap *int64 `json:"daily_cap"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if body.DailyCap != nil && *body.DailyCap < 0 {
		http.Error(w, "daily_cap must be >= 0", http.StatusBadRequest)
		return
	}
	if err := h.userR.UpdateDailyCap(r.Context(), userID, body.DailyCap); err != nil {
		h.log.Error("update settings failed", "error", err)
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/v1/credit-ledger
func (h *Handler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userIDFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	entries, err := h.ledgerR.ListByUser(r.Context(), userID, 100)
	if err != nil {
		h.log.Error("list credit ledger failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GET /api/v1/referrals
func (h *Handler) GetReferralStats(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userIDFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	stats, err := h.credits.GetReferralStats(r.Context(), userID)
	if err != nil {
		h.log.Error("referral stats failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"referral_code":          userID.String(),
		"referred_count":         stats.ReferredCount,
		"credits_from_referrals": stats.CreditsFromReferrals,
	})
}
