package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Ledger entry actions. Debit actions carry negative amounts, grant
// actions positive ones.
const (
	ActionImageGeneration = "image-generation"
	ActionVideoGeneration = "video-generation"
	ActionReferralBonus   = "referral-bonus"
	ActionSignupBonus     = "signup-bonus"
	ActionAdminGrant      = "admin-grant"
)

// Ledger entry statuses. reserved may transition to committed or refunded
// exactly once; committed, refunded and granted are terminal.
const (
	EntryStatusReserved  = "reserved"
	EntryStatusCommitted = "committed"
	EntryStatusRefunded  = "refunded"
	EntryStatusGranted   = "granted"
)

// LedgerEntry is one append-only accounting record. Entries are never
// deleted; the only permitted mutation is the reserved -> terminal
// status transition.
type LedgerEntry struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	RequestID string          `json:"request_id"`
	Action    string          `json:"action"`
	Amount    int64           `json:"amount"`
	Status    string          `json:"status"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TerminalEntryStatus reports whether a ledger entry status can no longer change.
func TerminalEntryStatus(status string) bool {
	switch status {
	case EntryStatusCommitted, EntryStatusRefunded, EntryStatusGranted:
		return true
	}
	return false
}
