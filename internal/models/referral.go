package models

import (
	"time"

	"github.com/google/uuid"
)

// ReferralSignup records that referred was brought in by referrer. Rows are
// unique per (referrer_id, referred_id); the bonus grant keys off that
// uniqueness.
type ReferralSignup struct {
	ReferrerID uuid.UUID `json:"referrer_id"`
	ReferredID uuid.UUID `json:"referred_id"`
	CreatedAt  time.Time `json:"created_at"`
}
