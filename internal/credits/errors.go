package credits

import (
	"errors"

	"github.com/pixelmint/backend/internal/ledger"
)

// ErrInsufficientCredits is returned when the available balance is below the
// requested cost at reservation time.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrDailyCapExceeded is returned when the reservation would push today's
// spend over the user's daily cap.
var ErrDailyCapExceeded = errors.New("daily cap exceeded")

// ErrUnknownRequest is returned by Finalize for a request id with no
// matching ledger entry.
var ErrUnknownRequest = errors.New("unknown request id")

// ErrInvalidFinalizeStatus is returned when a finalize disposition conflicts
// with an already-resolved entry.
var ErrInvalidFinalizeStatus = errors.New("conflicting finalize disposition")

// ErrDuplicateRequest is returned when a request id is already in use by a
// different user. Replays by the same user are not errors; they resolve to
// the original outcome.
var ErrDuplicateRequest = ledger.ErrDuplicateRequest
