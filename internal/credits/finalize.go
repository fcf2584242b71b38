package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pixelmint/backend/internal/models"
)

// Finalize resolves a reservation to spent (commit) or returned (refund).
// Repeating a finalize with the same disposition is a no-op success;
// a conflicting disposition fails with ErrInvalidFinalizeStatus and never
// silently overrides the earlier resolution.
func (s *Service) Finalize(ctx context.Context, requestID string, disposition Disposition) error {
	var target string
	switch disposition {
	case DispositionCommit:
		target = models.EntryStatusCommitted
	case DispositionRefund:
		target = models.EntryStatusRefunded
	default:
		return fmt.Errorf("invalid disposition %q", disposition)
	}

	entry, err := s.entries.FindByRequestGlobal(ctx, requestID)
	if err != nil {
		return fmt.Errorf("find request %s: %w", requestID, err)
	}
	if entry == nil {
		return ErrUnknownRequest
	}

	switch entry.Status {
	case target:
		// Idempotent retry.
		return nil
	case models.EntryStatusReserved:
		ok, err := s.entries.Transition(ctx, requestID, models.EntryStatusReserved, target)
		if err != nil {
			return fmt.Errorf("transition %s: %w", requestID, err)
		}
		if ok {
			return nil
		}
		// Lost a race against a concurrent finalize; re-read to see whether
		// it resolved to the same disposition.
		entry, err = s.entries.FindByRequestGlobal(ctx, requestID)
		if err != nil {
			return fmt.Errorf("re-read request %s: %w", requestID, err)
		}
		if entry != nil && entry.Status == target {
			return nil
		}
		return ErrInvalidFinalizeStatus
	default:
		// Terminal with a different disposition, or a granted entry.
		return ErrInvalidFinalizeStatus
	}
}

const sweepBatchSize = 100

// SweepStale refunds reservations that have been outstanding longer than
// ttl. Callers that crash before finalizing leave entries reserved forever;
// the sweep is the explicit reclamation policy for those holds. Returns the
// number of reservations refunded.
func (s *Service) SweepStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl)
	stale, err := s.entries.ListStaleReserved(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale reservations: %w", err)
	}

	refunded := 0
	for _, e := range stale {
		err := s.Finalize(ctx, e.RequestID, DispositionRefund)
		if errors.Is(err, ErrInvalidFinalizeStatus) {
			// Finalized concurrently; nothing to reclaim.
			continue
		}
		if err != nil {
			return refunded, fmt.Errorf("refund stale %s: %w", e.RequestID, err)
		}
		refunded++
	}
	return refunded, nil
}
