package generation

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// SweepReservationsArgs is the periodic job that reclaims credit holds whose
// finalize never arrived (crashed or vanished callers).
type SweepReservationsArgs struct{}

func (SweepReservationsArgs) Kind() string { return "sweep_reservations" }

// StaleSweeper is the slice of the credits service the sweep needs.
type StaleSweeper interface {
	SweepStale(ctx context.Context, ttl time.Duration) (int, error)
}

type SweepWorker struct {
	river.WorkerDefaults[SweepReservationsArgs]
	credits StaleSweeper
	ttl     time.Duration
	logger  *slog.Logger
}

func NewSweepWorker(creditsSvc StaleSweeper, ttl time.Duration, logger *slog.Logger) *SweepWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepWorker{credits: creditsSvc, ttl: ttl, logger: logger}
}

func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepReservationsArgs]) error {
	refunded, err := w.credits.SweepStale(ctx, w.ttl)
	if err != nil {
		return err
	}
	if refunded > 0 {
		w.logger.Info("refunded stale reservations", "count", refunded, "ttl", w.ttl)
	}
	return nil
}
