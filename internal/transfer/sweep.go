package transfer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/landchain/registry/internal/store"
)

// sweepable are the statuses the sweep moves to expired. Records in
// both_signed may have a settlement in flight and are only reported.
var sweepable = []store.Status{
	store.StatusPending,
	store.StatusBuyerAccepted,
	store.StatusSignatureGenerated,
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired int64
	Reaped  int64
	// Stalled are signed transfers past their deadline that never settled.
	Stalled []store.Transfer
}

// SweepExpired marks overdue records expired, reports stalled
// settlements and deletes old terminal records. It is idempotent and safe
// to run alongside workflow actions.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	now := s.now()
	var res SweepResult

	n, err := s.store.ExpireTransfers(ctx, now, sweepable...)
	if err != nil {
		return res, errors.Wrap(err, "expire transfers")
	}
	res.Expired = n

	res.Stalled, err = s.store.ListOverdue(ctx, now, store.StatusBothSigned)
	if err != nil {
		return res, errors.Wrap(err, "list stalled settlements")
	}
	for _, t := range res.Stalled {
		s.log.WarnContext(ctx, "settlement stalled", "transfer", t.Key, "property", t.PropertyID,
			"expired_at", t.ExpiresAt)
	}

	if s.opts.ReapAfter > 0 {
		res.Reaped, err = s.store.ReapTransfers(ctx, now.Add(-s.opts.ReapAfter))
		if err != nil {
			return res, errors.Wrap(err, "reap transfers")
		}
	}

	if m := s.opts.Metrics; m != nil {
		m.Expired(res.Expired)
		m.Reaped(res.Reaped)
		m.Stalled(len(res.Stalled))
	}
	if res.Expired > 0 || res.Reaped > 0 {
		s.log.InfoContext(ctx, "expiry sweep", "expired", res.Expired, "reaped", res.Reaped, "stalled", len(res.Stalled))
	}
	return res, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepExpired(ctx); err != nil && ctx.Err() == nil {
			s.log.ErrorContext(ctx, "expiry sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
