// Package gc prunes spent upload claims once their tokens can no longer be
// presented.
package gc

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// Claims is the part of the upload ledger the sweeper needs.
type Claims interface {
	ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error)
	Forget(ctx context.Context, ids []string) error
}

// Options configures a Sweeper.
type Options struct {
	Claims    Claims
	BatchSize int
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// Sweeper removes expired claims from the ledger.
type Sweeper struct {
	claims    Claims
	batchSize int
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewSweeper wires a ledger for pruning.
func NewSweeper(opts Options) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		claims:    opts.Claims,
		batchSize: opts.BatchSize,
		log:       log,
		now:       now,
	}
}

// Sweep performs one pruning pass, returning the number of claims removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.claims == nil {
		return 0, xerrors.E(xerrors.KindNotConfigured, "gc.sweep", "claims")
	}
	limit := s.batchSize
	if limit <= 0 {
		limit = 128
	}
	cutoff := s.now()
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		ids, err := s.claims.ListExpired(ctx, cutoff, limit)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}
		if err := s.claims.Forget(ctx, ids); err != nil {
			return total, err
		}
		total += len(ids)
		if len(ids) < limit {
			return total, nil
		}
	}
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			n, err := s.Sweep(ctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				s.log.WithError(err).Warn("claim sweep failed")
			case n > 0:
				s.log.WithField("pruned", n).Info("claim sweep")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
