package store

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/hlc"
)

// Sweeper periodically purges record and set-element tombstones whose
// grace window has expired. The log itself is never swept; it stays
// authoritative for replay.
type Sweeper struct {
	store    Store
	grace    time.Duration
	interval time.Duration
}

func NewSweeper(store Store, grace, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, grace: grace, interval: interval}
}

// Run blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := hlc.New(time.Now().Add(-s.grace).UnixMilli(), 0)
	touched, err := s.store.PurgeTombstones(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("tombstone sweep failed")
		return
	}
	if touched > 0 {
		log.Info().Int("records", touched).Msg("purged expired tombstones")
	}
}
