package approval

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/relaycrm/relay/internal/procmem"
)

// Sweeper runs the periodic maintenance jobs: marking overdue approval
// requests expired and purging procedure traces past retention.
type Sweeper struct {
	cron          *cron.Cron
	store         *Store
	traces        *procmem.Store
	retentionDays int
}

// NewSweeper creates the sweeper. traces may be nil; the retention job is
// then not registered. Cron expressions use the standard 5-field format.
func NewSweeper(store *Store, traces *procmem.Store, retentionDays int) (*Sweeper, error) {
	s := &Sweeper{
		cron:          cron.New(),
		store:         store,
		traces:        traces,
		retentionDays: retentionDays,
	}

	if _, err := s.cron.AddFunc("* * * * *", s.sweepExpired); err != nil {
		return nil, err
	}
	if traces != nil && retentionDays > 0 {
		if _, err := s.cron.AddFunc("0 3 * * *", s.purgeTraces); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sweeper) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.store.ExpireOverdue(ctx); err != nil {
		log.Error().Err(err).Msg("approval_expiry_sweep_failed")
	}
}

func (s *Sweeper) purgeTraces() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	purged, err := s.traces.PurgeTraces(ctx, s.retentionDays)
	if err != nil {
		log.Error().Err(err).Msg("trace_retention_purge_failed")
		return
	}
	if purged > 0 {
		log.Info().Int64("purged", purged).Msg("trace_retention_purge_completed")
	}
}

// Start begins the scheduled jobs.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Sweeper) Entries() int {
	return len(s.cron.Entries())
}
