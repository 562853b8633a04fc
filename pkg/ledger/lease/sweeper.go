package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/ledger/pkg/ledger"
)

// Sweeper expires abandoned and overdue leases on a schedule.
// It runs SweepOnce at scheduled intervals using cron syntax.
type Sweeper struct {
	manager *Manager
	cron    *cron.Cron
	mu      sync.Mutex
	sweepMu sync.Mutex
	logger  *slog.Logger
	running bool
}

// NewSweeper creates a new lease sweeper.
func NewSweeper(manager *Manager) *Sweeper {
	return &Sweeper{
		manager: manager,
		cron:    cron.New(),
		logger:  slog.Default().With("component", "ledger.sweeper"),
	}
}

// SweepOnce expires every active lease that is due now. A lease that
// becomes active again between the scan and its transition (a usage report
// refreshing UpdatedAt) is left alone. Running it twice in a row is a no-op
// the second time.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	now := s.manager.now()
	due := func(l ledger.Lease) bool { return s.manager.due(l, now) }
	candidates := s.manager.coord.Leases(due)

	result := SweepResult{Candidates: len(candidates)}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		l, expired, err := s.manager.terminate(ctx, c.ID, ledger.LeaseExpired, "", due)
		if err != nil {
			result.Errors++
			s.logger.Error("failed to expire lease", "lease_id", c.ID, "error", err)
			continue
		}
		if expired {
			result.Expired++
			result.Returned += l.ReturnedAmount
		}
	}
	return result, nil
}

// Start begins scheduled sweeps based on the configured cron expression.
//
// Common expressions:
//   - "@every 1m"    - Every minute
//   - "*/5 * * * *"  - Every 5 minutes
//
// If SweepSchedule is empty, the sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule := s.manager.config.SweepSchedule
	if schedule == "" {
		s.logger.Info("sweep schedule not configured, skipping sweeper")
		return nil
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}

	if _, err := s.cron.AddFunc(schedule, func() {
		s.runSweep(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("lease sweeper started",
		"schedule", schedule,
		"stale_threshold", s.manager.config.StaleThreshold,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

func (s *Sweeper) runSweep(ctx context.Context) {
	result, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("scheduled sweep failed", "error", err)
		return
	}

	if result.Expired > 0 {
		s.logger.Info("scheduled sweep completed",
			"expired", result.Expired,
			"returned", result.Returned,
			"errors", result.Errors,
		)
	} else {
		s.logger.Debug("scheduled sweep completed, no leases expired")
	}
}

// Stop stops the sweeper and waits for a running sweep to complete.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("lease sweeper stopped")
	}
}

// IsRunning returns true if the sweeper is running.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep time.
func (s *Sweeper) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
