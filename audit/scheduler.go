/*
scheduler.go - Periodic ledger audit

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Records each run in the RunStore (if any) and exports the number of
    drifted rooms as a gauge

USAGE:
  scheduler := audit.NewScheduler(auditor, runs, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/classfund/metrics"
)

// Scheduler runs the auditor on a ticker.
type Scheduler struct {
	Auditor       *Auditor
	Runs          RunStore // optional
	CheckInterval time.Duration
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(auditor *Auditor, runs RunStore, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		Auditor:       auditor,
		Runs:          runs,
		CheckInterval: time.Hour,
		Enabled:       true,
		log:           log.With().Str("component", "audit").Logger(),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.log.Info().Msg("audit scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("interval", s.CheckInterval).Msg("audit scheduler started")
}

// Stop stops the scheduler and waits for a running audit to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info().Msg("audit scheduler stopped")
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.RunOnce(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunOnce(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunOnce performs one audit and records it.
func (s *Scheduler) RunOnce(ctx context.Context) Run {
	run, err := s.Auditor.Check(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("audit failed")
	} else {
		metrics.AuditDriftRooms.Set(float64(run.DriftedRooms()))
		for _, f := range run.Findings {
			s.log.Warn().
				Str("room_id", string(f.RoomID)).
				Str("user_id", string(f.UserID)).
				Str("kind", string(f.Kind)).
				Str("expected", f.Expected.String()).
				Str("actual", f.Actual.String()).
				Msg("ledger drift")
		}
		s.log.Info().Int("rooms", run.RoomsChecked).Int("findings", len(run.Findings)).Msg("audit completed")
	}

	if s.Runs != nil {
		if err := s.Runs.SaveAuditRun(ctx, run); err != nil {
			s.log.Error().Err(err).Str("run_id", run.ID).Msg("failed to save audit run")
		}
	}
	return run
}
