/*
scheduler.go - Automated settlement scheduler

PURPOSE:
  Periodically settles the latest closed period for every affiliate.
  Settlement is idempotent per (affiliate, period), so running again only
  folds in conversions confirmed since the last run. Suspended affiliates
  are included: suspension stops new earnings, not commission already
  confirmed.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start, then on every tick
  - Settles at most Concurrency affiliates at a time (errgroup)
  - One affiliate failing never stops the others; failures are counted
  - RunPeriod is the same path for an explicit period (admin endpoint)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Concurrency:   Affiliates settled in parallel (default: 4)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSettlementScheduler(engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSettlements endpoint (manual run)
  - affiliate/settlement.go: SettlementEngine
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SchedulerActor is the audit actor for scheduled runs.
const SchedulerActor = "system:scheduler"

// SettlementScheduler handles automated monthly settlement.
type SettlementScheduler struct {
	Engine        *affiliate.Engine
	CheckInterval time.Duration
	Concurrency   int
	Enabled       bool
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSettlementScheduler creates a new scheduler.
func NewSettlementScheduler(engine *affiliate.Engine) *SettlementScheduler {
	return &SettlementScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Concurrency:   4,
		Enabled:       true,
		Now:           engine.Settlements.Now,
		stop:          make(chan bool),
	}
}

// SettlementRun is the outcome of settling one period.
type SettlementRun struct {
	PeriodID    string
	Processed   int // affiliates left with a pending settlement
	Skipped     int // nothing to settle, or already settled
	Failed      int
	Settlements []affiliate.Settlement
}

// Start begins the scheduler.
func (s *SettlementScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		zap.L().Info("settlement scheduler disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	zap.L().Info("settlement scheduler started",
		zap.Duration("interval", s.CheckInterval),
		zap.Int("concurrency", s.Concurrency))
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *SettlementScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		zap.L().Info("settlement scheduler stopped")
	}
}

func (s *SettlementScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunNow settles the latest closed period for every affiliate.
func (s *SettlementScheduler) RunNow(ctx context.Context) *SettlementRun {
	period := affiliate.LatestClosedPeriod(s.Now())
	run, err := s.RunPeriod(ctx, period.ID(), SchedulerActor)
	if err != nil {
		zap.L().Error("settlement run failed", zap.String("period_id", period.ID()), zap.Error(err))
		return &SettlementRun{PeriodID: period.ID()}
	}
	return run
}

// RunPeriod settles periodID for every affiliate.
func (s *SettlementScheduler) RunPeriod(ctx context.Context, periodID, actorID string) (*SettlementRun, error) {
	period, err := affiliate.ParsePeriod(periodID)
	if err != nil {
		return nil, err
	}
	if period.Start.After(s.Now().UTC()) {
		return nil, &affiliate.ValidationError{Field: "period_id", Message: period.ID() + " has not started yet"}
	}
	affs, err := s.Engine.Affiliates.List(ctx)
	if err != nil {
		return nil, err
	}

	run := &SettlementRun{PeriodID: periodID, Settlements: []affiliate.Settlement{}}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(max(s.Concurrency, 1))
	for _, aff := range affs {
		g.Go(func() error {
			st, err := s.Engine.Settlements.RunSettlement(ctx, aff.ID, periodID, actorID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				run.Failed++
				zap.L().Error("settlement failed",
					zap.String("affiliate_id", aff.ID),
					zap.String("period_id", periodID),
					zap.Error(err))
			case !pendingAfterRun(st):
				run.Skipped++
			default:
				run.Processed++
				run.Settlements = append(run.Settlements, *st)
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("settlement run completed",
		zap.String("period_id", periodID),
		zap.Int("processed", run.Processed),
		zap.Int("skipped", run.Skipped),
		zap.Int("failed", run.Failed))
	return run, nil
}

// pendingAfterRun reports whether a run left the affiliate with a pending
// settlement. A frozen (settled) one returned unchanged does not count.
func pendingAfterRun(st *affiliate.Settlement) bool {
	return st != nil && st.Status == affiliate.SettlementPending
}
