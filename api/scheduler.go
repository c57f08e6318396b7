/*
scheduler.go - Reconciliation self-check scheduler

PURPOSE:
  Periodically totals credits and debits of active entries and records
  whether they still balance. Purely diagnostic: it reads through the
  Reconciler and never blocks or alters mutations.

DESIGN:
  - Background goroutine driven by a ticker (CheckInterval)
  - Runs once immediately on Start
  - Keeps the most recent KeepRuns results in memory, newest first
  - Mismatches are logged at Warn and exported as a gauge

USAGE:
  scheduler := NewReconciliationScheduler(reconciler, metrics, logger)
  scheduler.CheckInterval = cfg.ReconcileInterval
  scheduler.Start()
  defer scheduler.Stop()

SEE ALSO:
  - cashbook/reconciliation.go: Reconciler.Check
  - handlers.go: GET /api/reconciliation/runs
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/cashbook"
)

// Run statuses.
const (
	RunBalanced = "balanced"
	RunMismatch = "mismatch"
	RunFailed   = "failed"
)

// ReconciliationRun is the record of one self-check.
type ReconciliationRun struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	TotalCredit decimal.Decimal `json:"totalCredit"`
	TotalDebit  decimal.Decimal `json:"totalDebit"`
	Difference  decimal.Decimal `json:"difference"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
}

// ReconciliationScheduler runs Reconciler.Check on a timer.
type ReconciliationScheduler struct {
	Reconciler    *cashbook.Reconciler
	Metrics       *Metrics
	Logger        *slog.Logger
	CheckInterval time.Duration
	KeepRuns      int

	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runsMu sync.RWMutex
	runs   []ReconciliationRun
}

// NewReconciliationScheduler creates a scheduler with a one hour interval.
// A zero CheckInterval disables the timer; RunNow still works.
func NewReconciliationScheduler(reconciler *cashbook.Reconciler, metrics *Metrics, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{
		Reconciler:    reconciler,
		Metrics:       metrics,
		Logger:        logger,
		CheckInterval: time.Hour,
		KeepRuns:      24,
		now:           time.Now,
	}
}

// Start begins the background loop.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.CheckInterval <= 0 {
		rs.Logger.Info("[Scheduler] Disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.loop(rs.ticker, rs.stop)

	rs.Logger.Info("[Scheduler] Started", "interval", rs.CheckInterval)
}

// Stop ends the loop and waits for an in-flight check.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("[Scheduler] Stopped")
}

func (rs *ReconciliationScheduler) loop(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	rs.RunNow(context.Background())
	for {
		select {
		case <-ticker.C:
			rs.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one check and records it.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) ReconciliationRun {
	run := ReconciliationRun{ID: uuid.NewString(), StartedAt: rs.now().UTC()}

	rec, err := rs.Reconciler.Check(ctx)
	run.CompletedAt = rs.now().UTC()
	run.TotalCredit = rec.TotalCredit
	run.TotalDebit = rec.TotalDebit
	run.Difference = rec.Difference

	var mismatch *cashbook.ReconciliationMismatch
	switch {
	case err == nil:
		run.Status = RunBalanced
		rs.Logger.Debug("[Scheduler] Ledger balanced",
			"total_credit", rec.TotalCredit.StringFixed(2),
			"total_debit", rec.TotalDebit.StringFixed(2))
	case errors.As(err, &mismatch):
		run.Status = RunMismatch
		run.Error = err.Error()
		rs.Logger.Warn("[Scheduler] Ledger does not reconcile",
			"total_credit", mismatch.TotalCredit.StringFixed(2),
			"total_debit", mismatch.TotalDebit.StringFixed(2),
			"difference", mismatch.Difference.StringFixed(2))
	default:
		run.Status = RunFailed
		run.Error = err.Error()
		rs.Logger.Error("[Scheduler] Reconciliation check failed", "error", err)
	}

	if rs.Metrics != nil {
		rs.Metrics.ObserveReconciliation(run.Status, run.Difference)
	}
	rs.record(run)
	return run
}

func (rs *ReconciliationScheduler) record(run ReconciliationRun) {
	rs.runsMu.Lock()
	defer rs.runsMu.Unlock()

	keep := rs.KeepRuns
	if keep <= 0 {
		keep = 1
	}
	rs.runs = append([]ReconciliationRun{run}, rs.runs...)
	if len(rs.runs) > keep {
		rs.runs = rs.runs[:keep]
	}
}

// Runs returns the retained runs, newest first.
func (rs *ReconciliationScheduler) Runs() []ReconciliationRun {
	rs.runsMu.RLock()
	defer rs.runsMu.RUnlock()
	out := make([]ReconciliationRun, len(rs.runs))
	copy(out, rs.runs)
	return out
}
