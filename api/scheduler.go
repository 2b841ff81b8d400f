/*
scheduler.go - Automated round closing scheduler

PURPOSE:
  Periodically snapshots the balances of every stock around rounds that
  have ended, so that each round gets its opening/closing History row
  without a manual call to POST /api/stocks/{id}/rounds/{round}/close.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Rounds already snapshotted are skipped by the HistoryManager
  - The outcome of the last run is kept for GET /api/scheduler

USAGE:
  scheduler := NewHistoryScheduler(handler.History, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - stock/history.go: CloseRound / CloseDueRounds
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/vaccine-stock/stock"
)

// RoundCloser closes every round due for a snapshot.
type RoundCloser interface {
	CloseDueRounds(ctx context.Context) ([]stock.History, error)
}

// RunStatus is the outcome of one scheduler pass.
type RunStatus struct {
	StartedAt    time.Time `json:"started_at"`
	Duration     string    `json:"duration"`
	RoundsClosed int       `json:"rounds_closed"`
	Error        string    `json:"error,omitempty"`
}

// HistoryScheduler closes ended rounds on an interval.
type HistoryScheduler struct {
	Closer        RoundCloser
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	statusMu sync.Mutex
	last     *RunStatus
}

// NewHistoryScheduler creates a new scheduler.
func NewHistoryScheduler(closer RoundCloser, logger *zap.Logger) *HistoryScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryScheduler{
		Closer:        closer,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (hs *HistoryScheduler) Start() {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if !hs.Enabled || hs.CheckInterval <= 0 {
		hs.Logger.Info("history scheduler disabled")
		return
	}
	if hs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	hs.cancel = cancel
	hs.ticker = time.NewTicker(hs.CheckInterval)
	hs.stop = make(chan struct{})
	hs.wg.Add(1)
	go hs.run(ctx, hs.ticker.C, hs.stop)

	hs.Logger.Info("history scheduler started", zap.Duration("interval", hs.CheckInterval))
}

// Stop stops the scheduler, cancels a running pass and waits for it to return.
func (hs *HistoryScheduler) Stop() {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.ticker != nil {
		hs.ticker.Stop()
		hs.cancel()
		close(hs.stop)
		hs.wg.Wait()
		hs.ticker = nil
		hs.cancel = nil
		hs.Logger.Info("history scheduler stopped")
	}
}

// run closes due rounds until stop is closed; ctx is cancelled by Stop so
// an in-flight pass can abort.
func (hs *HistoryScheduler) run(ctx context.Context, tick <-chan time.Time, stop <-chan struct{}) {
	defer hs.wg.Done()

	// Run immediately on start
	hs.RunNow(ctx)

	for {
		select {
		case <-tick:
			hs.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow closes due rounds immediately and records the outcome.
func (hs *HistoryScheduler) RunNow(ctx context.Context) RunStatus {
	start := time.Now()
	closed, err := hs.Closer.CloseDueRounds(ctx)

	status := RunStatus{
		StartedAt:    start.UTC(),
		Duration:     time.Since(start).String(),
		RoundsClosed: len(closed),
	}
	if err != nil {
		status.Error = err.Error()
		hs.Logger.Warn("history run completed with errors",
			zap.Int("rounds_closed", len(closed)),
			zap.Error(err))
	} else if len(closed) > 0 {
		hs.Logger.Info("history run completed", zap.Int("rounds_closed", len(closed)))
	}

	hs.statusMu.Lock()
	hs.last = &status
	hs.statusMu.Unlock()
	return status
}

// LastRun returns the outcome of the latest pass, or nil before the first.
func (hs *HistoryScheduler) LastRun() *RunStatus {
	hs.statusMu.Lock()
	defer hs.statusMu.Unlock()
	if hs.last == nil {
		return nil
	}
	s := *hs.last
	return &s
}

// =============================================================================
// HTTP
// =============================================================================

// SchedulerStatusDTO describes the scheduler for GET /api/scheduler.
type SchedulerStatusDTO struct {
	Enabled  bool       `json:"enabled"`
	Interval string     `json:"interval"`
	LastRun  *RunStatus `json:"last_run"`
}

// GetSchedulerStatus returns the scheduler configuration and last run.
// GET /api/scheduler
func (h *Handler) GetSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, SchedulerStatusDTO{})
		return
	}
	writeJSON(w, http.StatusOK, SchedulerStatusDTO{
		Enabled:  h.Scheduler.Enabled && h.Scheduler.CheckInterval > 0,
		Interval: h.Scheduler.CheckInterval.String(),
		LastRun:  h.Scheduler.LastRun(),
	})
}

// RunScheduler closes due rounds now.
// POST /api/scheduler/run
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Scheduler not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.RunNow(r.Context()))
}
