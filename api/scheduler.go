/*
scheduler.go - Automated expiration sweep scheduler

PURPOSE:
  Runs the ExpirationSweeper on a cron schedule so that overdue tasks
  and subtasks are expired (and their failure points debited) without
  an operator calling POST /api/admin/sweep.

DESIGN:
  - robfig/cron drives the schedule ("@every 5m" by default, any cron
    spec or descriptor is accepted)
  - SkipIfStillRunning: a slow sweep is never overlapped by the next tick
  - Even if two sweeps did overlap, the guarded updates make the second
    one skip rows the first already closed
  - Scheduled sweeps share a context that Stop cancels, so shutdown
    interrupts a sweep between rows instead of waiting for all of them

CONFIGURATION:
  - Schedule: cron spec (sweeper.schedule)
  - Enabled:  whether the scheduler starts at all (sweeper.enabled)

USAGE:
  scheduler, err := NewExpirationScheduler(sweeper, "@every 5m", logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSweep endpoint (manual sweep)
  - generic/sweep.go: Sweeper
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/points-engine/generic"
)

// DefaultSweepSchedule runs the sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

// ExpirationScheduler runs periodic expiration sweeps.
type ExpirationScheduler struct {
	Sweeper  *generic.Sweeper
	Schedule string
	Enabled  bool
	Logger   *slog.Logger

	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	stop    sync.Once
	mu      sync.Mutex
	lastRun *generic.SweepResult
	lastAt  time.Time
}

// NewExpirationScheduler validates schedule and builds a scheduler.
func NewExpirationScheduler(sweeper *generic.Sweeper, schedule string, logger *slog.Logger) (*ExpirationScheduler, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	cl := cronLogger{logger: logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))

	ctx, cancel := context.WithCancel(context.Background())
	es := &ExpirationScheduler{
		Sweeper:  sweeper,
		Schedule: schedule,
		Enabled:  true,
		Logger:   logger,
		cron:     c,
		ctx:      ctx,
		cancel:   cancel,
	}
	if _, err := c.AddFunc(schedule, es.runScheduled); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return es, nil
}

// Start begins the scheduler.
func (es *ExpirationScheduler) Start() {
	if !es.Enabled {
		es.Logger.Info("disabled, not starting")
		return
	}
	es.cron.Start()
	es.Logger.Info("started", "schedule", es.Schedule)
}

// Stop cancels any running sweep, stops the scheduler and waits for the
// sweep to return. Calls after the first are no-ops.
func (es *ExpirationScheduler) Stop() {
	es.stop.Do(func() {
		es.cancel()
		if !es.Enabled {
			return
		}
		<-es.cron.Stop().Done()
		es.Logger.Info("stopped")
	})
}

// RunNow performs one sweep immediately and records its result.
func (es *ExpirationScheduler) RunNow(ctx context.Context) (generic.SweepResult, error) {
	res, err := es.Sweeper.Run(ctx)
	if err != nil {
		es.Logger.Error("sweep failed", "error", err)
	}

	es.mu.Lock()
	es.lastRun = &res
	es.lastAt = time.Now().UTC()
	es.mu.Unlock()
	return res, err
}

func (es *ExpirationScheduler) runScheduled() {
	es.RunNow(es.ctx)
}

// LastRun returns the most recent sweep result, if any.
func (es *ExpirationScheduler) LastRun() (generic.SweepResult, time.Time, bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.lastRun == nil {
		return generic.SweepResult{}, time.Time{}, false
	}
	return *es.lastRun, es.lastAt, true
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
