/*
sweep.go - Forced expiry of overdue work (ExpirationSweeper)

PURPOSE:
  Moves every open task and subtask whose expires_at has passed into the
  expired state. Uses the same Engine path as an explicit API request, so
  an expiry debits failure_points whichever path caused it.

PHASES:
  1. Overdue tasks: ApplyTaskTransition(expired). The cascade expires the
     task's open children with their own debits.
  2. Overdue subtasks: re-selected after phase 1, so children already
     expired by their parent are not visited twice.

FAILURE ISOLATION:
  - ConflictError on a row: another writer (API call or overlapping
    sweep) won the guard. Counted as skipped, not logged as an error.
  - Any other error: logged with the row id, counted as failed, and the
    sweep moves on to the next row.
  - A failure to list candidates ends only that phase. The other phase
    still runs, metrics are still recorded, and Run returns the joined
    listing errors.
  - A cancelled context stops the sweep between rows.

SEE ALSO:
  - api/scheduler.go: Runs the sweep on a cron schedule
  - transition.go: Engine
*/
package generic

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warp/points-engine/telemetry"
)

// Sweeper expires overdue tasks and subtasks.
type Sweeper struct {
	Engine  *Engine
	Store   Store
	Clock   Clock
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// NewSweeper builds a sweeper sharing the engine's store, clock and logger.
func NewSweeper(engine *Engine) *Sweeper {
	return &Sweeper{
		Engine:  engine,
		Store:   engine.Store,
		Clock:   engine.Clock,
		Logger:  engine.Logger,
		Metrics: engine.Metrics,
	}
}

// Run performs one sweep. Per-row failures are counted in SweepResult.
// The returned error joins any listing failure with a context error; a
// failed listing skips only its own phase.
func (sw *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	clock := clockOrSystem(sw.Clock)
	started := clock.Now()
	var res SweepResult
	var errs []error

	if err := sw.sweepTasks(ctx, started, &res); err != nil {
		errs = append(errs, err)
	}
	if ctx.Err() == nil {
		if err := sw.sweepSubtasks(ctx, started, &res); err != nil {
			errs = append(errs, err)
		}
	}

	sw.Metrics.RecordSweep(ctx, res.ExpiredTasks, res.ExpiredSubtasks, clock.Now().Sub(started))
	if res.ExpiredTasks > 0 || res.ExpiredSubtasks > 0 || res.Failed > 0 || len(errs) > 0 {
		sw.Logger.Info("sweep completed",
			"expired_tasks", res.ExpiredTasks,
			"expired_subtasks", res.ExpiredSubtasks,
			"skipped", res.Skipped,
			"failed", res.Failed,
			"errors", len(errs),
		)
	}
	return res, errors.Join(errs...)
}

func (sw *Sweeper) sweepTasks(ctx context.Context, now time.Time, res *SweepResult) error {
	tasks, err := sw.Store.ListOverdueTasks(ctx, now)
	if err != nil {
		sw.Logger.Error("sweep: failed to list overdue tasks", "error", err)
		return err
	}
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := sw.Engine.ApplyTaskTransition(ctx, t.ID, StatusExpired)
		switch {
		case err == nil:
			res.ExpiredTasks++
			res.ExpiredSubtasks += len(out.AffectedSubtasks)
		case IsConflict(err):
			res.Skipped++
			sw.Logger.Debug("sweep: task already closed", "task_id", t.ID)
		default:
			res.Failed++
			sw.Logger.Error("sweep: failed to expire task", "task_id", t.ID, "error", err)
		}
	}
	return nil
}

func (sw *Sweeper) sweepSubtasks(ctx context.Context, now time.Time, res *SweepResult) error {
	subtasks, err := sw.Store.ListOverdueSubtasks(ctx, now)
	if err != nil {
		sw.Logger.Error("sweep: failed to list overdue subtasks", "error", err)
		return err
	}
	for _, s := range subtasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := sw.Engine.ApplySubtaskTransition(ctx, s.TaskID, s.ID, StatusExpired)
		switch {
		case err == nil:
			res.ExpiredSubtasks++
		case IsConflict(err):
			res.Skipped++
			sw.Logger.Debug("sweep: subtask already closed", "subtask_id", s.ID)
		default:
			res.Failed++
			sw.Logger.Error("sweep: failed to expire subtask",
				"task_id", s.TaskID,
				"subtask_id", s.ID,
				"error", err,
			)
		}
	}
	return nil
}
