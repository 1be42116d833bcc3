/*
transition.go - Status lifecycle of tasks and subtasks (StatusTransitionEngine)

PURPOSE:
  Validates a requested status change, applies it with a guarded write,
  cascades terminal task transitions to children, and records the ledger
  effect of every row that reaches a terminal state.

TRANSITION FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │  WithTx                                                          │
  │   read row ──▶ open? ──no──▶ ConflictError (nothing written)     │
  │                  │yes                                            │
  │                  ▼                                               │
  │   guarded UPDATE ... WHERE still open ──0 rows──▶ ConflictError  │
  │                  │1 row                                          │
  │                  ▼                                               │
  │   terminal target?  ──no──▶ commit                               │
  │                  │yes                                            │
  │                  ▼                                               │
  │   (task only) ResolveCascade ──▶ guarded child UPDATE + Apply    │
  │                  ▼                                               │
  │   Apply own ledger effect ──▶ commit                             │
  └──────────────────────────────────────────────────────────────────┘

ATOMICITY:
  A task transition, all of its cascaded child transitions and every
  ledger entry they produce share one transaction. Any error rolls the
  whole unit back: a terminal status is never committed without its
  entry, and an entry is never committed without its status.

CONCURRENCY:
  The guarded update is the only mutual exclusion. When two requests
  race on the same row exactly one sees an affected row; the other gets
  ConflictError and its transaction writes nothing.

NON-TERMINAL TARGETS:
  pending ↔ in-progress moves only the addressed row. Children of a task
  are not synced and no ledger entry is written.

SEE ALSO:
  - cascade.go: Child selection rules
  - ledger.go: Apply
  - sweep.go: Drives overdue rows through this same engine
*/
package generic

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/points-engine/telemetry"
)

// Engine applies status transitions.
type Engine struct {
	Store   TxStore
	Ledger  *Ledger
	Clock   Clock
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// NewEngine wires an engine and its ledger over store.
func NewEngine(store TxStore, clock Clock, logger *slog.Logger, metrics *telemetry.Metrics) *Engine {
	clock = clockOrSystem(clock)
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Store:   store,
		Ledger:  NewLedger(store, clock, metrics),
		Clock:   clock,
		Logger:  logger,
		Metrics: metrics,
	}
}

// =============================================================================
// SUBTASK TRANSITIONS
// =============================================================================

// ApplySubtaskTransition moves one subtask to target.
// Completed credits success_points to the parent task's owner; failed and
// expired debit failure_points. Both are attributed to the subtask title
// and the parent task id.
func (e *Engine) ApplySubtaskTransition(ctx context.Context, taskID TaskID, subtaskID SubtaskID, target Status) (Subtask, error) {
	if !target.Valid() {
		return Subtask{}, &ValidationError{Field: "status", Value: string(target), Reason: "unknown status"}
	}

	var (
		out   Subtask
		entry *LedgerEntry
	)
	err := e.Store.WithTx(ctx, func(s Store) error {
		sub, err := s.GetSubtask(ctx, taskID, subtaskID)
		if err != nil {
			return err
		}
		if !sub.Status.IsOpen() {
			return &ConflictError{Kind: "subtask", ID: string(sub.ID), Status: sub.Status}
		}

		delta, err := LedgerDelta(target, sub.SuccessPoints, sub.FailurePoints)
		if err != nil {
			return err
		}
		out, entry, err = e.transitionSubtask(ctx, s, sub, target, delta, e.Clock.Now())
		return err
	})
	if err != nil {
		e.recordFailure(ctx, "subtask", err)
		return Subtask{}, err
	}

	e.Metrics.RecordTransition(ctx, "subtask", string(target))
	if entry != nil {
		e.Metrics.RecordLedgerEntry(ctx, entry.Amount)
	}
	e.Logger.Debug("subtask transitioned",
		"task_id", taskID,
		"subtask_id", subtaskID,
		"status", target,
	)
	return out, nil
}

// transitionSubtask performs the guarded write and, for a terminal
// target, the ledger effect. Must run inside a transaction.
func (e *Engine) transitionSubtask(ctx context.Context, s Store, sub Subtask, target Status, delta int64, now time.Time) (Subtask, *LedgerEntry, error) {
	upd := statusUpdateFor(target, now)
	applied, err := s.UpdateSubtaskStatus(ctx, sub.TaskID, sub.ID, upd)
	if err != nil {
		return Subtask{}, nil, err
	}
	if !applied {
		return Subtask{}, nil, &ConflictError{Kind: "subtask", ID: string(sub.ID)}
	}
	sub.Status = upd.Status
	sub.CompletedAt = upd.CompletedAt

	if !target.IsTerminal() {
		return sub, nil, nil
	}

	taskID := sub.TaskID
	entry, err := e.Ledger.Apply(ctx, s, ApplyInput{
		UserID:        sub.OwnerID,
		Amount:        delta,
		Reason:        sub.Title,
		RelatedTaskID: &taskID,
	})
	if err != nil {
		return Subtask{}, nil, err
	}
	return sub, &entry, nil
}

// =============================================================================
// TASK TRANSITIONS
// =============================================================================

// ApplyTaskTransition moves a task to target and cascades terminal
// targets to its children per ResolveCascade. Child entries are written
// first, then the task's own entry attributed to the task title.
func (e *Engine) ApplyTaskTransition(ctx context.Context, taskID TaskID, target Status) (TaskTransitionResult, error) {
	if !target.Valid() {
		return TaskTransitionResult{}, &ValidationError{Field: "status", Value: string(target), Reason: "unknown status"}
	}

	var res TaskTransitionResult
	err := e.Store.WithTx(ctx, func(s Store) error {
		res = TaskTransitionResult{}

		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !task.Status.IsOpen() {
			return &ConflictError{Kind: "task", ID: string(task.ID), Status: task.Status}
		}

		now := e.Clock.Now()
		upd := statusUpdateFor(target, now)
		applied, err := s.UpdateTaskStatus(ctx, task.ID, upd)
		if err != nil {
			return err
		}
		if !applied {
			return &ConflictError{Kind: "task", ID: string(task.ID)}
		}
		task.Status = upd.Status
		task.CompletedAt = upd.CompletedAt
		res.Task = task

		if !target.IsTerminal() {
			return nil
		}

		children, err := s.ListSubtasks(ctx, task.ID)
		if err != nil {
			return err
		}
		snapshots := make([]ChildSnapshot, len(children))
		byID := make(map[SubtaskID]Subtask, len(children))
		for i, c := range children {
			snapshots[i] = SnapshotOf(c)
			byID[c.ID] = c
		}

		effects, err := ResolveCascade(target, snapshots)
		if err != nil {
			return err
		}
		for _, eff := range effects {
			updated, entry, err := e.transitionSubtask(ctx, s, byID[eff.SubtaskID], eff.Target, eff.Delta, now)
			if err != nil {
				return err
			}
			res.AffectedSubtasks = append(res.AffectedSubtasks, updated)
			res.Entries = append(res.Entries, *entry)
		}

		delta, err := LedgerDelta(target, task.SuccessPoints, task.FailurePoints)
		if err != nil {
			return err
		}
		id := task.ID
		entry, err := e.Ledger.Apply(ctx, s, ApplyInput{
			UserID:        task.UserID,
			Amount:        delta,
			Reason:        task.Title,
			RelatedTaskID: &id,
		})
		if err != nil {
			return err
		}
		res.Entries = append(res.Entries, entry)
		return nil
	})
	if err != nil {
		e.recordFailure(ctx, "task", err)
		return TaskTransitionResult{}, err
	}

	e.Metrics.RecordTransition(ctx, "task", string(target))
	for _, sub := range res.AffectedSubtasks {
		e.Metrics.RecordTransition(ctx, "subtask", string(sub.Status))
	}
	for _, entry := range res.Entries {
		e.Metrics.RecordLedgerEntry(ctx, entry.Amount)
	}
	if target.IsTerminal() {
		e.Logger.Info("task transitioned",
			"task_id", taskID,
			"status", target,
			"cascaded", len(res.AffectedSubtasks),
			"delta", res.Delta(),
		)
	}
	return res, nil
}

func (e *Engine) recordFailure(ctx context.Context, kind string, err error) {
	if IsConflict(err) {
		e.Metrics.RecordConflict(ctx, kind)
	}
}

// statusUpdateFor sets completed_at exactly when target is terminal.
func statusUpdateFor(target Status, now time.Time) StatusUpdate {
	u := StatusUpdate{Status: target}
	if target.IsTerminal() {
		t := now
		u.CompletedAt = &t
	}
	return u
}
