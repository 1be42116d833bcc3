package generic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/generic/store"
)

func TestSweeper_ExpiresOverdueTaskAndChildren(t *testing.T) {
	// GIVEN: An overdue task with two open children
	f := newFixture(t)
	ctx := context.Background()
	past := timePtr(testNow.Add(-time.Minute))
	taskID := f.task(t, "task-1", 10, 5, past)
	f.subtask(t, taskID, "sub-a", 3, 1, nil)
	f.subtask(t, taskID, "sub-b", 2, 2, nil)

	// WHEN: A sweep runs
	res, err := generic.NewSweeper(f.engine).Run(ctx)
	require.NoError(t, err)

	// THEN: The task and both children are expired with their debits
	assert.Equal(t, generic.SweepResult{ExpiredTasks: 1, ExpiredSubtasks: 2}, res)
	assert.Equal(t, int64(-5-1-2), f.balance(t))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusExpired, task.Status)
	require.NotNil(t, task.CompletedAt)
	f.requireConsistent(t)
}

func TestSweeper_SecondSweepIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := timePtr(testNow.Add(-time.Hour))
	taskID := f.task(t, "task-1", 10, 5, past)
	f.subtask(t, taskID, "sub-a", 3, 1, past)

	sweeper := generic.NewSweeper(f.engine)
	_, err := sweeper.Run(ctx)
	require.NoError(t, err)
	balance := f.balance(t)
	entries := len(f.entries(t))

	res, err := sweeper.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, generic.SweepResult{}, res)
	assert.Equal(t, balance, f.balance(t))
	assert.Len(t, f.entries(t), entries)
}

func TestSweeper_OverdueSubtaskOfOpenTask(t *testing.T) {
	// GIVEN: A task that is not overdue, with one overdue child
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.task(t, "task-1", 10, 5, timePtr(testNow.Add(24*time.Hour)))
	overdueSub := f.subtask(t, taskID, "sub-a", 3, 2, timePtr(testNow.Add(-time.Second)))
	freshSub := f.subtask(t, taskID, "sub-b", 3, 2, timePtr(testNow.Add(time.Hour)))

	res, err := generic.NewSweeper(f.engine).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, generic.SweepResult{ExpiredSubtasks: 1}, res)
	assert.Equal(t, int64(-2), f.balance(t))

	sub, err := f.store.GetSubtask(ctx, taskID, overdueSub)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusExpired, sub.Status)

	sub, err = f.store.GetSubtask(ctx, taskID, freshSub)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPending, sub.Status)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPending, task.Status)
}

func TestSweeper_ExpiresAtBoundary(t *testing.T) {
	// expires_at == now counts as overdue
	f := newFixture(t)
	f.task(t, "task-1", 1, 1, timePtr(testNow))

	res, err := generic.NewSweeper(f.engine).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredTasks)
}

func TestSweeper_IgnoresClosedAndUnscheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := timePtr(testNow.Add(-time.Hour))

	closed := f.task(t, "task-closed", 10, 5, nil)
	_, err := f.engine.ApplyTaskTransition(ctx, closed, generic.StatusCompleted)
	require.NoError(t, err)

	f.task(t, "task-no-expiry", 10, 5, nil)
	f.subtask(t, closed, "sub-closed-parent", 1, 1, nil)

	// A completed subtask with an old expiry is never revisited
	doneSub := f.subtask(t, closed, "sub-done", 1, 4, past)
	_, err = f.engine.ApplySubtaskTransition(ctx, closed, doneSub, generic.StatusCompleted)
	require.NoError(t, err)
	before := f.balance(t)

	res, err := generic.NewSweeper(f.engine).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, generic.SweepResult{}, res)
	assert.Equal(t, before, f.balance(t))
}

func TestSweeper_IsolatesRowFailures(t *testing.T) {
	// GIVEN: Two overdue tasks; the first one's ledger write fails
	f := newFixture(t)
	ctx := context.Background()
	past := timePtr(testNow.Add(-time.Hour))
	first := f.task(t, "task-1", 10, 5, past)
	second := f.task(t, "task-2", 10, 3, past)

	failed := false
	f.store.FailHook = func(op string) error {
		if op == "InsertLedgerEntry" && !failed {
			failed = true
			return errors.New("transient")
		}
		return nil
	}

	// WHEN: A sweep runs
	res, err := generic.NewSweeper(f.engine).Run(ctx)
	require.NoError(t, err)

	// THEN: The failure is counted, the other task is still expired
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.ExpiredTasks)

	t1, err := f.store.GetTask(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPending, t1.Status)
	t2, err := f.store.GetTask(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusExpired, t2.Status)
	assert.Equal(t, int64(-3), f.balance(t))

	// And the next sweep picks up the row that failed
	f.store.FailHook = nil
	res, err = generic.NewSweeper(f.engine).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredTasks)
	assert.Equal(t, int64(-8), f.balance(t))
}

func TestSweeper_UsesClock(t *testing.T) {
	f := newFixture(t)
	f.task(t, "task-1", 1, 1, timePtr(testNow.Add(time.Hour)))
	sweeper := generic.NewSweeper(f.engine)

	res, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.ExpiredTasks)

	f.clock.Advance(2 * time.Hour)
	res, err = sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredTasks)
}

func TestSweeper_StopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.task(t, "task-1", 1, 1, timePtr(testNow.Add(-time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := generic.NewSweeper(f.engine).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.balance(t))
}

// brokenTaskListing fails only the overdue task query.
type brokenTaskListing struct {
	*store.Memory
}

func (brokenTaskListing) ListOverdueTasks(context.Context, time.Time) ([]generic.Task, error) {
	return nil, &generic.StoreError{Op: "list overdue tasks", Err: errors.New("disk I/O error")}
}

func TestSweeper_TaskListingFailureStillSweepsSubtasks(t *testing.T) {
	// GIVEN: An overdue subtask under an open task, and a task query that fails
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.task(t, "task-1", 10, 5, timePtr(testNow.Add(time.Hour)))
	subID := f.subtask(t, taskID, "sub-a", 3, 2, timePtr(testNow.Add(-time.Minute)))

	sweeper := generic.NewSweeper(f.engine)
	sweeper.Store = brokenTaskListing{Memory: f.store}

	// WHEN: A sweep runs
	res, err := sweeper.Run(ctx)

	// THEN: The listing error is reported, the subtask phase still ran
	require.Error(t, err)
	assert.True(t, generic.IsStore(err))
	assert.Equal(t, generic.SweepResult{ExpiredSubtasks: 1}, res)
	assert.Equal(t, int64(-2), f.balance(t))

	sub, err := f.store.GetSubtask(ctx, taskID, subID)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusExpired, sub.Status)
	f.requireConsistent(t)
}

func TestSweeper_SkipsDeletedOwners(t *testing.T) {
	// GIVEN: Overdue work owned by a soft-deleted user
	f := newFixture(t)
	ctx := context.Background()
	deletedAt := testNow.Add(-time.Hour)
	require.NoError(t, f.store.CreateUser(ctx, generic.User{
		ID: "gone", Username: "gone", CreatedAt: testNow, DeletedAt: &deletedAt,
	}))
	past := timePtr(testNow.Add(-time.Minute))
	gone := generic.Task{
		ID: "task-gone", UserID: "gone", Title: "orphan", FailurePoints: 4,
		Status: generic.StatusPending, CreatedAt: testNow, ExpiresAt: past,
	}
	require.NoError(t, f.store.CreateTask(ctx, gone))
	require.NoError(t, f.store.CreateSubtask(ctx, generic.Subtask{
		ID: "sub-gone", TaskID: gone.ID, Title: "orphan child", FailurePoints: 1,
		Status: generic.StatusPending, ExpiresAt: past,
	}))
	f.task(t, "task-1", 1, 3, past)

	// WHEN: A sweep runs twice
	sweeper := generic.NewSweeper(f.engine)
	res, err := sweeper.Run(ctx)
	require.NoError(t, err)
	again, err := sweeper.Run(ctx)
	require.NoError(t, err)

	// THEN: Only the active user's task is touched, and nothing fails
	assert.Equal(t, generic.SweepResult{ExpiredTasks: 1}, res)
	assert.Equal(t, generic.SweepResult{}, again)
	assert.Equal(t, int64(-3), f.balance(t))

	task, err := f.store.GetTask(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPending, task.Status)
}
