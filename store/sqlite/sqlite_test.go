package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/telemetry"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.March, 10, 9, 0, 0, 123456789, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedUser(t *testing.T, s *Store, id string) generic.UserID {
	t.Helper()
	require.NoError(t, s.CreateUser(context.Background(), generic.User{
		ID:        generic.UserID(id),
		Username:  id,
		CreatedAt: testNow,
	}))
	return generic.UserID(id)
}

func seedTask(t *testing.T, s *Store, id string, owner generic.UserID, success, failure int64, expiresAt *time.Time) generic.TaskID {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), generic.Task{
		ID:            generic.TaskID(id),
		UserID:        owner,
		Title:         "task " + id,
		Description:   "desc",
		SuccessPoints: success,
		FailurePoints: failure,
		Status:        generic.StatusPending,
		CreatedAt:     testNow,
		ExpiresAt:     expiresAt,
	}))
	return generic.TaskID(id)
}

func seedSubtask(t *testing.T, s *Store, id string, taskID generic.TaskID, success, failure int64, expiresAt *time.Time) generic.SubtaskID {
	t.Helper()
	require.NoError(t, s.CreateSubtask(context.Background(), generic.Subtask{
		ID:            generic.SubtaskID(id),
		TaskID:        taskID,
		Title:         "subtask " + id,
		SuccessPoints: success,
		FailurePoints: failure,
		Status:        generic.StatusPending,
		ExpiresAt:     expiresAt,
	}))
	return generic.SubtaskID(id)
}

func at(t time.Time) *time.Time { return &t }

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestStore_TaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, "u1")
	taskID := seedTask(t, s, "t1", owner, 10, 5, at(testNow.Add(time.Hour)))

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, owner, task.UserID)
	assert.Equal(t, "desc", task.Description)
	assert.Equal(t, int64(10), task.SuccessPoints)
	assert.Equal(t, generic.StatusPending, task.Status)
	assert.True(t, testNow.Equal(task.CreatedAt))
	require.NotNil(t, task.ExpiresAt)
	assert.True(t, testNow.Add(time.Hour).Equal(*task.ExpiresAt))
	assert.Nil(t, task.CompletedAt)
}

func TestStore_SubtaskCarriesOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, "u1")
	taskID := seedTask(t, s, "t1", owner, 10, 5, nil)
	subID := seedSubtask(t, s, "s1", taskID, 3, 1, nil)

	sub, err := s.GetSubtask(ctx, taskID, subID)
	require.NoError(t, err)
	assert.Equal(t, owner, sub.OwnerID)
	assert.Equal(t, "", sub.Description)

	other := seedTask(t, s, "t2", owner, 1, 1, nil)
	_, err = s.GetSubtask(ctx, other, subID)
	assert.True(t, generic.IsNotFound(err))
}

func TestStore_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetUser(ctx, "nobody")
	assert.True(t, generic.IsNotFound(err))
	_, err = s.GetTask(ctx, "nothing")
	assert.True(t, generic.IsNotFound(err))

	err = s.CreateTask(ctx, generic.Task{ID: "t1", UserID: "nobody", Title: "x", Status: generic.StatusPending, CreatedAt: testNow})
	assert.True(t, generic.IsNotFound(err))
	err = s.CreateSubtask(ctx, generic.Subtask{ID: "s1", TaskID: "nothing", Title: "x", Status: generic.StatusPending})
	assert.True(t, generic.IsNotFound(err))
	err = s.AddToBalance(ctx, "nobody", 5)
	assert.True(t, generic.IsNotFound(err))
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	owner := seedUser(t, s, "u1")
	require.NoError(t, s.AddToBalance(ctx, owner, 7))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	u, err := s.GetUser(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.Balance)
}

// =============================================================================
// GUARDED UPDATES
// =============================================================================

func TestStore_GuardedUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, "u1")
	taskID := seedTask(t, s, "t1", owner, 10, 5, nil)

	// Open → open never sets completed_at
	ok, err := s.UpdateTaskStatus(ctx, taskID, generic.StatusUpdate{Status: generic.StatusInProgress})
	require.NoError(t, err)
	assert.True(t, ok)

	// Open → terminal
	ok, err = s.UpdateTaskStatus(ctx, taskID, generic.StatusUpdate{Status: generic.StatusCompleted, CompletedAt: at(testNow)})
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal rows reject every further update
	ok, err = s.UpdateTaskStatus(ctx, taskID, generic.StatusUpdate{Status: generic.StatusPending})
	require.NoError(t, err)
	assert.False(t, ok)

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.True(t, testNow.Equal(*task.CompletedAt))
}

func TestStore_GuardedSubtaskUpdateChecksParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, "u1")
	t1 := seedTask(t, s, "t1", owner, 1, 1, nil)
	t2 := seedTask(t, s, "t2", owner, 1, 1, nil)
	subID := seedSubtask(t, s, "s1", t1, 1, 1, nil)

	ok, err := s.UpdateSubtaskStatus(ctx, t2, subID, generic.StatusUpdate{Status: generic.StatusInProgress})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_OverdueSelection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, "u1")

	seedTask(t, s, "t-past", owner, 1, 1, at(testNow.Add(-time.Minute)))
	seedTask(t, s, "t-now", owner, 1, 1, at(testNow))
	seedTask(t, s, "t-future", owner, 1, 1, at(testNow.Add(time.Nanosecond)))
	seedTask(t, s, "t-none", owner, 1, 1, nil)
	closed := seedTask(t, s, "t-closed", owner, 1, 1, at(testNow.Add(-time.Hour)))
	_, err := s.UpdateTaskStatus(ctx, closed, generic.StatusUpdate{Status: generic.StatusFailed, CompletedAt: at(testNow)})
	require.NoError(t, err)

	seedSubtask(t, s, "s-past", closed, 1, 1, at(testNow.Add(-time.Second)))

	tasks, err := s.ListOverdueTasks(ctx, testNow)
	require.NoError(t, err)
	ids := make([]generic.TaskID, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	assert.ElementsMatch(t, []generic.TaskID{"t-past", "t-now"}, ids)

	subs, err := s.ListOverdueSubtasks(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, owner, subs[0].OwnerID)
}

func TestStore_OverdueSelectionSkipsDeletedOwners(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	active := seedUser(t, s, "u-active")
	require.NoError(t, s.CreateUser(ctx, generic.User{
		ID: "u-gone", Username: "gone", CreatedAt: testNow, DeletedAt: at(testNow),
	}))
	past := at(testNow.Add(-time.Minute))

	seedTask(t, s, "t-active", active, 1, 1, past)
	gone := seedTask(t, s, "t-gone", "u-gone", 1, 1, nil)
	seedSubtask(t, s, "s-gone", gone, 1, 1, past)

	tasks, err := s.ListOverdueTasks(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, generic.TaskID("t-active"), tasks[0].ID)

	subs, err := s.ListOverdueSubtasks(ctx, testNow)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestStore_ListAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, generic.User{ID: "u-old", Username: "old", CreatedAt: testNow.Add(-time.Hour)}))
	owner := seedUser(t, s, "u-new")

	require.NoError(t, s.CreateTask(ctx, generic.Task{
		ID: "t-old", UserID: owner, Title: "old", Status: generic.StatusPending, CreatedAt: testNow.Add(-time.Hour),
	}))
	newest := seedTask(t, s, "t-new", owner, 1, 1, nil)
	seedSubtask(t, s, "s2", newest, 1, 1, nil)
	seedSubtask(t, s, "s1", newest, 1, 1, nil)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, owner, users[0].ID)
	assert.Equal(t, generic.UserID("u-old"), users[1].ID)

	tasks, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, newest, tasks[0].ID)
	assert.Equal(t, generic.TaskID("t-old"), tasks[1].ID)

	subs, err := s.ListAllSubtasks(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, generic.SubtaskID("s1"), subs[0].ID)
	assert.Equal(t, owner, subs[0].OwnerID)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestStore_LedgerIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, "u1")
	require.NoError(t, s.InsertLedgerEntry(ctx, generic.LedgerEntry{
		ID: "e1", UserID: owner, Amount: 5, Reason: "bonus", Timestamp: testNow,
	}))

	_, err := s.db.Exec(`UPDATE transactions SET amount = 50 WHERE id = 'e1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = s.db.Exec(`DELETE FROM transactions WHERE id = 'e1'`)
	require.Error(t, err)

	sum, err := s.SumLedger(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum)
}

func TestStore_LedgerOrderingAndSum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, "u1")
	taskID := seedTask(t, s, "t1", owner, 1, 1, nil)

	// Same timestamp: insertion order breaks the tie
	for i, amount := range []int64{3, -5, 2} {
		e := generic.LedgerEntry{
			ID:        generic.EntryID([]string{"z", "a", "m"}[i]),
			UserID:    owner,
			Amount:    amount,
			Timestamp: testNow,
		}
		if i == 0 {
			e.RelatedTaskID = &taskID
		}
		require.NoError(t, s.InsertLedgerEntry(ctx, e))
	}

	entries, err := s.ListLedgerEntries(ctx, owner)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, generic.EntryID("z"), entries[0].ID)
	assert.Equal(t, generic.EntryID("a"), entries[1].ID)
	require.NotNil(t, entries[0].RelatedTaskID)
	assert.Equal(t, taskID, *entries[0].RelatedTaskID)
	assert.Nil(t, entries[1].RelatedTaskID)

	sum, err := s.SumLedger(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)

	empty := seedUser(t, s, "u2")
	sum, err = s.SumLedger(ctx, empty)
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, "u1")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx generic.Store) error {
		require.NoError(t, tx.AddToBalance(ctx, owner, 10))
		require.NoError(t, tx.InsertLedgerEntry(ctx, generic.LedgerEntry{
			ID: "e1", UserID: owner, Amount: 10, Timestamp: testNow,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := s.GetUser(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, u.Balance)
	entries, err := s.ListLedgerEntries(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// ENGINE OVER SQLITE
// =============================================================================

func newTestEngine(s *Store) *generic.Engine {
	return generic.NewEngine(s, generic.NewFixedClock(testNow), nil, telemetry.Noop())
}

func TestEngine_CascadeScenariosOnSQLite(t *testing.T) {
	tests := []struct {
		name   string
		target generic.Status
		want   int64
	}{
		{"completed", generic.StatusCompleted, 13},
		{"failed", generic.StatusFailed, -7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			engine := newTestEngine(s)
			owner := seedUser(t, s, "u1")
			taskID := seedTask(t, s, "t1", owner, 10, 5, nil)
			a := seedSubtask(t, s, "a", taskID, 3, 1, nil)
			seedSubtask(t, s, "b", taskID, 2, 1, nil)
			_, err := engine.ApplySubtaskTransition(ctx, taskID, a, generic.StatusInProgress)
			require.NoError(t, err)

			res, err := engine.ApplyTaskTransition(ctx, taskID, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Delta())

			rec, err := engine.Ledger.Reconcile(ctx, owner)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Balance)
			assert.True(t, rec.Consistent())

			_, err = engine.ApplyTaskTransition(ctx, taskID, tt.target)
			assert.True(t, generic.IsConflict(err))
		})
	}
}

func TestEngine_ConcurrentDuplicatesOnSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(s)
	owner := seedUser(t, s, "u1")
	taskID := seedTask(t, s, "t1", owner, 10, 5, nil)
	seedSubtask(t, s, "a", taskID, 3, 1, nil)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ApplyTaskTransition(ctx, taskID, generic.StatusFailed)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	u, err := s.GetUser(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(-6), u.Balance)
}

func TestEngine_SweepOnSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(s)
	owner := seedUser(t, s, "u1")
	taskID := seedTask(t, s, "t1", owner, 10, 5, at(testNow.Add(-time.Hour)))
	seedSubtask(t, s, "a", taskID, 3, 1, nil)
	open := seedTask(t, s, "t2", owner, 10, 5, nil)
	seedSubtask(t, s, "b", open, 3, 2, at(testNow.Add(-time.Hour)))

	sweeper := generic.NewSweeper(engine)
	res, err := sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, generic.SweepResult{ExpiredTasks: 1, ExpiredSubtasks: 2}, res)

	u, err := s.GetUser(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(-5-1-2), u.Balance)

	res, err = sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, generic.SweepResult{}, res)
}
