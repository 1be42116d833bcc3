// Package store provides Store implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/points-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.TxStore in process memory.
// A single mutex serializes every operation, and WithTx holds it for the
// whole callback, which gives the same isolation as SQLite's single writer.
type Memory struct {
	mu   sync.Mutex
	data memoryData

	// FailHook, when set, is consulted before every write with the
	// operation name ("AddToBalance", "InsertLedgerEntry", ...). A non-nil
	// return fails that write with a *generic.StoreError. Used by tests to
	// exercise rollback.
	FailHook func(op string) error
}

type memoryData struct {
	users    map[generic.UserID]generic.User
	tasks    map[generic.TaskID]generic.Task
	subtasks map[generic.SubtaskID]generic.Subtask
	entries  []generic.LedgerEntry
}

func NewMemory() *Memory {
	return &Memory{data: memoryData{
		users:    make(map[generic.UserID]generic.User),
		tasks:    make(map[generic.TaskID]generic.Task),
		subtasks: make(map[generic.SubtaskID]generic.Subtask),
	}}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(memoryView{m: m}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (d memoryData) clone() memoryData {
	c := memoryData{
		users:    make(map[generic.UserID]generic.User, len(d.users)),
		tasks:    make(map[generic.TaskID]generic.Task, len(d.tasks)),
		subtasks: make(map[generic.SubtaskID]generic.Subtask, len(d.subtasks)),
		entries:  append([]generic.LedgerEntry(nil), d.entries...),
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.tasks {
		c.tasks[k] = v
	}
	for k, v := range d.subtasks {
		c.subtasks[k] = v
	}
	return c
}

// Locked entry points. Each takes the mutex and delegates to the view.

func (m *Memory) CreateUser(ctx context.Context, u generic.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.CreateUser(ctx, u)
}

func (m *Memory) GetUser(ctx context.Context, id generic.UserID) (generic.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.GetUser(ctx, id)
}

func (m *Memory) CreateTask(ctx context.Context, t generic.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.CreateTask(ctx, t)
}

func (m *Memory) GetTask(ctx context.Context, id generic.TaskID) (generic.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.GetTask(ctx, id)
}

func (m *Memory) UpdateTaskStatus(ctx context.Context, id generic.TaskID, u generic.StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.UpdateTaskStatus(ctx, id, u)
}

func (m *Memory) ListOverdueTasks(ctx context.Context, now time.Time) ([]generic.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.ListOverdueTasks(ctx, now)
}

func (m *Memory) CreateSubtask(ctx context.Context, s generic.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.CreateSubtask(ctx, s)
}

func (m *Memory) GetSubtask(ctx context.Context, taskID generic.TaskID, id generic.SubtaskID) (generic.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.GetSubtask(ctx, taskID, id)
}

func (m *Memory) ListSubtasks(ctx context.Context, taskID generic.TaskID) ([]generic.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.ListSubtasks(ctx, taskID)
}

func (m *Memory) UpdateSubtaskStatus(ctx context.Context, taskID generic.TaskID, id generic.SubtaskID, u generic.StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.UpdateSubtaskStatus(ctx, taskID, id, u)
}

func (m *Memory) ListOverdueSubtasks(ctx context.Context, now time.Time) ([]generic.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.ListOverdueSubtasks(ctx, now)
}

func (m *Memory) InsertLedgerEntry(ctx context.Context, e generic.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.InsertLedgerEntry(ctx, e)
}

func (m *Memory) AddToBalance(ctx context.Context, id generic.UserID, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.AddToBalance(ctx, id, delta)
}

func (m *Memory) ListUsers(ctx context.Context) ([]generic.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.ListUsers(ctx)
}

func (m *Memory) ListTasks(ctx context.Context) ([]generic.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.ListTasks(ctx)
}

func (m *Memory) ListAllSubtasks(ctx context.Context) ([]generic.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.ListAllSubtasks(ctx)
}

func (m *Memory) ListLedgerEntries(ctx context.Context, id generic.UserID) ([]generic.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.ListLedgerEntries(ctx, id)
}

func (m *Memory) SumLedger(ctx context.Context, id generic.UserID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryView{m: m}.SumLedger(ctx, id)
}

// =============================================================================
// VIEW - Unlocked operations, used directly inside WithTx
// =============================================================================

type memoryView struct {
	m *Memory
}

var errDuplicate = errors.New("duplicate primary key")

func (v memoryView) fail(op string) error {
	if v.m.FailHook == nil {
		return nil
	}
	if err := v.m.FailHook(op); err != nil {
		return &generic.StoreError{Op: op, Err: err}
	}
	return nil
}

func (v memoryView) CreateUser(_ context.Context, u generic.User) error {
	if err := v.fail("CreateUser"); err != nil {
		return err
	}
	if _, ok := v.m.data.users[u.ID]; ok {
		return &generic.StoreError{Op: "CreateUser", Err: errDuplicate}
	}
	v.m.data.users[u.ID] = u
	return nil
}

func (v memoryView) GetUser(_ context.Context, id generic.UserID) (generic.User, error) {
	u, ok := v.m.data.users[id]
	if !ok {
		return generic.User{}, &generic.NotFoundError{Kind: "user", ID: string(id)}
	}
	return u, nil
}

func (v memoryView) ListUsers(_ context.Context) ([]generic.User, error) {
	out := make([]generic.User, 0, len(v.m.data.users))
	for _, u := range v.m.data.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ownerActive reports whether the task's owner exists and is not deleted.
func (v memoryView) ownerActive(id generic.TaskID) bool {
	u, ok := v.m.data.users[v.m.data.tasks[id].UserID]
	return ok && !u.Deleted()
}

func (v memoryView) CreateTask(_ context.Context, t generic.Task) error {
	if err := v.fail("CreateTask"); err != nil {
		return err
	}
	if _, ok := v.m.data.users[t.UserID]; !ok {
		return &generic.NotFoundError{Kind: "user", ID: string(t.UserID)}
	}
	if _, ok := v.m.data.tasks[t.ID]; ok {
		return &generic.StoreError{Op: "CreateTask", Err: errDuplicate}
	}
	v.m.data.tasks[t.ID] = t
	return nil
}

func (v memoryView) GetTask(_ context.Context, id generic.TaskID) (generic.Task, error) {
	t, ok := v.m.data.tasks[id]
	if !ok {
		return generic.Task{}, &generic.NotFoundError{Kind: "task", ID: string(id)}
	}
	return t, nil
}

func (v memoryView) UpdateTaskStatus(_ context.Context, id generic.TaskID, u generic.StatusUpdate) (bool, error) {
	if err := v.fail("UpdateTaskStatus"); err != nil {
		return false, err
	}
	t, ok := v.m.data.tasks[id]
	if !ok || !stillOpen(t.Status, t.CompletedAt) {
		return false, nil
	}
	t.Status = u.Status
	t.CompletedAt = u.CompletedAt
	v.m.data.tasks[id] = t
	return true, nil
}

func (v memoryView) ListOverdueTasks(_ context.Context, now time.Time) ([]generic.Task, error) {
	var out []generic.Task
	for _, t := range v.m.data.tasks {
		if stillOpen(t.Status, t.CompletedAt) && overdue(t.ExpiresAt, now) && v.ownerActive(t.ID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v memoryView) ListTasks(_ context.Context) ([]generic.Task, error) {
	out := make([]generic.Task, 0, len(v.m.data.tasks))
	for _, t := range v.m.data.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v memoryView) CreateSubtask(_ context.Context, s generic.Subtask) error {
	if err := v.fail("CreateSubtask"); err != nil {
		return err
	}
	if _, ok := v.m.data.tasks[s.TaskID]; !ok {
		return &generic.NotFoundError{Kind: "task", ID: string(s.TaskID)}
	}
	if _, ok := v.m.data.subtasks[s.ID]; ok {
		return &generic.StoreError{Op: "CreateSubtask", Err: errDuplicate}
	}
	s.OwnerID = ""
	v.m.data.subtasks[s.ID] = s
	return nil
}

func (v memoryView) withOwner(s generic.Subtask) generic.Subtask {
	s.OwnerID = v.m.data.tasks[s.TaskID].UserID
	return s
}

func (v memoryView) GetSubtask(_ context.Context, taskID generic.TaskID, id generic.SubtaskID) (generic.Subtask, error) {
	s, ok := v.m.data.subtasks[id]
	if !ok || s.TaskID != taskID {
		return generic.Subtask{}, &generic.NotFoundError{Kind: "subtask", ID: string(id)}
	}
	return v.withOwner(s), nil
}

func (v memoryView) ListSubtasks(_ context.Context, taskID generic.TaskID) ([]generic.Subtask, error) {
	var out []generic.Subtask
	for _, s := range v.m.data.subtasks {
		if s.TaskID == taskID {
			out = append(out, v.withOwner(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v memoryView) ListAllSubtasks(_ context.Context) ([]generic.Subtask, error) {
	out := make([]generic.Subtask, 0, len(v.m.data.subtasks))
	for _, s := range v.m.data.subtasks {
		out = append(out, v.withOwner(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v memoryView) UpdateSubtaskStatus(_ context.Context, taskID generic.TaskID, id generic.SubtaskID, u generic.StatusUpdate) (bool, error) {
	if err := v.fail("UpdateSubtaskStatus"); err != nil {
		return false, err
	}
	s, ok := v.m.data.subtasks[id]
	if !ok || s.TaskID != taskID || !stillOpen(s.Status, s.CompletedAt) {
		return false, nil
	}
	s.Status = u.Status
	s.CompletedAt = u.CompletedAt
	v.m.data.subtasks[id] = s
	return true, nil
}

func (v memoryView) ListOverdueSubtasks(_ context.Context, now time.Time) ([]generic.Subtask, error) {
	var out []generic.Subtask
	for _, s := range v.m.data.subtasks {
		if stillOpen(s.Status, s.CompletedAt) && overdue(s.ExpiresAt, now) && v.ownerActive(s.TaskID) {
			out = append(out, v.withOwner(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v memoryView) InsertLedgerEntry(_ context.Context, e generic.LedgerEntry) error {
	if err := v.fail("InsertLedgerEntry"); err != nil {
		return err
	}
	if _, ok := v.m.data.users[e.UserID]; !ok {
		return &generic.StoreError{Op: "InsertLedgerEntry", Err: fmt.Errorf("unknown user %s", e.UserID)}
	}
	for _, existing := range v.m.data.entries {
		if existing.ID == e.ID {
			return &generic.StoreError{Op: "InsertLedgerEntry", Err: errDuplicate}
		}
	}
	v.m.data.entries = append(v.m.data.entries, e)
	return nil
}

func (v memoryView) AddToBalance(_ context.Context, id generic.UserID, delta int64) error {
	if err := v.fail("AddToBalance"); err != nil {
		return err
	}
	u, ok := v.m.data.users[id]
	if !ok || u.Deleted() {
		return &generic.NotFoundError{Kind: "user", ID: string(id)}
	}
	u.Balance += delta
	v.m.data.users[id] = u
	return nil
}

func (v memoryView) ListLedgerEntries(_ context.Context, id generic.UserID) ([]generic.LedgerEntry, error) {
	var out []generic.LedgerEntry
	for _, e := range v.m.data.entries {
		if e.UserID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v memoryView) SumLedger(_ context.Context, id generic.UserID) (int64, error) {
	var sum int64
	for _, e := range v.m.data.entries {
		if e.UserID == id {
			sum += e.Amount
		}
	}
	return sum, nil
}

func stillOpen(s generic.Status, completedAt *time.Time) bool {
	return s.IsOpen() && completedAt == nil
}

func overdue(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !expiresAt.After(now)
}
