/*
store.go - Persistence interface for users, tasks, subtasks and the ledger

PURPOSE:
  Defines the interface between the engine and the database. The engine
  only needs point reads, guarded status writes, overdue selection and
  the two halves of a ledger effect (insert entry, add to balance).

KEY INTERFACES:
  Store:   Reads and writes executed against one connection or transaction
  TxStore: Store plus WithTx for atomic multi-table writes

GUARDED UPDATES:
  UpdateTaskStatus and UpdateSubtaskStatus only take effect while the row
  is still open (status pending/in-progress, completed_at NULL). They
  report whether a row was changed. A false return is how the engine
  learns it lost a race; it then returns ConflictError.

APPEND-ONLY LEDGER:
  InsertLedgerEntry is the only write on the transactions table.
  There is no update or delete for ledger entries.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via sqlx
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Pairs InsertLedgerEntry with AddToBalance
  - transition.go: Uses the guarded updates
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interface for engine persistence
// =============================================================================

// StatusUpdate is the payload of a guarded status write.
// CompletedAt is set iff Status is terminal.
type StatusUpdate struct {
	Status      Status
	CompletedAt *time.Time
}

// Store handles persistence for the engine.
// Read methods return *NotFoundError for missing rows; every other
// failure is a *StoreError.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (User, error)

	// ListUsers returns every user, deleted ones included, newest first.
	ListUsers(ctx context.Context) ([]User, error)

	// Tasks
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id TaskID) (Task, error)

	// UpdateTaskStatus applies u only while the task is still open.
	// Returns false when the guard rejected the write.
	UpdateTaskStatus(ctx context.Context, id TaskID, u StatusUpdate) (bool, error)

	// ListTasks returns every task, newest first.
	ListTasks(ctx context.Context) ([]Task, error)

	// ListOverdueTasks returns open tasks with expires_at <= now, ascending id.
	// Tasks of deleted users are skipped.
	ListOverdueTasks(ctx context.Context, now time.Time) ([]Task, error)

	// Subtasks
	CreateSubtask(ctx context.Context, s Subtask) error

	// GetSubtask returns the subtask only if it belongs to taskID.
	// OwnerID is filled from the parent task.
	GetSubtask(ctx context.Context, taskID TaskID, id SubtaskID) (Subtask, error)

	// ListSubtasks returns all children of the task, ascending id.
	ListSubtasks(ctx context.Context, taskID TaskID) ([]Subtask, error)

	// ListAllSubtasks returns every subtask ordered by task id then id.
	ListAllSubtasks(ctx context.Context) ([]Subtask, error)

	// UpdateSubtaskStatus applies u only while the subtask is still open.
	UpdateSubtaskStatus(ctx context.Context, taskID TaskID, id SubtaskID, u StatusUpdate) (bool, error)

	// ListOverdueSubtasks returns open subtasks with expires_at <= now, ascending id.
	// Subtasks whose owner is deleted are skipped.
	ListOverdueSubtasks(ctx context.Context, now time.Time) ([]Subtask, error)

	// Ledger
	InsertLedgerEntry(ctx context.Context, e LedgerEntry) error

	// AddToBalance increments the user's balance by delta.
	// Returns *NotFoundError if the user is missing or deleted.
	AddToBalance(ctx context.Context, id UserID, delta int64) error

	// ListLedgerEntries returns the user's entries oldest first.
	ListLedgerEntries(ctx context.Context, id UserID) ([]LedgerEntry, error)

	// SumLedger returns the sum of all entry amounts for the user.
	SumLedger(ctx context.Context, id UserID) (int64, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
