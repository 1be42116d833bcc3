/*
Package generic provides the core points engine.

PURPOSE:
  This package contains the storage-agnostic types and algorithms for the
  task tracker's points economy: the status lifecycle of tasks and their
  subtasks, the cascade of a parent's terminal transition to its children,
  and the append-only ledger that credits or debits a user's balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - Status: Closed enumeration of lifecycle states
  - Task / Subtask: Work items carrying success and failure points
  - User: Owner of tasks, with a materialized balance
  - LedgerEntry: An immutable signed points record

DESIGN PRINCIPLES:
  1. Terminal states are sticky: completed, failed, expired never change
  2. Integer points only: no fractional amounts anywhere
  3. Type Safety: Distinct ID types prevent mixing task and subtask IDs
  4. Balance is derived: users.balance always equals the ledger sum

STATUS MACHINE:

    pending ◀──▶ in-progress
       │              │
       └──────┬───────┘
              ▼
    completed | failed | expired   (terminal, completed_at set)

SEE ALSO:
  - transition.go: StatusTransitionEngine
  - cascade.go: CascadeResolver
  - ledger.go: LedgerWriter
  - sweep.go: ExpirationSweeper
*/
package generic

import (
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TaskID string
type SubtaskID string
type EntryID string

// =============================================================================
// STATUS - Closed enumeration of lifecycle states
// =============================================================================

// Status is the lifecycle state shared by tasks and subtasks.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusExpired,
}

// ParseStatus converts a wire value to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(s))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Value: s, Reason: "unknown status"}
	}
	return st, nil
}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is completed, failed or expired.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// IsOpen reports whether s still accepts transitions.
func (s Status) IsOpen() bool {
	switch s {
	case StatusPending, StatusInProgress:
		return true
	default:
		return false
	}
}

// OpenStatuses are the states a guarded update may move away from.
var OpenStatuses = []Status{StatusPending, StatusInProgress}

// =============================================================================
// ENTITIES
// =============================================================================

// User owns tasks and holds the materialized points balance.
type User struct {
	ID        UserID
	Username  string
	Balance   int64
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the user has been soft-deleted.
func (u User) Deleted() bool { return u.DeletedAt != nil }

// Task is a top-level work item owned by a user.
type Task struct {
	ID            TaskID
	UserID        UserID
	Title         string
	Description   string
	SuccessPoints int64
	FailurePoints int64
	Status        Status
	CreatedAt     time.Time
	CompletedAt   *time.Time
	ExpiresAt     *time.Time
}

// Subtask belongs to exactly one task. OwnerID is the parent task's user,
// resolved by the store on read.
type Subtask struct {
	ID            SubtaskID
	TaskID        TaskID
	OwnerID       UserID
	Title         string
	Description   string
	SuccessPoints int64
	FailurePoints int64
	Status        Status
	CompletedAt   *time.Time
	ExpiresAt     *time.Time
}

// LedgerEntry is an append-only signed points record. Never mutated.
type LedgerEntry struct {
	ID            EntryID
	UserID        UserID
	Amount        int64
	Reason        string
	RelatedTaskID *TaskID
	Timestamp     time.Time
}

// =============================================================================
// TRANSITION RESULTS
// =============================================================================

// TaskTransitionResult is returned by Engine.ApplyTaskTransition.
type TaskTransitionResult struct {
	Task             Task
	AffectedSubtasks []Subtask
	Entries          []LedgerEntry
}

// Delta is the net balance change produced by the transition.
func (r TaskTransitionResult) Delta() int64 {
	var total int64
	for _, e := range r.Entries {
		total += e.Amount
	}
	return total
}

// SweepResult summarizes one expiration sweep.
type SweepResult struct {
	ExpiredTasks    int
	ExpiredSubtasks int
	Skipped         int // lost the guard to a concurrent writer
	Failed          int
}
