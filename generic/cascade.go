/*
cascade.go - Parent-to-child propagation rules (CascadeResolver)

PURPOSE:
  Given the status a task is moving to and a snapshot of its children,
  computes which children must move with it and the ledger effect of
  each move. Pure: no storage, no clock, no logging.

RULES (explicit for every target):

  parent target   | child selected when           | child target | child delta
  ----------------+-------------------------------+--------------+-----------------
  completed       | child is in-progress          | completed    | +success_points
  failed          | child is pending/in-progress  | failed       | -failure_points
  expired         | child is pending/in-progress  | expired      | -failure_points
  pending         | never                         | -            | -
  in-progress     | never                         | -            | -

  Pending children of a completed task stay pending: only work that was
  under way is counted as done.

  Open parent targets leave children alone. A task moving between
  pending and in-progress says nothing about the state of its subtasks.

ORDERING:
  Effects are sorted by ascending subtask id so the same snapshot always
  yields the same list, whatever order the store returned.

SEE ALSO:
  - transition.go: Applies the effects inside one transaction
*/
package generic

import (
	"fmt"
	"sort"
)

// ChildSnapshot is the subset of a subtask the resolver needs.
type ChildSnapshot struct {
	ID            SubtaskID
	Status        Status
	SuccessPoints int64
	FailurePoints int64
}

// ChildEffect is one child transition required by a parent transition.
type ChildEffect struct {
	SubtaskID SubtaskID
	Target    Status
	Delta     int64
}

// SnapshotOf extracts the resolver view of a subtask.
func SnapshotOf(s Subtask) ChildSnapshot {
	return ChildSnapshot{
		ID:            s.ID,
		Status:        s.Status,
		SuccessPoints: s.SuccessPoints,
		FailurePoints: s.FailurePoints,
	}
}

// ResolveCascade returns the ordered child effects for parentTarget.
func ResolveCascade(parentTarget Status, children []ChildSnapshot) ([]ChildEffect, error) {
	var selected func(Status) bool

	switch parentTarget {
	case StatusCompleted:
		selected = func(s Status) bool { return s == StatusInProgress }
	case StatusFailed, StatusExpired:
		selected = Status.IsOpen
	case StatusPending, StatusInProgress:
		return nil, nil
	default:
		return nil, &ValidationError{Field: "status", Value: string(parentTarget), Reason: "not a transition target"}
	}

	sorted := make([]ChildSnapshot, len(children))
	copy(sorted, children)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var effects []ChildEffect
	for _, c := range sorted {
		if !selected(c.Status) {
			continue
		}
		delta, err := LedgerDelta(parentTarget, c.SuccessPoints, c.FailurePoints)
		if err != nil {
			return nil, err
		}
		effects = append(effects, ChildEffect{SubtaskID: c.ID, Target: parentTarget, Delta: delta})
	}
	return effects, nil
}

// LedgerDelta is the signed balance change for reaching target.
// Open targets have no ledger effect and return 0.
func LedgerDelta(target Status, successPoints, failurePoints int64) (int64, error) {
	switch target {
	case StatusCompleted:
		return successPoints, nil
	case StatusFailed, StatusExpired:
		return -failurePoints, nil
	case StatusPending, StatusInProgress:
		return 0, nil
	default:
		return 0, &ValidationError{Field: "status", Value: string(target), Reason: "not a transition target"}
	}
}

// String renders an effect for logs.
func (e ChildEffect) String() string {
	return fmt.Sprintf("%s→%s (%+d)", e.SubtaskID, e.Target, e.Delta)
}
