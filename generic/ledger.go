/*
ledger.go - Append-only points ledger (LedgerWriter)

PURPOSE:
  The ledger is the source of truth for every balance change. Each
  terminal transition, and each manual adjustment, appends exactly one
  signed entry. users.balance is a materialized running sum of those
  entries, maintained in the same transaction as the insert.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. CO-WRITTEN: Entry insert and balance increment commit together or not at all
  3. NO IDEMPOTENCY KEY: Callers guarantee one Apply per intended effect
     (the transition guard is what makes that true)
  4. NO RETRIES: A failed Apply surfaces its error unchanged

EXAMPLE FLOW:
  1. Subtask "Read chapter" completed (+3):  entry +3, balance 0 → 3
  2. Task "Study" failed (-5):               entry -5, balance 3 → -2
  3. Manual adjustment (+2, "bonus"):        entry +2, balance -2 → 0

  Ledger: [+3, -5, +2] = 0 = users.balance

SEE ALSO:
  - store.go: InsertLedgerEntry / AddToBalance
  - reconcile.go: Offline resum of entries against the balance
*/
package generic

import (
	"context"

	"github.com/google/uuid"

	"github.com/warp/points-engine/telemetry"
)

// ApplyInput describes one ledger effect.
type ApplyInput struct {
	UserID        UserID
	Amount        int64 // signed: positive credits, negative debits
	Reason        string
	RelatedTaskID *TaskID
}

// Ledger appends entries and keeps the owning user's balance in step.
type Ledger struct {
	Store   TxStore
	Clock   Clock
	Metrics *telemetry.Metrics
}

func NewLedger(store TxStore, clock Clock, metrics *telemetry.Metrics) *Ledger {
	return &Ledger{Store: store, Clock: clockOrSystem(clock), Metrics: metrics}
}

// Apply writes one entry and the matching balance increment through s.
// s must be a transaction-scoped Store: Apply does not open its own
// transaction, so the caller's commit or rollback covers both writes.
func (l *Ledger) Apply(ctx context.Context, s Store, in ApplyInput) (LedgerEntry, error) {
	entry := LedgerEntry{
		ID:            EntryID(uuid.New().String()),
		UserID:        in.UserID,
		Amount:        in.Amount,
		Reason:        in.Reason,
		RelatedTaskID: in.RelatedTaskID,
		Timestamp:     clockOrSystem(l.Clock).Now(),
	}

	// Balance first so a missing owner is reported as NotFound rather
	// than as a foreign key failure on the insert.
	if err := s.AddToBalance(ctx, in.UserID, in.Amount); err != nil {
		return LedgerEntry{}, err
	}
	if err := s.InsertLedgerEntry(ctx, entry); err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// ApplyAtomic runs Apply in its own transaction.
func (l *Ledger) ApplyAtomic(ctx context.Context, in ApplyInput) (LedgerEntry, error) {
	var entry LedgerEntry
	err := l.Store.WithTx(ctx, func(s Store) error {
		var err error
		entry, err = l.Apply(ctx, s, in)
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	l.Metrics.RecordLedgerEntry(ctx, entry.Amount)
	return entry, nil
}

// Entries returns the user's ledger, oldest first. Read-only.
func (l *Ledger) Entries(ctx context.Context, id UserID) ([]LedgerEntry, error) {
	if _, err := l.Store.GetUser(ctx, id); err != nil {
		return nil, err
	}
	return l.Store.ListLedgerEntries(ctx, id)
}
