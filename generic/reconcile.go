package generic

import "context"

// =============================================================================
// RECONCILIATION - Audit balance against the ledger
// =============================================================================

// Reconciliation compares the materialized balance with a fresh resum
// of the user's ledger entries.
type Reconciliation struct {
	UserID    UserID
	Balance   int64
	LedgerSum int64
	Entries   int
}

// Drift is Balance minus LedgerSum. Zero when the co-write invariant held.
func (r Reconciliation) Drift() int64 { return r.Balance - r.LedgerSum }

// Consistent reports whether the balance matches the ledger.
func (r Reconciliation) Consistent() bool { return r.Drift() == 0 }

// Reconcile reads the balance and the ledger inside one transaction so
// the two values come from the same snapshot. It never writes.
func (l *Ledger) Reconcile(ctx context.Context, id UserID) (Reconciliation, error) {
	var rec Reconciliation
	err := l.Store.WithTx(ctx, func(s Store) error {
		u, err := s.GetUser(ctx, id)
		if err != nil {
			return err
		}
		entries, err := s.ListLedgerEntries(ctx, id)
		if err != nil {
			return err
		}
		sum, err := s.SumLedger(ctx, id)
		if err != nil {
			return err
		}
		rec = Reconciliation{
			UserID:    id,
			Balance:   u.Balance,
			LedgerSum: sum,
			Entries:   len(entries),
		}
		return nil
	})
	return rec, err
}
