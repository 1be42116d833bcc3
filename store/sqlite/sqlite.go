/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.TxStore using SQLite through sqlx. In production the
  same queries apply to PostgreSQL with placeholder rebinding.

INTERFACES IMPLEMENTED:
  generic.Store:   Users, tasks, subtasks, ledger reads and writes
  generic.TxStore: WithTx for atomic transition units

GUARDED UPDATES:
  Every status write carries the "still open" predicate:

    UPDATE tasks SET status = ?, completed_at = ?
    WHERE id = ? AND completed_at IS NULL
      AND status IN ('pending', 'in-progress')

  RowsAffected() == 0 means another writer closed the row first.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statement on the transactions table exists here
  - Triggers abort any UPDATE/DELETE issued by other tools (migration v2)

KEY TABLES:
  users:        Owners, with the materialized balance
  tasks:        Top-level work items
  subtasks:     Children of tasks (task_id is a foreign key)
  transactions: Immutable points ledger

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so string comparison in
  SQL is chronological comparison.

CONCURRENCY:
  A single connection plus sync.RWMutex: WithTx holds the write lock for
  the whole unit, plain reads share the read lock. Every statement issued
  inside WithTx goes through the *sqlx.Tx; nothing reaches back to the
  pool while the lock is held.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers from other processes don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := generic.NewEngine(store, generic.SystemClock{}, logger, metrics)

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - migrations.go: Versioned schema
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/points-engine/generic"
)

// Store implements generic.TxStore using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

var _ generic.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// SQLite has a single writer regardless.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies outstanding migrations in order.
func (s *Store) migrate() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &generic.StoreError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if err := fn(queries{ext: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &generic.StoreError{Op: "commit", Err: err}
	}
	return nil
}

// Writes outside WithTx still get their own transaction so that a
// multi-statement write (e.g. existence check + insert) is atomic.
func (s *Store) write(ctx context.Context, fn func(q queries) error) error {
	return s.WithTx(ctx, func(st generic.Store) error {
		return fn(st.(queries))
	})
}

func (s *Store) read() queries {
	return queries{ext: s.db}
}

// =============================================================================
// generic.Store - locked entry points
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, u generic.User) error {
	return s.write(ctx, func(q queries) error { return q.CreateUser(ctx, u) })
}

func (s *Store) GetUser(ctx context.Context, id generic.UserID) (generic.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetUser(ctx, id)
}

func (s *Store) ListUsers(ctx context.Context) ([]generic.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListUsers(ctx)
}

func (s *Store) CreateTask(ctx context.Context, t generic.Task) error {
	return s.write(ctx, func(q queries) error { return q.CreateTask(ctx, t) })
}

func (s *Store) GetTask(ctx context.Context, id generic.TaskID) (generic.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetTask(ctx, id)
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id generic.TaskID, u generic.StatusUpdate) (bool, error) {
	var applied bool
	err := s.write(ctx, func(q queries) error {
		var err error
		applied, err = q.UpdateTaskStatus(ctx, id, u)
		return err
	})
	return applied, err
}

func (s *Store) ListTasks(ctx context.Context) ([]generic.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListTasks(ctx)
}

func (s *Store) ListOverdueTasks(ctx context.Context, now time.Time) ([]generic.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListOverdueTasks(ctx, now)
}

func (s *Store) CreateSubtask(ctx context.Context, sub generic.Subtask) error {
	return s.write(ctx, func(q queries) error { return q.CreateSubtask(ctx, sub) })
}

func (s *Store) GetSubtask(ctx context.Context, taskID generic.TaskID, id generic.SubtaskID) (generic.Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetSubtask(ctx, taskID, id)
}

func (s *Store) ListSubtasks(ctx context.Context, taskID generic.TaskID) ([]generic.Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListSubtasks(ctx, taskID)
}

func (s *Store) ListAllSubtasks(ctx context.Context) ([]generic.Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListAllSubtasks(ctx)
}

func (s *Store) UpdateSubtaskStatus(ctx context.Context, taskID generic.TaskID, id generic.SubtaskID, u generic.StatusUpdate) (bool, error) {
	var applied bool
	err := s.write(ctx, func(q queries) error {
		var err error
		applied, err = q.UpdateSubtaskStatus(ctx, taskID, id, u)
		return err
	})
	return applied, err
}

func (s *Store) ListOverdueSubtasks(ctx context.Context, now time.Time) ([]generic.Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListOverdueSubtasks(ctx, now)
}

func (s *Store) InsertLedgerEntry(ctx context.Context, e generic.LedgerEntry) error {
	return s.write(ctx, func(q queries) error { return q.InsertLedgerEntry(ctx, e) })
}

func (s *Store) AddToBalance(ctx context.Context, id generic.UserID, delta int64) error {
	return s.write(ctx, func(q queries) error { return q.AddToBalance(ctx, id, delta) })
}

func (s *Store) ListLedgerEntries(ctx context.Context, id generic.UserID) ([]generic.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListLedgerEntries(ctx, id)
}

func (s *Store) SumLedger(ctx context.Context, id generic.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().SumLedger(ctx, id)
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
