package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/warp/points-engine/generic"
)

// queries runs the engine's SQL against either the pool or a transaction.
// It implements generic.Store without locking; Store supplies the locks.
type queries struct {
	ext sqlx.ExtContext
}

var _ generic.Store = queries{}

// openGuard is the "still open" predicate shared by every status write
// and by sweep selection.
const openGuard = `completed_at IS NULL AND status IN ('pending', 'in-progress')`

// activeOwners selects users that can still be debited.
const activeOwners = `SELECT id FROM users WHERE deleted_at IS NULL`

// =============================================================================
// ROWS
// =============================================================================

type userRow struct {
	ID        string         `db:"id"`
	Username  string         `db:"username"`
	Balance   int64          `db:"balance"`
	CreatedAt string         `db:"created_at"`
	DeletedAt sql.NullString `db:"deleted_at"`
}

func (r userRow) toUser() generic.User {
	return generic.User{
		ID:        generic.UserID(r.ID),
		Username:  r.Username,
		Balance:   r.Balance,
		CreatedAt: parseTime(r.CreatedAt),
		DeletedAt: parseNullTime(r.DeletedAt),
	}
}

type taskRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	Title         string         `db:"title"`
	Description   sql.NullString `db:"description"`
	SuccessPoints int64          `db:"success_points"`
	FailurePoints int64          `db:"failure_points"`
	Status        string         `db:"status"`
	CreatedAt     string         `db:"created_at"`
	CompletedAt   sql.NullString `db:"completed_at"`
	ExpiresAt     sql.NullString `db:"expires_at"`
}

func (r taskRow) toTask() generic.Task {
	return generic.Task{
		ID:            generic.TaskID(r.ID),
		UserID:        generic.UserID(r.UserID),
		Title:         r.Title,
		Description:   r.Description.String,
		SuccessPoints: r.SuccessPoints,
		FailurePoints: r.FailurePoints,
		Status:        generic.Status(r.Status),
		CreatedAt:     parseTime(r.CreatedAt),
		CompletedAt:   parseNullTime(r.CompletedAt),
		ExpiresAt:     parseNullTime(r.ExpiresAt),
	}
}

type subtaskRow struct {
	ID            string         `db:"id"`
	TaskID        string         `db:"task_id"`
	OwnerID       string         `db:"owner_id"`
	Title         string         `db:"title"`
	Description   sql.NullString `db:"description"`
	SuccessPoints int64          `db:"success_points"`
	FailurePoints int64          `db:"failure_points"`
	Status        string         `db:"status"`
	CompletedAt   sql.NullString `db:"completed_at"`
	ExpiresAt     sql.NullString `db:"expires_at"`
}

func (r subtaskRow) toSubtask() generic.Subtask {
	return generic.Subtask{
		ID:            generic.SubtaskID(r.ID),
		TaskID:        generic.TaskID(r.TaskID),
		OwnerID:       generic.UserID(r.OwnerID),
		Title:         r.Title,
		Description:   r.Description.String,
		SuccessPoints: r.SuccessPoints,
		FailurePoints: r.FailurePoints,
		Status:        generic.Status(r.Status),
		CompletedAt:   parseNullTime(r.CompletedAt),
		ExpiresAt:     parseNullTime(r.ExpiresAt),
	}
}

type entryRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	Amount        int64          `db:"amount"`
	Reason        sql.NullString `db:"reason"`
	RelatedTaskID sql.NullString `db:"related_task_id"`
	Timestamp     string         `db:"timestamp"`
}

func (r entryRow) toEntry() generic.LedgerEntry {
	e := generic.LedgerEntry{
		ID:        generic.EntryID(r.ID),
		UserID:    generic.UserID(r.UserID),
		Amount:    r.Amount,
		Reason:    r.Reason.String,
		Timestamp: parseTime(r.Timestamp),
	}
	if r.RelatedTaskID.Valid {
		id := generic.TaskID(r.RelatedTaskID.String)
		e.RelatedTaskID = &id
	}
	return e
}

// =============================================================================
// USERS
// =============================================================================

func (q queries) CreateUser(ctx context.Context, u generic.User) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO users (id, username, balance, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Balance, formatTime(u.CreatedAt), formatNullTime(u.DeletedAt),
	)
	if err != nil {
		return &generic.StoreError{Op: "create user", Err: err}
	}
	return nil
}

func (q queries) GetUser(ctx context.Context, id generic.UserID) (generic.User, error) {
	var row userRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT id, username, balance, created_at, deleted_at FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.User{}, &generic.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return generic.User{}, &generic.StoreError{Op: "get user", Err: err}
	}
	return row.toUser(), nil
}

func (q queries) ListUsers(ctx context.Context) ([]generic.User, error) {
	var rows []userRow
	err := sqlx.SelectContext(ctx, q.ext, &rows,
		`SELECT id, username, balance, created_at, deleted_at FROM users ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, &generic.StoreError{Op: "list users", Err: err}
	}
	users := make([]generic.User, len(rows))
	for i, r := range rows {
		users[i] = r.toUser()
	}
	return users, nil
}

func (q queries) AddToBalance(ctx context.Context, id generic.UserID, delta int64) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE users SET balance = balance + ? WHERE id = ? AND deleted_at IS NULL`, delta, id)
	if err != nil {
		return &generic.StoreError{Op: "add to balance", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &generic.StoreError{Op: "add to balance", Err: err}
	}
	if n == 0 {
		return &generic.NotFoundError{Kind: "user", ID: string(id)}
	}
	return nil
}

// =============================================================================
// TASKS
// =============================================================================

const taskColumns = `id, user_id, title, description, success_points, failure_points,
	status, created_at, completed_at, expires_at`

func (q queries) CreateTask(ctx context.Context, t generic.Task) error {
	if _, err := q.GetUser(ctx, t.UserID); err != nil {
		return err
	}
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, nullString(t.Description), t.SuccessPoints, t.FailurePoints,
		t.Status, formatTime(t.CreatedAt), formatNullTime(t.CompletedAt), formatNullTime(t.ExpiresAt),
	)
	if err != nil {
		return &generic.StoreError{Op: "create task", Err: err}
	}
	return nil
}

func (q queries) GetTask(ctx context.Context, id generic.TaskID) (generic.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, q.ext, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Task{}, &generic.NotFoundError{Kind: "task", ID: string(id)}
	}
	if err != nil {
		return generic.Task{}, &generic.StoreError{Op: "get task", Err: err}
	}
	return row.toTask(), nil
}

func (q queries) UpdateTaskStatus(ctx context.Context, id generic.TaskID, u generic.StatusUpdate) (bool, error) {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND `+openGuard,
		u.Status, formatNullTime(u.CompletedAt), id)
	if err != nil {
		return false, &generic.StoreError{Op: "update task status", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &generic.StoreError{Op: "update task status", Err: err}
	}
	return n == 1, nil
}

func (q queries) ListTasks(ctx context.Context) ([]generic.Task, error) {
	var rows []taskRow
	err := sqlx.SelectContext(ctx, q.ext, &rows,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, &generic.StoreError{Op: "list tasks", Err: err}
	}
	tasks := make([]generic.Task, len(rows))
	for i, r := range rows {
		tasks[i] = r.toTask()
	}
	return tasks, nil
}

func (q queries) ListOverdueTasks(ctx context.Context, now time.Time) ([]generic.Task, error) {
	var rows []taskRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, `
		SELECT `+taskColumns+` FROM tasks
		WHERE `+openGuard+` AND expires_at IS NOT NULL AND expires_at <= ?
		  AND user_id IN (`+activeOwners+`)
		ORDER BY id ASC`, formatTime(now))
	if err != nil {
		return nil, &generic.StoreError{Op: "list overdue tasks", Err: err}
	}
	tasks := make([]generic.Task, len(rows))
	for i, r := range rows {
		tasks[i] = r.toTask()
	}
	return tasks, nil
}

// =============================================================================
// SUBTASKS
// =============================================================================

// subtaskSelect joins the parent to resolve the owning user.
const subtaskSelect = `
	SELECT s.id, s.task_id, t.user_id AS owner_id, s.title, s.description,
	       s.success_points, s.failure_points, s.status, s.completed_at, s.expires_at
	FROM subtasks s
	JOIN tasks t ON t.id = s.task_id`

func (q queries) CreateSubtask(ctx context.Context, s generic.Subtask) error {
	if _, err := q.GetTask(ctx, s.TaskID); err != nil {
		return err
	}
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO subtasks (id, task_id, title, description, success_points, failure_points,
			status, completed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TaskID, s.Title, nullString(s.Description), s.SuccessPoints, s.FailurePoints,
		s.Status, formatNullTime(s.CompletedAt), formatNullTime(s.ExpiresAt),
	)
	if err != nil {
		return &generic.StoreError{Op: "create subtask", Err: err}
	}
	return nil
}

func (q queries) GetSubtask(ctx context.Context, taskID generic.TaskID, id generic.SubtaskID) (generic.Subtask, error) {
	var row subtaskRow
	err := sqlx.GetContext(ctx, q.ext, &row, subtaskSelect+` WHERE s.id = ? AND s.task_id = ?`, id, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Subtask{}, &generic.NotFoundError{Kind: "subtask", ID: string(id)}
	}
	if err != nil {
		return generic.Subtask{}, &generic.StoreError{Op: "get subtask", Err: err}
	}
	return row.toSubtask(), nil
}

func (q queries) ListSubtasks(ctx context.Context, taskID generic.TaskID) ([]generic.Subtask, error) {
	var rows []subtaskRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, subtaskSelect+` WHERE s.task_id = ? ORDER BY s.id ASC`, taskID)
	if err != nil {
		return nil, &generic.StoreError{Op: "list subtasks", Err: err}
	}
	return toSubtasks(rows), nil
}

func (q queries) ListAllSubtasks(ctx context.Context) ([]generic.Subtask, error) {
	var rows []subtaskRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, subtaskSelect+` ORDER BY s.task_id ASC, s.id ASC`)
	if err != nil {
		return nil, &generic.StoreError{Op: "list all subtasks", Err: err}
	}
	return toSubtasks(rows), nil
}

func (q queries) UpdateSubtaskStatus(ctx context.Context, taskID generic.TaskID, id generic.SubtaskID, u generic.StatusUpdate) (bool, error) {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE subtasks SET status = ?, completed_at = ? WHERE id = ? AND task_id = ? AND `+openGuard,
		u.Status, formatNullTime(u.CompletedAt), id, taskID)
	if err != nil {
		return false, &generic.StoreError{Op: "update subtask status", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &generic.StoreError{Op: "update subtask status", Err: err}
	}
	return n == 1, nil
}

func (q queries) ListOverdueSubtasks(ctx context.Context, now time.Time) ([]generic.Subtask, error) {
	var rows []subtaskRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, subtaskSelect+`
		WHERE s.completed_at IS NULL AND s.status IN ('pending', 'in-progress')
		  AND s.expires_at IS NOT NULL AND s.expires_at <= ?
		  AND t.user_id IN (`+activeOwners+`)
		ORDER BY s.id ASC`, formatTime(now))
	if err != nil {
		return nil, &generic.StoreError{Op: "list overdue subtasks", Err: err}
	}
	return toSubtasks(rows), nil
}

func toSubtasks(rows []subtaskRow) []generic.Subtask {
	out := make([]generic.Subtask, len(rows))
	for i, r := range rows {
		out[i] = r.toSubtask()
	}
	return out
}

// =============================================================================
// LEDGER
// =============================================================================

func (q queries) InsertLedgerEntry(ctx context.Context, e generic.LedgerEntry) error {
	var related sql.NullString
	if e.RelatedTaskID != nil {
		related = sql.NullString{String: string(*e.RelatedTaskID), Valid: true}
	}
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, amount, reason, related_task_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Amount, nullString(e.Reason), related, formatTime(e.Timestamp),
	)
	if err != nil {
		return &generic.StoreError{Op: "insert ledger entry", Err: err}
	}
	return nil
}

func (q queries) ListLedgerEntries(ctx context.Context, id generic.UserID) ([]generic.LedgerEntry, error) {
	var rows []entryRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, `
		SELECT id, user_id, amount, reason, related_task_id, timestamp
		FROM transactions WHERE user_id = ?
		ORDER BY timestamp ASC, rowid ASC`, id)
	if err != nil {
		return nil, &generic.StoreError{Op: "list ledger entries", Err: err}
	}
	entries := make([]generic.LedgerEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries, nil
}

func (q queries) SumLedger(ctx context.Context, id generic.UserID) (int64, error) {
	var sum int64
	err := sqlx.GetContext(ctx, q.ext, &sum,
		`SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = ?`, id)
	if err != nil {
		return 0, &generic.StoreError{Op: "sum ledger", Err: err}
	}
	return sum, nil
}
