/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes the transition engine, the ledger and the sweeper via REST.
  Handles HTTP request/response and JSON serialization; every rule lives
  in package generic.

ENDPOINTS:
  Users:
    GET    /api/users                          All users, newest first
    POST   /api/users                          Create user (balance 0)
    GET    /api/users/{id}                     Get user with balance
    GET    /api/users/{id}/transactions        Ledger history
    GET    /api/users/{id}/reconciliation      Balance vs ledger audit
    POST   /api/users/{id}/adjustments         Manual ledger entry

  Tasks:
    GET    /api/tasks                          All tasks with subtasks, newest first
    POST   /api/tasks                          Create task (+ subtasks), all pending
    GET    /api/tasks/{task_id}                Task with subtasks
    PUT    /api/tasks/{task_id}/status         applyTaskTransition
    PUT    /api/tasks/{task_id}/subtasks/{subtask_id}/status
                                               applySubtaskTransition

  Admin:
    POST   /api/admin/sweep                    runExpirationSweep

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: ValidationError, malformed body
  - 404: NotFoundError (including subtask/task mismatch)
  - 409: ConflictError (already terminal, lost the guard)
  - 500: StoreError and anything unexpected

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warp/points-engine/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   generic.TxStore
	Engine  *generic.Engine
	Ledger  *generic.Ledger
	Sweeper *generic.Sweeper
	Clock   generic.Clock
	Logger  *slog.Logger

	// Track currently loaded scenario
	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around an engine; store, clock and logger
// are taken from it.
func NewHandler(engine *generic.Engine) *Handler {
	return &Handler{
		Store:   engine.Store,
		Engine:  engine,
		Ledger:  engine.Ledger,
		Sweeper: generic.NewSweeper(engine),
		Clock:   engine.Clock,
		Logger:  engine.Logger,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser creates a user with a zero balance.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required", nil)
		return
	}

	u := generic.User{
		ID:        generic.UserID(uuid.New().String()),
		Username:  username,
		CreatedAt: h.Clock.Now(),
	}
	if err := h.Store.CreateUser(r.Context(), u); err != nil {
		writeEngineError(w, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// ListUsers returns every user, newest first.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list users", err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetUser returns a user and their current balance.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Store.GetUser(r.Context(), generic.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// GetTransactions returns the user's ledger, oldest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Ledger.Entries(r.Context(), generic.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(entries))
}

// GetReconciliation resums the ledger and compares it with the balance.
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ledger.Reconcile(r.Context(), generic.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to reconcile", err)
		return
	}
	if !rec.Consistent() {
		h.Logger.Warn("balance drift detected",
			"user_id", rec.UserID,
			"balance", rec.Balance,
			"ledger_sum", rec.LedgerSum,
		)
	}
	writeJSON(w, http.StatusOK, ReconciliationDTO{
		UserID:     string(rec.UserID),
		Balance:    rec.Balance,
		LedgerSum:  rec.LedgerSum,
		Entries:    rec.Entries,
		Drift:      rec.Drift(),
		Consistent: rec.Consistent(),
	})
}

// CreateAdjustment appends a manual ledger entry.
// POST /api/users/{id}/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "amount must be non-zero", nil)
		return
	}

	ctx := r.Context()
	userID := generic.UserID(chi.URLParam(r, "id"))
	entry, err := h.Ledger.ApplyAtomic(ctx, generic.ApplyInput{
		UserID: userID,
		Amount: req.Amount,
		Reason: req.Reason,
	})
	if err != nil {
		writeEngineError(w, "Failed to apply adjustment", err)
		return
	}

	u, err := h.Store.GetUser(ctx, userID)
	if err != nil {
		writeEngineError(w, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, AdjustmentResponse{
		Status: "success",
		Entry:  toTransactionDTO(entry),
		User:   toUserDTO(u),
	})
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

// CreateTask creates a pending task and its pending subtasks in one transaction.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	task, subtasks, err := h.buildTask(req)
	if err != nil {
		writeEngineError(w, "Invalid task", err)
		return
	}
	if err := h.saveTask(r.Context(), task, subtasks); err != nil {
		writeEngineError(w, "Failed to create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(task, subtasks))
}

func (h *Handler) buildTask(req CreateTaskRequest) (generic.Task, []generic.Subtask, error) {
	if strings.TrimSpace(req.Title) == "" {
		return generic.Task{}, nil, &generic.ValidationError{Field: "title", Reason: "required"}
	}
	if req.SuccessPoints < 0 || req.FailurePoints < 0 {
		return generic.Task{}, nil, &generic.ValidationError{Field: "points", Reason: "must be non-negative"}
	}
	expiresAt, err := parseOptionalTime("expires_at", req.ExpiresAt)
	if err != nil {
		return generic.Task{}, nil, err
	}

	task := generic.Task{
		ID:            generic.TaskID(uuid.New().String()),
		UserID:        generic.UserID(req.UserID),
		Title:         strings.TrimSpace(req.Title),
		Description:   req.Description,
		SuccessPoints: req.SuccessPoints,
		FailurePoints: req.FailurePoints,
		Status:        generic.StatusPending,
		CreatedAt:     h.Clock.Now(),
		ExpiresAt:     expiresAt,
	}

	subtasks := make([]generic.Subtask, 0, len(req.Subtasks))
	for _, sr := range req.Subtasks {
		if strings.TrimSpace(sr.Title) == "" {
			return generic.Task{}, nil, &generic.ValidationError{Field: "subtasks.title", Reason: "required"}
		}
		if sr.SuccessPoints < 0 || sr.FailurePoints < 0 {
			return generic.Task{}, nil, &generic.ValidationError{Field: "subtasks.points", Reason: "must be non-negative"}
		}
		subExpires, err := parseOptionalTime("subtasks.expires_at", sr.ExpiresAt)
		if err != nil {
			return generic.Task{}, nil, err
		}
		subtasks = append(subtasks, generic.Subtask{
			ID:            generic.SubtaskID(uuid.New().String()),
			TaskID:        task.ID,
			OwnerID:       task.UserID,
			Title:         strings.TrimSpace(sr.Title),
			Description:   sr.Description,
			SuccessPoints: sr.SuccessPoints,
			FailurePoints: sr.FailurePoints,
			Status:        generic.StatusPending,
			ExpiresAt:     subExpires,
		})
	}
	return task, subtasks, nil
}

func (h *Handler) saveTask(ctx context.Context, task generic.Task, subtasks []generic.Subtask) error {
	return h.Store.WithTx(ctx, func(s generic.Store) error {
		if err := s.CreateTask(ctx, task); err != nil {
			return err
		}
		for _, sub := range subtasks {
			if err := s.CreateSubtask(ctx, sub); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListTasks returns every task with its subtasks, newest first.
// Both lists are read in one transaction so a task never shows up
// without the children created alongside it.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		tasks    []generic.Task
		subtasks []generic.Subtask
	)
	err := h.Store.WithTx(ctx, func(tx generic.Store) error {
		var err error
		if tasks, err = tx.ListTasks(ctx); err != nil {
			return err
		}
		subtasks, err = tx.ListAllSubtasks(ctx)
		return err
	})
	if err != nil {
		writeEngineError(w, "Failed to list tasks", err)
		return
	}

	byTask := make(map[generic.TaskID][]generic.Subtask, len(tasks))
	for _, s := range subtasks {
		byTask[s.TaskID] = append(byTask[s.TaskID], s)
	}
	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = toTaskDTO(t, byTask[t.ID])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTask returns a task and its subtasks.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := generic.TaskID(chi.URLParam(r, "task_id"))

	task, err := h.Store.GetTask(ctx, taskID)
	if err != nil {
		writeEngineError(w, "Failed to get task", err)
		return
	}
	subtasks, err := h.Store.ListSubtasks(ctx, taskID)
	if err != nil {
		writeEngineError(w, "Failed to list subtasks", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task, subtasks))
}

// UpdateTaskStatus applies a task transition, cascading to subtasks.
// PUT /api/tasks/{task_id}/status
func (h *Handler) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := decodeStatus(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.ApplyTaskTransition(r.Context(), generic.TaskID(chi.URLParam(r, "task_id")), status)
	if err != nil {
		writeEngineError(w, "Task cannot be updated", err)
		return
	}
	writeJSON(w, http.StatusOK, TaskTransitionResponse{
		Task:             toTaskDTO(res.Task, nil),
		AffectedSubtasks: toSubtaskDTOs(res.AffectedSubtasks),
		Entries:          toTransactionDTOs(res.Entries),
		BalanceDelta:     res.Delta(),
	})
}

// UpdateSubtaskStatus applies a single subtask transition.
// PUT /api/tasks/{task_id}/subtasks/{subtask_id}/status
func (h *Handler) UpdateSubtaskStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := decodeStatus(w, r)
	if !ok {
		return
	}

	sub, err := h.Engine.ApplySubtaskTransition(r.Context(),
		generic.TaskID(chi.URLParam(r, "task_id")),
		generic.SubtaskID(chi.URLParam(r, "subtask_id")),
		status,
	)
	if err != nil {
		writeEngineError(w, "Subtask cannot be updated", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubtaskDTO(sub))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunSweep triggers an expiration sweep immediately.
// POST /api/admin/sweep
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweeper.Run(r.Context())
	if err != nil {
		writeEngineError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{
		ExpiredTaskCount:    res.ExpiredTasks,
		ExpiredSubtaskCount: res.ExpiredSubtasks,
		Skipped:             res.Skipped,
		Failed:              res.Failed,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeStatus(w http.ResponseWriter, r *http.Request) (generic.Status, bool) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return "", false
	}
	status, err := generic.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status", err)
		return "", false
	}
	return status, true
}

func parseOptionalTime(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, &generic.ValidationError{Field: field, Value: value, Reason: "use RFC3339"}
	}
	t = t.UTC()
	return &t, nil
}

// statusFor maps the engine's error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case generic.IsValidation(err):
		return http.StatusBadRequest
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
