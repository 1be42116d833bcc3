/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

TIMESTAMPS:
  RFC3339 in UTC. Optional timestamps are omitted when unset.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/points-engine/generic"
)

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	Balance   int64   `json:"balance"`
	CreatedAt string  `json:"created_at"`
	DeletedAt *string `json:"deleted_at,omitempty"`
}

type CreateUserRequest struct {
	Username string `json:"username"`
}

type AdjustmentRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

type AdjustmentResponse struct {
	Status string         `json:"status"`
	Entry  TransactionDTO `json:"entry"`
	User   UserDTO        `json:"user"`
}

// =============================================================================
// TASKS
// =============================================================================

type TaskDTO struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	Title         string       `json:"title"`
	Description   string       `json:"description,omitempty"`
	SuccessPoints int64        `json:"success_points"`
	FailurePoints int64        `json:"failure_points"`
	Status        string       `json:"status"`
	CreatedAt     string       `json:"created_at"`
	CompletedAt   *string      `json:"completed_at,omitempty"`
	ExpiresAt     *string      `json:"expires_at,omitempty"`
	Subtasks      []SubtaskDTO `json:"subtasks,omitempty"`
}

type SubtaskDTO struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	SuccessPoints int64   `json:"success_points"`
	FailurePoints int64   `json:"failure_points"`
	Status        string  `json:"status"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	ExpiresAt     *string `json:"expires_at,omitempty"`
}

type CreateSubtaskRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	SuccessPoints int64  `json:"success_points"`
	FailurePoints int64  `json:"failure_points"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

type CreateTaskRequest struct {
	UserID        string                 `json:"user_id"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description,omitempty"`
	SuccessPoints int64                  `json:"success_points"`
	FailurePoints int64                  `json:"failure_points"`
	ExpiresAt     string                 `json:"expires_at,omitempty"`
	Subtasks      []CreateSubtaskRequest `json:"subtasks,omitempty"`
}

// StatusRequest is the body of both transition endpoints.
type StatusRequest struct {
	Status string `json:"status"`
}

type TaskTransitionResponse struct {
	Task             TaskDTO          `json:"task"`
	AffectedSubtasks []SubtaskDTO     `json:"affected_subtasks"`
	Entries          []TransactionDTO `json:"entries"`
	BalanceDelta     int64            `json:"balance_delta"`
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID            string  `json:"id"`
	UserID        string  `json:"user_id"`
	Amount        int64   `json:"amount"`
	Reason        string  `json:"reason,omitempty"`
	RelatedTaskID *string `json:"related_task_id,omitempty"`
	Timestamp     string  `json:"timestamp"`
}

type ReconciliationDTO struct {
	UserID     string `json:"user_id"`
	Balance    int64  `json:"balance"`
	LedgerSum  int64  `json:"ledger_sum"`
	Entries    int    `json:"entries"`
	Drift      int64  `json:"drift"`
	Consistent bool   `json:"consistent"`
}

// =============================================================================
// SWEEP & SCENARIOS
// =============================================================================

type SweepDTO struct {
	ExpiredTaskCount    int `json:"expired_task_count"`
	ExpiredSubtaskCount int `json:"expired_subtask_count"`
	Skipped             int `json:"skipped"`
	Failed              int `json:"failed"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ScenarioLoadResponse struct {
	ScenarioID string   `json:"scenario_id"`
	UserID     string   `json:"user_id"`
	TaskIDs    []string `json:"task_ids"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toUserDTO(u generic.User) UserDTO {
	return UserDTO{
		ID:        string(u.ID),
		Username:  u.Username,
		Balance:   u.Balance,
		CreatedAt: formatTime(u.CreatedAt),
		DeletedAt: formatTimePtr(u.DeletedAt),
	}
}

func toTaskDTO(t generic.Task, subtasks []generic.Subtask) TaskDTO {
	dto := TaskDTO{
		ID:            string(t.ID),
		UserID:        string(t.UserID),
		Title:         t.Title,
		Description:   t.Description,
		SuccessPoints: t.SuccessPoints,
		FailurePoints: t.FailurePoints,
		Status:        string(t.Status),
		CreatedAt:     formatTime(t.CreatedAt),
		CompletedAt:   formatTimePtr(t.CompletedAt),
		ExpiresAt:     formatTimePtr(t.ExpiresAt),
	}
	if len(subtasks) > 0 {
		dto.Subtasks = toSubtaskDTOs(subtasks)
	}
	return dto
}

func toSubtaskDTO(s generic.Subtask) SubtaskDTO {
	return SubtaskDTO{
		ID:            string(s.ID),
		TaskID:        string(s.TaskID),
		Title:         s.Title,
		Description:   s.Description,
		SuccessPoints: s.SuccessPoints,
		FailurePoints: s.FailurePoints,
		Status:        string(s.Status),
		CompletedAt:   formatTimePtr(s.CompletedAt),
		ExpiresAt:     formatTimePtr(s.ExpiresAt),
	}
}

func toSubtaskDTOs(subs []generic.Subtask) []SubtaskDTO {
	dtos := make([]SubtaskDTO, len(subs))
	for i, s := range subs {
		dtos[i] = toSubtaskDTO(s)
	}
	return dtos
}

func toTransactionDTO(e generic.LedgerEntry) TransactionDTO {
	dto := TransactionDTO{
		ID:        string(e.ID),
		UserID:    string(e.UserID),
		Amount:    e.Amount,
		Reason:    e.Reason,
		Timestamp: formatTime(e.Timestamp),
	}
	if e.RelatedTaskID != nil {
		id := string(*e.RelatedTaskID)
		dto.RelatedTaskID = &id
	}
	return dto
}

func toTransactionDTOs(entries []generic.LedgerEntry) []TransactionDTO {
	dtos := make([]TransactionDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toTransactionDTO(e)
	}
	return dtos
}
