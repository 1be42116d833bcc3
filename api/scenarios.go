/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with data that
  demonstrates the cascade and expiration rules. Each load creates a new
  user with fresh ids; nothing is reset, since the ledger is append-only.

AVAILABLE SCENARIOS:
  cascade-demo:   Task (+10/-5) with one in-progress subtask (+3/-1) and
                  one pending subtask (+2/-1).
                  Completing the task: +3 +10 = +13, pending child untouched.
                  Failing the task:    -1 -1 -5 = -7, both children failed.
  overdue-sweep:  One task already past expires_at with two open
                  subtasks, and one open task with a single overdue
                  subtask. A sweep expires all of them.
  adjustments:    A user with a handful of manual ledger entries, for
                  exercising transactions and reconciliation.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "cascade-demo"}

ADDING NEW SCENARIOS:
  1. Add to 'scenarios' slice with ID, name, description
  2. Create loader function: loadXxxScenario(ctx)
  3. Add case to LoadScenario handler

SEE ALSO:
  - handlers.go: Task and user endpoints used after loading
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/warp/points-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "cascade-demo",
		Name:        "Cascade Demo",
		Description: "Parent task with an in-progress and a pending subtask; complete or fail the parent",
	},
	{
		ID:          "overdue-sweep",
		Name:        "Overdue Sweep",
		Description: "Tasks and subtasks past their expiry, ready for POST /api/admin/sweep",
	},
	{
		ID:          "adjustments",
		Name:        "Manual Adjustments",
		Description: "User with manual ledger credits and debits",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.loadedScenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          current,
		Name:        current,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	var (
		resp ScenarioLoadResponse
		err  error
	)
	switch req.ScenarioID {
	case "cascade-demo":
		resp, err = h.loadCascadeDemoScenario(ctx)
	case "overdue-sweep":
		resp, err = h.loadOverdueSweepScenario(ctx)
	case "adjustments":
		resp, err = h.loadAdjustmentsScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.setLoadedScenario(req.ScenarioID)
	resp.ScenarioID = req.ScenarioID
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCascadeDemoScenario(ctx context.Context) (ScenarioLoadResponse, error) {
	user, err := h.scenarioUser(ctx, "cascade")
	if err != nil {
		return ScenarioLoadResponse{}, err
	}

	task, subs := h.newTask(user.ID, "Ship release", 10, 5, nil,
		subtaskSeed{title: "Write release notes", success: 3, failure: 1},
		subtaskSeed{title: "Tag build", success: 2, failure: 1},
	)
	if err := h.saveTask(ctx, task, subs); err != nil {
		return ScenarioLoadResponse{}, err
	}

	// A is moved by the engine, not seeded as in-progress.
	if _, err := h.Engine.ApplySubtaskTransition(ctx, task.ID, subs[0].ID, generic.StatusInProgress); err != nil {
		return ScenarioLoadResponse{}, err
	}

	return ScenarioLoadResponse{UserID: string(user.ID), TaskIDs: []string{string(task.ID)}}, nil
}

func (h *Handler) loadOverdueSweepScenario(ctx context.Context) (ScenarioLoadResponse, error) {
	user, err := h.scenarioUser(ctx, "overdue")
	if err != nil {
		return ScenarioLoadResponse{}, err
	}

	now := h.Clock.Now()
	past := now.Add(-1 * time.Hour)
	future := now.Add(72 * time.Hour)

	overdueTask, overdueSubs := h.newTask(user.ID, "Renew passport", 8, 4, &past,
		subtaskSeed{title: "Fill in form", success: 2, failure: 1},
		subtaskSeed{title: "Book photo", success: 1, failure: 1},
	)
	if err := h.saveTask(ctx, overdueTask, overdueSubs); err != nil {
		return ScenarioLoadResponse{}, err
	}

	openTask, openSubs := h.newTask(user.ID, "Plan trip", 6, 2, &future,
		subtaskSeed{title: "Compare flights", success: 2, failure: 2, expiresAt: &past},
		subtaskSeed{title: "Pick hotel", success: 2, failure: 1, expiresAt: &future},
	)
	if err := h.saveTask(ctx, openTask, openSubs); err != nil {
		return ScenarioLoadResponse{}, err
	}

	return ScenarioLoadResponse{
		UserID:  string(user.ID),
		TaskIDs: []string{string(overdueTask.ID), string(openTask.ID)},
	}, nil
}

func (h *Handler) loadAdjustmentsScenario(ctx context.Context) (ScenarioLoadResponse, error) {
	user, err := h.scenarioUser(ctx, "adjustments")
	if err != nil {
		return ScenarioLoadResponse{}, err
	}

	for _, adj := range []struct {
		amount int64
		reason string
	}{
		{25, "Welcome bonus"},
		{-5, "Late check-in"},
		{10, "Streak reward"},
	} {
		if _, err := h.Ledger.ApplyAtomic(ctx, generic.ApplyInput{
			UserID: user.ID,
			Amount: adj.amount,
			Reason: adj.reason,
		}); err != nil {
			return ScenarioLoadResponse{}, err
		}
	}

	return ScenarioLoadResponse{UserID: string(user.ID), TaskIDs: []string{}}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loadedScenario() string {
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()
	return h.currentScenario
}

func (h *Handler) setLoadedScenario(id string) {
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()
	h.currentScenario = id
}

type subtaskSeed struct {
	title     string
	success   int64
	failure   int64
	expiresAt *time.Time
}

func (h *Handler) scenarioUser(ctx context.Context, prefix string) (generic.User, error) {
	id := uuid.New().String()
	u := generic.User{
		ID:        generic.UserID(id),
		Username:  fmt.Sprintf("%s-%s", prefix, id[:8]),
		CreatedAt: h.Clock.Now(),
	}
	if err := h.Store.CreateUser(ctx, u); err != nil {
		return generic.User{}, err
	}
	return u, nil
}

func (h *Handler) newTask(owner generic.UserID, title string, success, failure int64, expiresAt *time.Time, seeds ...subtaskSeed) (generic.Task, []generic.Subtask) {
	task := generic.Task{
		ID:            generic.TaskID(uuid.New().String()),
		UserID:        owner,
		Title:         title,
		SuccessPoints: success,
		FailurePoints: failure,
		Status:        generic.StatusPending,
		CreatedAt:     h.Clock.Now(),
		ExpiresAt:     expiresAt,
	}
	subs := make([]generic.Subtask, len(seeds))
	for i, sp := range seeds {
		subs[i] = generic.Subtask{
			ID:            generic.SubtaskID(uuid.New().String()),
			TaskID:        task.ID,
			OwnerID:       owner,
			Title:         sp.title,
			SuccessPoints: sp.success,
			FailurePoints: sp.failure,
			Status:        generic.StatusPending,
			ExpiresAt:     sp.expiresAt,
		}
	}
	return task, subs
}
