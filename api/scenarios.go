/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	class fund data. The caller becomes the chairperson of every room a
	scenario creates, so the result is visible right after loading.

AVAILABLE SCENARIOS:

	fresh-room:   One room, three students, one deadline, nothing paid yet
	mid-term:     Two deadlines, partial payments, an overpayment, expenses
	closed-term:  A settled room that was archived at the end of the term

HOW SCENARIOS WORK:
 1. Reset database (clear all data), when a reset function is configured
 2. Create the room as the caller
 3. Join demo students with the room code
 4. Declare deadlines, record payments and expenses through the ledger

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "mid-term"}

NOTE:

	Scenarios reset the database. The routes are only mounted when
	RouterConfig.EnableScenarios is set.

SEE ALSO:
  - server.go: Route mounting
  - config/config.go: ENABLE_SCENARIOS=true, accepted only with ENV=development
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/classfund/ledger"
)

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-room",
		Name:        "Fresh Room",
		Description: "Three students and one deadline, nothing collected yet",
	},
	{
		ID:          "mid-term",
		Name:        "Mid-Term",
		Description: "Two deadlines with partial payments, one overpayment and expenses",
	},
	{
		ID:          "closed-term",
		Name:        "Closed Term",
		Description: "Every student settled, room archived",
	},
}

var demoStudents = []ledger.Actor{
	{ID: "demo-ana", Name: "Ana Santos"},
	{ID: "demo-ben", Name: "Ben Cruz"},
	{ID: "demo-carla", Name: "Carla Lim"},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", ErrMissingToken)
		return
	}

	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(ctx context.Context, chair ledger.Actor) (*ledger.Room, error)
	switch req.ScenarioID {
	case "fresh-room":
		load = h.loadFreshRoomScenario
	case "mid-term":
		load = h.loadMidTermScenario
	case "closed-term":
		load = h.loadClosedTermScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()
	if h.Reset != nil {
		if err := h.Reset(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
			return
		}
	}
	h.currentScenario = ""

	room, err := load(ctx, actor)
	if err != nil {
		h.Log.Error().Err(err).Str("scenario", req.ScenarioID).Msg("scenario load failed")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Log.Info().Str("scenario", req.ScenarioID).Str("room_id", string(room.ID)).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
		"room_id":  string(room.ID),
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// demoRoom creates a room owned by chair and joins every demo student.
func (h *Handler) demoRoom(ctx context.Context, chair ledger.Actor, name, description string) (*ledger.Room, error) {
	room, err := h.Ledger.CreateRoom(ctx, chair, ledger.RoomInput{Name: name, Description: description})
	if err != nil {
		return nil, err
	}
	for _, s := range demoStudents {
		if _, err := h.Ledger.JoinRoom(ctx, s, room.Code); err != nil {
			return nil, fmt.Errorf("join %s: %w", s.ID, err)
		}
	}
	return room, nil
}

func (h *Handler) loadFreshRoomScenario(ctx context.Context, chair ledger.Actor) (*ledger.Room, error) {
	room, err := h.demoRoom(ctx, chair, "Grade 10 Rizal", "Class fund for the school year")
	if err != nil {
		return nil, err
	}
	due := time.Now().UTC().AddDate(0, 1, 0)
	if _, err := h.Ledger.AddDeadline(ctx, room.ID, chair, ledger.DeadlineInput{
		Description: "Enrollment fee",
		Amount:      decimal.NewFromInt(150),
		DueDate:     &due,
	}); err != nil {
		return nil, err
	}
	return room, nil
}

// loadMidTermScenario leaves Ana settled, Ben partially paid and Carla with
// an overpaid uniform but the trip still owed.
func (h *Handler) loadMidTermScenario(ctx context.Context, chair ledger.Actor) (*ledger.Room, error) {
	room, err := h.demoRoom(ctx, chair, "Grade 11 Mabini", "Field trip and uniforms")
	if err != nil {
		return nil, err
	}

	tripDue := time.Now().UTC().AddDate(0, 0, 14)
	trip, err := h.Ledger.AddDeadline(ctx, room.ID, chair, ledger.DeadlineInput{
		Description: "Field trip",
		Amount:      decimal.NewFromInt(500),
		DueDate:     &tripDue,
	})
	if err != nil {
		return nil, err
	}
	uniform, err := h.Ledger.AddDeadline(ctx, room.ID, chair, ledger.DeadlineInput{
		Description: "PE uniform",
		Amount:      decimal.RequireFromString("350.50"),
	})
	if err != nil {
		return nil, err
	}

	payments := []struct {
		student  ledger.UserID
		deadline *ledger.Entry
		amount   string
	}{
		{"demo-ana", trip, "500"},
		{"demo-ana", uniform, "350.50"},
		{"demo-ben", trip, "200"},
		{"demo-carla", uniform, "400"},
	}
	for _, p := range payments {
		if _, err := h.Ledger.AddPayment(ctx, room.ID, chair, ledger.PaymentInput{
			StudentID:  p.student,
			DeadlineID: p.deadline.ID,
			Amount:     decimal.RequireFromString(p.amount),
		}); err != nil {
			return nil, fmt.Errorf("payment of %s: %w", p.student, err)
		}
	}

	expenses := []ledger.ExpenseInput{
		{Description: "Bus deposit", Amount: decimal.NewFromInt(300), Recipient: "Metro Transit"},
		{Description: "Uniform order", Amount: decimal.RequireFromString("701.00"), Recipient: "Sports Outlet"},
	}
	for _, e := range expenses {
		if _, err := h.Ledger.AddExpense(ctx, room.ID, chair, e); err != nil {
			return nil, err
		}
	}
	return room, nil
}

func (h *Handler) loadClosedTermScenario(ctx context.Context, chair ledger.Actor) (*ledger.Room, error) {
	room, err := h.demoRoom(ctx, chair, "Grade 9 Bonifacio", "Last year's fund")
	if err != nil {
		return nil, err
	}
	dues, err := h.Ledger.AddDeadline(ctx, room.ID, chair, ledger.DeadlineInput{
		Description: "Class dues",
		Amount:      decimal.NewFromInt(100),
	})
	if err != nil {
		return nil, err
	}
	for _, s := range demoStudents {
		if _, err := h.Ledger.AddPayment(ctx, room.ID, chair, ledger.PaymentInput{
			StudentID:  s.ID,
			DeadlineID: dues.ID,
			Amount:     dues.Amount,
		}); err != nil {
			return nil, err
		}
	}
	if _, err := h.Ledger.AddExpense(ctx, room.ID, chair, ledger.ExpenseInput{
		Description: "Year-end party",
		Amount:      decimal.NewFromInt(300),
		Recipient:   "Canteen",
	}); err != nil {
		return nil, err
	}
	if err := h.Ledger.ArchiveRoom(ctx, room.ID, true); err != nil {
		return nil, err
	}
	return room, nil
}
