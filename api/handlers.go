/*
handlers.go - HTTP API handlers for the room fund ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response, JSON
  serialization, authorization, and delegates to the ledger.

ENDPOINTS:
  Rooms:
    POST   /api/rooms                         Create room (caller becomes chairperson)
    POST   /api/rooms/join                    Join by code
    GET    /api/rooms/{id}                    Room details
    PUT    /api/rooms/{id}                    Rename / redescribe
    DELETE /api/rooms/{id}                    Delete room and everything in it
    POST   /api/rooms/{id}/archive            Archive or unarchive
    POST   /api/rooms/{id}/leave              Leave (balance must be settled)

  Ledger:
    POST   /api/rooms/{id}/expenses           Record expense (debit)
    POST   /api/rooms/{id}/deadlines          Declare deadline
    POST   /api/rooms/{id}/payments           Record student payment (credit)
    GET    /api/rooms/{id}/transactions       Entry log (?kind=&from=&to=&student_id=)
    POST   /api/rooms/{id}/transactions/{txID}/seen

  Views:
    GET    /api/rooms/{id}/accounts           All student accounts
    GET    /api/rooms/{id}/statement          One student's statement (?user_id=)
    GET    /api/rooms/{id}/summary            Aggregates and unseen count
    GET    /api/me/rooms                      Rooms the caller joined
    GET    /api/me/created-rooms              Rooms the caller created

  Scenarios (development only, see scenarios.go):
    GET    /api/scenarios                     List demo scenarios
    GET    /api/scenarios/current             Last loaded scenario
    POST   /api/scenarios/load                Reset and load a scenario

AUTHORIZATION:
  The caller comes from the bearer token (auth.go). Only the room creator may
  mutate the room or see every account. Members may read.

ERROR HANDLING:
  Ledger errors are mapped by writeLedgerError:
  - 400: Validation errors, invalid input, rule violations
  - 403: Caller is not allowed
  - 404: Room, transaction or deadline not found
  - 409: Conflicting state (already member, outstanding balance, archived)
  - 413: Deadline fan-out over the transaction write limit
  - 503: Transaction conflict, retry
  - 500: Internal errors, partially applied deletes

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/classfund/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *ledger.Ledger
	Log    zerolog.Logger

	// Ping reports storage health. Optional.
	Ping func(ctx context.Context) error
	// Reset clears the database before a scenario loads. Optional.
	Reset func(ctx context.Context) error

	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler for the given ledger.
func NewHandler(l *ledger.Ledger, log zerolog.Logger) *Handler {
	return &Handler{
		Ledger: l,
		Log:    log.With().Str("component", "api").Logger(),
	}
}

// Health reports liveness and storage reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

type access int

const (
	accessMember  access = iota // any member, creator included
	accessCreator               // chairperson only
)

// loadRoom resolves the {id} room for the caller and writes the error
// response itself when access is denied.
func (h *Handler) loadRoom(w http.ResponseWriter, r *http.Request, need access) (*ledger.Room, ledger.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", ErrMissingToken)
		return nil, actor, false
	}

	room, err := h.Ledger.GetRoom(r.Context(), ledger.RoomID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, err)
		return nil, actor, false
	}

	switch need {
	case accessCreator:
		if room.CreatorID != actor.ID {
			writeError(w, http.StatusForbidden, "Only the chairperson can do this", nil)
			return nil, actor, false
		}
	case accessMember:
		if room.CreatorID != actor.ID && !room.HasMember(actor.ID) {
			writeError(w, http.StatusForbidden, "Not a member of this room", nil)
			return nil, actor, false
		}
	}
	return room, actor, true
}

// =============================================================================
// ROOM HANDLERS
// =============================================================================

// CreateRoom creates a room owned by the caller.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", ErrMissingToken)
		return
	}

	var req RoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	room, err := h.Ledger.CreateRoom(r.Context(), actor, ledger.RoomInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRoomDTO(room))
}

// GetRoom returns a room to its members.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, _, ok := h.loadRoom(w, r, accessMember)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRoomDTO(room))
}

// UpdateRoom changes name and description.
func (h *Handler) UpdateRoom(w http.ResponseWriter, r *http.Request) {
	room, _, ok := h.loadRoom(w, r, accessCreator)
	if !ok {
		return
	}

	var req RoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	updated, err := h.Ledger.UpdateRoom(r.Context(), room.ID, ledger.RoomInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toRoomDTO(updated))
}

// DeleteRoom removes a room with all its entries and accounts.
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	room, _, ok := h.loadRoom(w, r, accessCreator)
	if !ok {
		return
	}

	if err := h.Ledger.DeleteRoom(r.Context(), room.ID); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ArchiveRoom sets or clears the archived flag.
func (h *Handler) ArchiveRoom(w http.ResponseWriter, r *http.Request) {
	room, _, ok := h.loadRoom(w, r, accessCreator)
	if !ok {
		return
	}

	var req ArchiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Ledger.ArchiveRoom(r.Context(), room.ID, req.Archived); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	updated, err := h.Ledger.GetRoom(r.Context(), room.ID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomDTO(updated))
}

// JoinRoom adds the caller to the room owning the code.
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", ErrMissingToken)
		return
	}

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required", nil)
		return
	}

	room, err := h.Ledger.JoinRoom(r.Context(), actor, req.Code)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toRoomDTO(room))
}

// LeaveRoom removes the caller from the room.
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", ErrMissingToken)
		return
	}

	roomID := ledger.RoomID(chi.URLParam(r, "id"))
	if err := h.Ledger.LeaveRoom(r.Context(), roomID, actor.ID); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// AddExpense records a debit.
func (h *Handler) AddExpense(w http.ResponseWriter, r *http.Request) {
	room, actor, ok := h.loadRoom(w, r, accessCreator)
	if !ok {
		return
	}

	var req ExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Ledger.AddExpense(r.Context(), room.ID, actor, ledger.ExpenseInput{
		Description: req.Description,
		Amount:      req.Amount,
		Recipient:   req.Recipient,
		Date:        req.Date,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryDTO(entry, actor.ID))
}

// AddDeadline declares an amount every student owes.
func (h *Handler) AddDeadline(w http.ResponseWriter, r *http.Request) {
	room, actor, ok := h.loadRoom(w, r, accessCreator)
	if !ok {
		return
	}

	var req DeadlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Ledger.AddDeadline(r.Context(), room.ID, actor, ledger.DeadlineInput{
		Description: req.Description,
		Amount:      req.Amount,
		DueDate:     req.DueDate,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryDTO(entry, actor.ID))
}

// AddPayment records a student's payment against a deadline.
func (h *Handler) AddPayment(w http.ResponseWriter, r *http.Request) {
	room, actor, ok := h.loadRoom(w, r, accessCreator)
	if !ok {
		return
	}

	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.StudentID == "" || req.DeadlineID == "" {
		writeError(w, http.StatusBadRequest, "student_id and deadline_id are required", nil)
		return
	}

	entry, err := h.Ledger.AddPayment(r.Context(), room.ID, actor, ledger.PaymentInput{
		StudentID:           ledger.UserID(req.StudentID),
		DeadlineID:          ledger.EntryID(req.DeadlineID),
		Amount:              req.Amount,
		DeadlineDescription: req.DeadlineDescription,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryDTO(entry, actor.ID))
}

// ListTransactions returns the room's entries in append order.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	room, actor, ok := h.loadRoom(w, r, accessMember)
	if !ok {
		return
	}

	filter, err := parseEntryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	entries, err := h.Ledger.ListEntries(r.Context(), room.ID, filter)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEntryDTOs(entries, actor.ID))
}

// MarkSeen records that the caller has seen an entry.
func (h *Handler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	room, actor, ok := h.loadRoom(w, r, accessMember)
	if !ok {
		return
	}

	entryID := ledger.EntryID(chi.URLParam(r, "txID"))
	if err := h.Ledger.MarkTransactionAsSeen(r.Context(), room.ID, entryID, actor.ID); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// VIEW HANDLERS
// =============================================================================

// ListAccounts returns every student account in the room.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	room, _, ok := h.loadRoom(w, r, accessCreator)
	if !ok {
		return
	}

	accounts, err := h.Ledger.ListAccounts(r.Context(), room.ID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i := range accounts {
		dtos[i] = toAccountDTO(&accounts[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStatement returns a student's account with its deadlines and payments.
// Students see their own; the chairperson may pass ?user_id=.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	room, actor, ok := h.loadRoom(w, r, accessMember)
	if !ok {
		return
	}

	userID := actor.ID
	if q := r.URL.Query().Get("user_id"); q != "" && ledger.UserID(q) != actor.ID {
		if room.CreatorID != actor.ID {
			writeError(w, http.StatusForbidden, "Only the chairperson can view other statements", nil)
			return
		}
		userID = ledger.UserID(q)
	}

	st, err := h.Ledger.Statement(r.Context(), room.ID, userID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	dto := StatementDTO{
		Account:   toAccountDTO(&st.Account),
		Payments:  toEntryDTOs(st.Payments, actor.ID),
		Deadlines: make([]DeadlineStatusDTO, len(st.Deadlines)),
	}
	for i, d := range st.Deadlines {
		dto.Deadlines[i] = DeadlineStatusDTO{
			Deadline:  toEntryDTO(&d.Deadline, actor.ID),
			Paid:      d.Paid,
			Remaining: d.Remaining,
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetSummary returns room aggregates and the caller's unseen count.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	room, actor, ok := h.loadRoom(w, r, accessMember)
	if !ok {
		return
	}

	summary, err := h.Ledger.RoomSummary(r.Context(), room.ID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	unseen, err := h.Ledger.UnseenCount(r.Context(), room.ID, actor.ID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SummaryDTO{
		Room:         toRoomDTO(&summary.Room),
		StudentCount: summary.StudentCount,
		Outstanding:  summary.Outstanding,
		NetFunds:     summary.NetFunds,
		Unseen:       unseen,
	})
}

// ListMyRooms returns the caller's joined-room index.
func (h *Handler) ListMyRooms(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", ErrMissingToken)
		return
	}

	joined, err := h.Ledger.ListJoinedRooms(r.Context(), actor.ID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	dtos := make([]JoinedRoomDTO, len(joined))
	for i, jr := range joined {
		dtos[i] = toJoinedRoomDTO(jr)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListCreatedRooms returns rooms the caller created, archived included.
func (h *Handler) ListCreatedRooms(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", ErrMissingToken)
		return
	}

	rooms, err := h.Ledger.ListRoomsByCreator(r.Context(), actor.ID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	dtos := make([]RoomDTO, len(rooms))
	for i := range rooms {
		dtos[i] = toRoomDTO(&rooms[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// parseEntryFilter reads kind (comma separated), from, to and student_id.
// Times are RFC 3339 or YYYY-MM-DD; a bare "to" date covers the whole day.
func parseEntryFilter(r *http.Request) (ledger.EntryFilter, error) {
	q := r.URL.Query()
	var f ledger.EntryFilter

	if kinds := q.Get("kind"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			kind := ledger.EntryKind(strings.TrimSpace(k))
			if !kind.Valid() {
				return f, errors.New("unknown kind " + string(kind))
			}
			f.Kinds = append(f.Kinds, kind)
		}
	}
	if from := q.Get("from"); from != "" {
		t, _, err := parseTimeParam(from)
		if err != nil {
			return f, err
		}
		f.From = &t
	}
	if to := q.Get("to"); to != "" {
		t, dateOnly, err := parseTimeParam(to)
		if err != nil {
			return f, err
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		f.To = &t
	}
	f.StudentID = ledger.UserID(q.Get("student_id"))
	return f, nil
}

func parseTimeParam(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false, errors.New("invalid time " + s + " (use RFC 3339 or YYYY-MM-DD)")
	}
	return t, true, nil
}

// writeLedgerError maps ledger errors to HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	var (
		validation  *ledger.ValidationError
		outstanding *ledger.OutstandingBalanceError
		partial     *ledger.PartialApplyError
	)

	switch {
	case errors.As(err, &validation):
		writeCodedError(w, http.StatusBadRequest, "invalid_input", validation.Error(), nil)
	case errors.Is(err, ledger.ErrInvalidInput):
		writeCodedError(w, http.StatusBadRequest, "invalid_input", "Invalid input", err)
	case errors.Is(err, ledger.ErrRoomNotFound):
		writeCodedError(w, http.StatusNotFound, "room_not_found", "Room not found", nil)
	case errors.Is(err, ledger.ErrEntryNotFound):
		writeCodedError(w, http.StatusNotFound, "transaction_not_found", "Transaction not found", nil)
	case errors.Is(err, ledger.ErrDeadlineNotFound):
		writeCodedError(w, http.StatusNotFound, "deadline_not_found", "Deadline not found", nil)
	case errors.As(err, &outstanding):
		writeCodedError(w, http.StatusConflict, "outstanding_balance",
			"Settle the outstanding balance of "+outstanding.Balance.StringFixed(2)+" before leaving", nil)
	case errors.Is(err, ledger.ErrAlreadyMember):
		writeCodedError(w, http.StatusConflict, "already_member", "Already a member of this room", nil)
	case errors.Is(err, ledger.ErrArchivedRoom):
		writeCodedError(w, http.StatusConflict, "archived_room", "Room is archived", nil)
	case errors.Is(err, ledger.ErrSelfJoin):
		writeCodedError(w, http.StatusBadRequest, "self_join", "You created this room", nil)
	case errors.Is(err, ledger.ErrCreatorCannotLeave):
		writeCodedError(w, http.StatusBadRequest, "creator_cannot_leave", "The chairperson cannot leave the room", nil)
	case errors.Is(err, ledger.ErrNotMember):
		writeCodedError(w, http.StatusBadRequest, "not_member", "User is not a member of this room", nil)
	case errors.Is(err, ledger.ErrFanOutTooLarge):
		writeCodedError(w, http.StatusRequestEntityTooLarge, "fan_out_too_large", "Room has too many students for one deadline", err)
	case ledger.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeCodedError(w, http.StatusServiceUnavailable, "conflict", "Concurrent update, retry", err)
	case errors.As(err, &partial):
		h.Log.Error().Err(err).Str("operation", partial.Operation).
			Int("applied", partial.Applied).Int("total", partial.Total).
			Msg("partially applied")
		writeCodedError(w, http.StatusInternalServerError, "partially_applied", "Operation partially applied, retry to finish", err)
	default:
		h.Log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeCodedError(w, status, "", message, err)
}

func writeCodedError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
