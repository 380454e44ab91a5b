/*
handlers_test.go - HTTP tests for the room fund API

Tests for:
- Bearer token enforcement
- Room lifecycle through the router (create, join, archive, leave, delete)
- Ledger writes and views with per-role authorization
- Error status mapping and entry filters
- Join rate limiting
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/classfund/ledger"
	"github.com/warp/classfund/ledger/store"
	"github.com/warp/classfund/ratelimit"
)

const testSecret = "test-secret"

var (
	chair = ledger.Actor{ID: "chair", Name: "Ms. Reyes", Email: "reyes@example.com"}
	alice = ledger.Actor{ID: "alice", Name: "Alice"}
	bob   = ledger.Actor{ID: "bob", Name: "Bob"}
)

type testAPI struct {
	t       *testing.T
	router  *chi.Mux
	handler *Handler
	auth    *JWTManager
}

func newTestAPI(t *testing.T, limiter ratelimit.Limiter) *testAPI {
	t.Helper()
	auth := NewJWTManager(testSecret, time.Hour)
	h := NewHandler(ledger.New(store.NewMemory()), zerolog.Nop())
	return &testAPI{
		t:       t,
		router:  NewRouter(h, RouterConfig{Auth: auth, JoinLimiter: limiter}),
		handler: h,
		auth:    auth,
	}
}

func (a *testAPI) token(actor ledger.Actor) string {
	a.t.Helper()
	tok, err := a.auth.Generate(actor)
	require.NoError(a.t, err)
	return tok
}

// do sends a request as actor. A zero actor sends no token.
func (a *testAPI) do(actor ledger.Actor, method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor.ID != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(actor))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) createRoom(name string) RoomDTO {
	a.t.Helper()
	rec := a.do(chair, http.MethodPost, "/api/rooms", RoomRequest{Name: name, Description: "Class fund"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[RoomDTO](a.t, rec)
}

func (a *testAPI) join(actor ledger.Actor, code string) {
	a.t.Helper()
	rec := a.do(actor, http.MethodPost, "/api/rooms/join", JoinRequest{Code: code})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (a *testAPI) addDeadline(roomID, description, amount string) EntryDTO {
	a.t.Helper()
	rec := a.do(chair, http.MethodPost, "/api/rooms/"+roomID+"/deadlines",
		map[string]any{"description": description, "amount": amount})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[EntryDTO](a.t, rec)
}

// =============================================================================
// AUTH
// =============================================================================

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager(testSecret, time.Hour)

	tok, err := m.Generate(chair)
	require.NoError(t, err)

	claims, err := m.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "chair", claims.Subject)
	assert.Equal(t, chair.Name, claims.Name)
	assert.Equal(t, chair.Email, claims.Email)
}

func TestJWTManager_Rejects(t *testing.T) {
	m := NewJWTManager(testSecret, time.Hour)

	other, err := NewJWTManager("other-secret", time.Hour).Generate(chair)
	require.NoError(t, err)
	_, err = m.Validate(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewJWTManager(testSecret, -time.Minute).Generate(chair)
	require.NoError(t, err)
	_, err = m.Validate(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	anonymous, err := m.Generate(ledger.Actor{})
	require.NoError(t, err)
	_, err = m.Validate(anonymous)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAPI_RequiresToken(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(ledger.Actor{}, http.MethodGet, "/api/me/rooms", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/me/rooms", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays public
	rec = a.do(ledger.Actor{}, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_HealthReportsStorage(t *testing.T) {
	a := newTestAPI(t, nil)
	a.handler.Ping = func(context.Context) error { return errors.New("database is closed") }

	rec := a.do(ledger.Actor{}, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// ROOM FLOW
// =============================================================================

func TestAPI_PaymentFlow(t *testing.T) {
	// GIVEN: A room with two students and a deadline of 500
	a := newTestAPI(t, nil)
	room := a.createRoom("Grade 10 Rizal")
	assert.Equal(t, []string{"chair"}, room.Members)
	a.join(alice, room.Code)
	a.join(bob, room.Code)
	dl := a.addDeadline(room.ID, "Field trip", "500")

	// WHEN: The chairperson records alice's payment
	rec := a.do(chair, http.MethodPost, "/api/rooms/"+room.ID+"/payments", PaymentRequest{
		StudentID:  "alice",
		DeadlineID: dl.ID,
		Amount:     decimal.RequireFromString("500"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	credit := decode[EntryDTO](t, rec)
	assert.Equal(t, "credit", credit.Kind)
	assert.Equal(t, "Payment for Field trip", credit.Description)

	// THEN: Accounts reflect the payment
	rec = a.do(chair, http.MethodGet, "/api/rooms/"+room.ID+"/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	accounts := decode[[]AccountDTO](t, rec)
	require.Len(t, accounts, 2)
	balances := map[string]string{}
	for _, acc := range accounts {
		balances[acc.UserID] = acc.Balance.String()
	}
	assert.Equal(t, map[string]string{"alice": "0", "bob": "500"}, balances)

	// AND: The summary shows the collection and the student's unseen entries
	rec = a.do(alice, http.MethodGet, "/api/rooms/"+room.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[SummaryDTO](t, rec)
	assert.Equal(t, "500", summary.Room.TotalCollected.String())
	assert.Equal(t, "500", summary.Outstanding.String())
	assert.Equal(t, 2, summary.StudentCount)
	assert.Equal(t, 2, summary.Unseen)

	// AND: Alice's statement settles the deadline
	rec = a.do(alice, http.MethodGet, "/api/rooms/"+room.ID+"/statement", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[StatementDTO](t, rec)
	require.Len(t, st.Deadlines, 1)
	assert.Equal(t, "0", st.Deadlines[0].Remaining.String())
	require.Len(t, st.Payments, 1)

	// AND: The chairperson may read bob's statement
	rec = a.do(chair, http.MethodGet, "/api/rooms/"+room.ID+"/statement?user_id=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "500", decode[StatementDTO](t, rec).Account.Balance.String())
}

func TestAPI_ExpenseAndTransactions(t *testing.T) {
	a := newTestAPI(t, nil)
	room := a.createRoom("Room")
	a.join(alice, room.Code)
	dl := a.addDeadline(room.ID, "Books", "80")

	rec := a.do(chair, http.MethodPost, "/api/rooms/"+room.ID+"/expenses",
		map[string]any{"description": "Bus", "amount": 120.5, "recipient": "Transit Co"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Transit Co", decode[EntryDTO](t, rec).Recipient)

	list := func(query string) []EntryDTO {
		t.Helper()
		rec := a.do(alice, http.MethodGet, "/api/rooms/"+room.ID+"/transactions"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[[]EntryDTO](t, rec)
	}

	all := list("")
	require.Len(t, all, 2)
	assert.Equal(t, dl.ID, all[0].ID)
	assert.False(t, all[0].Seen)

	assert.Len(t, list("?kind=debit"), 1)
	assert.Len(t, list("?kind=debit,deadline"), 2)
	assert.Len(t, list("?from=2000-01-01"), 2)
	assert.Empty(t, list("?to=2000-01-01"))

	for _, bad := range []string{"?kind=refund", "?from=yesterday", "?to=2024-13-01"} {
		rec := a.do(alice, http.MethodGet, "/api/rooms/"+room.ID+"/transactions"+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	// Seen flag is per viewer
	rec = a.do(alice, http.MethodPost, "/api/rooms/"+room.ID+"/transactions/"+dl.ID+"/seen", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, list("")[0].Seen)

	rec = a.do(alice, http.MethodPost, "/api/rooms/"+room.ID+"/transactions/missing/seen", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "transaction_not_found", decode[ErrorResponse](t, rec).Code)
}

func TestAPI_Authorization(t *testing.T) {
	a := newTestAPI(t, nil)
	room := a.createRoom("Room")
	a.join(alice, room.Code)
	base := "/api/rooms/" + room.ID

	tests := []struct {
		name   string
		actor  ledger.Actor
		method string
		path   string
		body   any
	}{
		{"student adds expense", alice, http.MethodPost, base + "/expenses", map[string]any{"description": "x", "amount": "1"}},
		{"student adds deadline", alice, http.MethodPost, base + "/deadlines", map[string]any{"description": "x", "amount": "1"}},
		{"student renames room", alice, http.MethodPut, base, RoomRequest{Name: "Mine"}},
		{"student deletes room", alice, http.MethodDelete, base, nil},
		{"student lists accounts", alice, http.MethodGet, base + "/accounts", nil},
		{"student reads other statement", alice, http.MethodGet, base + "/statement?user_id=chair", nil},
		{"outsider reads room", bob, http.MethodGet, base, nil},
		{"outsider lists transactions", bob, http.MethodGet, base + "/transactions", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(tt.actor, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
		})
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	a := newTestAPI(t, nil)
	room := a.createRoom("Room")
	a.join(alice, room.Code)
	a.addDeadline(room.ID, "Uniform", "120")
	base := "/api/rooms/" + room.ID

	tests := []struct {
		name   string
		actor  ledger.Actor
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown room", chair, http.MethodGet, "/api/rooms/missing", nil, http.StatusNotFound, "room_not_found"},
		{"blank name", chair, http.MethodPost, "/api/rooms", RoomRequest{Name: ""}, http.StatusBadRequest, "invalid_input"},
		{"zero deadline", chair, http.MethodPost, base + "/deadlines", map[string]any{"description": "x", "amount": "0"}, http.StatusBadRequest, "invalid_input"},
		{"unknown deadline", chair, http.MethodPost, base + "/payments", map[string]any{"student_id": "alice", "deadline_id": "nope", "amount": "10"}, http.StatusNotFound, "deadline_not_found"},
		{"pay non-member", chair, http.MethodPost, base + "/payments", map[string]any{"student_id": "bob", "deadline_id": "nope", "amount": "10"}, http.StatusBadRequest, "not_member"},
		{"unknown code", bob, http.MethodPost, "/api/rooms/join", JoinRequest{Code: "ZZZZZZ"}, http.StatusNotFound, "room_not_found"},
		{"join own room", chair, http.MethodPost, "/api/rooms/join", JoinRequest{Code: room.Code}, http.StatusBadRequest, "self_join"},
		{"join twice", alice, http.MethodPost, "/api/rooms/join", JoinRequest{Code: room.Code}, http.StatusConflict, "already_member"},
		{"leave owing", alice, http.MethodPost, base + "/leave", nil, http.StatusConflict, "outstanding_balance"},
		{"creator leaves", chair, http.MethodPost, base + "/leave", nil, http.StatusBadRequest, "creator_cannot_leave"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(tt.actor, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	rec := a.do(bob, http.MethodPost, "/api/rooms/join", JoinRequest{Code: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(chair, http.MethodPost, base+"/payments", map[string]any{"amount": "10"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ArchiveLeaveDelete(t *testing.T) {
	// GIVEN: A room with a student who owes nothing
	a := newTestAPI(t, nil)
	room := a.createRoom("Room")
	a.join(alice, room.Code)
	base := "/api/rooms/" + room.ID

	// WHEN: Archived, the room disappears from the student's index and refuses joins
	rec := a.do(chair, http.MethodPost, base+"/archive", ArchiveRequest{Archived: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[RoomDTO](t, rec).Archived)
	assert.Empty(t, decode[[]JoinedRoomDTO](t, a.do(alice, http.MethodGet, "/api/me/rooms", nil)))

	rec = a.do(bob, http.MethodPost, "/api/rooms/join", JoinRequest{Code: room.Code})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "archived_room", decode[ErrorResponse](t, rec).Code)

	// WHEN: Unarchived, it comes back
	rec = a.do(chair, http.MethodPost, base+"/archive", ArchiveRequest{Archived: false})
	require.Equal(t, http.StatusOK, rec.Code)
	joined := decode[[]JoinedRoomDTO](t, a.do(alice, http.MethodGet, "/api/me/rooms", nil))
	require.Len(t, joined, 1)
	assert.Equal(t, "Ms. Reyes", joined[0].ChairpersonName)

	// WHEN: The student leaves
	rec = a.do(alice, http.MethodPost, base+"/leave", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, decode[[]JoinedRoomDTO](t, a.do(alice, http.MethodGet, "/api/me/rooms", nil)))

	// WHEN: The chairperson deletes the room
	rec = a.do(chair, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// THEN: It is gone
	rec = a.do(chair, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, decode[[]RoomDTO](t, a.do(chair, http.MethodGet, "/api/me/created-rooms", nil)))
}

func TestAPI_UpdateRoom(t *testing.T) {
	a := newTestAPI(t, nil)
	room := a.createRoom("Room")

	rec := a.do(chair, http.MethodPut, "/api/rooms/"+room.ID, RoomRequest{Name: "Renamed", Description: "New"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[RoomDTO](t, rec)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, room.Code, updated.Code)

	created := decode[[]RoomDTO](t, a.do(chair, http.MethodGet, "/api/me/created-rooms", nil))
	require.Len(t, created, 1)
	assert.Equal(t, "Renamed", created[0].Name)
}

// =============================================================================
// RATE LIMITING
// =============================================================================

type fakeLimiter struct {
	allow bool
	keys  []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (ratelimit.Decision, error) {
	f.keys = append(f.keys, key)
	remaining := 4
	if !f.allow {
		remaining = 0
	}
	return ratelimit.Decision{Allowed: f.allow, Limit: 5, Remaining: remaining, ResetAt: time.Now().Add(time.Minute)}, nil
}

func TestAPI_JoinRateLimit(t *testing.T) {
	limiter := &fakeLimiter{allow: true}
	a := newTestAPI(t, limiter)
	room := a.createRoom("Room")

	rec := a.do(alice, http.MethodPost, "/api/rooms/join", JoinRequest{Code: room.Code})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, []string{"join:alice"}, limiter.keys)

	limiter.allow = false
	rec = a.do(bob, http.MethodPost, "/api/rooms/join", JoinRequest{Code: room.Code})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other routes are not limited
	rec = a.do(chair, http.MethodGet, "/api/rooms/"+room.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, limiter.keys, 2)
}
