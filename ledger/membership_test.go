package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/classfund/ledger"
)

func TestJoinRoom(t *testing.T) {
	// GIVEN: A room
	l := newTestLedger(t)
	ctx := context.Background()
	room := createRoom(t, l)

	// WHEN: A student joins with a sloppily typed code
	joined, err := l.JoinRoom(ctx, alice, "  "+room.Code+"\t")
	require.NoError(t, err)

	// THEN: The student is a member with a zeroed account and an index entry
	assert.Equal(t, []ledger.UserID{chair.ID, alice.ID}, joined.Members)

	acc := account(t, l, room, alice)
	assertDecimal(t, "0", acc.TotalPaid)
	assertDecimal(t, "0", acc.TotalOwed)
	assertDecimal(t, "0", acc.Balance)

	index, err := l.ListJoinedRooms(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, room.ID, index[0].RoomID)
	assert.Equal(t, chair.Name, index[0].ChairpersonName)

	profile, err := l.Store().GetUser(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, ledger.RoleStudent, profile.Role)
	assert.Equal(t, []ledger.RoomID{room.ID}, profile.Rooms)
}

func TestJoinRoom_LowercaseCode(t *testing.T) {
	l := newTestLedger(t, ledger.WithCodeGenerator(func() (string, error) { return "AB12CD", nil }))
	room := createRoom(t, l)

	_, err := l.JoinRoom(context.Background(), alice, "ab12cd")
	require.NoError(t, err)
	assert.NotNil(t, account(t, l, room, alice))
}

func TestJoinRoom_Rejections(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	room := createRoom(t, l)
	join(t, l, room, alice)

	tests := []struct {
		name  string
		actor ledger.Actor
		code  string
		want  error
	}{
		{"unknown code", bob, "NOPE00", ledger.ErrRoomNotFound},
		{"empty code", bob, "   ", ledger.ErrInvalidInput},
		{"own room", chair, room.Code, ledger.ErrSelfJoin},
		{"already member", alice, room.Code, ledger.ErrAlreadyMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.JoinRoom(ctx, tt.actor, tt.code)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestJoinRoom_Archived(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	room := createRoom(t, l)
	require.NoError(t, l.ArchiveRoom(ctx, room.ID, true))

	_, err := l.JoinRoom(ctx, alice, room.Code)
	assert.ErrorIs(t, err, ledger.ErrArchivedRoom)

	profile, err := l.Store().GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, profile)
}

func TestJoinRoom_ConcurrentDuplicateJoin(t *testing.T) {
	// GIVEN: A room
	l := newTestLedger(t)
	ctx := context.Background()
	room := createRoom(t, l)

	// WHEN: The same student joins from many goroutines at once
	const attempts = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.JoinRoom(ctx, alice, room.Code)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// THEN: Exactly one join wins and the rest see the membership
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrAlreadyMember)
	}
	assert.Equal(t, 1, succeeded)

	got, err := l.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.UserID{chair.ID, alice.ID}, got.Members)

	accounts, err := l.ListAccounts(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestJoinRoom_DeadlinesBeforeAndAfterJoin(t *testing.T) {
	// GIVEN: A room with one deadline declared before anyone joined
	l := newTestLedger(t)
	room := createRoom(t, l)
	addDeadline(t, l, room, "Enrollment fee", "100")

	// WHEN: A student joins and another deadline follows
	join(t, l, room, alice)
	assertDecimal(t, "100", account(t, l, room, alice).TotalOwed)
	addDeadline(t, l, room, "Field trip", "50")

	// THEN: Both deadlines are owed exactly once
	acc := account(t, l, room, alice)
	assertDecimal(t, "150", acc.TotalOwed)
	assertDecimal(t, "150", acc.Balance)

	// AND: A late joiner owes both as well
	join(t, l, room, bob)
	assertDecimal(t, "150", account(t, l, room, bob).TotalOwed)
}

func TestLeaveRoom_OutstandingBalance(t *testing.T) {
	// GIVEN: A student who owes money
	l := newTestLedger(t)
	ctx := context.Background()
	room := createRoom(t, l)
	join(t, l, room, alice)
	dl := addDeadline(t, l, room, "Uniform", "120")

	// WHEN: The student tries to leave
	err := l.LeaveRoom(ctx, room.ID, alice.ID)

	// THEN: The leave is rejected with the balance
	var obe *ledger.OutstandingBalanceError
	require.ErrorAs(t, err, &obe)
	assert.ErrorIs(t, err, ledger.ErrOutstandingBalance)
	assertDecimal(t, "120", obe.Balance)
	assert.Equal(t, alice.ID, obe.UserID)

	got, err := l.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, got.HasMember(alice.ID))

	// WHEN: The balance is settled and the student leaves
	pay(t, l, room, alice, dl, "120")
	require.NoError(t, l.LeaveRoom(ctx, room.ID, alice.ID))

	// THEN: No trace of the student remains in the room
	got, err = l.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, got.HasMember(alice.ID))

	_, err = l.GetAccount(ctx, room.ID, alice.ID)
	assert.ErrorIs(t, err, ledger.ErrNotMember)

	index, err := l.ListJoinedRooms(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, index)

	profile, err := l.Store().GetUser(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Empty(t, profile.Rooms)

	// AND: The ledger keeps the student's payment
	credits, err := l.ListEntries(ctx, room.ID, ledger.EntryFilter{StudentID: alice.ID})
	require.NoError(t, err)
	assert.Len(t, credits, 1)
}

func TestLeaveRoom_NegativeBalanceMayLeave(t *testing.T) {
	l := newTestLedger(t)
	room := createRoom(t, l)
	join(t, l, room, alice)
	dl := addDeadline(t, l, room, "Uniform", "100")
	pay(t, l, room, alice, dl, "130")

	assertDecimal(t, "-30", account(t, l, room, alice).Balance)
	assert.NoError(t, l.LeaveRoom(context.Background(), room.ID, alice.ID))
}

func TestLeaveRoom_Rejections(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	room := createRoom(t, l)

	assert.ErrorIs(t, l.LeaveRoom(ctx, "missing", alice.ID), ledger.ErrRoomNotFound)
	assert.ErrorIs(t, l.LeaveRoom(ctx, room.ID, chair.ID), ledger.ErrCreatorCannotLeave)
	assert.ErrorIs(t, l.LeaveRoom(ctx, room.ID, bob.ID), ledger.ErrNotMember)
}

func TestLeaveRoom_RejoinStartsFromCurrentDeadlines(t *testing.T) {
	// GIVEN: A student who paid up and left
	l := newTestLedger(t)
	ctx := context.Background()
	room := createRoom(t, l)
	join(t, l, room, alice)
	dl := addDeadline(t, l, room, "Uniform", "100")
	pay(t, l, room, alice, dl, "100")
	require.NoError(t, l.LeaveRoom(ctx, room.ID, alice.ID))

	// WHEN: The student joins again
	join(t, l, room, alice)

	// THEN: The new account is seeded from the deadline sum, past payments are not carried
	acc := account(t, l, room, alice)
	assertDecimal(t, "0", acc.TotalPaid)
	assertDecimal(t, "100", acc.TotalOwed)
	assertDecimal(t, "100", acc.Balance)
}
