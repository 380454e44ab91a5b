package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READ MODEL
// =============================================================================

// GetRoom returns the room's current fields and aggregates.
func (l *Ledger) GetRoom(ctx context.Context, roomID RoomID) (*Room, error) {
	room, err := l.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// ListEntries returns the room's entries in append order.
func (l *Ledger) ListEntries(ctx context.Context, roomID RoomID, filter EntryFilter) ([]Entry, error) {
	if _, err := l.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return l.store.ListEntries(ctx, roomID, filter)
}

func (l *Ledger) ListAccounts(ctx context.Context, roomID RoomID) ([]StudentAccount, error) {
	if _, err := l.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return l.store.ListAccounts(ctx, roomID)
}

// GetAccount returns ErrNotMember when the student has no account in the room.
func (l *Ledger) GetAccount(ctx context.Context, roomID RoomID, userID UserID) (*StudentAccount, error) {
	if _, err := l.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	acc, err := l.store.GetAccount(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrNotMember
	}
	return acc, nil
}

func (l *Ledger) ListJoinedRooms(ctx context.Context, userID UserID) ([]JoinedRoom, error) {
	return l.store.ListJoinedRooms(ctx, userID)
}

func (l *Ledger) ListRoomsByCreator(ctx context.Context, creatorID UserID) ([]Room, error) {
	return l.store.ListRoomsByCreator(ctx, creatorID)
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

// DeadlineStatus is one deadline as seen by one student.
type DeadlineStatus struct {
	Deadline  Entry
	Paid      decimal.Decimal
	Remaining decimal.Decimal // never negative
}

// Statement is a student's account with the entries that explain it.
type Statement struct {
	Account   StudentAccount
	Payments  []Entry
	Deadlines []DeadlineStatus
}

// Statement builds the per-deadline breakdown of a student's account.
func (l *Ledger) Statement(ctx context.Context, roomID RoomID, userID UserID) (*Statement, error) {
	acc, err := l.GetAccount(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.ListEntries(ctx, roomID, EntryFilter{})
	if err != nil {
		return nil, err
	}

	paidByDeadline := make(map[EntryID]decimal.Decimal)
	st := &Statement{Account: *acc}
	for _, e := range entries {
		if e.Kind == KindCredit && e.StudentID == userID {
			st.Payments = append(st.Payments, e)
			paidByDeadline[e.DeadlineID] = paidByDeadline[e.DeadlineID].Add(e.Amount)
		}
	}
	for _, e := range entries {
		if e.Kind != KindDeadline {
			continue
		}
		paid := paidByDeadline[e.ID]
		remaining := e.Amount.Sub(paid)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		st.Deadlines = append(st.Deadlines, DeadlineStatus{Deadline: e, Paid: paid, Remaining: remaining})
	}
	return st, nil
}

// UnseenCount counts entries userID has not seen, excluding their own.
func (l *Ledger) UnseenCount(ctx context.Context, roomID RoomID, userID UserID) (int, error) {
	entries, err := l.ListEntries(ctx, roomID, EntryFilter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.UserID != userID && !e.SeenByUser(userID) {
			n++
		}
	}
	return n, nil
}

type RoomSummary struct {
	Room         Room
	StudentCount int
	// Outstanding is the sum of positive balances.
	Outstanding decimal.Decimal
	// NetFunds is TotalCollected - TotalExpenses.
	NetFunds decimal.Decimal
}

func (l *Ledger) RoomSummary(ctx context.Context, roomID RoomID) (*RoomSummary, error) {
	room, err := l.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	accounts, err := l.store.ListAccounts(ctx, roomID)
	if err != nil {
		return nil, err
	}
	outstanding := decimal.Zero
	for _, a := range accounts {
		if a.Balance.IsPositive() {
			outstanding = outstanding.Add(a.Balance)
		}
	}
	return &RoomSummary{
		Room:         *room,
		StudentCount: len(room.Students()),
		Outstanding:  outstanding,
		NetFunds:     room.TotalCollected.Sub(room.TotalExpenses),
	}, nil
}
