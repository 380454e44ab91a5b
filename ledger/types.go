/*
Package ledger provides the room fund ledger.

PURPOSE:
  A room is a fund-tracking group owned by one chairperson. The chairperson
  declares deadlines (amounts every student owes), records expenses and
  records payments made by students. This package keeps the derived
  aggregates (room totals, per-student owed/paid/balance) consistent with
  the append-only entry log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Room:           The group, its join code, members and running totals
  - Entry:          An immutable ledger record (credit, debit or deadline)
  - StudentAccount: Per-room, per-student running balance
  - UserProfile:    Identity-linked profile with the user's room ids
  - JoinedRoom:     Per-user cache of a room's display fields
  - Actor:          Identity of the caller, supplied by the identity provider

DESIGN PRINCIPLES:
  1. Aggregates are maintained by increments in the same store transaction
     that appends the triggering entry. They are never recomputed by scanning.
  2. Entries are immutable. Only SeenBy may grow.
  3. Money uses decimal.Decimal.

SEE ALSO:
  - store.go:   Document store contract
  - ledger.go:  Ledger construction and options
  - errors.go:  Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RoomID string
type UserID string
type EntryID string

// Actor is the caller of a ledger operation.
type Actor struct {
	ID    UserID
	Name  string
	Email string
}

// =============================================================================
// ROOM
// =============================================================================

type Room struct {
	ID          RoomID
	Name        string
	Description string
	CreatorID   UserID
	CreatorName string
	Code        string
	Members     []UserID

	TotalCollected decimal.Decimal // sum of credit entries
	TotalExpenses  decimal.Decimal // sum of debit entries

	Archived  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasMember reports whether userID is in the member set.
func (r *Room) HasMember(userID UserID) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Students returns every member except the creator.
func (r *Room) Students() []UserID {
	students := make([]UserID, 0, len(r.Members))
	for _, m := range r.Members {
		if m != r.CreatorID {
			students = append(students, m)
		}
	}
	return students
}

// RoomTotals is an increment applied to a room's aggregates.
type RoomTotals struct {
	Collected decimal.Decimal
	Expenses  decimal.Decimal
}

// =============================================================================
// ENTRY - Immutable ledger record
// =============================================================================

type EntryKind string

const (
	KindCredit   EntryKind = "credit"   // student payment against a deadline
	KindDebit    EntryKind = "debit"    // expense
	KindDeadline EntryKind = "deadline" // declared due amount, not a money movement
)

// Valid reports whether k is a known kind.
func (k EntryKind) Valid() bool {
	switch k {
	case KindCredit, KindDebit, KindDeadline:
		return true
	}
	return false
}

type Entry struct {
	ID       EntryID
	RoomID   RoomID
	UserID   UserID // acting user
	UserName string
	Amount   decimal.Decimal
	Kind     EntryKind

	Description string
	Recipient   string     // debit only
	DeadlineID  EntryID    // credit only
	StudentID   UserID     // credit only: the student who paid
	DueDate     *time.Time // deadline only
	Date        *time.Time // debit only: when the expense happened

	CreatedAt time.Time
	UpdatedAt time.Time
	SeenBy    []UserID
}

// SeenByUser reports whether userID has seen the entry.
func (e *Entry) SeenByUser(userID UserID) bool {
	for _, u := range e.SeenBy {
		if u == userID {
			return true
		}
	}
	return false
}

// EntryFilter narrows ListEntries. Zero value returns everything.
type EntryFilter struct {
	Kinds     []EntryKind
	From      *time.Time // inclusive, on CreatedAt
	To        *time.Time // inclusive, on CreatedAt
	StudentID UserID     // credits of one student
}

// Matches reports whether e passes the filter.
func (f EntryFilter) Matches(e Entry) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	if f.StudentID != "" && e.StudentID != f.StudentID {
		return false
	}
	return true
}

// =============================================================================
// STUDENT ACCOUNT
// =============================================================================

// StudentAccount holds one student's running totals in one room.
//
// TotalOwed is what is still owed: deadlines add to it and payments take
// from it, while TotalPaid only grows. Balance moves with TotalOwed, so
// Balance == TotalOwed at every observation point, which is the same as
// gross owed (TotalOwed + TotalPaid) minus TotalPaid.
type StudentAccount struct {
	RoomID        RoomID
	UserID        UserID
	TotalPaid     decimal.Decimal
	TotalOwed     decimal.Decimal
	Balance       decimal.Decimal
	LastPaymentAt *time.Time
	CreatedAt     time.Time
}

// AccountDelta is an increment applied to a student account.
type AccountDelta struct {
	Paid          decimal.Decimal
	Owed          decimal.Decimal
	Balance       decimal.Decimal
	LastPaymentAt *time.Time
}

// =============================================================================
// USERS
// =============================================================================

type Role string

const (
	RoleStudent     Role = "student"
	RoleChairperson Role = "chairperson"
)

type UserProfile struct {
	ID        UserID
	Name      string
	Email     string
	Role      Role
	PhotoURL  string
	Rooms     []RoomID
	CreatedAt time.Time
}

// JoinedRoom is the per-user cache of a room's display fields.
type JoinedRoom struct {
	RoomID          RoomID
	RoomName        string
	Description     string
	ChairpersonID   UserID
	ChairpersonName string
	Code            string
	JoinedAt        time.Time
}

func joinedRoomFor(room *Room, at time.Time) JoinedRoom {
	return JoinedRoom{
		RoomID:          room.ID,
		RoomName:        room.Name,
		Description:     room.Description,
		ChairpersonID:   room.CreatorID,
		ChairpersonName: room.CreatorName,
		Code:            room.Code,
		JoinedAt:        at,
	}
}
