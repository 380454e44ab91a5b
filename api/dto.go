/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal. They are written as JSON strings ("12.50")
  and accepted as strings or numbers.

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/classfund/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type RoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ArchiveRequest struct {
	Archived bool `json:"archived"`
}

type JoinRequest struct {
	Code string `json:"code"`
}

type ExpenseRequest struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Recipient   string          `json:"recipient"`
	Date        *time.Time      `json:"date,omitempty"`
}

type DeadlineRequest struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
}

type PaymentRequest struct {
	StudentID           string          `json:"student_id"`
	DeadlineID          string          `json:"deadline_id"`
	Amount              decimal.Decimal `json:"amount"`
	DeadlineDescription string          `json:"deadline_description"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type RoomDTO struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	CreatorID      string          `json:"creator_id"`
	CreatorName    string          `json:"creator_name"`
	Code           string          `json:"code"`
	Members        []string        `json:"members"`
	TotalCollected decimal.Decimal `json:"total_collected"`
	TotalExpenses  decimal.Decimal `json:"total_expenses"`
	Archived       bool            `json:"archived"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type EntryDTO struct {
	ID          string          `json:"id"`
	RoomID      string          `json:"room_id"`
	UserID      string          `json:"user_id"`
	UserName    string          `json:"user_name"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	Recipient   string          `json:"recipient,omitempty"`
	DeadlineID  string          `json:"deadline_id,omitempty"`
	StudentID   string          `json:"student_id,omitempty"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
	Date        *time.Time      `json:"date,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	SeenBy      []string        `json:"seen_by"`
	Seen        bool            `json:"seen"`
}

type AccountDTO struct {
	RoomID        string          `json:"room_id"`
	UserID        string          `json:"user_id"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
	TotalOwed     decimal.Decimal `json:"total_owed"`
	Balance       decimal.Decimal `json:"balance"`
	LastPaymentAt *time.Time      `json:"last_payment_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type JoinedRoomDTO struct {
	RoomID          string    `json:"room_id"`
	RoomName        string    `json:"room_name"`
	Description     string    `json:"description"`
	ChairpersonID   string    `json:"chairperson_id"`
	ChairpersonName string    `json:"chairperson_name"`
	Code            string    `json:"code"`
	JoinedAt        time.Time `json:"joined_at"`
}

type DeadlineStatusDTO struct {
	Deadline  EntryDTO        `json:"deadline"`
	Paid      decimal.Decimal `json:"paid"`
	Remaining decimal.Decimal `json:"remaining"`
}

type StatementDTO struct {
	Account   AccountDTO          `json:"account"`
	Payments  []EntryDTO          `json:"payments"`
	Deadlines []DeadlineStatusDTO `json:"deadlines"`
}

type SummaryDTO struct {
	Room         RoomDTO         `json:"room"`
	StudentCount int             `json:"student_count"`
	Outstanding  decimal.Decimal `json:"outstanding"`
	NetFunds     decimal.Decimal `json:"net_funds"`
	Unseen       int             `json:"unseen"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRoomDTO(r *ledger.Room) RoomDTO {
	members := make([]string, len(r.Members))
	for i, m := range r.Members {
		members[i] = string(m)
	}
	return RoomDTO{
		ID:             string(r.ID),
		Name:           r.Name,
		Description:    r.Description,
		CreatorID:      string(r.CreatorID),
		CreatorName:    r.CreatorName,
		Code:           r.Code,
		Members:        members,
		TotalCollected: r.TotalCollected,
		TotalExpenses:  r.TotalExpenses,
		Archived:       r.Archived,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toEntryDTO(e *ledger.Entry, viewer ledger.UserID) EntryDTO {
	seenBy := make([]string, len(e.SeenBy))
	for i, u := range e.SeenBy {
		seenBy[i] = string(u)
	}
	return EntryDTO{
		ID:          string(e.ID),
		RoomID:      string(e.RoomID),
		UserID:      string(e.UserID),
		UserName:    e.UserName,
		Amount:      e.Amount,
		Kind:        string(e.Kind),
		Description: e.Description,
		Recipient:   e.Recipient,
		DeadlineID:  string(e.DeadlineID),
		StudentID:   string(e.StudentID),
		DueDate:     e.DueDate,
		Date:        e.Date,
		CreatedAt:   e.CreatedAt,
		SeenBy:      seenBy,
		Seen:        e.SeenByUser(viewer),
	}
}

func toEntryDTOs(entries []ledger.Entry, viewer ledger.UserID) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i := range entries {
		dtos[i] = toEntryDTO(&entries[i], viewer)
	}
	return dtos
}

func toAccountDTO(a *ledger.StudentAccount) AccountDTO {
	return AccountDTO{
		RoomID:        string(a.RoomID),
		UserID:        string(a.UserID),
		TotalPaid:     a.TotalPaid,
		TotalOwed:     a.TotalOwed,
		Balance:       a.Balance,
		LastPaymentAt: a.LastPaymentAt,
		CreatedAt:     a.CreatedAt,
	}
}

func toJoinedRoomDTO(jr ledger.JoinedRoom) JoinedRoomDTO {
	return JoinedRoomDTO{
		RoomID:          string(jr.RoomID),
		RoomName:        jr.RoomName,
		Description:     jr.Description,
		ChairpersonID:   string(jr.ChairpersonID),
		ChairpersonName: jr.ChairpersonName,
		Code:            jr.Code,
		JoinedAt:        jr.JoinedAt,
	}
}
