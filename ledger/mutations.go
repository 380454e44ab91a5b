/*
mutations.go - Ledger mutations

Every mutation appends exactly one entry and applies the matching increments
in the same transaction:

  AddExpense:  debit    -> room.TotalExpenses += amount
  AddDeadline: deadline -> every student: owed += amount, balance += amount
  AddPayment:  credit   -> student: paid += amount, owed -= amount,
                           balance -= amount; room.TotalCollected += amount

MarkTransactionAsSeen is a single document update outside any transaction.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type ExpenseInput struct {
	Description string
	Amount      decimal.Decimal
	Recipient   string
	Date        *time.Time // defaults to now
}

type DeadlineInput struct {
	Description string
	Amount      decimal.Decimal
	DueDate     *time.Time
}

type PaymentInput struct {
	StudentID  UserID
	DeadlineID EntryID
	Amount     decimal.Decimal
	// DeadlineDescription labels the credit; defaults to the deadline's description.
	DeadlineDescription string
}

// =============================================================================
// EXPENSE
// =============================================================================

// AddExpense records money spent from the room fund.
func (l *Ledger) AddExpense(ctx context.Context, roomID RoomID, actor Actor, in ExpenseInput) (*Entry, error) {
	if err := requireText("description", in.Description); err != nil {
		return nil, l.done("add_expense", err)
	}
	if err := requirePositive("amount", in.Amount); err != nil {
		return nil, l.done("add_expense", err)
	}

	now := l.timestamp()
	date := now
	if in.Date != nil {
		date = in.Date.UTC()
	}
	entry := Entry{
		ID:          l.newEntryID(now),
		RoomID:      roomID,
		UserID:      actor.ID,
		UserName:    actor.Name,
		Amount:      in.Amount,
		Kind:        KindDebit,
		Description: in.Description,
		Recipient:   in.Recipient,
		Date:        &date,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := l.store.WithTx(ctx, func(tx Store) error {
		if err := requireRoom(ctx, tx, roomID); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return tx.IncrementRoomTotals(ctx, roomID, RoomTotals{Expenses: in.Amount})
	})
	if err != nil {
		return nil, l.done("add_expense", err)
	}
	l.observer.ObserveAmount(KindDebit, in.Amount)
	return &entry, l.done("add_expense", nil)
}

// =============================================================================
// DEADLINE
// =============================================================================

// AddDeadline declares an amount every student in the room owes. All
// student accounts are updated in one transaction or none are.
func (l *Ledger) AddDeadline(ctx context.Context, roomID RoomID, actor Actor, in DeadlineInput) (*Entry, error) {
	if err := requireText("description", in.Description); err != nil {
		return nil, l.done("add_deadline", err)
	}
	if err := requirePositive("amount", in.Amount); err != nil {
		return nil, l.done("add_deadline", err)
	}

	now := l.timestamp()
	entry := Entry{
		ID:          l.newEntryID(now),
		RoomID:      roomID,
		UserID:      actor.ID,
		UserName:    actor.Name,
		Amount:      in.Amount,
		Kind:        KindDeadline,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.DueDate != nil {
		due := in.DueDate.UTC()
		entry.DueDate = &due
	}

	var fanOut int
	err := l.store.WithTx(ctx, func(tx Store) error {
		room, err := tx.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}
		students := room.Students()
		if writes := 1 + len(students); writes > l.maxTxWrites {
			return ErrFanOutTooLarge
		}

		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		for _, student := range students {
			acc, err := tx.GetAccount(ctx, roomID, student)
			if err != nil {
				return err
			}
			if acc == nil {
				// Member without an account: seed it with this deadline.
				l.log.Warn().Str("room_id", string(roomID)).Str("user_id", string(student)).Msg("missing student account, recreating")
				if err := tx.CreateAccount(ctx, StudentAccount{
					RoomID:    roomID,
					UserID:    student,
					TotalPaid: decimal.Zero,
					TotalOwed: in.Amount,
					Balance:   in.Amount,
					CreatedAt: now,
				}); err != nil {
					return err
				}
				continue
			}
			if err := tx.IncrementAccount(ctx, roomID, student, AccountDelta{
				Owed:    in.Amount,
				Balance: in.Amount,
			}); err != nil {
				return err
			}
		}
		fanOut = len(students)
		return nil
	})
	if err != nil {
		return nil, l.done("add_deadline", err)
	}
	l.log.Debug().Str("room_id", string(roomID)).Int("students", fanOut).Msg("deadline added")
	l.observer.ObserveAmount(KindDeadline, in.Amount)
	return &entry, l.done("add_deadline", nil)
}

// =============================================================================
// PAYMENT
// =============================================================================

// AddPayment records a student's payment against a deadline.
func (l *Ledger) AddPayment(ctx context.Context, roomID RoomID, chairperson Actor, in PaymentInput) (*Entry, error) {
	if err := requireText("student id", string(in.StudentID)); err != nil {
		return nil, l.done("add_payment", err)
	}
	if err := requireText("deadline id", string(in.DeadlineID)); err != nil {
		return nil, l.done("add_payment", err)
	}
	if err := requirePositive("amount", in.Amount); err != nil {
		return nil, l.done("add_payment", err)
	}

	now := l.timestamp()
	var entry Entry
	err := l.store.WithTx(ctx, func(tx Store) error {
		room, err := tx.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}
		if !room.HasMember(in.StudentID) || in.StudentID == room.CreatorID {
			return ErrNotMember
		}
		deadline, err := tx.GetEntry(ctx, roomID, in.DeadlineID)
		if err != nil {
			return err
		}
		if deadline == nil || deadline.Kind != KindDeadline {
			return ErrDeadlineNotFound
		}

		acc, err := tx.GetAccount(ctx, roomID, in.StudentID)
		if err != nil {
			return err
		}
		if acc == nil {
			l.log.Warn().Str("room_id", string(roomID)).Str("user_id", string(in.StudentID)).Msg("missing student account, recreating")
			if err := tx.CreateAccount(ctx, StudentAccount{
				RoomID:    roomID,
				UserID:    in.StudentID,
				TotalPaid: decimal.Zero,
				TotalOwed: decimal.Zero,
				Balance:   decimal.Zero,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		label := in.DeadlineDescription
		if label == "" {
			label = deadline.Description
		}
		entry = Entry{
			ID:          l.newEntryID(now),
			RoomID:      roomID,
			UserID:      chairperson.ID,
			UserName:    chairperson.Name,
			Amount:      in.Amount,
			Kind:        KindCredit,
			Description: "Payment for " + label,
			DeadlineID:  in.DeadlineID,
			StudentID:   in.StudentID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.IncrementAccount(ctx, roomID, in.StudentID, AccountDelta{
			Paid:          in.Amount,
			Owed:          in.Amount.Neg(),
			Balance:       in.Amount.Neg(),
			LastPaymentAt: &now,
		}); err != nil {
			return err
		}
		return tx.IncrementRoomTotals(ctx, roomID, RoomTotals{Collected: in.Amount})
	})
	if err != nil {
		return nil, l.done("add_payment", err)
	}
	l.observer.ObserveAmount(KindCredit, in.Amount)
	return &entry, l.done("add_payment", nil)
}

// =============================================================================
// SEEN
// =============================================================================

// MarkTransactionAsSeen adds userID to the entry's seen set. Repeated calls are no-ops.
func (l *Ledger) MarkTransactionAsSeen(ctx context.Context, roomID RoomID, entryID EntryID, userID UserID) error {
	if err := requireText("user id", string(userID)); err != nil {
		return l.done("mark_seen", err)
	}
	return l.done("mark_seen", l.store.AddSeenBy(ctx, roomID, entryID, userID))
}

func requireRoom(ctx context.Context, s Store, roomID RoomID) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return ErrRoomNotFound
	}
	return nil
}
