/*
membership.go - Joining and leaving rooms

JOIN PROTOCOL:
  1. Resolve the code outside the transaction and reject the obvious cases
     (unknown code, own room, archived room).
  2. Inside one transaction re-read the room and decide again. Two concurrent
     joins by the same user serialize here: the loser observes the winner's
     membership and fails with ErrAlreadyMember.
  3. The new account is seeded with the sum of every deadline that exists at
     that moment. Deadlines added later reach the account through the
     AddDeadline fan-out, so no deadline is missed or counted twice.

LEAVE PROTOCOL:
  The balance check and the removal share one transaction, so a leave cannot
  interleave with a deadline that would have made the student owe money.
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// JoinRoom adds actor to the room identified by code.
func (l *Ledger) JoinRoom(ctx context.Context, actor Actor, code string) (*Room, error) {
	code = NormalizeJoinCode(code)
	if err := requireText("code", code); err != nil {
		return nil, l.done("join_room", err)
	}
	if err := requireText("user id", string(actor.ID)); err != nil {
		return nil, l.done("join_room", err)
	}

	found, err := l.store.FindRoomByCode(ctx, code)
	if err != nil {
		return nil, l.done("join_room", err)
	}
	if found == nil {
		return nil, l.done("join_room", ErrRoomNotFound)
	}
	if found.CreatorID == actor.ID {
		return nil, l.done("join_room", ErrSelfJoin)
	}
	if found.Archived {
		return nil, l.done("join_room", ErrArchivedRoom)
	}

	var joined *Room
	err = l.store.WithTx(ctx, func(tx Store) error {
		room, err := tx.GetRoom(ctx, found.ID)
		if err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}
		if room.HasMember(actor.ID) {
			return ErrAlreadyMember
		}
		if room.Archived {
			return ErrArchivedRoom
		}

		owed, err := sumDeadlines(ctx, tx, room.ID)
		if err != nil {
			return err
		}

		now := l.timestamp()
		if err := tx.AddMember(ctx, room.ID, actor.ID); err != nil {
			return err
		}
		if err := upsertProfile(ctx, tx, actor, RoleStudent, now); err != nil {
			return err
		}
		if err := tx.AddUserRoom(ctx, actor.ID, room.ID); err != nil {
			return err
		}
		if err := tx.CreateAccount(ctx, StudentAccount{
			RoomID:    room.ID,
			UserID:    actor.ID,
			TotalPaid: decimal.Zero,
			TotalOwed: owed,
			Balance:   owed,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.PutJoinedRoom(ctx, actor.ID, joinedRoomFor(room, now)); err != nil {
			return err
		}
		room.Members = append(room.Members, actor.ID)
		joined = room
		return nil
	})
	if err != nil {
		return nil, l.done("join_room", err)
	}
	l.log.Info().Str("room_id", string(joined.ID)).Str("user_id", string(actor.ID)).Msg("member joined")
	return joined, l.done("join_room", nil)
}

// LeaveRoom removes userID from the room. It fails while the student owes money.
func (l *Ledger) LeaveRoom(ctx context.Context, roomID RoomID, userID UserID) error {
	err := l.store.WithTx(ctx, func(tx Store) error {
		room, err := tx.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}
		if room.CreatorID == userID {
			return ErrCreatorCannotLeave
		}
		if !room.HasMember(userID) {
			return ErrNotMember
		}

		acc, err := tx.GetAccount(ctx, roomID, userID)
		if err != nil {
			return err
		}
		if acc != nil && acc.Balance.IsPositive() {
			return &OutstandingBalanceError{RoomID: roomID, UserID: userID, Balance: acc.Balance}
		}

		if err := tx.RemoveMember(ctx, roomID, userID); err != nil {
			return err
		}
		if err := tx.RemoveUserRoom(ctx, userID, roomID); err != nil {
			return err
		}
		if err := tx.DeleteJoinedRoom(ctx, userID, roomID); err != nil {
			return err
		}
		return tx.DeleteAccount(ctx, roomID, userID)
	})
	if err == nil {
		l.log.Info().Str("room_id", string(roomID)).Str("user_id", string(userID)).Msg("member left")
	}
	return l.done("leave_room", err)
}

func sumDeadlines(ctx context.Context, s Store, roomID RoomID) (decimal.Decimal, error) {
	deadlines, err := s.ListEntries(ctx, roomID, EntryFilter{Kinds: []EntryKind{KindDeadline}})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, d := range deadlines {
		total = total.Add(d.Amount)
	}
	return total, nil
}
