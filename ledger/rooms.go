/*
rooms.go - Room lifecycle

OPERATIONS:
  - CreateRoom:    room + creator room id + creator index entry, one transaction
  - UpdateRoom:    room fields + every index entry, one transaction
  - DeleteRoom:    cascading delete in fixed-size chunks (NOT one transaction)
  - ArchiveRoom:   flag + remove index entries, membership untouched
  - UnarchiveRoom: clear flag + rebuild index entries from current fields

DELETE ROOM LIMITATION:
  A room can hold more documents than one transaction accepts, so DeleteRoom
  commits in chunks of chunkSize writes. The room document itself goes in the
  last chunk, so a room that still exists can always be deleted again.
  Failure after the first chunk returns *PartialApplyError. Mutations racing
  a delete on the same room are not serialized against it.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// maxCodeAttempts bounds join code regeneration on collision.
const maxCodeAttempts = 5

type RoomInput struct {
	Name        string
	Description string
}

func (in RoomInput) validate() error {
	return requireText("name", in.Name)
}

// =============================================================================
// CREATE
// =============================================================================

// CreateRoom creates a room owned by creator with zeroed aggregates.
func (l *Ledger) CreateRoom(ctx context.Context, creator Actor, in RoomInput) (*Room, error) {
	if err := requireText("creator id", string(creator.ID)); err != nil {
		return nil, l.done("create_room", err)
	}
	if err := in.validate(); err != nil {
		return nil, l.done("create_room", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := l.newCode()
		if err != nil {
			return nil, l.done("create_room", &RoomCreationError{Err: fmt.Errorf("generate join code: %w", err)})
		}
		room, err := l.createRoomWithCode(ctx, creator, in, code)
		if err == nil {
			l.log.Info().Str("room_id", string(room.ID)).Str("creator_id", string(creator.ID)).Msg("room created")
			return room, l.done("create_room", nil)
		}
		if !errors.Is(err, ErrJoinCodeTaken) {
			return nil, l.done("create_room", &RoomCreationError{Err: err})
		}
		l.log.Debug().Str("code", code).Msg("join code collision, regenerating")
		lastErr = err
	}
	return nil, l.done("create_room", &RoomCreationError{Err: lastErr})
}

func (l *Ledger) createRoomWithCode(ctx context.Context, creator Actor, in RoomInput, code string) (*Room, error) {
	now := l.timestamp()
	room := Room{
		ID:          newRoomID(),
		Name:        in.Name,
		Description: in.Description,
		CreatorID:   creator.ID,
		CreatorName: creator.Name,
		Code:        code,
		Members:     []UserID{creator.ID},
		Archived:    false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := l.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateRoom(ctx, room); err != nil {
			return err
		}
		if err := upsertProfile(ctx, tx, creator, RoleChairperson, now); err != nil {
			return err
		}
		if err := tx.AddUserRoom(ctx, creator.ID, room.ID); err != nil {
			return err
		}
		return tx.PutJoinedRoom(ctx, creator.ID, joinedRoomFor(&room, now))
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// upsertProfile creates the profile with role if missing, otherwise refreshes
// name and email. A chairperson role is never downgraded.
func upsertProfile(ctx context.Context, tx Store, actor Actor, role Role, now time.Time) error {
	existing, err := tx.GetUser(ctx, actor.ID)
	if err != nil {
		return err
	}
	profile := UserProfile{
		ID:        actor.ID,
		Name:      actor.Name,
		Email:     actor.Email,
		Role:      role,
		CreatedAt: now,
	}
	if existing != nil {
		profile.PhotoURL = existing.PhotoURL
		profile.CreatedAt = existing.CreatedAt
		if existing.Role == RoleChairperson {
			profile.Role = RoleChairperson
		}
		if profile.Name == "" {
			profile.Name = existing.Name
		}
		if profile.Email == "" {
			profile.Email = existing.Email
		}
	}
	return tx.SaveUser(ctx, profile)
}

// =============================================================================
// UPDATE
// =============================================================================

// UpdateRoom rewrites name and description on the room and on every
// member's joined-room entry.
func (l *Ledger) UpdateRoom(ctx context.Context, roomID RoomID, in RoomInput) (*Room, error) {
	if err := in.validate(); err != nil {
		return nil, l.done("update_room", err)
	}

	var updated *Room
	err := l.store.WithTx(ctx, func(tx Store) error {
		room, err := tx.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}
		room.Name = in.Name
		room.Description = in.Description
		room.UpdatedAt = l.timestamp()
		if err := tx.UpdateRoom(ctx, *room); err != nil {
			return err
		}

		// Archived rooms have no index entries; only rewrite existing ones.
		for _, member := range room.Members {
			jr, err := tx.GetJoinedRoom(ctx, member, roomID)
			if err != nil {
				return err
			}
			if jr == nil {
				continue
			}
			if err := tx.PutJoinedRoom(ctx, member, joinedRoomFor(room, jr.JoinedAt)); err != nil {
				return err
			}
		}
		updated = room
		return nil
	})
	if err != nil {
		return nil, l.done("update_room", err)
	}
	return updated, l.done("update_room", nil)
}

// =============================================================================
// DELETE
// =============================================================================

type writeOp func(ctx context.Context, tx Store) error

// DeleteRoom removes the room and everything under it.
func (l *Ledger) DeleteRoom(ctx context.Context, roomID RoomID) error {
	room, err := l.store.GetRoom(ctx, roomID)
	if err != nil {
		return l.done("delete_room", err)
	}
	if room == nil {
		return l.done("delete_room", ErrRoomNotFound)
	}
	entries, err := l.store.ListEntries(ctx, roomID, EntryFilter{})
	if err != nil {
		return l.done("delete_room", err)
	}
	accounts, err := l.store.ListAccounts(ctx, roomID)
	if err != nil {
		return l.done("delete_room", err)
	}

	ops := make([]writeOp, 0, len(entries)+len(accounts)+2*len(room.Members)+1)
	for _, e := range entries {
		id := e.ID
		ops = append(ops, func(ctx context.Context, tx Store) error { return tx.DeleteEntry(ctx, roomID, id) })
	}
	for _, a := range accounts {
		uid := a.UserID
		ops = append(ops, func(ctx context.Context, tx Store) error { return tx.DeleteAccount(ctx, roomID, uid) })
	}
	for _, m := range room.Members {
		uid := m
		ops = append(ops,
			func(ctx context.Context, tx Store) error { return tx.RemoveUserRoom(ctx, uid, roomID) },
			func(ctx context.Context, tx Store) error { return tx.DeleteJoinedRoom(ctx, uid, roomID) },
		)
	}
	ops = append(ops, func(ctx context.Context, tx Store) error { return tx.DeleteRoom(ctx, roomID) })

	if err := l.applyChunked(ctx, "delete room", ops); err != nil {
		return l.done("delete_room", err)
	}
	l.log.Info().Str("room_id", string(roomID)).Int("writes", len(ops)).Msg("room deleted")
	return l.done("delete_room", nil)
}

// applyChunked commits ops in transactions of at most chunkSize writes.
func (l *Ledger) applyChunked(ctx context.Context, operation string, ops []writeOp) error {
	applied := 0
	for start := 0; start < len(ops); start += l.chunkSize {
		end := start + l.chunkSize
		if end > len(ops) {
			end = len(ops)
		}
		chunk := ops[start:end]
		err := l.store.WithTx(ctx, func(tx Store) error {
			for _, op := range chunk {
				if err := op(ctx, tx); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			if applied == 0 {
				return err
			}
			return &PartialApplyError{Operation: operation, Applied: applied, Total: len(ops), Err: err}
		}
		applied += len(chunk)
	}
	return nil
}

// =============================================================================
// ARCHIVE
// =============================================================================

// ArchiveRoom sets the archived flag. Archiving removes every member's
// joined-room entry; passing false is the same as UnarchiveRoom.
func (l *Ledger) ArchiveRoom(ctx context.Context, roomID RoomID, archived bool) error {
	if !archived {
		return l.UnarchiveRoom(ctx, roomID)
	}
	err := l.store.WithTx(ctx, func(tx Store) error {
		room, err := tx.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}
		room.Archived = true
		room.UpdatedAt = l.timestamp()
		if err := tx.UpdateRoom(ctx, *room); err != nil {
			return err
		}
		for _, member := range room.Members {
			if err := tx.DeleteJoinedRoom(ctx, member, roomID); err != nil {
				return err
			}
		}
		return nil
	})
	return l.done("archive_room", err)
}

// UnarchiveRoom clears the archived flag and rebuilds every member's
// joined-room entry from the room's current fields. An active room is left
// untouched so existing join times survive.
func (l *Ledger) UnarchiveRoom(ctx context.Context, roomID RoomID) error {
	err := l.store.WithTx(ctx, func(tx Store) error {
		room, err := tx.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}
		if !room.Archived {
			return nil
		}
		now := l.timestamp()
		room.Archived = false
		room.UpdatedAt = now
		if err := tx.UpdateRoom(ctx, *room); err != nil {
			return err
		}
		for _, member := range room.Members {
			if err := tx.PutJoinedRoom(ctx, member, joinedRoomFor(room, now)); err != nil {
				return err
			}
		}
		return nil
	})
	return l.done("unarchive_room", err)
}
