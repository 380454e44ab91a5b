/*
store.go - Document store contract consumed by the ledger

PURPOSE:
  Defines what the ledger needs from its database: point reads, writes,
  increments and serializable transactions. Implementations:
  - ledger/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite

NOT-FOUND CONVENTION:
  Get* methods return (nil, nil) when the document does not exist. The
  ledger decides which typed error that becomes.

TRANSACTIONS:
  WithTx runs fn against a Store view bound to one transaction. Reads inside
  fn observe writes made earlier in fn. If fn returns an error nothing is
  committed. If the store cannot commit because of contention it returns an
  error matching ErrTransactionConflict.

INCREMENTS:
  IncrementRoomTotals and IncrementAccount are only meant to be called inside
  WithTx, next to the write that justifies them.
*/
package ledger

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Rooms
	GetRoom(ctx context.Context, id RoomID) (*Room, error)
	FindRoomByCode(ctx context.Context, code string) (*Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	ListRoomsByCreator(ctx context.Context, creatorID UserID) ([]Room, error)
	// CreateRoom returns ErrJoinCodeTaken if the code is already used.
	CreateRoom(ctx context.Context, room Room) error
	// UpdateRoom writes name, description, archived and updated_at.
	UpdateRoom(ctx context.Context, room Room) error
	DeleteRoom(ctx context.Context, id RoomID) error
	AddMember(ctx context.Context, roomID RoomID, userID UserID) error
	RemoveMember(ctx context.Context, roomID RoomID, userID UserID) error
	IncrementRoomTotals(ctx context.Context, roomID RoomID, delta RoomTotals) error

	// Entries (append-only; DeleteEntry exists for room deletion only)
	AppendEntry(ctx context.Context, entry Entry) error
	GetEntry(ctx context.Context, roomID RoomID, id EntryID) (*Entry, error)
	ListEntries(ctx context.Context, roomID RoomID, filter EntryFilter) ([]Entry, error)
	// AddSeenBy adds userID to the entry's seen set. No-op if present.
	AddSeenBy(ctx context.Context, roomID RoomID, id EntryID, userID UserID) error
	DeleteEntry(ctx context.Context, roomID RoomID, id EntryID) error

	// Student accounts
	GetAccount(ctx context.Context, roomID RoomID, userID UserID) (*StudentAccount, error)
	ListAccounts(ctx context.Context, roomID RoomID) ([]StudentAccount, error)
	CreateAccount(ctx context.Context, account StudentAccount) error
	IncrementAccount(ctx context.Context, roomID RoomID, userID UserID, delta AccountDelta) error
	DeleteAccount(ctx context.Context, roomID RoomID, userID UserID) error

	// Users and the joined-room index
	GetUser(ctx context.Context, id UserID) (*UserProfile, error)
	// SaveUser upserts profile fields. Rooms is managed by Add/RemoveUserRoom.
	SaveUser(ctx context.Context, user UserProfile) error
	AddUserRoom(ctx context.Context, userID UserID, roomID RoomID) error
	RemoveUserRoom(ctx context.Context, userID UserID, roomID RoomID) error
	GetJoinedRoom(ctx context.Context, userID UserID, roomID RoomID) (*JoinedRoom, error)
	PutJoinedRoom(ctx context.Context, userID UserID, jr JoinedRoom) error
	DeleteJoinedRoom(ctx context.Context, userID UserID, roomID RoomID) error
	ListJoinedRooms(ctx context.Context, userID UserID) ([]JoinedRoom, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
