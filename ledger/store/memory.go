// Package store provides in-memory ledger.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/classfund/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a ledger.TxStore kept in process memory.
//
// WithTx holds the write lock for the whole callback and runs it against a
// staged copy of the state. The copy replaces the live state only when the
// callback returns nil, so transactions are serializable and roll back cleanly.
type Memory struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	rooms    map[ledger.RoomID]*ledger.Room
	codes    map[string]ledger.RoomID
	entries  map[ledger.RoomID][]*ledger.Entry // append order
	accounts map[ledger.RoomID]map[ledger.UserID]*ledger.StudentAccount
	users    map[ledger.UserID]*ledger.UserProfile
	joined   map[ledger.UserID]map[ledger.RoomID]ledger.JoinedRoom
}

func newMemState() *memState {
	return &memState{
		rooms:    make(map[ledger.RoomID]*ledger.Room),
		codes:    make(map[string]ledger.RoomID),
		entries:  make(map[ledger.RoomID][]*ledger.Entry),
		accounts: make(map[ledger.RoomID]map[ledger.UserID]*ledger.StudentAccount),
		users:    make(map[ledger.UserID]*ledger.UserProfile),
		joined:   make(map[ledger.UserID]map[ledger.RoomID]ledger.JoinedRoom),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

var _ ledger.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(&memView{s: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = staged
	return nil
}

// read runs fn under the read lock against the live state.
func (m *Memory) read(fn func(v *memView) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memView{s: m.state})
}

// write runs fn under the write lock against the live state.
func (m *Memory) write(fn func(v *memView) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memView{s: m.state})
}

// =============================================================================
// LOCKED ENTRY POINTS - delegate to memView
// =============================================================================

func (m *Memory) GetRoom(ctx context.Context, id ledger.RoomID) (room *ledger.Room, err error) {
	err = m.read(func(v *memView) error { room, err = v.GetRoom(ctx, id); return err })
	return room, err
}

func (m *Memory) FindRoomByCode(ctx context.Context, code string) (room *ledger.Room, err error) {
	err = m.read(func(v *memView) error { room, err = v.FindRoomByCode(ctx, code); return err })
	return room, err
}

func (m *Memory) ListRooms(ctx context.Context) (rooms []ledger.Room, err error) {
	err = m.read(func(v *memView) error { rooms, err = v.ListRooms(ctx); return err })
	return rooms, err
}

func (m *Memory) ListRoomsByCreator(ctx context.Context, creatorID ledger.UserID) (rooms []ledger.Room, err error) {
	err = m.read(func(v *memView) error { rooms, err = v.ListRoomsByCreator(ctx, creatorID); return err })
	return rooms, err
}

func (m *Memory) CreateRoom(ctx context.Context, room ledger.Room) error {
	return m.write(func(v *memView) error { return v.CreateRoom(ctx, room) })
}

func (m *Memory) UpdateRoom(ctx context.Context, room ledger.Room) error {
	return m.write(func(v *memView) error { return v.UpdateRoom(ctx, room) })
}

func (m *Memory) DeleteRoom(ctx context.Context, id ledger.RoomID) error {
	return m.write(func(v *memView) error { return v.DeleteRoom(ctx, id) })
}

func (m *Memory) AddMember(ctx context.Context, roomID ledger.RoomID, userID ledger.UserID) error {
	return m.write(func(v *memView) error { return v.AddMember(ctx, roomID, userID) })
}

func (m *Memory) RemoveMember(ctx context.Context, roomID ledger.RoomID, userID ledger.UserID) error {
	return m.write(func(v *memView) error { return v.RemoveMember(ctx, roomID, userID) })
}

func (m *Memory) IncrementRoomTotals(ctx context.Context, roomID ledger.RoomID, delta ledger.RoomTotals) error {
	return m.write(func(v *memView) error { return v.IncrementRoomTotals(ctx, roomID, delta) })
}

func (m *Memory) AppendEntry(ctx context.Context, entry ledger.Entry) error {
	return m.write(func(v *memView) error { return v.AppendEntry(ctx, entry) })
}

func (m *Memory) GetEntry(ctx context.Context, roomID ledger.RoomID, id ledger.EntryID) (entry *ledger.Entry, err error) {
	err = m.read(func(v *memView) error { entry, err = v.GetEntry(ctx, roomID, id); return err })
	return entry, err
}

func (m *Memory) ListEntries(ctx context.Context, roomID ledger.RoomID, filter ledger.EntryFilter) (entries []ledger.Entry, err error) {
	err = m.read(func(v *memView) error { entries, err = v.ListEntries(ctx, roomID, filter); return err })
	return entries, err
}

func (m *Memory) AddSeenBy(ctx context.Context, roomID ledger.RoomID, id ledger.EntryID, userID ledger.UserID) error {
	return m.write(func(v *memView) error { return v.AddSeenBy(ctx, roomID, id, userID) })
}

func (m *Memory) DeleteEntry(ctx context.Context, roomID ledger.RoomID, id ledger.EntryID) error {
	return m.write(func(v *memView) error { return v.DeleteEntry(ctx, roomID, id) })
}

func (m *Memory) GetAccount(ctx context.Context, roomID ledger.RoomID, userID ledger.UserID) (acc *ledger.StudentAccount, err error) {
	err = m.read(func(v *memView) error { acc, err = v.GetAccount(ctx, roomID, userID); return err })
	return acc, err
}

func (m *Memory) ListAccounts(ctx context.Context, roomID ledger.RoomID) (accs []ledger.StudentAccount, err error) {
	err = m.read(func(v *memView) error { accs, err = v.ListAccounts(ctx, roomID); return err })
	return accs, err
}

func (m *Memory) CreateAccount(ctx context.Context, account ledger.StudentAccount) error {
	return m.write(func(v *memView) error { return v.CreateAccount(ctx, account) })
}

func (m *Memory) IncrementAccount(ctx context.Context, roomID ledger.RoomID, userID ledger.UserID, delta ledger.AccountDelta) error {
	return m.write(func(v *memView) error { return v.IncrementAccount(ctx, roomID, userID, delta) })
}

func (m *Memory) DeleteAccount(ctx context.Context, roomID ledger.RoomID, userID ledger.UserID) error {
	return m.write(func(v *memView) error { return v.DeleteAccount(ctx, roomID, userID) })
}

func (m *Memory) GetUser(ctx context.Context, id ledger.UserID) (user *ledger.UserProfile, err error) {
	err = m.read(func(v *memView) error { user, err = v.GetUser(ctx, id); return err })
	return user, err
}

func (m *Memory) SaveUser(ctx context.Context, user ledger.UserProfile) error {
	return m.write(func(v *memView) error { return v.SaveUser(ctx, user) })
}

func (m *Memory) AddUserRoom(ctx context.Context, userID ledger.UserID, roomID ledger.RoomID) error {
	return m.write(func(v *memView) error { return v.AddUserRoom(ctx, userID, roomID) })
}

func (m *Memory) RemoveUserRoom(ctx context.Context, userID ledger.UserID, roomID ledger.RoomID) error {
	return m.write(func(v *memView) error { return v.RemoveUserRoom(ctx, userID, roomID) })
}

func (m *Memory) GetJoinedRoom(ctx context.Context, userID ledger.UserID, roomID ledger.RoomID) (jr *ledger.JoinedRoom, err error) {
	err = m.read(func(v *memView) error { jr, err = v.GetJoinedRoom(ctx, userID, roomID); return err })
	return jr, err
}

func (m *Memory) PutJoinedRoom(ctx context.Context, userID ledger.UserID, jr ledger.JoinedRoom) error {
	return m.write(func(v *memView) error { return v.PutJoinedRoom(ctx, userID, jr) })
}

func (m *Memory) DeleteJoinedRoom(ctx context.Context, userID ledger.UserID, roomID ledger.RoomID) error {
	return m.write(func(v *memView) error { return v.DeleteJoinedRoom(ctx, userID, roomID) })
}

func (m *Memory) ListJoinedRooms(ctx context.Context, userID ledger.UserID) (jrs []ledger.JoinedRoom, err error) {
	err = m.read(func(v *memView) error { jrs, err = v.ListJoinedRooms(ctx, userID); return err })
	return jrs, err
}

// =============================================================================
// VIEW - unlocked operations over one state
// =============================================================================

type memView struct {
	s *memState
}

func (v *memView) GetRoom(_ context.Context, id ledger.RoomID) (*ledger.Room, error) {
	r, ok := v.s.rooms[id]
	if !ok {
		return nil, nil
	}
	return copyRoom(r), nil
}

func (v *memView) FindRoomByCode(ctx context.Context, code string) (*ledger.Room, error) {
	id, ok := v.s.codes[code]
	if !ok {
		return nil, nil
	}
	return v.GetRoom(ctx, id)
}

func (v *memView) ListRooms(_ context.Context) ([]ledger.Room, error) {
	rooms := make([]ledger.Room, 0, len(v.s.rooms))
	for _, r := range v.s.rooms {
		rooms = append(rooms, *copyRoom(r))
	}
	sortRooms(rooms)
	return rooms, nil
}

func (v *memView) ListRoomsByCreator(_ context.Context, creatorID ledger.UserID) ([]ledger.Room, error) {
	var rooms []ledger.Room
	for _, r := range v.s.rooms {
		if r.CreatorID == creatorID {
			rooms = append(rooms, *copyRoom(r))
		}
	}
	sortRooms(rooms)
	return rooms, nil
}

func (v *memView) CreateRoom(_ context.Context, room ledger.Room) error {
	if _, exists := v.s.codes[room.Code]; exists {
		return ledger.ErrJoinCodeTaken
	}
	if _, exists := v.s.rooms[room.ID]; exists {
		return fmt.Errorf("room %s already exists", room.ID)
	}
	v.s.rooms[room.ID] = copyRoom(&room)
	v.s.codes[room.Code] = room.ID
	return nil
}

func (v *memView) UpdateRoom(_ context.Context, room ledger.Room) error {
	r, ok := v.s.rooms[room.ID]
	if !ok {
		return fmt.Errorf("update room %s: %w", room.ID, ledger.ErrRoomNotFound)
	}
	r.Name = room.Name
	r.Description = room.Description
	r.Archived = room.Archived
	r.UpdatedAt = room.UpdatedAt
	return nil
}

func (v *memView) DeleteRoom(_ context.Context, id ledger.RoomID) error {
	r, ok := v.s.rooms[id]
	if !ok {
		return nil
	}
	delete(v.s.codes, r.Code)
	delete(v.s.rooms, id)
	if len(v.s.entries[id]) == 0 {
		delete(v.s.entries, id)
	}
	if len(v.s.accounts[id]) == 0 {
		delete(v.s.accounts, id)
	}
	return nil
}

func (v *memView) AddMember(_ context.Context, roomID ledger.RoomID, userID ledger.UserID) error {
	r, ok := v.s.rooms[roomID]
	if !ok {
		return fmt.Errorf("add member to %s: %w", roomID, ledger.ErrRoomNotFound)
	}
	if !r.HasMember(userID) {
		r.Members = append(r.Members, userID)
	}
	return nil
}

func (v *memView) RemoveMember(_ context.Context, roomID ledger.RoomID, userID ledger.UserID) error {
	r, ok := v.s.rooms[roomID]
	if !ok {
		return fmt.Errorf("remove member from %s: %w", roomID, ledger.ErrRoomNotFound)
	}
	members := r.Members[:0]
	for _, m := range r.Members {
		if m != userID {
			members = append(members, m)
		}
	}
	r.Members = members
	return nil
}

func (v *memView) IncrementRoomTotals(_ context.Context, roomID ledger.RoomID, delta ledger.RoomTotals) error {
	r, ok := v.s.rooms[roomID]
	if !ok {
		return fmt.Errorf("increment totals of %s: %w", roomID, ledger.ErrRoomNotFound)
	}
	r.TotalCollected = r.TotalCollected.Add(delta.Collected)
	r.TotalExpenses = r.TotalExpenses.Add(delta.Expenses)
	return nil
}

func (v *memView) AppendEntry(_ context.Context, entry ledger.Entry) error {
	for _, e := range v.s.entries[entry.RoomID] {
		if e.ID == entry.ID {
			return fmt.Errorf("entry %s already exists", entry.ID)
		}
	}
	v.s.entries[entry.RoomID] = append(v.s.entries[entry.RoomID], copyEntry(&entry))
	return nil
}

func (v *memView) findEntry(roomID ledger.RoomID, id ledger.EntryID) *ledger.Entry {
	for _, e := range v.s.entries[roomID] {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (v *memView) GetEntry(_ context.Context, roomID ledger.RoomID, id ledger.EntryID) (*ledger.Entry, error) {
	e := v.findEntry(roomID, id)
	if e == nil {
		return nil, nil
	}
	return copyEntry(e), nil
}

func (v *memView) ListEntries(_ context.Context, roomID ledger.RoomID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, e := range v.s.entries[roomID] {
		if filter.Matches(*e) {
			result = append(result, *copyEntry(e))
		}
	}
	return result, nil
}

func (v *memView) AddSeenBy(_ context.Context, roomID ledger.RoomID, id ledger.EntryID, userID ledger.UserID) error {
	e := v.findEntry(roomID, id)
	if e == nil {
		return ledger.ErrEntryNotFound
	}
	if !e.SeenByUser(userID) {
		e.SeenBy = append(e.SeenBy, userID)
	}
	return nil
}

func (v *memView) DeleteEntry(_ context.Context, roomID ledger.RoomID, id ledger.EntryID) error {
	entries := v.s.entries[roomID]
	for i, e := range entries {
		if e.ID == id {
			v.s.entries[roomID] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (v *memView) GetAccount(_ context.Context, roomID ledger.RoomID, userID ledger.UserID) (*ledger.StudentAccount, error) {
	acc, ok := v.s.accounts[roomID][userID]
	if !ok {
		return nil, nil
	}
	return copyAccount(acc), nil
}

func (v *memView) ListAccounts(_ context.Context, roomID ledger.RoomID) ([]ledger.StudentAccount, error) {
	accs := make([]ledger.StudentAccount, 0, len(v.s.accounts[roomID]))
	for _, acc := range v.s.accounts[roomID] {
		accs = append(accs, *copyAccount(acc))
	}
	sort.Slice(accs, func(i, j int) bool { return accs[i].UserID < accs[j].UserID })
	return accs, nil
}

func (v *memView) CreateAccount(_ context.Context, account ledger.StudentAccount) error {
	byUser, ok := v.s.accounts[account.RoomID]
	if !ok {
		byUser = make(map[ledger.UserID]*ledger.StudentAccount)
		v.s.accounts[account.RoomID] = byUser
	}
	byUser[account.UserID] = copyAccount(&account)
	return nil
}

func (v *memView) IncrementAccount(_ context.Context, roomID ledger.RoomID, userID ledger.UserID, delta ledger.AccountDelta) error {
	acc, ok := v.s.accounts[roomID][userID]
	if !ok {
		return fmt.Errorf("account %s/%s not found", roomID, userID)
	}
	acc.TotalPaid = acc.TotalPaid.Add(delta.Paid)
	acc.TotalOwed = acc.TotalOwed.Add(delta.Owed)
	acc.Balance = acc.Balance.Add(delta.Balance)
	if delta.LastPaymentAt != nil {
		t := *delta.LastPaymentAt
		acc.LastPaymentAt = &t
	}
	return nil
}

func (v *memView) DeleteAccount(_ context.Context, roomID ledger.RoomID, userID ledger.UserID) error {
	delete(v.s.accounts[roomID], userID)
	return nil
}

func (v *memView) GetUser(_ context.Context, id ledger.UserID) (*ledger.UserProfile, error) {
	u, ok := v.s.users[id]
	if !ok {
		return nil, nil
	}
	return copyUser(u), nil
}

func (v *memView) SaveUser(_ context.Context, user ledger.UserProfile) error {
	if existing, ok := v.s.users[user.ID]; ok {
		existing.Name = user.Name
		existing.Email = user.Email
		existing.Role = user.Role
		existing.PhotoURL = user.PhotoURL
		return nil
	}
	u := copyUser(&user)
	u.Rooms = nil
	v.s.users[user.ID] = u
	return nil
}

func (v *memView) AddUserRoom(_ context.Context, userID ledger.UserID, roomID ledger.RoomID) error {
	u, ok := v.s.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	for _, r := range u.Rooms {
		if r == roomID {
			return nil
		}
	}
	u.Rooms = append(u.Rooms, roomID)
	return nil
}

func (v *memView) RemoveUserRoom(_ context.Context, userID ledger.UserID, roomID ledger.RoomID) error {
	u, ok := v.s.users[userID]
	if !ok {
		return nil
	}
	rooms := u.Rooms[:0]
	for _, r := range u.Rooms {
		if r != roomID {
			rooms = append(rooms, r)
		}
	}
	u.Rooms = rooms
	return nil
}

func (v *memView) GetJoinedRoom(_ context.Context, userID ledger.UserID, roomID ledger.RoomID) (*ledger.JoinedRoom, error) {
	jr, ok := v.s.joined[userID][roomID]
	if !ok {
		return nil, nil
	}
	return &jr, nil
}

func (v *memView) PutJoinedRoom(_ context.Context, userID ledger.UserID, jr ledger.JoinedRoom) error {
	byRoom, ok := v.s.joined[userID]
	if !ok {
		byRoom = make(map[ledger.RoomID]ledger.JoinedRoom)
		v.s.joined[userID] = byRoom
	}
	byRoom[jr.RoomID] = jr
	return nil
}

func (v *memView) DeleteJoinedRoom(_ context.Context, userID ledger.UserID, roomID ledger.RoomID) error {
	delete(v.s.joined[userID], roomID)
	return nil
}

func (v *memView) ListJoinedRooms(_ context.Context, userID ledger.UserID) ([]ledger.JoinedRoom, error) {
	jrs := make([]ledger.JoinedRoom, 0, len(v.s.joined[userID]))
	for _, jr := range v.s.joined[userID] {
		jrs = append(jrs, jr)
	}
	sort.Slice(jrs, func(i, j int) bool {
		if jrs[i].JoinedAt.Equal(jrs[j].JoinedAt) {
			return jrs[i].RoomID < jrs[j].RoomID
		}
		return jrs[i].JoinedAt.Before(jrs[j].JoinedAt)
	})
	return jrs, nil
}

// =============================================================================
// COPYING
// =============================================================================

func (s *memState) clone() *memState {
	c := newMemState()
	for id, r := range s.rooms {
		c.rooms[id] = copyRoom(r)
	}
	for code, id := range s.codes {
		c.codes[code] = id
	}
	for id, entries := range s.entries {
		cp := make([]*ledger.Entry, len(entries))
		for i, e := range entries {
			cp[i] = copyEntry(e)
		}
		c.entries[id] = cp
	}
	for id, byUser := range s.accounts {
		cp := make(map[ledger.UserID]*ledger.StudentAccount, len(byUser))
		for uid, acc := range byUser {
			cp[uid] = copyAccount(acc)
		}
		c.accounts[id] = cp
	}
	for id, u := range s.users {
		c.users[id] = copyUser(u)
	}
	for uid, byRoom := range s.joined {
		cp := make(map[ledger.RoomID]ledger.JoinedRoom, len(byRoom))
		for rid, jr := range byRoom {
			cp[rid] = jr
		}
		c.joined[uid] = cp
	}
	return c
}

func copyRoom(r *ledger.Room) *ledger.Room {
	c := *r
	c.Members = append([]ledger.UserID(nil), r.Members...)
	return &c
}

func copyEntry(e *ledger.Entry) *ledger.Entry {
	c := *e
	c.SeenBy = append([]ledger.UserID(nil), e.SeenBy...)
	if e.DueDate != nil {
		t := *e.DueDate
		c.DueDate = &t
	}
	if e.Date != nil {
		t := *e.Date
		c.Date = &t
	}
	return &c
}

func copyAccount(a *ledger.StudentAccount) *ledger.StudentAccount {
	c := *a
	if a.LastPaymentAt != nil {
		t := *a.LastPaymentAt
		c.LastPaymentAt = &t
	}
	return &c
}

func copyUser(u *ledger.UserProfile) *ledger.UserProfile {
	c := *u
	c.Rooms = append([]ledger.RoomID(nil), u.Rooms...)
	return &c
}

func sortRooms(rooms []ledger.Room) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
}
