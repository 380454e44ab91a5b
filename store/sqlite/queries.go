package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/classfund/ledger"
)

// queries implements ledger.Store over a *sql.DB or a *sql.Tx.
//
// Rows are always drained and closed before the next statement, since the
// pool holds a single connection.
type queries struct {
	q querier
}

// =============================================================================
// ROOMS
// =============================================================================

const roomColumns = `id, name, description, creator_id, creator_name, code,
	total_collected, total_expenses, archived, created_at, updated_at`

func (s *queries) GetRoom(ctx context.Context, id ledger.RoomID) (*ledger.Room, error) {
	return s.getRoomWhere(ctx, "id = ?", id)
}

func (s *queries) FindRoomByCode(ctx context.Context, code string) (*ledger.Room, error) {
	return s.getRoomWhere(ctx, "code = ?", code)
}

func (s *queries) getRoomWhere(ctx context.Context, where string, arg any) (*ledger.Room, error) {
	rooms, err := s.queryRooms(ctx, "SELECT "+roomColumns+" FROM rooms WHERE "+where, arg)
	if err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return nil, nil
	}
	return &rooms[0], nil
}

func (s *queries) ListRooms(ctx context.Context) ([]ledger.Room, error) {
	return s.queryRooms(ctx, "SELECT "+roomColumns+" FROM rooms ORDER BY created_at, id")
}

func (s *queries) ListRoomsByCreator(ctx context.Context, creatorID ledger.UserID) ([]ledger.Room, error) {
	return s.queryRooms(ctx, "SELECT "+roomColumns+" FROM rooms WHERE creator_id = ? ORDER BY created_at, id", creatorID)
}

func (s *queries) queryRooms(ctx context.Context, query string, args ...any) ([]ledger.Room, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	var rooms []ledger.Room
	for rows.Next() {
		var (
			r                    ledger.Room
			collected, expenses  string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatorID, &r.CreatorName, &r.Code,
			&collected, &expenses, &r.Archived, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		var p fieldParser
		r.TotalCollected = p.decimal("total_collected", collected)
		r.TotalExpenses = p.decimal("total_expenses", expenses)
		r.CreatedAt = p.time("created_at", createdAt)
		r.UpdatedAt = p.time("updated_at", updatedAt)
		if p.err != nil {
			rows.Close()
			return nil, fmt.Errorf("room %s: %w", r.ID, p.err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range rooms {
		members, err := s.loadMembers(ctx, rooms[i].ID)
		if err != nil {
			return nil, err
		}
		rooms[i].Members = members
	}
	return rooms, nil
}

func (s *queries) loadMembers(ctx context.Context, roomID ledger.RoomID) ([]ledger.UserID, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT user_id FROM room_members WHERE room_id = ? ORDER BY rowid", roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var members []ledger.UserID
	for rows.Next() {
		var id ledger.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func (s *queries) CreateRoom(ctx context.Context, room ledger.Room) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO rooms (`+roomColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.Name, room.Description, room.CreatorID, room.CreatorName, room.Code,
		room.TotalCollected.String(), room.TotalExpenses.String(), room.Archived,
		formatTime(room.CreatedAt), formatTime(room.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "rooms.code") {
			return ledger.ErrJoinCodeTaken
		}
		return fmt.Errorf("failed to insert room: %w", err)
	}
	for _, m := range room.Members {
		if err := s.AddMember(ctx, room.ID, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *queries) UpdateRoom(ctx context.Context, room ledger.Room) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE rooms SET name = ?, description = ?, archived = ?, updated_at = ? WHERE id = ?",
		room.Name, room.Description, room.Archived, formatTime(room.UpdatedAt), room.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update room: %w", err)
	}
	return requireAffected(res, fmt.Errorf("update room %s: %w", room.ID, ledger.ErrRoomNotFound))
}

func (s *queries) DeleteRoom(ctx context.Context, id ledger.RoomID) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM room_members WHERE room_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete members: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}

func (s *queries) AddMember(ctx context.Context, roomID ledger.RoomID, userID ledger.UserID) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO room_members (room_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

func (s *queries) RemoveMember(ctx context.Context, roomID ledger.RoomID, userID ledger.UserID) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM room_members WHERE room_id = ? AND user_id = ?", roomID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

func (s *queries) IncrementRoomTotals(ctx context.Context, roomID ledger.RoomID, delta ledger.RoomTotals) error {
	var collected, expenses string
	err := s.q.QueryRowContext(ctx,
		"SELECT total_collected, total_expenses FROM rooms WHERE id = ?", roomID,
	).Scan(&collected, &expenses)
	if err == sql.ErrNoRows {
		return fmt.Errorf("increment totals of %s: %w", roomID, ledger.ErrRoomNotFound)
	}
	if err != nil {
		return err
	}
	var p fieldParser
	newCollected := p.decimal("total_collected", collected).Add(delta.Collected)
	newExpenses := p.decimal("total_expenses", expenses).Add(delta.Expenses)
	if p.err != nil {
		return fmt.Errorf("increment totals of %s: %w", roomID, p.err)
	}
	_, err = s.q.ExecContext(ctx,
		"UPDATE rooms SET total_collected = ?, total_expenses = ? WHERE id = ?",
		newCollected.String(), newExpenses.String(), roomID,
	)
	return err
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, room_id, user_id, user_name, amount, kind, description,
	recipient, deadline_id, student_id, due_date, date, created_at, updated_at`

func (s *queries) AppendEntry(ctx context.Context, e ledger.Entry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RoomID, e.UserID, e.UserName, e.Amount.String(), e.Kind, e.Description,
		nullString(e.Recipient), nullString(string(e.DeadlineID)), nullString(string(e.StudentID)),
		nullTime(e.DueDate), nullTime(e.Date),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	for _, u := range e.SeenBy {
		if err := s.AddSeenBy(ctx, e.RoomID, e.ID, u); err != nil {
			return err
		}
	}
	return nil
}

func (s *queries) GetEntry(ctx context.Context, roomID ledger.RoomID, id ledger.EntryID) (*ledger.Entry, error) {
	entries, err := s.queryEntries(ctx, roomID,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE room_id = ? AND id = ?", roomID, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// ListEntries filters kind and student in SQL and the time window in Go,
// since timestamps are not stored in a sortable fixed width.
func (s *queries) ListEntries(ctx context.Context, roomID ledger.RoomID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	query := "SELECT " + entryColumns + " FROM ledger_entries WHERE room_id = ?"
	args := []any{roomID}
	if len(filter.Kinds) > 0 {
		query += " AND kind IN (" + placeholders(len(filter.Kinds)) + ")"
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}
	if filter.StudentID != "" {
		query += " AND student_id = ?"
		args = append(args, filter.StudentID)
	}
	query += " ORDER BY seq"

	entries, err := s.queryEntries(ctx, roomID, query, args...)
	if err != nil {
		return nil, err
	}
	if filter.From == nil && filter.To == nil {
		return entries, nil
	}
	var result []ledger.Entry
	for _, e := range entries {
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *queries) queryEntries(ctx context.Context, roomID ledger.RoomID, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(entries) == 0 {
		return entries, nil
	}
	seen, err := s.loadSeen(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].SeenBy = seen[entries[i].ID]
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e                                ledger.Entry
		amount                           string
		recipient, deadlineID, studentID sql.NullString
		dueDate, date                    sql.NullString
		createdAt, updatedAt             string
	)
	err := rows.Scan(&e.ID, &e.RoomID, &e.UserID, &e.UserName, &amount, &e.Kind, &e.Description,
		&recipient, &deadlineID, &studentID, &dueDate, &date, &createdAt, &updatedAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	var p fieldParser
	e.Amount = p.decimal("amount", amount)
	e.Recipient = recipient.String
	e.DeadlineID = ledger.EntryID(deadlineID.String)
	e.StudentID = ledger.UserID(studentID.String)
	e.DueDate = p.nullTime("due_date", dueDate)
	e.Date = p.nullTime("date", date)
	e.CreatedAt = p.time("created_at", createdAt)
	e.UpdatedAt = p.time("updated_at", updatedAt)
	if p.err != nil {
		return e, fmt.Errorf("entry %s: %w", e.ID, p.err)
	}
	return e, nil
}

func (s *queries) loadSeen(ctx context.Context, roomID ledger.RoomID) (map[ledger.EntryID][]ledger.UserID, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT entry_id, user_id FROM entry_seen WHERE room_id = ? ORDER BY rowid", roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query seen: %w", err)
	}
	defer rows.Close()

	seen := make(map[ledger.EntryID][]ledger.UserID)
	for rows.Next() {
		var entryID ledger.EntryID
		var userID ledger.UserID
		if err := rows.Scan(&entryID, &userID); err != nil {
			return nil, err
		}
		seen[entryID] = append(seen[entryID], userID)
	}
	return seen, rows.Err()
}

func (s *queries) AddSeenBy(ctx context.Context, roomID ledger.RoomID, id ledger.EntryID, userID ledger.UserID) error {
	var n int
	if err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE room_id = ? AND id = ?", roomID, id,
	).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrEntryNotFound
	}
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO entry_seen (room_id, entry_id, user_id) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
		roomID, id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark seen: %w", err)
	}
	return nil
}

func (s *queries) DeleteEntry(ctx context.Context, roomID ledger.RoomID, id ledger.EntryID) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM entry_seen WHERE entry_id = ?", id); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, "DELETE FROM ledger_entries WHERE room_id = ? AND id = ?", roomID, id)
	return err
}

// =============================================================================
// STUDENT ACCOUNTS
// =============================================================================

const accountColumns = `room_id, user_id, total_paid, total_owed, balance, last_payment_at, created_at`

func (s *queries) GetAccount(ctx context.Context, roomID ledger.RoomID, userID ledger.UserID) (*ledger.StudentAccount, error) {
	accs, err := s.queryAccounts(ctx,
		"SELECT "+accountColumns+" FROM student_accounts WHERE room_id = ? AND user_id = ?", roomID, userID)
	if err != nil {
		return nil, err
	}
	if len(accs) == 0 {
		return nil, nil
	}
	return &accs[0], nil
}

func (s *queries) ListAccounts(ctx context.Context, roomID ledger.RoomID) ([]ledger.StudentAccount, error) {
	return s.queryAccounts(ctx,
		"SELECT "+accountColumns+" FROM student_accounts WHERE room_id = ? ORDER BY user_id", roomID)
}

func (s *queries) queryAccounts(ctx context.Context, query string, args ...any) ([]ledger.StudentAccount, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accs []ledger.StudentAccount
	for rows.Next() {
		var (
			a                   ledger.StudentAccount
			paid, owed, balance string
			lastPaymentAt       sql.NullString
			createdAt           string
		)
		if err := rows.Scan(&a.RoomID, &a.UserID, &paid, &owed, &balance, &lastPaymentAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		var p fieldParser
		a.TotalPaid = p.decimal("total_paid", paid)
		a.TotalOwed = p.decimal("total_owed", owed)
		a.Balance = p.decimal("balance", balance)
		a.LastPaymentAt = p.nullTime("last_payment_at", lastPaymentAt)
		a.CreatedAt = p.time("created_at", createdAt)
		if p.err != nil {
			return nil, fmt.Errorf("account %s/%s: %w", a.RoomID, a.UserID, p.err)
		}
		accs = append(accs, a)
	}
	return accs, rows.Err()
}

func (s *queries) CreateAccount(ctx context.Context, a ledger.StudentAccount) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO student_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET
			total_paid = excluded.total_paid,
			total_owed = excluded.total_owed,
			balance = excluded.balance,
			last_payment_at = excluded.last_payment_at`,
		a.RoomID, a.UserID, a.TotalPaid.String(), a.TotalOwed.String(), a.Balance.String(),
		nullTime(a.LastPaymentAt), formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *queries) IncrementAccount(ctx context.Context, roomID ledger.RoomID, userID ledger.UserID, delta ledger.AccountDelta) error {
	acc, err := s.GetAccount(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if acc == nil {
		return fmt.Errorf("account %s/%s not found", roomID, userID)
	}
	lastPayment := acc.LastPaymentAt
	if delta.LastPaymentAt != nil {
		lastPayment = delta.LastPaymentAt
	}
	_, err = s.q.ExecContext(ctx, `
		UPDATE student_accounts
		SET total_paid = ?, total_owed = ?, balance = ?, last_payment_at = ?
		WHERE room_id = ? AND user_id = ?`,
		acc.TotalPaid.Add(delta.Paid).String(),
		acc.TotalOwed.Add(delta.Owed).String(),
		acc.Balance.Add(delta.Balance).String(),
		nullTime(lastPayment),
		roomID, userID,
	)
	return err
}

func (s *queries) DeleteAccount(ctx context.Context, roomID ledger.RoomID, userID ledger.UserID) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM student_accounts WHERE room_id = ? AND user_id = ?", roomID, userID)
	return err
}

// =============================================================================
// USERS
// =============================================================================

func (s *queries) GetUser(ctx context.Context, id ledger.UserID) (*ledger.UserProfile, error) {
	var (
		u         ledger.UserProfile
		createdAt string
	)
	err := s.q.QueryRowContext(ctx,
		"SELECT id, name, email, role, photo_url, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.PhotoURL, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p fieldParser
	if u.CreatedAt = p.time("created_at", createdAt); p.err != nil {
		return nil, fmt.Errorf("user %s: %w", u.ID, p.err)
	}

	rows, err := s.q.QueryContext(ctx, "SELECT room_id FROM user_rooms WHERE user_id = ? ORDER BY rowid", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var roomID ledger.RoomID
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		u.Rooms = append(u.Rooms, roomID)
	}
	return &u, rows.Err()
}

func (s *queries) SaveUser(ctx context.Context, u ledger.UserProfile) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, photo_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			photo_url = excluded.photo_url`,
		u.ID, u.Name, u.Email, u.Role, u.PhotoURL, formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *queries) AddUserRoom(ctx context.Context, userID ledger.UserID, roomID ledger.RoomID) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO user_rooms (user_id, room_id) VALUES (?, ?) ON CONFLICT DO NOTHING", userID, roomID)
	return err
}

func (s *queries) RemoveUserRoom(ctx context.Context, userID ledger.UserID, roomID ledger.RoomID) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM user_rooms WHERE user_id = ? AND room_id = ?", userID, roomID)
	return err
}

// =============================================================================
// JOINED ROOMS
// =============================================================================

const joinedColumns = `room_id, room_name, description, chairperson_id, chairperson_name, code, joined_at`

func (s *queries) GetJoinedRoom(ctx context.Context, userID ledger.UserID, roomID ledger.RoomID) (*ledger.JoinedRoom, error) {
	jrs, err := s.queryJoined(ctx,
		"SELECT "+joinedColumns+" FROM joined_rooms WHERE user_id = ? AND room_id = ?", userID, roomID)
	if err != nil {
		return nil, err
	}
	if len(jrs) == 0 {
		return nil, nil
	}
	return &jrs[0], nil
}

func (s *queries) ListJoinedRooms(ctx context.Context, userID ledger.UserID) ([]ledger.JoinedRoom, error) {
	jrs, err := s.queryJoined(ctx,
		"SELECT "+joinedColumns+" FROM joined_rooms WHERE user_id = ? ORDER BY rowid", userID)
	if err != nil {
		return nil, err
	}
	if jrs == nil {
		jrs = []ledger.JoinedRoom{}
	}
	return jrs, nil
}

func (s *queries) queryJoined(ctx context.Context, query string, args ...any) ([]ledger.JoinedRoom, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query joined rooms: %w", err)
	}
	defer rows.Close()

	var jrs []ledger.JoinedRoom
	for rows.Next() {
		var jr ledger.JoinedRoom
		var joinedAt string
		if err := rows.Scan(&jr.RoomID, &jr.RoomName, &jr.Description, &jr.ChairpersonID,
			&jr.ChairpersonName, &jr.Code, &joinedAt); err != nil {
			return nil, err
		}
		var p fieldParser
		if jr.JoinedAt = p.time("joined_at", joinedAt); p.err != nil {
			return nil, fmt.Errorf("joined room %s: %w", jr.RoomID, p.err)
		}
		jrs = append(jrs, jr)
	}
	return jrs, rows.Err()
}

func (s *queries) PutJoinedRoom(ctx context.Context, userID ledger.UserID, jr ledger.JoinedRoom) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO joined_rooms (user_id, `+joinedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, room_id) DO UPDATE SET
			room_name = excluded.room_name,
			description = excluded.description,
			chairperson_id = excluded.chairperson_id,
			chairperson_name = excluded.chairperson_name,
			code = excluded.code,
			joined_at = excluded.joined_at`,
		userID, jr.RoomID, jr.RoomName, jr.Description, jr.ChairpersonID, jr.ChairpersonName,
		jr.Code, formatTime(jr.JoinedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put joined room: %w", err)
	}
	return nil
}

func (s *queries) DeleteJoinedRoom(ctx context.Context, userID ledger.UserID, roomID ledger.RoomID) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM joined_rooms WHERE user_id = ? AND room_id = ?", userID, roomID)
	return err
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
