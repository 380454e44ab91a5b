/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists rooms, ledger entries, student accounts, user profiles and the
  joined-room index. Also keeps the history of audit runs.

KEY TABLES:
  rooms:            Room documents with running totals (decimal as TEXT)
  room_members:     Member set, ordered by insertion
  ledger_entries:   Append-only entries, ordered by seq
  entry_seen:       seenBy set per entry
  student_accounts: Per-room, per-student totals
  users:            Profiles
  user_rooms:       Room id set per user
  joined_rooms:     Denormalized per-user room cache
  audit_runs:       Results of periodic invariant checks

TRANSACTIONS:
  The pool is limited to one connection, so ":memory:" databases are shared
  and WithTx is serializable. A non-transactional call made from inside a
  WithTx callback would wait on that connection forever; callbacks must use
  the Store they are handed.

CONFLICTS:
  SQLITE_BUSY and SQLITE_LOCKED are reported as ledger.ErrTransactionConflict.

USAGE:
  store, err := sqlite.New("./data/classfund.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definition
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/classfund/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		creator_id TEXT NOT NULL,
		creator_name TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL,
		total_collected TEXT NOT NULL DEFAULT '0',
		total_expenses TEXT NOT NULL DEFAULT '0',
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_code ON rooms(code);
	CREATE INDEX IF NOT EXISTS idx_rooms_creator ON rooms(creator_id);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);

	-- Ledger entries (append-only; rows are only deleted with their room)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		recipient TEXT,
		deadline_id TEXT,
		student_id TEXT,
		due_date TEXT,
		date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_room_kind ON ledger_entries(room_id, kind);
	CREATE INDEX IF NOT EXISTS idx_entries_room_student ON ledger_entries(room_id, student_id)
		WHERE student_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS entry_seen (
		room_id TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (entry_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_entry_seen_room ON entry_seen(room_id);

	CREATE TABLE IF NOT EXISTS student_accounts (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		total_paid TEXT NOT NULL,
		total_owed TEXT NOT NULL,
		balance TEXT NOT NULL,
		last_payment_at TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		photo_url TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_rooms (
		user_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		PRIMARY KEY (user_id, room_id)
	);

	CREATE TABLE IF NOT EXISTS joined_rooms (
		user_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		room_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		chairperson_id TEXT NOT NULL,
		chairperson_name TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL,
		joined_at TEXT NOT NULL,
		PRIMARY KEY (user_id, room_id)
	);

	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		rooms_checked INTEGER NOT NULL DEFAULT 0,
		drifted_rooms INTEGER NOT NULL DEFAULT 0,
		findings_json TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_runs_started ON audit_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return mapError(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// IncrementRoomTotals runs in its own transaction when called outside WithTx.
func (s *Store) IncrementRoomTotals(ctx context.Context, roomID ledger.RoomID, delta ledger.RoomTotals) error {
	return s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.IncrementRoomTotals(ctx, roomID, delta)
	})
}

// IncrementAccount runs in its own transaction when called outside WithTx.
func (s *Store) IncrementAccount(ctx context.Context, roomID ledger.RoomID, userID ledger.UserID, delta ledger.AccountDelta) error {
	return s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.IncrementAccount(ctx, roomID, userID, delta)
	})
}

// AddSeenBy checks the entry and inserts the seen row in one transaction.
func (s *Store) AddSeenBy(ctx context.Context, roomID ledger.RoomID, id ledger.EntryID, userID ledger.UserID) error {
	return s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.AddSeenBy(ctx, roomID, id, userID)
	})
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"rooms", "room_members", "ledger_entries", "entry_seen", "student_accounts",
		"users", "user_rooms", "joined_rooms", "audit_runs",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// mapError translates SQLite contention into ledger.ErrTransactionConflict.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %v", ledger.ErrTransactionConflict, err)
		}
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// ErrCorruptValue reports a stored column that no longer parses.
var ErrCorruptValue = errors.New("corrupt stored value")

// fieldParser decodes text columns and keeps the first failure, so scan
// helpers can parse every field and check once.
type fieldParser struct {
	err error
}

func (p *fieldParser) fail(column, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s=%q: %v", ErrCorruptValue, column, value, err)
	}
}

func (p *fieldParser) time(column, s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		p.fail(column, s, err)
	}
	return t
}

func (p *fieldParser) nullTime(column string, s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := p.time(column, s.String)
	return &t
}

func (p *fieldParser) decimal(column, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.fail(column, s, err)
		return decimal.Zero
	}
	return d
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
