/*
ledger.go - Ledger construction and shared helpers

PURPOSE:
  Ledger is the entry point for every room operation. It owns the store,
  the clock, id generation and the limits that bound a single transaction.

OPERATIONS BY FILE:
  - rooms.go:      CreateRoom, UpdateRoom, DeleteRoom, ArchiveRoom, UnarchiveRoom
  - membership.go: JoinRoom, LeaveRoom
  - mutations.go:  AddExpense, AddDeadline, AddPayment, MarkTransactionAsSeen
  - queries.go:    read model (rooms, entries, accounts, statements)

CONCURRENCY:
  Each mutation runs in exactly one WithTx, except DeleteRoom (chunked) and
  MarkTransactionAsSeen (single document). Preconditions are re-read inside
  the transaction, so a caller may retry on ErrTransactionConflict. The
  ledger itself never retries.
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// DefaultChunkSize bounds the writes DeleteRoom commits per transaction.
	DefaultChunkSize = 400
	// DefaultMaxTxWrites bounds the writes a single transaction may carry.
	DefaultMaxTxWrites = 500
)

// Observer receives operation outcomes. metrics.LedgerObserver implements it.
type Observer interface {
	ObserveOperation(operation string, err error)
	ObserveAmount(kind EntryKind, amount decimal.Decimal)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, error)            {}
func (nopObserver) ObserveAmount(EntryKind, decimal.Decimal) {}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store       TxStore
	log         zerolog.Logger
	observer    Observer
	now         func() time.Time
	newCode     func() (string, error)
	chunkSize   int
	maxTxWrites int
}

type Option func(*Ledger)

func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log.With().Str("component", "ledger").Logger() }
}

func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithCodeGenerator overrides join code generation.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(l *Ledger) { l.newCode = gen }
}

func WithChunkSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.chunkSize = n
		}
	}
}

func WithMaxTxWrites(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxTxWrites = n
		}
	}
}

func New(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		log:         zerolog.Nop(),
		observer:    nopObserver{},
		now:         time.Now,
		newCode:     GenerateJoinCode,
		chunkSize:   DefaultChunkSize,
		maxTxWrites: DefaultMaxTxWrites,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store exposes the underlying store for read-only collaborators such as the auditor.
func (l *Ledger) Store() TxStore {
	return l.store
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) timestamp() time.Time {
	return l.now().UTC()
}

func newRoomID() RoomID {
	return RoomID(uuid.NewString())
}

func (l *Ledger) newEntryID(at time.Time) EntryID {
	return EntryID(ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String())
}

// done reports the outcome of operation and passes err through.
func (l *Ledger) done(operation string, err error) error {
	l.observer.ObserveOperation(operation, err)
	if err != nil {
		ev := l.log.Warn()
		if !IsClientError(err) && !IsNotFound(err) {
			ev = l.log.Error()
		}
		ev.Err(err).Str("operation", operation).Msg("ledger operation failed")
	}
	return err
}

func requireText(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Message: "must not be empty"}
	}
	return nil
}

func requirePositive(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: field, Message: "must be greater than zero"}
	}
	return nil
}
