/*
errors.go - Error taxonomy for the room ledger

ERROR CATEGORIES:
  1. Not found     - room, entry or deadline is missing
  2. Client errors - business rule violations (self join, owing money, ...)
  3. Store errors  - transaction conflicts and partial batch application

Every mutating operation returns one of these rather than silently doing
nothing. Callers match with errors.Is / errors.As.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrEntryNotFound    = errors.New("transaction not found")
	ErrDeadlineNotFound = errors.New("deadline not found")

	// ErrRoomCreation is matched by *RoomCreationError.
	ErrRoomCreation = errors.New("room creation failed")

	ErrAlreadyMember      = errors.New("already a member of this room")
	ErrNotMember          = errors.New("not a member of this room")
	ErrSelfJoin           = errors.New("cannot join your own room")
	ErrCreatorCannotLeave = errors.New("the chairperson cannot leave their own room")
	ErrArchivedRoom       = errors.New("room is archived")
	ErrOutstandingBalance = errors.New("outstanding balance")
	ErrInvalidInput       = errors.New("invalid input")

	// ErrTransactionConflict is returned when the store aborts a transaction
	// because of concurrent modification. The operation is safe to retry.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrJoinCodeTaken is returned by stores when a room is created with a
	// code that already exists.
	ErrJoinCodeTaken = errors.New("join code already in use")

	// ErrFanOutTooLarge is returned when a deadline would need more writes
	// than a single store transaction allows.
	ErrFanOutTooLarge = errors.New("too many members for a single transaction")

	// ErrPartiallyApplied is matched by *PartialApplyError.
	ErrPartiallyApplied = errors.New("operation partially applied")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// RoomCreationError wraps the store failure that aborted a room creation.
type RoomCreationError struct {
	Err error
}

func (e *RoomCreationError) Error() string {
	return fmt.Sprintf("room creation failed: %v", e.Err)
}

func (e *RoomCreationError) Unwrap() error { return e.Err }

func (e *RoomCreationError) Is(target error) bool { return target == ErrRoomCreation }

// OutstandingBalanceError carries the balance that blocked a leave.
type OutstandingBalanceError struct {
	RoomID  RoomID
	UserID  UserID
	Balance decimal.Decimal
}

func (e *OutstandingBalanceError) Error() string {
	return fmt.Sprintf("outstanding balance of %s in room %s", e.Balance.StringFixed(2), e.RoomID)
}

func (e *OutstandingBalanceError) Unwrap() error { return ErrOutstandingBalance }

// PartialApplyError reports a chunked write that stopped part way.
// Chunks before the failing one are committed and are not rolled back.
type PartialApplyError struct {
	Operation string
	Applied   int // writes committed
	Total     int
	Err       error
}

func (e *PartialApplyError) Error() string {
	return fmt.Sprintf("%s partially applied (%d of %d writes): %v", e.Operation, e.Applied, e.Total, e.Err)
}

func (e *PartialApplyError) Unwrap() error { return e.Err }

func (e *PartialApplyError) Is(target error) bool { return target == ErrPartiallyApplied }

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionConflict)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrDeadlineNotFound)
}

// IsClientError returns true if the error is due to a rule the caller broke.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAlreadyMember) ||
		errors.Is(err, ErrNotMember) ||
		errors.Is(err, ErrSelfJoin) ||
		errors.Is(err, ErrCreatorCannotLeave) ||
		errors.Is(err, ErrArchivedRoom) ||
		errors.Is(err, ErrOutstandingBalance) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrFanOutTooLarge)
}
