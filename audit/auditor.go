/*
Package audit verifies ledger invariants against stored data.

PURPOSE:
  Aggregates are maintained by increments, never recomputed. The auditor
  re-derives them from the entry log and reports any room where the two
  disagree. It never repairs anything.

CHECKS (per room):
  - total_collected == sum of credit entries
  - total_expenses  == sum of debit entries
  - every account:  balance == total_owed (owed net of payments)
  - every student member has an account, and every account belongs to a member

SEE ALSO:
  - scheduler.go: periodic execution
  - store/sqlite: persistence of runs (RunStore)
*/
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/warp/classfund/ledger"
)

// FindingKind names the invariant that failed.
type FindingKind string

const (
	FindingCollectedDrift FindingKind = "collected_drift"
	FindingExpensesDrift  FindingKind = "expenses_drift"
	FindingBalanceDrift   FindingKind = "balance_identity"
	FindingMissingAccount FindingKind = "missing_account"
	FindingOrphanAccount  FindingKind = "orphan_account"
)

type Finding struct {
	RoomID   ledger.RoomID   `json:"room_id"`
	UserID   ledger.UserID   `json:"user_id,omitempty"`
	Kind     FindingKind     `json:"kind"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
}

func (f Finding) String() string {
	if f.UserID != "" {
		return fmt.Sprintf("%s room=%s user=%s expected=%s actual=%s", f.Kind, f.RoomID, f.UserID, f.Expected, f.Actual)
	}
	return fmt.Sprintf("%s room=%s expected=%s actual=%s", f.Kind, f.RoomID, f.Expected, f.Actual)
}

// Run is the result of one audit pass.
type Run struct {
	ID           string
	RoomsChecked int
	Findings     []Finding
	Error        string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// DriftedRooms counts distinct rooms with at least one finding.
func (r Run) DriftedRooms() int {
	rooms := make(map[ledger.RoomID]bool)
	for _, f := range r.Findings {
		rooms[f.RoomID] = true
	}
	return len(rooms)
}

// RunStore persists audit runs.
type RunStore interface {
	SaveAuditRun(ctx context.Context, run Run) error
	ListAuditRuns(ctx context.Context, limit int) ([]Run, error)
}

// =============================================================================
// AUDITOR
// =============================================================================

type Auditor struct {
	store ledger.TxStore
	now   func() time.Time
}

func NewAuditor(store ledger.TxStore) *Auditor {
	return &Auditor{store: store, now: time.Now}
}

// Check audits every room. Rooms deleted after the listing are skipped.
func (a *Auditor) Check(ctx context.Context) (Run, error) {
	run := Run{
		ID:        ulid.Make().String(),
		StartedAt: a.now().UTC(),
	}
	rooms, err := a.store.ListRooms(ctx)
	if err != nil {
		run.Error = err.Error()
		return run, fmt.Errorf("list rooms: %w", err)
	}
	for _, room := range rooms {
		if err := ctx.Err(); err != nil {
			run.Error = err.Error()
			return run, err
		}
		findings, err := a.CheckRoom(ctx, room.ID)
		if errors.Is(err, ledger.ErrRoomNotFound) {
			continue
		}
		if err != nil {
			run.Error = err.Error()
			return run, fmt.Errorf("check room %s: %w", room.ID, err)
		}
		run.RoomsChecked++
		run.Findings = append(run.Findings, findings...)
	}
	done := a.now().UTC()
	run.CompletedAt = &done
	return run, nil
}

// CheckRoom audits one room. The room, its entries and its accounts are read
// in a single transaction so concurrent ledger writes cannot skew the totals.
func (a *Auditor) CheckRoom(ctx context.Context, roomID ledger.RoomID) ([]Finding, error) {
	var findings []Finding
	err := a.store.WithTx(ctx, func(tx ledger.Store) error {
		room, err := tx.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return ledger.ErrRoomNotFound
		}
		entries, err := tx.ListEntries(ctx, roomID, ledger.EntryFilter{})
		if err != nil {
			return err
		}
		accounts, err := tx.ListAccounts(ctx, roomID)
		if err != nil {
			return err
		}
		findings = checkRoom(*room, entries, accounts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}

func checkRoom(room ledger.Room, entries []ledger.Entry, accounts []ledger.StudentAccount) []Finding {
	var findings []Finding
	collected, expenses := decimal.Zero, decimal.Zero
	for _, e := range entries {
		switch e.Kind {
		case ledger.KindCredit:
			collected = collected.Add(e.Amount)
		case ledger.KindDebit:
			expenses = expenses.Add(e.Amount)
		}
	}
	if !collected.Equal(room.TotalCollected) {
		findings = append(findings, Finding{RoomID: room.ID, Kind: FindingCollectedDrift, Expected: collected, Actual: room.TotalCollected})
	}
	if !expenses.Equal(room.TotalExpenses) {
		findings = append(findings, Finding{RoomID: room.ID, Kind: FindingExpensesDrift, Expected: expenses, Actual: room.TotalExpenses})
	}

	hasAccount := make(map[ledger.UserID]bool, len(accounts))
	for _, acc := range accounts {
		hasAccount[acc.UserID] = true
		// TotalOwed is net of payments, so the balance must match it.
		if !acc.TotalOwed.Equal(acc.Balance) {
			findings = append(findings, Finding{RoomID: room.ID, UserID: acc.UserID, Kind: FindingBalanceDrift, Expected: acc.TotalOwed, Actual: acc.Balance})
		}
		if !room.HasMember(acc.UserID) {
			findings = append(findings, Finding{RoomID: room.ID, UserID: acc.UserID, Kind: FindingOrphanAccount})
		}
	}
	for _, student := range room.Students() {
		if !hasAccount[student] {
			findings = append(findings, Finding{RoomID: room.ID, UserID: student, Kind: FindingMissingAccount})
		}
	}
	return findings
}
