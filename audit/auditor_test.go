package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/classfund/audit"
	"github.com/warp/classfund/ledger"
	"github.com/warp/classfund/ledger/store"
	"github.com/warp/classfund/metrics"
)

var (
	chair = ledger.Actor{ID: "chair", Name: "Ms. Reyes"}
	alice = ledger.Actor{ID: "alice", Name: "Alice"}
	bob   = ledger.Actor{ID: "bob", Name: "Bob"}
)

// fundedRoom builds a consistent room: two students, a deadline, one payment
// and one expense.
func fundedRoom(t *testing.T) (*store.Memory, *ledger.Room) {
	t.Helper()
	mem := store.NewMemory()
	l := ledger.New(mem)
	ctx := context.Background()

	room, err := l.CreateRoom(ctx, chair, ledger.RoomInput{Name: "Grade 10"})
	require.NoError(t, err)
	_, err = l.JoinRoom(ctx, alice, room.Code)
	require.NoError(t, err)
	_, err = l.JoinRoom(ctx, bob, room.Code)
	require.NoError(t, err)
	dl, err := l.AddDeadline(ctx, room.ID, chair, ledger.DeadlineInput{Description: "Trip", Amount: decimal.NewFromInt(300)})
	require.NoError(t, err)
	_, err = l.AddPayment(ctx, room.ID, chair, ledger.PaymentInput{StudentID: alice.ID, DeadlineID: dl.ID, Amount: decimal.NewFromInt(200)})
	require.NoError(t, err)
	_, err = l.AddExpense(ctx, room.ID, chair, ledger.ExpenseInput{Description: "Bus", Amount: decimal.NewFromInt(75)})
	require.NoError(t, err)
	return mem, room
}

func kinds(findings []audit.Finding) []audit.FindingKind {
	out := make([]audit.FindingKind, len(findings))
	for i, f := range findings {
		out[i] = f.Kind
	}
	return out
}

func TestAuditor_ConsistentLedger(t *testing.T) {
	mem, _ := fundedRoom(t)

	run, err := audit.NewAuditor(mem).Check(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, run.RoomsChecked)
	assert.Empty(t, run.Findings)
	assert.NotEmpty(t, run.ID)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, 0, run.DriftedRooms())
}

func TestAuditor_DetectsDrift(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, mem *store.Memory, room *ledger.Room)
		want    []audit.FindingKind
		user    ledger.UserID
	}{
		{
			name: "collected total",
			corrupt: func(t *testing.T, mem *store.Memory, room *ledger.Room) {
				require.NoError(t, mem.IncrementRoomTotals(context.Background(), room.ID, ledger.RoomTotals{Collected: decimal.NewFromInt(1)}))
			},
			want: []audit.FindingKind{audit.FindingCollectedDrift},
		},
		{
			name: "expenses total",
			corrupt: func(t *testing.T, mem *store.Memory, room *ledger.Room) {
				require.NoError(t, mem.IncrementRoomTotals(context.Background(), room.ID, ledger.RoomTotals{Expenses: decimal.NewFromInt(-5)}))
			},
			want: []audit.FindingKind{audit.FindingExpensesDrift},
		},
		{
			name: "balance identity",
			corrupt: func(t *testing.T, mem *store.Memory, room *ledger.Room) {
				require.NoError(t, mem.IncrementAccount(context.Background(), room.ID, bob.ID, ledger.AccountDelta{Balance: decimal.NewFromInt(10)}))
			},
			want: []audit.FindingKind{audit.FindingBalanceDrift},
			user: bob.ID,
		},
		{
			name: "missing account",
			corrupt: func(t *testing.T, mem *store.Memory, room *ledger.Room) {
				require.NoError(t, mem.DeleteAccount(context.Background(), room.ID, bob.ID))
			},
			want: []audit.FindingKind{audit.FindingMissingAccount},
			user: bob.ID,
		},
		{
			name: "orphan account",
			corrupt: func(t *testing.T, mem *store.Memory, room *ledger.Room) {
				require.NoError(t, mem.CreateAccount(context.Background(), ledger.StudentAccount{
					RoomID: room.ID, UserID: "ghost",
					TotalPaid: decimal.Zero, TotalOwed: decimal.Zero, Balance: decimal.Zero,
				}))
			},
			want: []audit.FindingKind{audit.FindingOrphanAccount},
			user: "ghost",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A consistent room corrupted behind the ledger's back
			mem, room := fundedRoom(t)
			tt.corrupt(t, mem, room)

			// WHEN: The room is audited
			run, err := audit.NewAuditor(mem).Check(context.Background())

			// THEN: Exactly the broken invariant is reported
			require.NoError(t, err)
			assert.Equal(t, tt.want, kinds(run.Findings))
			assert.Equal(t, room.ID, run.Findings[0].RoomID)
			assert.Equal(t, tt.user, run.Findings[0].UserID)
			assert.Equal(t, 1, run.DriftedRooms())
		})
	}
}

func TestAuditor_CollectedDriftCarriesAmounts(t *testing.T) {
	mem, room := fundedRoom(t)
	require.NoError(t, mem.IncrementRoomTotals(context.Background(), room.ID, ledger.RoomTotals{Collected: decimal.NewFromInt(3)}))

	findings, err := audit.NewAuditor(mem).CheckRoom(context.Background(), room.ID)

	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.True(t, decimal.NewFromInt(200).Equal(findings[0].Expected))
	assert.True(t, decimal.NewFromInt(203).Equal(findings[0].Actual))
	assert.Contains(t, findings[0].String(), "collected_drift")
}

func TestAuditor_CancelledContext(t *testing.T) {
	mem, _ := fundedRoom(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := audit.NewAuditor(mem).Check(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, run.Error)
	assert.Nil(t, run.CompletedAt)
}

func TestAuditor_UnknownRoom(t *testing.T) {
	_, err := audit.NewAuditor(store.NewMemory()).CheckRoom(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrRoomNotFound)
}

// payingStore records a payment right after the room listing, while the
// auditor still holds the listed snapshot.
type payingStore struct {
	*store.Memory
	pay func()
}

func (p *payingStore) ListRooms(ctx context.Context) ([]ledger.Room, error) {
	rooms, err := p.Memory.ListRooms(ctx)
	if err == nil && p.pay != nil {
		p.pay()
		p.pay = nil
	}
	return rooms, err
}

func TestAuditor_WriteAfterListingIsNotDrift(t *testing.T) {
	// GIVEN: A consistent room and a payment that lands between listing and checking
	mem, room := fundedRoom(t)
	l := ledger.New(mem)
	ctx := context.Background()
	dl, err := l.AddDeadline(ctx, room.ID, chair, ledger.DeadlineInput{Description: "Dues", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	racing := &payingStore{Memory: mem, pay: func() {
		_, err := l.AddPayment(ctx, room.ID, chair, ledger.PaymentInput{StudentID: bob.ID, DeadlineID: dl.ID, Amount: decimal.NewFromInt(100)})
		require.NoError(t, err)
	}}

	// WHEN: The audit runs
	run, err := audit.NewAuditor(racing).Check(ctx)

	// THEN: The payment is seen consistently and nothing is reported
	require.NoError(t, err)
	assert.Nil(t, racing.pay)
	assert.Equal(t, 1, run.RoomsChecked)
	assert.Empty(t, run.Findings)

	// AND: The room total includes the payment
	got, err := mem.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(300).Equal(got.TotalCollected))
}

func TestAuditor_SkipsRoomDeletedAfterListing(t *testing.T) {
	mem, room := fundedRoom(t)
	l := ledger.New(mem)
	ctx := context.Background()
	racing := &payingStore{Memory: mem, pay: func() {
		require.NoError(t, l.DeleteRoom(ctx, room.ID))
	}}

	run, err := audit.NewAuditor(racing).Check(ctx)

	require.NoError(t, err)
	assert.Equal(t, 0, run.RoomsChecked)
	assert.Empty(t, run.Findings)
}

// =============================================================================
// SCHEDULER
// =============================================================================

type fakeRuns struct {
	mu   sync.Mutex
	runs []audit.Run
	err  error
}

func (f *fakeRuns) SaveAuditRun(_ context.Context, run audit.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return f.err
}

func (f *fakeRuns) ListAuditRuns(_ context.Context, limit int) ([]audit.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Run(nil), f.runs...), nil
}

func (f *fakeRuns) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func TestScheduler_RunOnceRecordsRun(t *testing.T) {
	// GIVEN: A drifted room
	mem, room := fundedRoom(t)
	require.NoError(t, mem.IncrementRoomTotals(context.Background(), room.ID, ledger.RoomTotals{Expenses: decimal.NewFromInt(1)}))
	runs := &fakeRuns{}
	s := audit.NewScheduler(audit.NewAuditor(mem), runs, zerolog.Nop())

	// WHEN: One audit runs
	run := s.RunOnce(context.Background())

	// THEN: The run is saved and the gauge reports one drifted room
	require.Equal(t, 1, runs.count())
	assert.Equal(t, run.ID, runs.runs[0].ID)
	assert.Len(t, run.Findings, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditDriftRooms))
}

func TestScheduler_SaveFailureDoesNotPanic(t *testing.T) {
	mem, _ := fundedRoom(t)
	runs := &fakeRuns{err: errors.New("disk full")}
	s := audit.NewScheduler(audit.NewAuditor(mem), runs, zerolog.Nop())

	run := s.RunOnce(context.Background())

	assert.Empty(t, run.Findings)
	assert.Equal(t, 1, runs.count())
}

func TestScheduler_StartRunsImmediately(t *testing.T) {
	mem, _ := fundedRoom(t)
	runs := &fakeRuns{}
	s := audit.NewScheduler(audit.NewAuditor(mem), runs, zerolog.Nop())
	s.CheckInterval = time.Hour

	s.Start()
	assert.Eventually(t, func() bool { return runs.count() == 1 }, time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestScheduler_Disabled(t *testing.T) {
	mem, _ := fundedRoom(t)
	runs := &fakeRuns{}
	s := audit.NewScheduler(audit.NewAuditor(mem), runs, zerolog.Nop())
	s.Enabled = false

	s.Start()
	s.Stop()

	assert.Equal(t, 0, runs.count())
}
