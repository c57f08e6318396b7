package cashbook_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/cashbook"
	"github.com/warp/ledger-engine/cashbook/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// stepClock advances one second per reading so history timestamps differ.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newStepClock() *stepClock {
	return &stepClock{cur: time.Date(2024, time.January, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T, opts ...cashbook.Option) (*cashbook.Ledger, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	opts = append([]cashbook.Option{cashbook.WithClock(newStepClock().Now)}, opts...)
	return cashbook.New(mem, opts...), mem
}

func credit(date, amount string) cashbook.EntryInput {
	return cashbook.EntryInput{
		Date:        cashbook.MustParseDate(date),
		CompanyName: "Acme",
		AccountName: "Sales",
		Particulars: "Cash sale",
		Credit:      dec(amount),
		Staff:       "alice",
	}
}

func debit(date, amount string) cashbook.EntryInput {
	in := credit(date, "0")
	in.Debit = dec(amount)
	in.AccountName = "Purchases"
	in.Particulars = "Stock purchase"
	return in
}

func mustCreate(t *testing.T, l *cashbook.Ledger, in cashbook.EntryInput) cashbook.Entry {
	t.Helper()
	e, _, err := l.Create(context.Background(), in)
	require.NoError(t, err)
	return e
}

func ptr[T any](v T) *T { return &v }

// =============================================================================
// CREATE AND NUMBERING
// =============================================================================

func TestLedger_CreateStampsSequences(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	// GIVEN: two entries on the same date
	a := mustCreate(t, l, credit("2024-01-15", "100"))
	b := mustCreate(t, l, debit("2024-01-15", "30"))

	// THEN: daily numbers are 1 and 2, sno follows creation order
	assert.Equal(t, 1, a.DailyEntryNo)
	assert.Equal(t, 2, b.DailyEntryNo)
	assert.Equal(t, int64(1), a.Sno)
	assert.Equal(t, int64(2), b.Sno)
	assert.Equal(t, cashbook.StatusActive, a.Status)
	assert.Equal(t, "alice", a.User, "user falls back to staff")

	// AND: a new date restarts the daily sequence
	c := mustCreate(t, l, credit("2024-01-16", "10"))
	assert.Equal(t, 1, c.DailyEntryNo)
	assert.Equal(t, int64(3), c.Sno)

	// AND: the dashboard for the first date sees both entries
	stats, err := cashbook.NewReconciler(l.Store()).DashboardStats(ctx, ptr(cashbook.MustParseDate("2024-01-15")))
	require.NoError(t, err)
	assert.True(t, stats.TotalCredit.Equal(dec("100")))
	assert.True(t, stats.TotalDebit.Equal(dec("30")))
	assert.True(t, stats.Balance.Equal(dec("70")))
	assert.Equal(t, 2, stats.TotalTransactions)
	assert.Equal(t, 2, stats.PendingApprovals)
}

func TestLedger_CreateWritesHistory(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	a := mustCreate(t, l, credit("2024-01-15", "100"))

	hist, err := l.HistoryFor(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, cashbook.ActionCreate, hist[0].Action)
	assert.Equal(t, "alice", hist[0].EditedBy)
	assert.Nil(t, hist[0].OriginalData)
	require.NotNil(t, hist[0].NewData)
	assert.Equal(t, a.ID, hist[0].NewData.ID)
}

func TestLedger_CreateRejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLedger(t)

	in := credit("2024-01-15", "100")
	in.Debit = dec("50")

	_, _, err := l.Create(ctx, in)

	var verr *cashbook.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields(), "credit")
	n, _ := mem.CountEntries(ctx)
	assert.Zero(t, n, "nothing persisted")
}

func TestLedger_CreateReturnsWarnings(t *testing.T) {
	l, _ := newTestLedger(t)

	in := credit("2024-01-15", "100")
	in.Particulars = "ok"

	_, warnings, err := l.Create(context.Background(), in)

	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, cashbook.CodeShort, warnings[0].Code)
}

func TestLedger_CreateNormalizesAmounts(t *testing.T) {
	l, _ := newTestLedger(t)

	e := mustCreate(t, l, credit("2024-01-15", "10.005"))

	assert.Equal(t, "10.01", e.Credit.StringFixed(2))
	assert.True(t, e.Credit.Equal(dec("10.01")))
}

func TestLedger_ConcurrentCreatesGetDistinctNumbers(t *testing.T) {
	l, _ := newTestLedger(t)
	const k = 25

	// GIVEN: k goroutines creating entries for the same date
	var wg sync.WaitGroup
	results := make(chan cashbook.Entry, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := l.Create(context.Background(), credit("2024-01-15", fmt.Sprintf("%d", i+1)))
			if assert.NoError(t, err) {
				results <- e
			}
		}(i)
	}
	wg.Wait()
	close(results)

	// THEN: daily numbers and snos are exactly 1..k
	var daily []int
	var snos []int
	for e := range results {
		daily = append(daily, e.DailyEntryNo)
		snos = append(snos, int(e.Sno))
	}
	sort.Ints(daily)
	sort.Ints(snos)
	want := make([]int, k)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, daily)
	assert.Equal(t, want, snos)
}

// =============================================================================
// UPDATE
// =============================================================================

func TestLedger_UpdateRecordsExactDiff(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	a := mustCreate(t, l, credit("2024-01-15", "100"))

	// WHEN: alice raises the credit
	updated, _, err := l.Update(ctx, a.ID, cashbook.EntryPatch{Credit: ptr(dec("150"))}, "alice")

	// THEN: the entry is edited once
	require.NoError(t, err)
	assert.True(t, updated.Credit.Equal(dec("150")))
	assert.Equal(t, 1, updated.EditCount)
	assert.True(t, updated.Edited)
	assert.Equal(t, "alice", updated.LastEditedBy)
	require.NotNil(t, updated.LastEditedAt)
	assert.Equal(t, a.Version+1, updated.Version)

	// AND: the newest history record carries exactly the credit change
	hist, err := l.HistoryFor(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, cashbook.ActionUpdate, hist[0].Action)
	assert.Equal(t, []cashbook.FieldChange{{Field: "credit", OldValue: "100.00", NewValue: "150.00"}}, hist[0].Changes)
	assert.Equal(t, cashbook.ActionCreate, hist[1].Action)
}

func TestLedger_NoOpUpdateWritesNothing(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	a := mustCreate(t, l, credit("2024-01-15", "100"))

	// WHEN: the patch repeats current values (with a different scale)
	same, _, err := l.Update(ctx, a.ID, cashbook.EntryPatch{Credit: ptr(dec("100.000")), CompanyName: ptr("Acme")}, "bob")

	// THEN: nothing changes and no history is written
	require.NoError(t, err)
	assert.Equal(t, 0, same.EditCount)
	assert.Equal(t, a.Version, same.Version)
	hist, err := l.HistoryFor(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestLedger_UpdateKeepsSubCentQuantityChanges(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	in := credit("2024-01-15", "100")
	in.SaleQty = dec("2.345")
	a := mustCreate(t, l, in)

	// WHEN: only the quantity moves by a thousandth
	updated, _, err := l.Update(ctx, a.ID, cashbook.EntryPatch{SaleQty: ptr(dec("2.346"))}, "alice")

	// THEN: the change is stored and audited
	require.NoError(t, err)
	assert.True(t, updated.SaleQty.Equal(dec("2.346")))
	assert.Equal(t, 1, updated.EditCount)
	hist, err := l.HistoryFor(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, []cashbook.FieldChange{{Field: "saleQty", OldValue: "2.345", NewValue: "2.346"}}, hist[0].Changes)

	// WHEN: the quantity changes together with the credit
	updated, _, err = l.Update(ctx, a.ID, cashbook.EntryPatch{SaleQty: ptr(dec("2.347")), Credit: ptr(dec("150"))}, "alice")

	// THEN: both fields appear in the diff, in canonical order
	require.NoError(t, err)
	assert.True(t, updated.SaleQty.Equal(dec("2.347")))
	hist, err = l.HistoryFor(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, []cashbook.FieldChange{
		{Field: "saleQty", OldValue: "2.346", NewValue: "2.347"},
		{Field: "credit", OldValue: "100.00", NewValue: "150.00"},
	}, hist[0].Changes)
}

func TestLedger_UpdateRevalidatesMergedEntry(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	a := mustCreate(t, l, credit("2024-01-15", "100"))

	// WHEN: the patch adds a debit to a credit entry
	_, _, err := l.Update(ctx, a.ID, cashbook.EntryPatch{Debit: ptr(dec("5"))}, "bob")

	// THEN: rejected, entry unchanged
	assert.ErrorIs(t, err, cashbook.ErrValidation)
	got, err := l.GetEntry(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Debit.IsZero())
	assert.Equal(t, 0, got.EditCount)
}

func TestLedger_UpdateDateRestampsDailyNumber(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	mustCreate(t, l, credit("2024-01-16", "5"))
	mustCreate(t, l, credit("2024-01-16", "6"))
	a := mustCreate(t, l, credit("2024-01-15", "100"))
	b := mustCreate(t, l, credit("2024-01-15", "200"))
	require.Equal(t, 2, b.DailyEntryNo)

	// WHEN: b moves to the 16th
	moved, _, err := l.Update(ctx, b.ID, cashbook.EntryPatch{Date: ptr(cashbook.MustParseDate("2024-01-16"))}, "alice")

	// THEN: it takes the next number on the new date and keeps its sno
	require.NoError(t, err)
	assert.Equal(t, 3, moved.DailyEntryNo)
	assert.Equal(t, b.Sno, moved.Sno)

	// AND: the freed number on the old date is not handed out again
	c := mustCreate(t, l, credit("2024-01-15", "1"))
	assert.Equal(t, 3, c.DailyEntryNo)
	assert.Equal(t, 1, a.DailyEntryNo)

	hist, err := l.HistoryFor(ctx, b.ID)
	require.NoError(t, err)
	fields := []string{}
	for _, ch := range hist[0].Changes {
		fields = append(fields, ch.Field)
	}
	assert.Equal(t, []string{"date", "dailyEntryNo"}, fields)
}

func TestLedger_LockedEntryRejectsUpdate(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	a := mustCreate(t, l, credit("2024-01-15", "100"))
	_, _, err := l.Update(ctx, a.ID, cashbook.EntryPatch{Credit: ptr(dec("150"))}, "alice")
	require.NoError(t, err)

	// GIVEN: alice locks the entry
	_, err = l.Lock(ctx, a.ID, "alice")
	require.NoError(t, err)

	// WHEN: bob tries to edit it
	_, _, err = l.Update(ctx, a.ID, cashbook.EntryPatch{Credit: ptr(dec("200"))}, "bob")

	// THEN: LockedEntryError, credit stays at 150
	var lerr *cashbook.LockedEntryError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "update", lerr.Op)
	assert.False(t, cashbook.IsRetryable(err))
	got, err := l.GetEntry(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Credit.Equal(dec("150")))
}

func TestLedger_ActorRequired(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	a := mustCreate(t, l, credit("2024-01-15", "100"))

	_, err := l.Lock(ctx, a.ID, "  ")

	assert.ErrorIs(t, err, cashbook.ErrValidation)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestLedger_DeleteThenRestore(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	a := mustCreate(t, l, credit("2024-01-15", "100"))

	// WHEN: deleted then restored
	deleted, err := l.Delete(ctx, a.ID, "alice", "typo")
	require.NoError(t, err)
	assert.Equal(t, cashbook.StatusDeleted, deleted.Status)
	assert.Equal(t, "alice", deleted.DeletedBy)

	trash, err := l.ListDeleted(ctx)
	require.NoError(t, err)
	require.Len(t, trash, 1)
	active, err := l.ListEntries(ctx, cashbook.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, active)

	restored, err := l.Restore(ctx, a.ID, "alice")
	require.NoError(t, err)

	// THEN: business fields match the pre-delete state
	assert.Equal(t, a.Input(), restored.Input())
	assert.Equal(t, a.Sno, restored.Sno)
	assert.Equal(t, a.DailyEntryNo, restored.DailyEntryNo)
	assert.Equal(t, cashbook.StatusActive, restored.Status)
	assert.Empty(t, restored.DeletedBy)
	assert.Nil(t, restored.DeletedAt)

	// AND: DELETE and RESTORE records exist, newest first
	hist, err := l.HistoryFor(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, cashbook.ActionRestore, hist[0].Action)
	assert.Equal(t, cashbook.ActionDelete, hist[1].Action)
	assert.Equal(t, "typo", hist[1].Reason)
}

func TestLedger_PurgeIsTerminalAndKeepsNumbersReserved(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	a := mustCreate(t, l, credit("2024-01-15", "100"))

	_, err := l.Delete(ctx, a.ID, "alice", "")
	require.NoError(t, err)
	require.NoError(t, l.Purge(ctx, a.ID, "alice"))

	// THEN: the entry is gone
	_, err = l.GetEntry(ctx, a.ID)
	assert.True(t, cashbook.IsNotFound(err))
	_, err = l.Restore(ctx, a.ID, "alice")
	assert.True(t, cashbook.IsNotFound(err))
	trash, err := l.ListDeleted(ctx)
	require.NoError(t, err)
	assert.Empty(t, trash)

	// AND: its numbers are never reused
	b := mustCreate(t, l, credit("2024-01-15", "100"))
	assert.Equal(t, int64(2), b.Sno)
	assert.Equal(t, 2, b.DailyEntryNo)

	// AND: the purge itself is audited
	hist, err := l.HistoryFor(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, cashbook.ActionPurge, hist[0].Action)
}

func TestLedger_LockUnlockApproveDoNotCountAsEdits(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	a := mustCreate(t, l, credit("2024-01-15", "100"))

	_, err := l.Approve(ctx, a.ID, "boss")
	require.NoError(t, err)
	_, err = l.Lock(ctx, a.ID, "boss")
	require.NoError(t, err)
	e, err := l.Unlock(ctx, a.ID, "boss")
	require.NoError(t, err)

	assert.True(t, e.Approved)
	assert.False(t, e.Locked)
	assert.Equal(t, 0, e.EditCount)
	assert.False(t, e.Edited)
	assert.Nil(t, e.LastEditedAt)

	hist, err := l.HistoryFor(ctx, a.ID)
	require.NoError(t, err)
	actions := make([]cashbook.Action, len(hist))
	for i, h := range hist {
		actions[i] = h.Action
	}
	assert.Equal(t, []cashbook.Action{cashbook.ActionUnlock, cashbook.ActionLock, cashbook.ActionApprove, cashbook.ActionCreate}, actions)
	assert.Equal(t, []cashbook.FieldChange{{Field: "locked", OldValue: "true", NewValue: "false"}}, hist[0].Changes)
}

func TestLedger_TransitionTable(t *testing.T) {
	type op func(ctx context.Context, l *cashbook.Ledger, id cashbook.EntryID) error

	ops := map[string]op{
		"update": func(ctx context.Context, l *cashbook.Ledger, id cashbook.EntryID) error {
			_, _, err := l.Update(ctx, id, cashbook.EntryPatch{Credit: ptr(dec("999"))}, "x")
			return err
		},
		"delete": func(ctx context.Context, l *cashbook.Ledger, id cashbook.EntryID) error {
			_, err := l.Delete(ctx, id, "x", "")
			return err
		},
		"restore": func(ctx context.Context, l *cashbook.Ledger, id cashbook.EntryID) error {
			_, err := l.Restore(ctx, id, "x")
			return err
		},
		"purge": func(ctx context.Context, l *cashbook.Ledger, id cashbook.EntryID) error {
			return l.Purge(ctx, id, "x")
		},
		"lock": func(ctx context.Context, l *cashbook.Ledger, id cashbook.EntryID) error {
			_, err := l.Lock(ctx, id, "x")
			return err
		},
		"unlock": func(ctx context.Context, l *cashbook.Ledger, id cashbook.EntryID) error {
			_, err := l.Unlock(ctx, id, "x")
			return err
		},
		"approve": func(ctx context.Context, l *cashbook.Ledger, id cashbook.EntryID) error {
			_, err := l.Approve(ctx, id, "x")
			return err
		},
	}

	// setup brings a fresh entry into the named state.
	setup := map[string][]string{
		"active":   nil,
		"locked":   {"lock"},
		"deleted":  {"delete"},
		"purged":   {"delete", "purge"},
		"approved": {"approve"},
		"missing":  nil,
	}

	invalid, locked, missing := cashbook.ErrInvalidTransition, cashbook.ErrEntryLocked, cashbook.ErrEntryNotFound
	tests := []struct {
		state string
		op    string
		want  error
	}{
		{"active", "update", nil}, {"active", "delete", nil}, {"active", "restore", invalid},
		{"active", "purge", invalid}, {"active", "lock", nil}, {"active", "unlock", invalid},
		{"active", "approve", nil},

		{"locked", "update", locked}, {"locked", "delete", locked}, {"locked", "restore", invalid},
		{"locked", "purge", invalid}, {"locked", "lock", invalid}, {"locked", "unlock", nil},
		{"locked", "approve", locked},

		{"deleted", "update", invalid}, {"deleted", "delete", invalid}, {"deleted", "restore", nil},
		{"deleted", "purge", nil}, {"deleted", "lock", invalid}, {"deleted", "unlock", invalid},
		{"deleted", "approve", invalid},

		{"approved", "approve", invalid}, {"approved", "update", nil},

		{"purged", "update", missing}, {"purged", "delete", missing}, {"purged", "restore", missing},
		{"purged", "purge", missing}, {"purged", "lock", missing}, {"purged", "unlock", missing},
		{"purged", "approve", missing},

		{"missing", "update", missing}, {"missing", "lock", missing}, {"missing", "purge", missing},
	}

	for _, tt := range tests {
		t.Run(tt.state+"/"+tt.op, func(t *testing.T) {
			ctx := context.Background()
			l, _ := newTestLedger(t)
			id := cashbook.EntryID("does-not-exist")
			if tt.state != "missing" {
				id = mustCreate(t, l, credit("2024-01-15", "100")).ID
			}
			for _, prep := range setup[tt.state] {
				require.NoError(t, ops[prep](ctx, l, id))
			}
			before, _ := l.HistoryFor(ctx, id)

			err := ops[tt.op](ctx, l, id)

			after, _ := l.HistoryFor(ctx, id)
			if tt.want == nil {
				require.NoError(t, err)
				assert.Len(t, after, len(before)+1, "one history record per transition")
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.Len(t, after, len(before), "rejected transitions write nothing")
		})
	}
}

// =============================================================================
// FAILURE ATOMICITY
// =============================================================================

type failingHistory struct {
	cashbook.Store
}

func (failingHistory) AppendHistory(context.Context, cashbook.HistoryRecord) (int64, error) {
	return 0, errors.New("disk full")
}

// auditFailingStore runs real transactions but fails every history append.
type auditFailingStore struct {
	*store.TxMemory
	fail bool
}

func (s *auditFailingStore) WithTx(ctx context.Context, fn func(cashbook.Store) error) error {
	return s.TxMemory.WithTx(ctx, func(tx cashbook.Store) error {
		if s.fail {
			return fn(failingHistory{tx})
		}
		return fn(tx)
	})
}

func TestLedger_AuditFailureRollsBackMutation(t *testing.T) {
	ctx := context.Background()
	fs := &auditFailingStore{TxMemory: store.NewTxMemory()}
	l := cashbook.New(fs, cashbook.WithClock(newStepClock().Now))
	a := mustCreate(t, l, credit("2024-01-15", "100"))

	// GIVEN: history can no longer be written
	fs.fail = true

	// WHEN: creating and updating
	_, _, createErr := l.Create(ctx, credit("2024-01-15", "50"))
	_, _, updateErr := l.Update(ctx, a.ID, cashbook.EntryPatch{Credit: ptr(dec("150"))}, "alice")

	// THEN: both fail with ErrAuditWrite and nothing was committed
	assert.ErrorIs(t, createErr, cashbook.ErrAuditWrite)
	assert.ErrorIs(t, updateErr, cashbook.ErrAuditWrite)

	n, err := fs.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err := l.GetEntry(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Credit.Equal(dec("100")))
	assert.Equal(t, 1, got.Version)
}

type conflictingSave struct {
	cashbook.Store
}

func (conflictingSave) SaveEntry(context.Context, cashbook.Entry, int) error {
	return cashbook.ErrConcurrentModification
}

type conflictStore struct {
	*store.TxMemory
}

func (s conflictStore) WithTx(ctx context.Context, fn func(cashbook.Store) error) error {
	return s.TxMemory.WithTx(ctx, func(tx cashbook.Store) error { return fn(conflictingSave{tx}) })
}

func TestLedger_VersionConflictIsRetryable(t *testing.T) {
	ctx := context.Background()
	mem := store.NewTxMemory()
	seed := cashbook.New(mem, cashbook.WithClock(newStepClock().Now))
	a := mustCreate(t, seed, credit("2024-01-15", "100"))

	l := cashbook.New(conflictStore{mem}, cashbook.WithClock(newStepClock().Now))
	_, err := l.Approve(ctx, a.ID, "boss")

	var cerr *cashbook.ConcurrencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, a.ID, cerr.EntryID)
	assert.True(t, cashbook.IsRetryable(err))
	assert.Equal(t, "conflict", cashbook.Outcome(err))
}

// =============================================================================
// QUERIES
// =============================================================================

func TestLedger_SearchEntries(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	a := mustCreate(t, l, credit("2024-01-15", "100"))
	b := mustCreate(t, l, debit("2024-01-15", "30"))
	c := mustCreate(t, l, debit("2024-01-16", "20"))

	tests := []struct {
		name string
		term string
		date *cashbook.Date
		want []cashbook.EntryID
	}{
		{"particulars, case insensitive", "STOCK", nil, []cashbook.EntryID{b.ID, c.ID}},
		{"limited to a date", "stock", ptr(cashbook.MustParseDate("2024-01-16")), []cashbook.EntryID{c.ID}},
		{"account name", "sales", nil, []cashbook.EntryID{a.ID}},
		{"number matches sno or daily number", "3", nil, []cashbook.EntryID{c.ID}},
		{"empty term lists everything", "", nil, []cashbook.EntryID{a.ID, b.ID, c.ID}},
		{"no match", "rent", nil, []cashbook.EntryID{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.SearchEntries(ctx, tt.term, tt.date)
			require.NoError(t, err)
			ids := []cashbook.EntryID{}
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestLedger_AllHistoryNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	a := mustCreate(t, l, credit("2024-01-15", "100"))
	b := mustCreate(t, l, credit("2024-01-15", "200"))
	_, err := l.Approve(ctx, a.ID, "boss")
	require.NoError(t, err)

	all, err := l.AllHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, a.ID, all[0].EntryID)
	assert.Equal(t, b.ID, all[1].EntryID)

	limited, err := l.AllHistory(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveMutation(action cashbook.Action, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, string(action)+":"+outcome)
}

func TestLedger_ObserverSeesEveryAttempt(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	l, _ := newTestLedger(t, cashbook.WithObserver(obs))

	a := mustCreate(t, l, credit("2024-01-15", "100"))
	_, _ = l.Restore(ctx, a.ID, "alice")
	_, _ = l.Lock(ctx, "missing", "alice")

	assert.Equal(t, []string{"CREATE:ok", "RESTORE:invalid_transition", "LOCK:not_found"}, obs.outcomes)
}
