package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/cashbook"
)

// newTestStore connects to PGSQL_TEST_URL and empties the tables.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("PGSQL_TEST_URL")
	if url == "" {
		t.Skip("PGSQL_TEST_URL not set")
	}
	ctx := context.Background()
	store, err := New(ctx, url)
	require.NoError(t, err)
	_, err = store.pool.Exec(ctx, `TRUNCATE entries, daily_sequences, history RESTART IDENTITY`)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func entryInput(date, credit, debit string) cashbook.EntryInput {
	return cashbook.EntryInput{
		Date:        cashbook.MustParseDate(date),
		CompanyName: "Acme",
		AccountName: "Sales",
		Particulars: "Counter sale",
		PurchaseQty: decimal.RequireFromString("1.25"),
		Credit:      decimal.RequireFromString(credit),
		Debit:       decimal.RequireFromString(debit),
		Staff:       "alice",
	}
}

func TestNew_RejectsEmptyURL(t *testing.T) {
	_, err := New(context.Background(), "")
	assert.ErrorContains(t, err, "cannot be empty")
}

func TestIsUniqueViolation_IgnoresOtherErrors(t *testing.T) {
	assert.False(t, isUniqueViolation(assert.AnError))
	assert.False(t, isUniqueViolation(nil))
}

func TestPostgres_LedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := cashbook.New(store)

	a, _, err := l.Create(ctx, entryInput("2024-01-15", "0", "19.99"))
	require.NoError(t, err)

	got, err := store.GetEntry(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Debit.Equal(decimal.RequireFromString("19.99")))
	assert.True(t, got.PurchaseQty.Equal(decimal.RequireFromString("1.25")))
	assert.True(t, got.Date.Equal(a.Date))
	assert.WithinDuration(t, a.EntryTime, got.EntryTime, time.Microsecond)

	_, _, err = l.Update(ctx, a.ID, cashbook.EntryPatch{Particulars: ptr("Counter refund")}, "bob")
	require.NoError(t, err)

	hist, err := l.HistoryFor(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, cashbook.ActionUpdate, hist[0].Action)
	assert.Equal(t, "particulars", hist[0].Changes[0].Field)
	require.NotNil(t, hist[0].OriginalData)
	assert.Equal(t, "Counter sale", hist[0].OriginalData.Particulars)
	assert.Nil(t, hist[1].OriginalData)
}

func TestPostgres_ConcurrentCreatesGetDistinctNumbers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Two ledgers share the database the way two processes would.
	ledgers := []*cashbook.Ledger{cashbook.New(store), cashbook.New(store)}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(l *cashbook.Ledger) {
			defer wg.Done()
			_, _, err := l.Create(ctx, entryInput("2024-01-15", "1", "0"))
			errs <- err
		}(ledgers[i%2])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := store.ListEntries(ctx, cashbook.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sno)
		assert.Equal(t, i+1, e.DailyEntryNo)
	}
}

func TestPostgres_SaveEntryVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := cashbook.New(store)
	a, _, err := l.Create(ctx, entryInput("2024-01-15", "5", "0"))
	require.NoError(t, err)

	next := a
	next.Locked = true
	next.Version = 2
	require.NoError(t, store.SaveEntry(ctx, next, 1))

	assert.ErrorIs(t, store.SaveEntry(ctx, next, 1), cashbook.ErrConcurrentModification)

	dup := a
	dup.ID = "other"
	assert.ErrorIs(t, store.InsertEntry(ctx, dup), cashbook.ErrConcurrentModification)
}

func ptr[T any](v T) *T { return &v }
