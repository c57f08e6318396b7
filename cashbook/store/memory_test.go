package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/cashbook"
)

func sampleEntry(id string, sno int64, date string, daily int) cashbook.Entry {
	return cashbook.Entry{
		ID:           cashbook.EntryID(id),
		Sno:          sno,
		DailyEntryNo: daily,
		Date:         cashbook.MustParseDate(date),
		CompanyName:  "Acme",
		AccountName:  "Sales",
		Particulars:  "Cash sale",
		Credit:       decimal.NewFromInt(100),
		Staff:        "alice",
		Status:       cashbook.StatusActive,
		Version:      1,
	}
}

func TestMemory_InsertRejectsDuplicateNumbers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertEntry(ctx, sampleEntry("a", 1, "2024-01-15", 1)))

	tests := []struct {
		name  string
		entry cashbook.Entry
	}{
		{"same id", sampleEntry("a", 2, "2024-01-15", 2)},
		{"same sno", sampleEntry("b", 1, "2024-01-15", 2)},
		{"same daily number", sampleEntry("b", 2, "2024-01-15", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.InsertEntry(ctx, tt.entry)
			assert.ErrorIs(t, err, cashbook.ErrConcurrentModification)
		})
	}
}

func TestMemory_SaveIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := sampleEntry("a", 1, "2024-01-15", 1)
	require.NoError(t, m.InsertEntry(ctx, e))

	e.Approved = true
	e.Version = 2
	require.NoError(t, m.SaveEntry(ctx, e, 1))

	// WHEN: a second writer saves against the stale version
	stale := e
	stale.Version = 2
	err := m.SaveEntry(ctx, stale, 1)

	// THEN: it is rejected
	assert.ErrorIs(t, err, cashbook.ErrConcurrentModification)

	var nf *cashbook.NotFoundError
	assert.ErrorAs(t, m.SaveEntry(ctx, sampleEntry("zz", 9, "2024-01-15", 9), 1), &nf)
}

func TestMemory_TombstonesKeepNumbersReserved(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := sampleEntry("a", 1, "2024-01-15", 1)
	require.NoError(t, m.InsertEntry(ctx, e))

	e.Status = cashbook.StatusPurged
	e.Version = 2
	require.NoError(t, m.SaveEntry(ctx, e, 1))

	n, err := m.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	highest, err := m.MaxDailyEntryNo(ctx, cashbook.MustParseDate("2024-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 1, highest)

	list, err := m.ListEntries(ctx, cashbook.EntryFilter{Status: cashbook.StatusPurged})
	require.NoError(t, err)
	assert.Empty(t, list, "purged entries are never listed")
}

func TestMemory_ListEntriesFiltersAndOrdersBySno(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertEntry(ctx, sampleEntry("c", 3, "2024-01-16", 1)))
	require.NoError(t, m.InsertEntry(ctx, sampleEntry("a", 1, "2024-01-15", 1)))
	b := sampleEntry("b", 2, "2024-01-15", 2)
	b.CompanyName = "Globex"
	require.NoError(t, m.InsertEntry(ctx, b))

	all, err := m.ListEntries(ctx, cashbook.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].Sno, all[1].Sno, all[2].Sno})

	from := cashbook.MustParseDate("2024-01-16")
	later, err := m.ListEntries(ctx, cashbook.EntryFilter{From: &from})
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, cashbook.EntryID("c"), later[0].ID)

	globex, err := m.ListEntries(ctx, cashbook.EntryFilter{Company: "Globex"})
	require.NoError(t, err)
	require.Len(t, globex, 1)
	assert.Equal(t, cashbook.EntryID("b"), globex[0].ID)
}

func TestMemory_HistoryOrderUsesSeqForTies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	at := time.Date(2024, time.January, 15, 9, 0, 0, 0, time.UTC)

	// GIVEN: three records, two sharing a timestamp
	for i, action := range []cashbook.Action{cashbook.ActionCreate, cashbook.ActionLock, cashbook.ActionUnlock} {
		ts := at
		if i == 0 {
			ts = at.Add(-time.Minute)
		}
		_, err := m.AppendHistory(ctx, cashbook.HistoryRecord{EntryID: "a", Action: action, EditedAt: ts})
		require.NoError(t, err)
	}
	_, err := m.AppendHistory(ctx, cashbook.HistoryRecord{EntryID: "b", Action: cashbook.ActionCreate, EditedAt: at.Add(-time.Hour)})
	require.NoError(t, err)

	// WHEN: listing one entry's history
	hist, err := m.ListHistory(ctx, cashbook.HistoryFilter{EntryID: "a"})

	// THEN: newest first, the later append wins the tie
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, cashbook.ActionUnlock, hist[0].Action)
	assert.Equal(t, cashbook.ActionLock, hist[1].Action)
	assert.Equal(t, cashbook.ActionCreate, hist[2].Action)
	assert.Greater(t, hist[0].Seq, hist[1].Seq)

	limited, err := m.ListHistory(ctx, cashbook.HistoryFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemory_ListedHistoryCannotRewriteStoredRecords(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	after := sampleEntry("a", 1, "2024-01-15", 1)
	rec := cashbook.HistoryRecord{
		EntryID: "a",
		Action:  cashbook.ActionCreate,
		Changes: []cashbook.FieldChange{{Field: "credit", OldValue: "", NewValue: "100.00"}},
		NewData: &after,
	}
	_, err := m.AppendHistory(ctx, rec)
	require.NoError(t, err)

	// WHEN: the caller tampers with both its own record and a listed one
	rec.Changes[0].NewValue = "1.00"
	after.Particulars = "tampered"
	listed, err := m.ListHistory(ctx, cashbook.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	listed[0].Changes[0].NewValue = "2.00"
	listed[0].NewData.CompanyName = "Globex"

	// THEN: the stored record is unchanged
	again, err := m.ListHistory(ctx, cashbook.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "100.00", again[0].Changes[0].NewValue)
	require.NotNil(t, again[0].NewData)
	assert.Equal(t, "Acme", again[0].NewData.CompanyName)
	assert.Equal(t, "Cash sale", again[0].NewData.Particulars)
}

func TestTxMemory_RollbackRestoresEverything(t *testing.T) {
	ctx := context.Background()
	tm := NewTxMemory()
	require.NoError(t, tm.InsertEntry(ctx, sampleEntry("a", 1, "2024-01-15", 1)))

	// WHEN: a transaction writes and then fails
	boom := errors.New("boom")
	err := tm.WithTx(ctx, func(s cashbook.Store) error {
		if err := s.InsertEntry(ctx, sampleEntry("b", 2, "2024-01-15", 2)); err != nil {
			return err
		}
		if _, err := s.AppendHistory(ctx, cashbook.HistoryRecord{EntryID: "b"}); err != nil {
			return err
		}
		got, err := s.GetEntry(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Sno, "writes are visible inside the transaction")
		return boom
	})

	// THEN: the error is returned and no write survives
	assert.ErrorIs(t, err, boom)
	n, _ := tm.CountEntries(ctx)
	assert.Equal(t, int64(1), n)
	hist, _ := tm.ListHistory(ctx, cashbook.HistoryFilter{})
	assert.Empty(t, hist)
	highest, _ := tm.MaxDailyEntryNo(ctx, cashbook.MustParseDate("2024-01-15"))
	assert.Equal(t, 1, highest)

	// AND: the sequence counter was rolled back too
	seq, err := tm.AppendHistory(ctx, cashbook.HistoryRecord{EntryID: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}
