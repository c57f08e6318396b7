package cashbook_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/cashbook"
	"github.com/warp/ledger-engine/cashbook/store"
)

func TestDiff_CanonicalOrderAndRendering(t *testing.T) {
	before := cashbook.Entry{
		Date:        cashbook.MustParseDate("2024-01-15"),
		CompanyName: "Acme",
		Credit:      dec("100"),
		SaleQty:     dec("2"),
	}
	after := before.Clone()
	after.Locked = true
	after.Credit = dec("99.5")
	after.Date = cashbook.MustParseDate("2024-01-16")
	after.CompanyName = "Globex"

	changes := cashbook.Diff(&before, &after)

	assert.Equal(t, []cashbook.FieldChange{
		{Field: "date", OldValue: "2024-01-15", NewValue: "2024-01-16"},
		{Field: "companyName", OldValue: "Acme", NewValue: "Globex"},
		{Field: "credit", OldValue: "100.00", NewValue: "99.50"},
		{Field: "locked", OldValue: "false", NewValue: "true"},
	}, changes)

	// AND: running it twice yields the same list
	assert.Equal(t, changes, cashbook.Diff(&before, &after))
}

func TestDiff_IdenticalEntriesHaveNoChanges(t *testing.T) {
	e := cashbook.Entry{Credit: dec("10"), CompanyName: "Acme"}
	scaled := e
	scaled.Credit = dec("10.00")

	assert.Empty(t, cashbook.Diff(&e, &scaled))
}

func TestDiff_NilBeforeListsPopulatedFields(t *testing.T) {
	after := cashbook.Entry{
		Sno:          1,
		DailyEntryNo: 1,
		Date:         cashbook.MustParseDate("2024-01-15"),
		CompanyName:  "Acme",
		Credit:       dec("5"),
		Status:       cashbook.StatusActive,
	}

	changes := cashbook.Diff(nil, &after)

	fields := make([]string, len(changes))
	for i, c := range changes {
		fields[i] = c.Field
	}
	assert.Equal(t, []string{"date", "dailyEntryNo", "companyName", "credit", "status"}, fields)
	assert.Equal(t, "", changes[0].OldValue)
}

func TestAuditLog_RecordSnapshotsAreIndependent(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	log := cashbook.NewAuditLog(func() time.Time { return at }, func() string { return "h-1" })
	mem := store.NewTxMemory()

	before := cashbook.Entry{ID: "e-1", Sno: 7, DailyEntryNo: 3, Credit: dec("1")}
	after := before.Clone()
	after.Approved = true

	rec, err := log.Record(ctx, mem, cashbook.ActionApprove, "boss", &before, &after, "checked")
	require.NoError(t, err)

	// Mutating the caller's copies after the fact leaves the record alone.
	after.Approved = false
	assert.True(t, rec.NewData.Approved)
	assert.Equal(t, cashbook.HistoryID("h-1"), rec.ID)
	assert.Equal(t, int64(7), rec.Sno)
	assert.Equal(t, 3, rec.DailyEntryNo)
	assert.Equal(t, at, rec.EditedAt)
	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, "checked", rec.Reason)
}

func TestAuditLog_RecordWrapsAppendFailure(t *testing.T) {
	log := cashbook.NewAuditLog(time.Now, func() string { return "h" })
	e := cashbook.Entry{ID: "e-1"}

	_, err := log.Record(context.Background(), failingHistory{store.NewMemory()}, cashbook.ActionCreate, "alice", nil, &e, "")

	assert.ErrorIs(t, err, cashbook.ErrAuditWrite)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, "audit_failure", cashbook.Outcome(err))
	assert.False(t, errors.Is(err, cashbook.ErrValidation))
}
