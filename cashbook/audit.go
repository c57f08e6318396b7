/*
audit.go - Append-only edit history

PURPOSE:
  Builds one HistoryRecord per state change, with a field-level diff and
  full before/after snapshots for forensic replay, and appends it through
  the same Store the mutation used.

DIFF:
  Fields are compared in one canonical order (trackedFields), so identical
  inputs always produce an identical Changes slice. Values are rendered
  as canonical strings:
    amounts, quantities -> two decimals ("100.00")
    dates               -> YYYY-MM-DD
    booleans            -> "true" / "false"
    integers            -> base 10

ORDERING:
  Newest-first by EditedAt, ties broken by the store-assigned Seq.
  Physical storage order is never relied upon.

SEE ALSO:
  - ledger.go: Calls Record inside every WithTx
  - store.go: AppendHistory / ListHistory
*/
package cashbook

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type trackedField struct {
	name  string
	value func(Entry) string
}

func fixed2(d decimal.Decimal) string { return d.StringFixed(2) }

// exact renders quantities without rounding; they are stored unrounded.
func exact(d decimal.Decimal) string { return d.String() }

// trackedFields is the canonical diff order.
var trackedFields = []trackedField{
	{"date", func(e Entry) string { return e.Date.String() }},
	{"dailyEntryNo", func(e Entry) string { return itoaOrEmpty(int64(e.DailyEntryNo)) }},
	{"companyName", func(e Entry) string { return e.CompanyName }},
	{"accountName", func(e Entry) string { return e.AccountName }},
	{"subAccount", func(e Entry) string { return e.SubAccount }},
	{"particulars", func(e Entry) string { return e.Particulars }},
	{"saleQty", func(e Entry) string { return exact(e.SaleQty) }},
	{"purchaseQty", func(e Entry) string { return exact(e.PurchaseQty) }},
	{"credit", func(e Entry) string { return fixed2(e.Credit) }},
	{"debit", func(e Entry) string { return fixed2(e.Debit) }},
	{"staff", func(e Entry) string { return e.Staff }},
	{"user", func(e Entry) string { return e.User }},
	{"approved", func(e Entry) string { return strconv.FormatBool(e.Approved) }},
	{"locked", func(e Entry) string { return strconv.FormatBool(e.Locked) }},
	{"status", func(e Entry) string { return string(e.Status) }},
}

func itoaOrEmpty(n int64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

// Diff returns the tracked fields that differ between before and after.
// A nil side is compared as the zero Entry.
func Diff(before, after *Entry) []FieldChange {
	var b, a Entry
	if before != nil {
		b = *before
	}
	if after != nil {
		a = *after
	}
	changes := []FieldChange{}
	for _, f := range trackedFields {
		oldV, newV := f.value(b), f.value(a)
		if oldV != newV {
			changes = append(changes, FieldChange{Field: f.name, OldValue: oldV, NewValue: newV})
		}
	}
	return changes
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditLog struct {
	now   func() time.Time
	newID func() string
}

func NewAuditLog(now func() time.Time, newID func() string) *AuditLog {
	return &AuditLog{now: now, newID: newID}
}

// Record builds the history record for one transition and appends it to s.
// An append failure is wrapped in ErrAuditWrite; the caller must abort.
func (a *AuditLog) Record(ctx context.Context, s Store, action Action, actor string, before, after *Entry, reason string) (HistoryRecord, error) {
	subject := after
	if subject == nil {
		subject = before
	}
	if subject == nil {
		return HistoryRecord{}, fmt.Errorf("%w: no entry state for %s", ErrAuditWrite, action)
	}

	rec := HistoryRecord{
		ID:           HistoryID(a.newID()),
		EntryID:      subject.ID,
		Sno:          subject.Sno,
		DailyEntryNo: subject.DailyEntryNo,
		Action:       action,
		EditedBy:     actor,
		EditedAt:     a.now().UTC(),
		Changes:      Diff(before, after),
		Reason:       reason,
	}
	if before != nil {
		snap := before.Clone()
		rec.OriginalData = &snap
	}
	if after != nil {
		snap := after.Clone()
		rec.NewData = &snap
	}

	seq, err := s.AppendHistory(ctx, rec)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}
	rec.Seq = seq
	return rec, nil
}

// HistoryFor returns every record of one entry, newest first.
func (a *AuditLog) HistoryFor(ctx context.Context, s Store, id EntryID) ([]HistoryRecord, error) {
	return s.ListHistory(ctx, HistoryFilter{EntryID: id})
}

// AllHistory returns the global feed, newest first. limit <= 0 means all.
func (a *AuditLog) AllHistory(ctx context.Context, s Store, limit int) ([]HistoryRecord, error) {
	return s.ListHistory(ctx, HistoryFilter{Limit: limit})
}
