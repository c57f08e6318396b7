package cashbook

import (
	"context"
	"fmt"
)

// =============================================================================
// SEQUENCE ASSIGNER - Daily and global entry numbering
// =============================================================================

// SequenceAssigner computes the numbers stamped on a new entry.
//
// INVARIANTS:
//   - dailyEntryNo restarts at 1 for every date and is never reused
//   - sno is strictly increasing in creation order and never reused
//
// Both lookups read then write, so they are only correct when called with
// the Store handed to WithTx by the ledger's single writer.
type SequenceAssigner struct{}

// NextDailySequence returns max(dailyEntryNo on date) + 1, or 1.
func (SequenceAssigner) NextDailySequence(ctx context.Context, s Store, date Date) (int, error) {
	last, err := s.MaxDailyEntryNo(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("daily sequence for %s: %w", date, err)
	}
	return last + 1, nil
}

// NextGlobalSequence returns count(all entries) + 1. Purged entries remain
// as tombstones, so the count never shrinks.
func (SequenceAssigner) NextGlobalSequence(ctx context.Context, s Store) (int64, error) {
	n, err := s.CountEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("global sequence: %w", err)
	}
	return n + 1, nil
}
