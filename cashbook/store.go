/*
store.go - Persistence interface for entries and their history

PURPOSE:
  Defines the boundary between the ledger state machine and storage.
  The Ledger never touches a database directly; it is constructed with a
  TxStore and runs every mutation inside WithTx so the entry write and
  its history record commit together or not at all.

KEY INTERFACES:
  Store:   Entry reads/writes, sequence lookups, history append + query
  TxStore: Store plus WithTx for atomic multi-write operations

APPEND-ONLY HISTORY:
  History has AppendHistory and ListHistory. There is no update or delete
  for history records. Ever.

TOMBSTONES:
  Purging an entry is a SaveEntry with Status=purged, not a row delete.
  MaxDailyEntryNo and CountEntries include tombstones so numbers are
  never handed out twice.

CONCURRENCY CONTRACT:
  SaveEntry is compare-and-swap on Entry.Version: the stored version must
  equal expectedVersion or ErrConcurrentModification is returned.
  InsertEntry returns ErrConcurrentModification on an id, sno or
  (date, dailyEntryNo) collision.

IMPLEMENTATIONS:
  - cashbook/store/memory.go: In-memory for tests and single-process use
  - store/sqlite/sqlite.go:   SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)

SEE ALSO:
  - ledger.go: The only writer
*/
package cashbook

import "context"

// =============================================================================
// STORE - Entry and history persistence
// =============================================================================

type Store interface {
	// GetEntry returns the stored entry, tombstones included.
	// Returns *NotFoundError when no row exists.
	GetEntry(ctx context.Context, id EntryID) (Entry, error)

	// ListEntries returns entries matching the filter ordered by Sno.
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)

	// InsertEntry persists a new entry.
	InsertEntry(ctx context.Context, e Entry) error

	// SaveEntry overwrites an existing entry if its stored version equals
	// expectedVersion.
	SaveEntry(ctx context.Context, e Entry, expectedVersion int) error

	// MaxDailyEntryNo returns the highest daily number ever assigned on
	// date, or 0.
	MaxDailyEntryNo(ctx context.Context, date Date) (int, error)

	// CountEntries counts every stored entry regardless of status.
	CountEntries(ctx context.Context) (int64, error)

	// AppendHistory persists a history record and returns its Seq.
	AppendHistory(ctx context.Context, rec HistoryRecord) (int64, error)

	// ListHistory returns records newest-first by (EditedAt, Seq).
	ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error)
}

// HistoryFilter narrows history queries. The zero value selects everything.
type HistoryFilter struct {
	EntryID EntryID
	Limit   int
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within an exclusive transaction.
	// If fn returns error, every write made through the passed Store is
	// rolled back. If fn returns nil, all of them are committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
