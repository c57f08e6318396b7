/*
Package sqlite provides a SQLite-backed implementation of cashbook.TxStore.

PURPOSE:
  Durable single-node storage for cash-book entries and their history.
  The same SQL runs, with minor dialect changes, in store/postgres.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the history table
  - No DELETE statements on any table
  - Purge is an UPDATE of entries.status to 'purged' (tombstone)

KEY TABLES:
  entries:         One row per cash-book entry, tombstones included
  daily_sequences: Highest daily number ever handed out per date
  history:         Immutable audit records, seq is the insertion counter

INDEXES:
  - entries.sno UNIQUE:                 global numbering
  - idx_entries_date_daily UNIQUE:      (date, daily_entry_no)
  - idx_entries_status_date:            list / dashboard queries
  - idx_history_entry:                  per-entry history

AMOUNTS:
  Decimals are stored as TEXT through decimal.Decimal's Scanner/Valuer,
  never as REAL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single pooled connection, so
  ":memory:" databases are shared by every call. WithTx holds the write
  lock for the whole transaction and every read inside it goes through
  the sql.Tx.

USAGE:
  store, err := sqlite.New("./data/cashbook.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := cashbook.New(store)

SEE ALSO:
  - cashbook/store.go: Interface definitions
  - cashbook/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/ledger-engine/cashbook"
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements cashbook.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := NewFromDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewFromDB wraps an already opened handle without migrating it.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		sno INTEGER NOT NULL UNIQUE,
		daily_entry_no INTEGER NOT NULL,
		date TEXT NOT NULL,
		company_name TEXT NOT NULL,
		account_name TEXT NOT NULL,
		sub_account TEXT NOT NULL DEFAULT '',
		particulars TEXT NOT NULL,
		sale_qty TEXT NOT NULL DEFAULT '0',
		purchase_qty TEXT NOT NULL DEFAULT '0',
		credit TEXT NOT NULL DEFAULT '0',
		debit TEXT NOT NULL DEFAULT '0',
		staff TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		entry_time TEXT NOT NULL,
		approved BOOLEAN NOT NULL DEFAULT FALSE,
		edited BOOLEAN NOT NULL DEFAULT FALSE,
		edit_count INTEGER NOT NULL DEFAULT 0,
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		last_edited_by TEXT NOT NULL DEFAULT '',
		last_edited_at TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		deleted_by TEXT NOT NULL DEFAULT '',
		deleted_at TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_date_daily
		ON entries(date, daily_entry_no);
	CREATE INDEX IF NOT EXISTS idx_entries_status_date
		ON entries(status, date);
	CREATE INDEX IF NOT EXISTS idx_entries_company
		ON entries(company_name, account_name);

	-- Survives date changes so a freed daily number is never reassigned
	CREATE TABLE IF NOT EXISTS daily_sequences (
		date TEXT PRIMARY KEY,
		last_no INTEGER NOT NULL
	);

	-- History (append-only)
	CREATE TABLE IF NOT EXISTS history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entry_id TEXT NOT NULL,
		sno INTEGER NOT NULL,
		daily_entry_no INTEGER NOT NULL,
		action TEXT NOT NULL,
		edited_by TEXT NOT NULL,
		edited_at TEXT NOT NULL,
		changes_json TEXT NOT NULL,
		original_json TEXT,
		new_json TEXT,
		reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_history_entry
		ON history(entry_id, edited_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_history_edited_at
		ON history(edited_at DESC, seq DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ENTRY STORE (cashbook.Store interface)
// =============================================================================

const entryColumns = `id, sno, daily_entry_no, date, company_name, account_name, sub_account,
	particulars, sale_qty, purchase_qty, credit, debit, staff, user_name, entry_time,
	approved, edited, edit_count, locked, last_edited_by, last_edited_at,
	status, deleted_by, deleted_at, version`

func (s *Store) GetEntry(ctx context.Context, id cashbook.EntryID) (cashbook.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

func (s *Store) ListEntries(ctx context.Context, filter cashbook.EntryFilter) ([]cashbook.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntries(ctx, s.db, filter)
}

func (s *Store) InsertEntry(ctx context.Context, e cashbook.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(ctx, func(q querier) error { return insertEntry(ctx, q, e) })
}

func (s *Store) SaveEntry(ctx context.Context, e cashbook.Entry, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(ctx, func(q querier) error { return saveEntry(ctx, q, e, expectedVersion) })
}

func (s *Store) MaxDailyEntryNo(ctx context.Context, date cashbook.Date) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maxDailyEntryNo(ctx, s.db, date)
}

func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countEntries(ctx, s.db)
}

func (s *Store) AppendHistory(ctx context.Context, rec cashbook.HistoryRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendHistory(ctx, s.db, rec)
}

func (s *Store) ListHistory(ctx context.Context, filter cashbook.HistoryFilter) ([]cashbook.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listHistory(ctx, s.db, filter)
}

func getEntry(ctx context.Context, q querier, id cashbook.EntryID) (cashbook.Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cashbook.Entry{}, &cashbook.NotFoundError{EntryID: id}
	}
	return e, err
}

func listEntries(ctx context.Context, q querier, filter cashbook.EntryFilter) ([]cashbook.Entry, error) {
	status := filter.Status
	if status == "" {
		status = cashbook.StatusActive
	}
	if status == cashbook.StatusPurged {
		return []cashbook.Entry{}, nil
	}

	where := []string{"status = ?"}
	args := []any{string(status)}
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if filter.Date != nil {
		add("date = ?", filter.Date.String())
	}
	if filter.From != nil {
		add("date >= ?", filter.From.String())
	}
	if filter.To != nil {
		add("date <= ?", filter.To.String())
	}
	if filter.Company != "" {
		add("company_name = ?", filter.Company)
	}
	if filter.Account != "" {
		add("account_name = ?", filter.Account)
	}
	if filter.SubAccount != "" {
		add("sub_account = ?", filter.SubAccount)
	}
	if filter.Approved != nil {
		add("approved = ?", *filter.Approved)
	}

	query := `SELECT ` + entryColumns + ` FROM entries WHERE ` + strings.Join(where, " AND ") + ` ORDER BY sno ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := []cashbook.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertEntry(ctx context.Context, q querier, e cashbook.Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Sno, e.DailyEntryNo, e.Date.String(), e.CompanyName, e.AccountName, e.SubAccount,
		e.Particulars, e.SaleQty, e.PurchaseQty, e.Credit, e.Debit, e.Staff, e.User,
		formatTime(e.EntryTime),
		e.Approved, e.Edited, e.EditCount, e.Locked, e.LastEditedBy, formatTimePtr(e.LastEditedAt),
		string(e.Status), e.DeletedBy, formatTimePtr(e.DeletedAt), e.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("insert entry %s: %w", e.ID, cashbook.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return reserveDaily(ctx, q, e.Date, e.DailyEntryNo)
}

func saveEntry(ctx context.Context, q querier, e cashbook.Entry, expectedVersion int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE entries SET
			daily_entry_no = ?, date = ?, company_name = ?, account_name = ?, sub_account = ?,
			particulars = ?, sale_qty = ?, purchase_qty = ?, credit = ?, debit = ?,
			staff = ?, user_name = ?, approved = ?, edited = ?, edit_count = ?, locked = ?,
			last_edited_by = ?, last_edited_at = ?, status = ?, deleted_by = ?, deleted_at = ?,
			version = ?
		WHERE id = ? AND version = ? AND sno = ?`,
		e.DailyEntryNo, e.Date.String(), e.CompanyName, e.AccountName, e.SubAccount,
		e.Particulars, e.SaleQty, e.PurchaseQty, e.Credit, e.Debit,
		e.Staff, e.User, e.Approved, e.Edited, e.EditCount, e.Locked,
		e.LastEditedBy, formatTimePtr(e.LastEditedAt), string(e.Status), e.DeletedBy, formatTimePtr(e.DeletedAt),
		e.Version,
		e.ID, expectedVersion, e.Sno,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("save entry %s: %w", e.ID, cashbook.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to save entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	if n == 0 {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE id = ?`, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to save entry: %w", err)
		}
		if exists == 0 {
			return &cashbook.NotFoundError{EntryID: e.ID}
		}
		return fmt.Errorf("save entry %s at version %d: %w", e.ID, expectedVersion, cashbook.ErrConcurrentModification)
	}
	return reserveDaily(ctx, q, e.Date, e.DailyEntryNo)
}

// reserveDaily records that no is taken on date, keeping the highest value.
func reserveDaily(ctx context.Context, q querier, date cashbook.Date, no int) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO daily_sequences (date, last_no) VALUES (?, ?)
		ON CONFLICT(date) DO UPDATE SET last_no = MAX(last_no, excluded.last_no)`,
		date.String(), no,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve daily number: %w", err)
	}
	return nil
}

func maxDailyEntryNo(ctx context.Context, q querier, date cashbook.Date) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(last_no), 0) FROM daily_sequences WHERE date = ?`, date.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read daily sequence: %w", err)
	}
	return n, nil
}

func countEntries(ctx context.Context, q querier) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (cashbook.Entry, error) {
	var (
		e                       cashbook.Entry
		date, entryTime, status string
		lastEditedAt, deletedAt sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.Sno, &e.DailyEntryNo, &date, &e.CompanyName, &e.AccountName, &e.SubAccount,
		&e.Particulars, &e.SaleQty, &e.PurchaseQty, &e.Credit, &e.Debit, &e.Staff, &e.User, &entryTime,
		&e.Approved, &e.Edited, &e.EditCount, &e.Locked, &e.LastEditedBy, &lastEditedAt,
		&status, &e.DeletedBy, &deletedAt, &e.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.Date, err = cashbook.ParseDate(date); err != nil {
		return e, err
	}
	e.EntryTime = parseTime(entryTime)
	e.LastEditedAt = parseTimePtr(lastEditedAt)
	e.DeletedAt = parseTimePtr(deletedAt)
	e.Status = cashbook.EntryStatus(status)
	return e, nil
}

// =============================================================================
// HISTORY (append-only)
// =============================================================================

func appendHistory(ctx context.Context, q querier, rec cashbook.HistoryRecord) (int64, error) {
	changesJSON, err := json.Marshal(rec.Changes)
	if err != nil {
		return 0, fmt.Errorf("failed to encode changes: %w", err)
	}
	originalJSON, err := marshalSnapshot(rec.OriginalData)
	if err != nil {
		return 0, err
	}
	newJSON, err := marshalSnapshot(rec.NewData)
	if err != nil {
		return 0, err
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO history
		(id, entry_id, sno, daily_entry_no, action, edited_by, edited_at, changes_json, original_json, new_json, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntryID, rec.Sno, rec.DailyEntryNo, string(rec.Action), rec.EditedBy,
		formatTime(rec.EditedAt), string(changesJSON), originalJSON, newJSON, rec.Reason,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append history: %w", err)
	}
	return res.LastInsertId()
}

func listHistory(ctx context.Context, q querier, filter cashbook.HistoryFilter) ([]cashbook.HistoryRecord, error) {
	query := `
		SELECT seq, id, entry_id, sno, daily_entry_no, action, edited_by, edited_at,
		       changes_json, original_json, new_json, reason
		FROM history`
	var args []any
	if filter.EntryID != "" {
		query += ` WHERE entry_id = ?`
		args = append(args, filter.EntryID)
	}
	query += ` ORDER BY edited_at DESC, seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records := []cashbook.HistoryRecord{}
	for rows.Next() {
		var (
			rec                   cashbook.HistoryRecord
			action, editedAt      string
			changesJSON           string
			originalJSON, newJSON sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.EntryID, &rec.Sno, &rec.DailyEntryNo, &action,
			&rec.EditedBy, &editedAt, &changesJSON, &originalJSON, &newJSON, &rec.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		rec.Action = cashbook.Action(action)
		rec.EditedAt = parseTime(editedAt)
		if err := json.Unmarshal([]byte(changesJSON), &rec.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes: %w", err)
		}
		if rec.OriginalData, err = unmarshalSnapshot(originalJSON); err != nil {
			return nil, err
		}
		if rec.NewData, err = unmarshalSnapshot(newJSON); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func marshalSnapshot(e *cashbook.Entry) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalSnapshot(s sql.NullString) (*cashbook.Entry, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var e cashbook.Entry
	if err := json.Unmarshal([]byte(s.String), &e); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (cashbook.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store cashbook.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(q querier) error {
		return fn(&txStore{q: q})
	})
}

// withTx runs fn in a sql.Tx. Caller holds the write lock.
func (s *Store) withTx(ctx context.Context, fn func(q querier) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the Store handed to WithTx callbacks. Every call, reads
// included, goes through the open transaction.
type txStore struct {
	q querier
}

func (ts *txStore) GetEntry(ctx context.Context, id cashbook.EntryID) (cashbook.Entry, error) {
	return getEntry(ctx, ts.q, id)
}

func (ts *txStore) ListEntries(ctx context.Context, filter cashbook.EntryFilter) ([]cashbook.Entry, error) {
	return listEntries(ctx, ts.q, filter)
}

func (ts *txStore) InsertEntry(ctx context.Context, e cashbook.Entry) error {
	return insertEntry(ctx, ts.q, e)
}

func (ts *txStore) SaveEntry(ctx context.Context, e cashbook.Entry, expectedVersion int) error {
	return saveEntry(ctx, ts.q, e, expectedVersion)
}

func (ts *txStore) MaxDailyEntryNo(ctx context.Context, date cashbook.Date) (int, error) {
	return maxDailyEntryNo(ctx, ts.q, date)
}

func (ts *txStore) CountEntries(ctx context.Context) (int64, error) {
	return countEntries(ctx, ts.q)
}

func (ts *txStore) AppendHistory(ctx context.Context, rec cashbook.HistoryRecord) (int64, error) {
	return appendHistory(ctx, ts.q, rec)
}

func (ts *txStore) ListHistory(ctx context.Context, filter cashbook.HistoryFilter) ([]cashbook.HistoryRecord, error) {
	return listHistory(ctx, ts.q, filter)
}

var (
	_ cashbook.TxStore = (*Store)(nil)
	_ cashbook.Store   = (*txStore)(nil)
)

// =============================================================================
// UTILITIES
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
