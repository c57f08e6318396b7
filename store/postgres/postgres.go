/*
Package postgres provides a PostgreSQL implementation of cashbook.TxStore.

PURPOSE:
  Multi-process storage. Several ledger processes may share one database;
  writers serialize on a transaction-scoped advisory lock so sequence
  assignment stays single-writer across the whole deployment.

DIFFERENCES FROM store/sqlite:
  - credit / debit are BIGINT minor units (cashbook.Calculator.MinorUnits)
  - timestamps are TIMESTAMPTZ, dates are DATE
  - history.changes is JSONB
  - unique violations are detected by SQLSTATE 23505
  - TIMESTAMPTZ keeps microseconds, not nanoseconds. Records written in
    the same microsecond share edited_at, so history order relies on
    seq as the tie-breaker. Keep seq in every ORDER BY on history.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("PGSQL_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite/sqlite.go: Same schema, SQLite dialect
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/cashbook"
)

// writerLockKey identifies the ledger's advisory lock.
const writerLockKey int64 = 0x63617368626f6f6b // "cashbook"

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
	calc cashbook.Calculator
}

// New connects, pings and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL cannot be empty")
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config from URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		sno BIGINT NOT NULL UNIQUE,
		daily_entry_no INTEGER NOT NULL,
		date DATE NOT NULL,
		company_name TEXT NOT NULL,
		account_name TEXT NOT NULL,
		sub_account TEXT NOT NULL DEFAULT '',
		particulars TEXT NOT NULL,
		sale_qty TEXT NOT NULL DEFAULT '0',
		purchase_qty TEXT NOT NULL DEFAULT '0',
		credit_minor BIGINT NOT NULL DEFAULT 0,
		debit_minor BIGINT NOT NULL DEFAULT 0,
		staff TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		entry_time TIMESTAMPTZ NOT NULL,
		approved BOOLEAN NOT NULL DEFAULT FALSE,
		edited BOOLEAN NOT NULL DEFAULT FALSE,
		edit_count INTEGER NOT NULL DEFAULT 0,
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		last_edited_by TEXT NOT NULL DEFAULT '',
		last_edited_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'active',
		deleted_by TEXT NOT NULL DEFAULT '',
		deleted_at TIMESTAMPTZ,
		version INTEGER NOT NULL DEFAULT 1,
		CONSTRAINT entries_one_direction CHECK (credit_minor = 0 OR debit_minor = 0)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_date_daily ON entries(date, daily_entry_no);
	CREATE INDEX IF NOT EXISTS idx_entries_status_date ON entries(status, date);
	CREATE INDEX IF NOT EXISTS idx_entries_company ON entries(company_name, account_name);

	CREATE TABLE IF NOT EXISTS daily_sequences (
		date DATE PRIMARY KEY,
		last_no INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		entry_id TEXT NOT NULL,
		sno BIGINT NOT NULL,
		daily_entry_no INTEGER NOT NULL,
		action TEXT NOT NULL,
		edited_by TEXT NOT NULL,
		edited_at TIMESTAMPTZ NOT NULL,
		changes JSONB NOT NULL,
		original_data JSONB,
		new_data JSONB,
		reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_history_entry ON history(entry_id, edited_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_history_edited_at ON history(edited_at DESC, seq DESC);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, sno, daily_entry_no, date, company_name, account_name, sub_account,
	particulars, sale_qty, purchase_qty, credit_minor, debit_minor, staff, user_name, entry_time,
	approved, edited, edit_count, locked, last_edited_by, last_edited_at,
	status, deleted_by, deleted_at, version`

func (s *Store) GetEntry(ctx context.Context, id cashbook.EntryID) (cashbook.Entry, error) {
	return s.getEntry(ctx, s.pool, id)
}

func (s *Store) ListEntries(ctx context.Context, filter cashbook.EntryFilter) ([]cashbook.Entry, error) {
	return s.listEntries(ctx, s.pool, filter)
}

func (s *Store) InsertEntry(ctx context.Context, e cashbook.Entry) error {
	return s.WithTx(ctx, func(tx cashbook.Store) error { return tx.InsertEntry(ctx, e) })
}

func (s *Store) SaveEntry(ctx context.Context, e cashbook.Entry, expectedVersion int) error {
	return s.WithTx(ctx, func(tx cashbook.Store) error { return tx.SaveEntry(ctx, e, expectedVersion) })
}

func (s *Store) MaxDailyEntryNo(ctx context.Context, date cashbook.Date) (int, error) {
	return maxDailyEntryNo(ctx, s.pool, date)
}

func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	return countEntries(ctx, s.pool)
}

func (s *Store) AppendHistory(ctx context.Context, rec cashbook.HistoryRecord) (int64, error) {
	return appendHistory(ctx, s.pool, rec)
}

func (s *Store) ListHistory(ctx context.Context, filter cashbook.HistoryFilter) ([]cashbook.HistoryRecord, error) {
	return listHistory(ctx, s.pool, filter)
}

func (s *Store) getEntry(ctx context.Context, q querier, id cashbook.EntryID) (cashbook.Entry, error) {
	row := q.QueryRow(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = $1`, string(id))
	e, err := s.scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return cashbook.Entry{}, &cashbook.NotFoundError{EntryID: id}
	}
	return e, err
}

func (s *Store) listEntries(ctx context.Context, q querier, filter cashbook.EntryFilter) ([]cashbook.Entry, error) {
	status := filter.Status
	if status == "" {
		status = cashbook.StatusActive
	}
	if status == cashbook.StatusPurged {
		return []cashbook.Entry{}, nil
	}

	where := []string{"status = $1"}
	args := []any{string(status)}
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Date != nil {
		add("date = $%d::date", filter.Date.String())
	}
	if filter.From != nil {
		add("date >= $%d::date", filter.From.String())
	}
	if filter.To != nil {
		add("date <= $%d::date", filter.To.String())
	}
	if filter.Company != "" {
		add("company_name = $%d", filter.Company)
	}
	if filter.Account != "" {
		add("account_name = $%d", filter.Account)
	}
	if filter.SubAccount != "" {
		add("sub_account = $%d", filter.SubAccount)
	}
	if filter.Approved != nil {
		add("approved = $%d", *filter.Approved)
	}

	rows, err := q.Query(ctx, `SELECT `+entryColumns+` FROM entries WHERE `+strings.Join(where, " AND ")+` ORDER BY sno ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := []cashbook.Entry{}
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) insertEntry(ctx context.Context, q querier, e cashbook.Entry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		string(e.ID), e.Sno, e.DailyEntryNo, e.Date.String(), e.CompanyName, e.AccountName, e.SubAccount,
		e.Particulars, e.SaleQty.String(), e.PurchaseQty.String(),
		s.calc.MinorUnits(e.Credit), s.calc.MinorUnits(e.Debit), e.Staff, e.User, e.EntryTime,
		e.Approved, e.Edited, e.EditCount, e.Locked, e.LastEditedBy, e.LastEditedAt,
		string(e.Status), e.DeletedBy, e.DeletedAt, e.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert entry %s: %w", e.ID, cashbook.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return reserveDaily(ctx, q, e.Date, e.DailyEntryNo)
}

func (s *Store) saveEntry(ctx context.Context, q querier, e cashbook.Entry, expectedVersion int) error {
	tag, err := q.Exec(ctx, `
		UPDATE entries SET
			daily_entry_no = $1, date = $2::date, company_name = $3, account_name = $4, sub_account = $5,
			particulars = $6, sale_qty = $7, purchase_qty = $8, credit_minor = $9, debit_minor = $10,
			staff = $11, user_name = $12, approved = $13, edited = $14, edit_count = $15, locked = $16,
			last_edited_by = $17, last_edited_at = $18, status = $19, deleted_by = $20, deleted_at = $21,
			version = $22
		WHERE id = $23 AND version = $24 AND sno = $25`,
		e.DailyEntryNo, e.Date.String(), e.CompanyName, e.AccountName, e.SubAccount,
		e.Particulars, e.SaleQty.String(), e.PurchaseQty.String(),
		s.calc.MinorUnits(e.Credit), s.calc.MinorUnits(e.Debit),
		e.Staff, e.User, e.Approved, e.Edited, e.EditCount, e.Locked,
		e.LastEditedBy, e.LastEditedAt, string(e.Status), e.DeletedBy, e.DeletedAt,
		e.Version,
		string(e.ID), expectedVersion, e.Sno,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("save entry %s: %w", e.ID, cashbook.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to save entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM entries WHERE id = $1)`, string(e.ID)).Scan(&exists); err != nil {
			return fmt.Errorf("failed to save entry: %w", err)
		}
		if !exists {
			return &cashbook.NotFoundError{EntryID: e.ID}
		}
		return fmt.Errorf("save entry %s at version %d: %w", e.ID, expectedVersion, cashbook.ErrConcurrentModification)
	}
	return reserveDaily(ctx, q, e.Date, e.DailyEntryNo)
}

func reserveDaily(ctx context.Context, q querier, date cashbook.Date, no int) error {
	_, err := q.Exec(ctx, `
		INSERT INTO daily_sequences (date, last_no) VALUES ($1::date, $2)
		ON CONFLICT (date) DO UPDATE SET last_no = GREATEST(daily_sequences.last_no, EXCLUDED.last_no)`,
		date.String(), no,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve daily number: %w", err)
	}
	return nil
}

func maxDailyEntryNo(ctx context.Context, q querier, date cashbook.Date) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT COALESCE(MAX(last_no), 0) FROM daily_sequences WHERE date = $1::date`, date.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read daily sequence: %w", err)
	}
	return n, nil
}

func countEntries(ctx context.Context, q querier) (int64, error) {
	var n int64
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

func (s *Store) scanEntry(row pgx.Row) (cashbook.Entry, error) {
	var (
		e                       cashbook.Entry
		id, status              string
		date                    time.Time
		saleQty, purchaseQty    string
		creditMinor, debitMinor int64
	)
	err := row.Scan(
		&id, &e.Sno, &e.DailyEntryNo, &date, &e.CompanyName, &e.AccountName, &e.SubAccount,
		&e.Particulars, &saleQty, &purchaseQty, &creditMinor, &debitMinor, &e.Staff, &e.User, &e.EntryTime,
		&e.Approved, &e.Edited, &e.EditCount, &e.Locked, &e.LastEditedBy, &e.LastEditedAt,
		&status, &e.DeletedBy, &e.DeletedAt, &e.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.ID = cashbook.EntryID(id)
	e.Date = cashbook.DateOf(date)
	e.Status = cashbook.EntryStatus(status)
	e.Credit = s.calc.FromMinorUnits(creditMinor)
	e.Debit = s.calc.FromMinorUnits(debitMinor)
	if e.SaleQty, err = decimal.NewFromString(saleQty); err != nil {
		return e, fmt.Errorf("invalid sale quantity %q: %w", saleQty, err)
	}
	if e.PurchaseQty, err = decimal.NewFromString(purchaseQty); err != nil {
		return e, fmt.Errorf("invalid purchase quantity %q: %w", purchaseQty, err)
	}
	e.EntryTime = e.EntryTime.UTC()
	return e, nil
}

// =============================================================================
// HISTORY (append-only)
// =============================================================================

func appendHistory(ctx context.Context, q querier, rec cashbook.HistoryRecord) (int64, error) {
	changes, err := json.Marshal(rec.Changes)
	if err != nil {
		return 0, fmt.Errorf("failed to encode changes: %w", err)
	}
	original, err := marshalSnapshot(rec.OriginalData)
	if err != nil {
		return 0, err
	}
	next, err := marshalSnapshot(rec.NewData)
	if err != nil {
		return 0, err
	}

	var seq int64
	err = q.QueryRow(ctx, `
		INSERT INTO history
		(id, entry_id, sno, daily_entry_no, action, edited_by, edited_at, changes, original_data, new_data, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10::jsonb, $11)
		RETURNING seq`,
		string(rec.ID), string(rec.EntryID), rec.Sno, rec.DailyEntryNo, string(rec.Action), rec.EditedBy,
		rec.EditedAt, string(changes), original, next, rec.Reason,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to append history: %w", err)
	}
	return seq, nil
}

func listHistory(ctx context.Context, q querier, filter cashbook.HistoryFilter) ([]cashbook.HistoryRecord, error) {
	query := `
		SELECT seq, id, entry_id, sno, daily_entry_no, action, edited_by, edited_at,
		       changes, original_data, new_data, reason
		FROM history`
	var args []any
	if filter.EntryID != "" {
		args = append(args, string(filter.EntryID))
		query += fmt.Sprintf(` WHERE entry_id = $%d`, len(args))
	}
	query += ` ORDER BY edited_at DESC, seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records := []cashbook.HistoryRecord{}
	for rows.Next() {
		var (
			rec                     cashbook.HistoryRecord
			id, entryID, action     string
			changes, original, next []byte
		)
		if err := rows.Scan(&rec.Seq, &id, &entryID, &rec.Sno, &rec.DailyEntryNo, &action,
			&rec.EditedBy, &rec.EditedAt, &changes, &original, &next, &rec.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		rec.ID = cashbook.HistoryID(id)
		rec.EntryID = cashbook.EntryID(entryID)
		rec.Action = cashbook.Action(action)
		rec.EditedAt = rec.EditedAt.UTC()
		if err := json.Unmarshal(changes, &rec.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes: %w", err)
		}
		if rec.OriginalData, err = unmarshalSnapshot(original); err != nil {
			return nil, err
		}
		if rec.NewData, err = unmarshalSnapshot(next); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func marshalSnapshot(e *cashbook.Entry) (*string, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	s := string(b)
	return &s, nil
}

func unmarshalSnapshot(b []byte) (*cashbook.Entry, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var e cashbook.Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &e, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a transaction that first takes the ledger's advisory
// lock, so writers in every process are serialized until commit.
func (s *Store) WithTx(ctx context.Context, fn func(cashbook.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, writerLockKey); err != nil {
		return fmt.Errorf("failed to acquire writer lock: %w", err)
	}
	if err := fn(&txStore{parent: s, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	parent *Store
	q      querier
}

func (ts *txStore) GetEntry(ctx context.Context, id cashbook.EntryID) (cashbook.Entry, error) {
	return ts.parent.getEntry(ctx, ts.q, id)
}

func (ts *txStore) ListEntries(ctx context.Context, filter cashbook.EntryFilter) ([]cashbook.Entry, error) {
	return ts.parent.listEntries(ctx, ts.q, filter)
}

func (ts *txStore) InsertEntry(ctx context.Context, e cashbook.Entry) error {
	return ts.parent.insertEntry(ctx, ts.q, e)
}

func (ts *txStore) SaveEntry(ctx context.Context, e cashbook.Entry, expectedVersion int) error {
	return ts.parent.saveEntry(ctx, ts.q, e, expectedVersion)
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
