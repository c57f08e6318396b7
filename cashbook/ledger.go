/*
ledger.go - Cash-book entry state machine (LedgerStore)

PURPOSE:
  The Ledger owns entries end-to-end. Every mutation runs
    read current state -> validate -> number / diff -> persist -> audit
  inside one TxStore.WithTx, so an entry change and its HistoryRecord
  commit together or not at all.

STATES:
  Active   normal, editable
  Locked   active + locked flag; only Unlock is accepted
  Deleted  in the trash, recoverable with Restore
  Purged   terminal tombstone, behaves as not found

TRANSITIONS:
  Create   -> Active                                  (CREATE)
  Update   Active -> Active, editCount+1              (UPDATE)
  Delete   Active -> Deleted                          (DELETE)
  Restore  Deleted -> Active                          (RESTORE)
  Purge    Deleted -> Purged                          (PURGE)
  Lock     Active -> Locked                           (LOCK)
  Unlock   Locked -> Active                           (UNLOCK)
  Approve  Active -> Active, approved=true            (APPROVE)

  Only Update touches edited / editCount / lastEditedBy / lastEditedAt.

CONCURRENCY:
  One writer at a time per Ledger (mu), and every write goes through
  WithTx, which is exclusive in every store. Stores detect cross-process
  collisions (version CAS, unique numbers) and the ledger reports them
  as *ConcurrencyError. The ledger never retries.

EXAMPLE:
  l := cashbook.New(store.NewTxMemory())
  e, warnings, err := l.Create(ctx, cashbook.EntryInput{...})
  _, _, err = l.Update(ctx, e.ID, cashbook.EntryPatch{Credit: &amt}, "alice")

SEE ALSO:
  - validator.go, sequence.go, audit.go: The collaborators applied here
  - reconciliation.go: Read-only aggregates over committed entries
*/
package cashbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Observer receives one callback per attempted mutation.
type Observer interface {
	ObserveMutation(action Action, outcome string, elapsed time.Duration)
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithValidator(v *Validator) Option { return func(l *Ledger) { l.validator = v } }

func WithReferenceDirectory(dir ReferenceDirectory) Option {
	return func(l *Ledger) { l.directory = dir }
}

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithIDGenerator(newID func() string) Option { return func(l *Ledger) { l.newID = newID } }

func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

func WithObserver(o Observer) Option { return func(l *Ledger) { l.observer = o } }

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store     TxStore
	validator *Validator
	directory ReferenceDirectory
	seq       SequenceAssigner
	audit     *AuditLog
	calc      Calculator
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
	observer  Observer

	mu sync.Mutex
}

// New builds a Ledger over the given store. There is no shared state
// between Ledgers; tests create one per case.
func New(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.validator == nil {
		cfg := DefaultValidatorConfig()
		cfg.Now = l.now
		l.validator = NewValidator(cfg)
	}
	l.audit = NewAuditLog(l.now, l.newID)
	return l
}

// Validator exposes the rules in effect, for callers that pre-validate.
func (l *Ledger) Validator() *Validator { return l.validator }

// Store exposes the underlying store for read-only collaborators.
func (l *Ledger) Store() TxStore { return l.store }

// =============================================================================
// CREATE
// =============================================================================

// Create validates and records a new entry. Warnings are returned alongside
// a successful result.
func (l *Ledger) Create(ctx context.Context, in EntryInput) (Entry, []Issue, error) {
	start := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	in = l.normalizeInput(in)
	res, err := l.check(ctx, in)
	if err != nil {
		l.finish(ActionCreate, "", start, err)
		return Entry{}, nil, err
	}

	actor := in.User
	var created Entry
	err = l.store.WithTx(ctx, func(s Store) error {
		daily, err := l.seq.NextDailySequence(ctx, s, in.Date)
		if err != nil {
			return err
		}
		sno, err := l.seq.NextGlobalSequence(ctx, s)
		if err != nil {
			return err
		}

		e := Entry{
			ID:           EntryID(l.newID()),
			Sno:          sno,
			DailyEntryNo: daily,
			Date:         in.Date,
			CompanyName:  in.CompanyName,
			AccountName:  in.AccountName,
			SubAccount:   in.SubAccount,
			Particulars:  in.Particulars,
			SaleQty:      in.SaleQty,
			PurchaseQty:  in.PurchaseQty,
			Credit:       in.Credit,
			Debit:        in.Debit,
			Staff:        in.Staff,
			User:         in.User,
			EntryTime:    l.now().UTC(),
			Status:       StatusActive,
			Version:      1,
		}
		if err := s.InsertEntry(ctx, e); err != nil {
			return l.storeErr(err, e.ID, "create")
		}
		if _, err := l.audit.Record(ctx, s, ActionCreate, actor, nil, &e, ""); err != nil {
			return err
		}
		created = e
		return nil
	})
	l.finish(ActionCreate, created.ID, start, err, "sno", created.Sno, "actor", actor)
	if err != nil {
		return Entry{}, nil, err
	}
	return created, res.Warnings, nil
}

// normalizeInput trims names and rounds amounts to minor units, so stored
// values are exactly what the calculator would produce.
func (l *Ledger) normalizeInput(in EntryInput) EntryInput {
	in.CompanyName = strings.TrimSpace(in.CompanyName)
	in.AccountName = strings.TrimSpace(in.AccountName)
	in.SubAccount = strings.TrimSpace(in.SubAccount)
	in.Particulars = strings.TrimSpace(in.Particulars)
	in.Staff = strings.TrimSpace(in.Staff)
	in.User = strings.TrimSpace(in.User)
	if in.User == "" {
		in.User = in.Staff
	}
	in.Credit = l.calc.Normalize(in.Credit)
	in.Debit = l.calc.Normalize(in.Debit)
	return in
}

// check runs transactional and account-structure validation.
func (l *Ledger) check(ctx context.Context, in EntryInput) (ValidationResult, error) {
	res := l.validator.Validate(in)
	structure, err := l.validator.ValidateAccountStructure(ctx, in.CompanyName, in.AccountName, in.SubAccount, l.directory)
	if err != nil {
		return ValidationResult{}, err
	}
	res = res.Merge(structure)
	return res, res.Err()
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// step computes the next state of one entry. changed=false commits nothing.
type step func(s Store, cur Entry) (next Entry, changed bool, err error)

// transition runs one state change under the write lock and inside WithTx.
func (l *Ledger) transition(ctx context.Context, id EntryID, action Action, actor, reason string, fn step) (Entry, error) {
	start := l.now()
	op := strings.ToLower(string(action))
	if strings.TrimSpace(actor) == "" {
		err := &ValidationError{Issues: []Issue{{Field: "actor", Code: CodeRequired, Message: "actor is required"}}}
		l.finish(action, id, start, err)
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out Entry
	err := l.store.WithTx(ctx, func(s Store) error {
		cur, err := s.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == StatusPurged {
			return &NotFoundError{EntryID: id}
		}

		next, changed, err := fn(s, cur)
		if err != nil {
			return err
		}
		if !changed {
			out = cur
			return nil
		}

		next.Version = cur.Version + 1
		if err := s.SaveEntry(ctx, next, cur.Version); err != nil {
			return l.storeErr(err, id, op)
		}
		if _, err := l.audit.Record(ctx, s, action, actor, &cur, &next, reason); err != nil {
			return err
		}
		out = next
		return nil
	})
	l.finish(action, id, start, err, "sno", out.Sno, "actor", actor)
	if err != nil {
		return Entry{}, err
	}
	return out, nil
}

// Update merges patch into the entry and re-validates the result. A patch
// that changes nothing returns the current entry and writes no history.
func (l *Ledger) Update(ctx context.Context, id EntryID, patch EntryPatch, actor string) (Entry, []Issue, error) {
	var warnings []Issue
	e, err := l.transition(ctx, id, ActionUpdate, actor, patch.Reason, func(s Store, cur Entry) (Entry, bool, error) {
		if cur.Status != StatusActive {
			return Entry{}, false, &InvalidTransitionError{EntryID: id, Op: "update", State: cur.State()}
		}
		if cur.Locked {
			return Entry{}, false, &LockedEntryError{EntryID: id, Op: "update"}
		}

		merged := patch.apply(cur)
		merged.CompanyName = strings.TrimSpace(merged.CompanyName)
		merged.AccountName = strings.TrimSpace(merged.AccountName)
		merged.SubAccount = strings.TrimSpace(merged.SubAccount)
		merged.Particulars = strings.TrimSpace(merged.Particulars)
		merged.Staff = strings.TrimSpace(merged.Staff)
		merged.Credit = l.calc.Normalize(merged.Credit)
		merged.Debit = l.calc.Normalize(merged.Debit)

		if len(Diff(&cur, &merged)) == 0 {
			return cur, false, nil
		}

		res, err := l.check(ctx, merged.Input())
		if err != nil {
			return Entry{}, false, err
		}
		warnings = res.Warnings

		if !merged.Date.Equal(cur.Date) {
			daily, err := l.seq.NextDailySequence(ctx, s, merged.Date)
			if err != nil {
				return Entry{}, false, err
			}
			merged.DailyEntryNo = daily
		}

		at := l.now().UTC()
		merged.Edited = true
		merged.EditCount = cur.EditCount + 1
		merged.LastEditedBy = actor
		merged.LastEditedAt = &at
		return merged, true, nil
	})
	if err != nil {
		return Entry{}, nil, err
	}
	return e, warnings, nil
}

// Delete moves an entry to the trash. All fields are kept.
func (l *Ledger) Delete(ctx context.Context, id EntryID, actor, reason string) (Entry, error) {
	return l.transition(ctx, id, ActionDelete, actor, reason, func(_ Store, cur Entry) (Entry, bool, error) {
		if cur.Status != StatusActive {
			return Entry{}, false, &InvalidTransitionError{EntryID: id, Op: "delete", State: cur.State()}
		}
		if cur.Locked {
			return Entry{}, false, &LockedEntryError{EntryID: id, Op: "delete"}
		}
		at := l.now().UTC()
		next := cur.Clone()
		next.Status = StatusDeleted
		next.DeletedBy = actor
		next.DeletedAt = &at
		return next, true, nil
	})
}

// Restore brings a deleted entry back with its original numbers.
func (l *Ledger) Restore(ctx context.Context, id EntryID, actor string) (Entry, error) {
	return l.transition(ctx, id, ActionRestore, actor, "", func(_ Store, cur Entry) (Entry, bool, error) {
		if cur.Status != StatusDeleted {
			return Entry{}, false, &InvalidTransitionError{EntryID: id, Op: "restore", State: cur.State()}
		}
		next := cur.Clone()
		next.Status = StatusActive
		next.DeletedBy = ""
		next.DeletedAt = nil
		return next, true, nil
	})
}

// Purge turns a deleted entry into a tombstone. Irreversible.
func (l *Ledger) Purge(ctx context.Context, id EntryID, actor string) error {
	_, err := l.transition(ctx, id, ActionPurge, actor, "", func(_ Store, cur Entry) (Entry, bool, error) {
		if cur.Status != StatusDeleted {
			return Entry{}, false, &InvalidTransitionError{EntryID: id, Op: "purge", State: cur.State()}
		}
		next := cur.Clone()
		next.Status = StatusPurged
		return next, true, nil
	})
	return err
}

func (l *Ledger) Lock(ctx context.Context, id EntryID, actor string) (Entry, error) {
	return l.transition(ctx, id, ActionLock, actor, "", func(_ Store, cur Entry) (Entry, bool, error) {
		if cur.Status != StatusActive || cur.Locked {
			return Entry{}, false, &InvalidTransitionError{EntryID: id, Op: "lock", State: cur.State()}
		}
		next := cur.Clone()
		next.Locked = true
		return next, true, nil
	})
}

func (l *Ledger) Unlock(ctx context.Context, id EntryID, actor string) (Entry, error) {
	return l.transition(ctx, id, ActionUnlock, actor, "", func(_ Store, cur Entry) (Entry, bool, error) {
		if cur.Status != StatusActive || !cur.Locked {
			return Entry{}, false, &InvalidTransitionError{EntryID: id, Op: "unlock", State: cur.State()}
		}
		next := cur.Clone()
		next.Locked = false
		return next, true, nil
	})
}

// Approve marks an entry as reviewed. Lock state is left alone, but a
// locked entry cannot be approved.
func (l *Ledger) Approve(ctx context.Context, id EntryID, actor string) (Entry, error) {
	return l.transition(ctx, id, ActionApprove, actor, "", func(_ Store, cur Entry) (Entry, bool, error) {
		if cur.Status != StatusActive {
			return Entry{}, false, &InvalidTransitionError{EntryID: id, Op: "approve", State: cur.State()}
		}
		if cur.Locked {
			return Entry{}, false, &LockedEntryError{EntryID: id, Op: "approve"}
		}
		if cur.Approved {
			return Entry{}, false, &InvalidTransitionError{EntryID: id, Op: "approve", State: "approved"}
		}
		next := cur.Clone()
		next.Approved = true
		return next, true, nil
	})
}

// =============================================================================
// QUERIES
// =============================================================================

// GetEntry returns an active or deleted entry.
func (l *Ledger) GetEntry(ctx context.Context, id EntryID) (Entry, error) {
	e, err := l.store.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if e.Status == StatusPurged {
		return Entry{}, &NotFoundError{EntryID: id}
	}
	return e, nil
}

func (l *Ledger) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	if filter.Status == StatusPurged {
		return []Entry{}, nil
	}
	return l.store.ListEntries(ctx, filter)
}

// ListDeleted returns the trash.
func (l *Ledger) ListDeleted(ctx context.Context) ([]Entry, error) {
	return l.store.ListEntries(ctx, EntryFilter{Status: StatusDeleted})
}

// SearchEntries matches term case-insensitively against the text fields of
// active entries, or exactly against sno / dailyEntryNo when term is numeric.
func (l *Ledger) SearchEntries(ctx context.Context, term string, date *Date) ([]Entry, error) {
	entries, err := l.store.ListEntries(ctx, EntryFilter{Date: date})
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(term))
	if needle == "" {
		return entries, nil
	}
	number, numErr := strconv.ParseInt(needle, 10, 64)

	out := []Entry{}
	for _, e := range entries {
		if numErr == nil && (e.Sno == number || int64(e.DailyEntryNo) == number) {
			out = append(out, e)
			continue
		}
		for _, field := range []string{e.Particulars, e.CompanyName, e.AccountName, e.SubAccount, e.Staff} {
			if strings.Contains(strings.ToLower(field), needle) {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (l *Ledger) HistoryFor(ctx context.Context, id EntryID) ([]HistoryRecord, error) {
	return l.audit.HistoryFor(ctx, l.store, id)
}

func (l *Ledger) AllHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	return l.audit.AllHistory(ctx, l.store, limit)
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) storeErr(err error, id EntryID, op string) error {
	if errors.Is(err, ErrConcurrentModification) {
		return &ConcurrencyError{EntryID: id, Op: op, Err: err}
	}
	return fmt.Errorf("%s entry %s: %w", op, id, err)
}

func (l *Ledger) finish(action Action, id EntryID, start time.Time, err error, attrs ...any) {
	outcome := Outcome(err)
	if l.observer != nil {
		l.observer.ObserveMutation(action, outcome, l.now().Sub(start))
	}
	args := append([]any{"action", string(action), "entry_id", string(id), "outcome", outcome}, attrs...)
	switch {
	case err == nil:
		l.logger.Info("ledger mutation committed", args...)
	case IsClientError(err) || IsNotFound(err):
		l.logger.Debug("ledger mutation rejected", append(args, "error", err.Error())...)
	default:
		l.logger.Error("ledger mutation failed", append(args, "error", err.Error())...)
	}
}
