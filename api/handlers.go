/*
handlers.go - HTTP API handlers for the cash-book ledger

PURPOSE:
  Exposes the ledger over REST. Handlers parse the request, call the
  ledger or reconciler, and map domain errors onto status codes. No
  business rule lives here.

ENDPOINTS:
  Entries:
    GET    /api/entries                      List active entries (filters)
    POST   /api/entries                      Create entry
    GET    /api/entries/search?q=&date=      Free-text search
    GET    /api/entries/{id}                 Get entry
    PATCH  /api/entries/{id}                 Update entry
    DELETE /api/entries/{id}?reason=         Soft delete
    POST   /api/entries/{id}/restore         Restore from trash
    POST   /api/entries/{id}/purge           Permanent delete
    POST   /api/entries/{id}/lock            Lock
    POST   /api/entries/{id}/unlock          Unlock
    POST   /api/entries/{id}/approve         Approve
    GET    /api/entries/{id}/history         Entry audit trail

  Audit and trash:
    GET    /api/history?limit=               Global audit trail
    GET    /api/trash                        Deleted entries

  Balances:
    GET    /api/dashboard?date=
    GET    /api/balances/companies
    GET    /api/balances/companies/{company}/accounts
    GET    /api/balances/running             Same filters as /api/entries
    GET    /api/reconciliation
    GET    /api/reconciliation/runs

  Reference:
    POST   /api/reference/validate           Account-structure check
    GET    /api/reference/companies
    POST   /api/reference/companies
    POST   /api/reference/accounts
    POST   /api/reference/subaccounts

ACTOR:
  Every mutation is attributed to the X-Actor header. A missing actor is
  a validation failure.

ERROR HANDLING:
  - 400: Malformed body, query or path
  - 404: Entry not found (purged entries included)
  - 409: Invalid state transition; concurrent modification (retryable)
  - 422: Business validation failed (issues listed)
  - 423: Entry is locked
  - 500: Storage or audit failure

SEE ALSO:
  - dto.go: Request/response bodies
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/ledger-engine/cashbook"
	"github.com/warp/ledger-engine/reference"
)

const actorHeader = "X-Actor"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *cashbook.Ledger
	Reconciler *cashbook.Reconciler
	Directory  reference.Directory
	Scheduler  *ReconciliationScheduler
}

// NewHandler creates a handler over the ledger's store. Scheduler may be
// set afterwards; without it the runs endpoint returns an empty list.
func NewHandler(ledger *cashbook.Ledger, dir reference.Directory) *Handler {
	return &Handler{
		Ledger:     ledger,
		Reconciler: cashbook.NewReconciler(ledger.Store()),
		Directory:  dir,
	}
}

// =============================================================================
// ENTRY ENDPOINTS
// =============================================================================

// ListEntries returns active entries matching the query filters.
// GET /api/entries
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	entries, err := h.Ledger.ListEntries(r.Context(), filter)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// CreateEntry records a new entry.
// POST /api/entries
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	if in.User == "" {
		in.User = r.Header.Get(actorHeader)
	}

	entry, warnings, err := h.Ledger.Create(r.Context(), in)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EntryResponse{Entry: entry, Warnings: nonNil(warnings)})
}

// SearchEntries matches q against text fields and entry numbers.
// GET /api/entries/search
func (h *Handler) SearchEntries(w http.ResponseWriter, r *http.Request) {
	date, err := optionalDate(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	entries, err := h.Ledger.SearchEntries(r.Context(), r.URL.Query().Get("q"), date)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetEntry returns one entry, deleted ones included.
// GET /api/entries/{id}
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Ledger.GetEntry(r.Context(), entryID(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// UpdateEntry applies a partial update. Present fields are checked before
// the ledger sees the patch.
// PATCH /api/entries/{id}
func (h *Handler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	var req UpdateEntryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	if err := h.Ledger.Validator().ValidatePatch(patch).Err(); err != nil {
		writeLedgerError(w, r, err)
		return
	}

	entry, warnings, err := h.Ledger.Update(r.Context(), entryID(r), patch, r.Header.Get(actorHeader))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EntryResponse{Entry: entry, Warnings: nonNil(warnings)})
}

// DeleteEntry moves an entry to the trash.
// DELETE /api/entries/{id}
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Ledger.Delete(r.Context(), entryID(r), r.Header.Get(actorHeader), r.URL.Query().Get("reason"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// PurgeEntry permanently removes a deleted entry.
// POST /api/entries/{id}/purge
func (h *Handler) PurgeEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.Purge(r.Context(), entryID(r), r.Header.Get(actorHeader)); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionFunc func(l *cashbook.Ledger, r *http.Request, id cashbook.EntryID, actor string) (cashbook.Entry, error)

// transition builds the handlers for restore, lock, unlock and approve.
func (h *Handler) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := fn(h.Ledger, r, entryID(r), r.Header.Get(actorHeader))
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

// POST /api/entries/{id}/restore
func (h *Handler) RestoreEntry() http.HandlerFunc {
	return h.transition(func(l *cashbook.Ledger, r *http.Request, id cashbook.EntryID, actor string) (cashbook.Entry, error) {
		return l.Restore(r.Context(), id, actor)
	})
}

// POST /api/entries/{id}/lock
func (h *Handler) LockEntry() http.HandlerFunc {
	return h.transition(func(l *cashbook.Ledger, r *http.Request, id cashbook.EntryID, actor string) (cashbook.Entry, error) {
		return l.Lock(r.Context(), id, actor)
	})
}

// POST /api/entries/{id}/unlock
func (h *Handler) UnlockEntry() http.HandlerFunc {
	return h.transition(func(l *cashbook.Ledger, r *http.Request, id cashbook.EntryID, actor string) (cashbook.Entry, error) {
		return l.Unlock(r.Context(), id, actor)
	})
}

// POST /api/entries/{id}/approve
func (h *Handler) ApproveEntry() http.HandlerFunc {
	return h.transition(func(l *cashbook.Ledger, r *http.Request, id cashbook.EntryID, actor string) (cashbook.Entry, error) {
		return l.Approve(r.Context(), id, actor)
	})
}

// EntryHistory returns the audit trail of one entry, newest first.
// GET /api/entries/{id}/history
func (h *Handler) EntryHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.Ledger.HistoryFor(r.Context(), entryID(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// =============================================================================
// AUDIT AND TRASH
// =============================================================================

// AllHistory returns the global audit trail.
// GET /api/history
func (h *Handler) AllHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	records, err := h.Ledger.AllHistory(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ListTrash returns deleted, not yet purged, entries.
// GET /api/trash
func (h *Handler) ListTrash(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Ledger.ListDeleted(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// BALANCES
// =============================================================================

// Dashboard returns totals for all active entries or one date.
// GET /api/dashboard
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	date, err := optionalDate(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	stats, err := h.Reconciler.DashboardStats(r.Context(), date)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /api/balances/companies
func (h *Handler) CompanyBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Reconciler.CompanyBalances(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// GET /api/balances/companies/{company}/accounts
func (h *Handler) AccountBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Reconciler.AccountBalances(r.Context(), chi.URLParam(r, "company"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// GET /api/balances/running
func (h *Handler) RunningBalances(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	rows, err := h.Reconciler.RunningBalances(r.Context(), filter)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Reconciliation totals credit and debit over all active entries.
// GET /api/reconciliation
func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Reconciler.ReconcileAll(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /api/reconciliation/runs
func (h *Handler) ReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	runs := []ReconciliationRun{}
	if h.Scheduler != nil {
		runs = h.Scheduler.Runs()
	}
	writeJSON(w, http.StatusOK, runs)
}

// =============================================================================
// REFERENCE
// =============================================================================

// ValidateAccountStructure checks names and reports unknown ones as warnings.
// POST /api/reference/validate
func (h *Handler) ValidateAccountStructure(w http.ResponseWriter, r *http.Request) {
	var req AccountStructureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Ledger.Validator().ValidateAccountStructure(r.Context(), req.CompanyName, req.AccountName, req.SubAccount, h.Directory)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Reference directory unavailable", err)
		return
	}
	res.Errors = nonNil(res.Errors)
	res.Warnings = nonNil(res.Warnings)
	writeJSON(w, http.StatusOK, res)
}

// GET /api/reference/companies
func (h *Handler) ListCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := h.Directory.Companies(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Reference directory unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, companies)
}

// POST /api/reference/companies
func (h *Handler) AddCompany(w http.ResponseWriter, r *http.Request) {
	var req CompanyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.register(w, r, h.Directory.AddCompany(r.Context(), req.Name))
}

// POST /api/reference/accounts
func (h *Handler) AddAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.register(w, r, h.Directory.AddAccount(r.Context(), req.Company, req.Name))
}

// POST /api/reference/subaccounts
func (h *Handler) AddSubAccount(w http.ResponseWriter, r *http.Request) {
	var req SubAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.register(w, r, h.Directory.AddSubAccount(r.Context(), req.Company, req.Account, req.Name))
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusCreated)
	case errors.Is(err, reference.ErrEmptyName):
		writeError(w, http.StatusBadRequest, "Name cannot be empty", err)
	case errors.Is(err, reference.ErrUnknownCompany), errors.Is(err, reference.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, "Parent not registered", err)
	default:
		requestLogger(r).Error("reference registration failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Reference directory unavailable", err)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func entryID(r *http.Request) cashbook.EntryID {
	return cashbook.EntryID(chi.URLParam(r, "id"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := checkRequest(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func optionalDate(r *http.Request, key string) (*cashbook.Date, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil, nil
	}
	d, err := cashbook.ParseDate(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &d, nil
}

func parseFilter(r *http.Request) (cashbook.EntryFilter, error) {
	q := r.URL.Query()
	f := cashbook.EntryFilter{
		Company:    q.Get("company"),
		Account:    q.Get("account"),
		SubAccount: q.Get("subAccount"),
	}
	var err error
	if f.Date, err = optionalDate(r, "date"); err != nil {
		return f, err
	}
	if f.From, err = optionalDate(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = optionalDate(r, "to"); err != nil {
		return f, err
	}
	if s := q.Get("approved"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, fmt.Errorf("approved: %w", err)
		}
		f.Approved = &b
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps a ledger error to its status code.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *cashbook.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:    "Validation failed",
			Details:  err.Error(),
			Issues:   verr.Issues,
			Warnings: verr.Warnings,
		})
	case errors.Is(err, cashbook.ErrEntryLocked):
		writeError(w, http.StatusLocked, "Entry is locked", err)
	case cashbook.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Entry not found", err)
	case errors.Is(err, cashbook.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Operation not allowed in the entry's current state", err)
	case cashbook.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "Concurrent modification, retry the request",
			Details:   err.Error(),
			Retryable: true,
		})
	default:
		requestLogger(r).Error("ledger operation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func nonNil(issues []cashbook.Issue) []cashbook.Issue {
	if issues == nil {
		return []cashbook.Issue{}
	}
	return issues
}
