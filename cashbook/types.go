/*
Package cashbook provides the cash-book ledger engine.

PURPOSE:
  Records dated monetary transactions ("cash-book entries") against a
  company / account / sub-account hierarchy, keeps an append-only audit
  trail of every state change, numbers entries per day and globally, and
  computes balances with exact decimal arithmetic.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: one cash-book transaction (a credit OR a debit, never both)
  - EntryInput / EntryPatch: payloads for create and update
  - HistoryRecord: one immutable audit event with a field-level diff
  - EntryFilter: query options shared by the ledger and the stores

ENTRY LIFECYCLE:
  created -> updated* -> (locked <-> unlocked)* / approved -> deleted
  -> restored | purged

  A locked entry rejects every mutation except Unlock.
  A purged entry is a tombstone: it keeps its numbers reserved but is
  never returned by a query again.

DESIGN PRINCIPLES:
  1. Precision: amounts are decimal.Decimal normalized to minor units
  2. Auditability: every state change writes exactly one HistoryRecord
  3. Explicit persistence: the ledger is built on an injected TxStore

SEE ALSO:
  - ledger.go: The state machine (LedgerStore)
  - calculator.go: Exact arithmetic
  - audit.go: Diff computation and history
*/
package cashbook

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntryID string
type HistoryID string

// =============================================================================
// ENTRY - One cash-book transaction
// =============================================================================

// EntryStatus is the storage-level lifecycle state. Locked is a flag on an
// active entry, not a separate status.
type EntryStatus string

const (
	StatusActive  EntryStatus = "active"
	StatusDeleted EntryStatus = "deleted"
	StatusPurged  EntryStatus = "purged"
)

// Entry is a cash-book entry as persisted by a Store.
type Entry struct {
	ID           EntryID `json:"id"`
	Sno          int64   `json:"sno"`
	DailyEntryNo int     `json:"dailyEntryNo"`

	Date        Date   `json:"date"`
	CompanyName string `json:"companyName"`
	AccountName string `json:"accountName"`
	SubAccount  string `json:"subAccount"`
	Particulars string `json:"particulars"`

	SaleQty     decimal.Decimal `json:"saleQty"`
	PurchaseQty decimal.Decimal `json:"purchaseQty"`
	Credit      decimal.Decimal `json:"credit"`
	Debit       decimal.Decimal `json:"debit"`

	Staff     string    `json:"staff"`
	User      string    `json:"user"`
	EntryTime time.Time `json:"entryTime"`

	Approved     bool       `json:"approved"`
	Edited       bool       `json:"edited"`
	EditCount    int        `json:"editCount"`
	Locked       bool       `json:"locked"`
	LastEditedBy string     `json:"lastEditedBy,omitempty"`
	LastEditedAt *time.Time `json:"lastEditedAt,omitempty"`

	Status    EntryStatus `json:"status"`
	DeletedBy string      `json:"deletedBy,omitempty"`
	DeletedAt *time.Time  `json:"deletedAt,omitempty"`

	// Version is bumped on every persisted mutation; stores use it as a
	// compare-and-swap token.
	Version int `json:"version"`
}

// State returns the lifecycle state name used in transition errors.
func (e Entry) State() string {
	switch {
	case e.Status == StatusActive && e.Locked:
		return "locked"
	case e.Status == "":
		return string(StatusActive)
	default:
		return string(e.Status)
	}
}

// IsActive reports whether the entry counts towards balances.
func (e Entry) IsActive() bool { return e.Status == StatusActive }

// Amount returns the single movement of the entry: credit if set, else debit.
func (e Entry) Amount() decimal.Decimal {
	if e.Credit.IsPositive() {
		return e.Credit
	}
	return e.Debit
}

// Clone returns a deep copy; pointer fields are duplicated.
func (e Entry) Clone() Entry {
	c := e
	if e.LastEditedAt != nil {
		t := *e.LastEditedAt
		c.LastEditedAt = &t
	}
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		c.DeletedAt = &t
	}
	return c
}

// EntryInput is the payload for creating an entry.
type EntryInput struct {
	Date        Date            `json:"date"`
	CompanyName string          `json:"companyName"`
	AccountName string          `json:"accountName"`
	SubAccount  string          `json:"subAccount"`
	Particulars string          `json:"particulars"`
	SaleQty     decimal.Decimal `json:"saleQty"`
	PurchaseQty decimal.Decimal `json:"purchaseQty"`
	Credit      decimal.Decimal `json:"credit"`
	Debit       decimal.Decimal `json:"debit"`
	Staff       string          `json:"staff"`
	User        string          `json:"user"`
}

// EntryPatch is a partial update. Nil fields are left untouched.
type EntryPatch struct {
	Date        *Date            `json:"date,omitempty"`
	CompanyName *string          `json:"companyName,omitempty"`
	AccountName *string          `json:"accountName,omitempty"`
	SubAccount  *string          `json:"subAccount,omitempty"`
	Particulars *string          `json:"particulars,omitempty"`
	SaleQty     *decimal.Decimal `json:"saleQty,omitempty"`
	PurchaseQty *decimal.Decimal `json:"purchaseQty,omitempty"`
	Credit      *decimal.Decimal `json:"credit,omitempty"`
	Debit       *decimal.Decimal `json:"debit,omitempty"`
	Staff       *string          `json:"staff,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// IsEmpty reports whether the patch carries no field.
func (p EntryPatch) IsEmpty() bool {
	return p.Date == nil && p.CompanyName == nil && p.AccountName == nil &&
		p.SubAccount == nil && p.Particulars == nil && p.SaleQty == nil &&
		p.PurchaseQty == nil && p.Credit == nil && p.Debit == nil && p.Staff == nil
}

// Input projects an entry back onto the create payload, so the validator
// can judge a merged update with the same rules as a create.
func (e Entry) Input() EntryInput {
	return EntryInput{
		Date:        e.Date,
		CompanyName: e.CompanyName,
		AccountName: e.AccountName,
		SubAccount:  e.SubAccount,
		Particulars: e.Particulars,
		SaleQty:     e.SaleQty,
		PurchaseQty: e.PurchaseQty,
		Credit:      e.Credit,
		Debit:       e.Debit,
		Staff:       e.Staff,
		User:        e.User,
	}
}

// apply merges the patch into a copy of the entry.
func (p EntryPatch) apply(e Entry) Entry {
	out := e.Clone()
	if p.Date != nil {
		out.Date = *p.Date
	}
	if p.CompanyName != nil {
		out.CompanyName = *p.CompanyName
	}
	if p.AccountName != nil {
		out.AccountName = *p.AccountName
	}
	if p.SubAccount != nil {
		out.SubAccount = *p.SubAccount
	}
	if p.Particulars != nil {
		out.Particulars = *p.Particulars
	}
	if p.SaleQty != nil {
		out.SaleQty = *p.SaleQty
	}
	if p.PurchaseQty != nil {
		out.PurchaseQty = *p.PurchaseQty
	}
	if p.Credit != nil {
		out.Credit = *p.Credit
	}
	if p.Debit != nil {
		out.Debit = *p.Debit
	}
	if p.Staff != nil {
		out.Staff = *p.Staff
	}
	return out
}

// =============================================================================
// HISTORY - Append-only audit trail
// =============================================================================

type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionRestore Action = "RESTORE"
	ActionPurge   Action = "PURGE"
	ActionLock    Action = "LOCK"
	ActionUnlock  Action = "UNLOCK"
	ActionApprove Action = "APPROVE"
)

// FieldChange is one differing field between two entry states.
// Values are canonical strings (see audit.go).
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

// HistoryRecord is one audit event. Never modified after it is appended.
type HistoryRecord struct {
	ID           HistoryID     `json:"id"`
	EntryID      EntryID       `json:"entryId"`
	Sno          int64         `json:"sno"`
	DailyEntryNo int           `json:"dailyEntryNo"`
	Action       Action        `json:"action"`
	EditedBy     string        `json:"editedBy"`
	EditedAt     time.Time     `json:"editedAt"`
	Changes      []FieldChange `json:"changes"`
	OriginalData *Entry        `json:"originalData,omitempty"`
	NewData      *Entry        `json:"newData,omitempty"`
	Reason       string        `json:"reason,omitempty"`

	// Seq is assigned by the store on append and breaks EditedAt ties.
	Seq int64 `json:"seq"`
}

// Clone returns a deep copy, so callers cannot reach a store's stored record.
func (h HistoryRecord) Clone() HistoryRecord {
	c := h
	if h.Changes != nil {
		c.Changes = append([]FieldChange(nil), h.Changes...)
	}
	if h.OriginalData != nil {
		e := h.OriginalData.Clone()
		c.OriginalData = &e
	}
	if h.NewData != nil {
		e := h.NewData.Clone()
		c.NewData = &e
	}
	return c
}

// =============================================================================
// FILTERS
// =============================================================================

// EntryFilter narrows entry queries. The zero value selects every active entry.
type EntryFilter struct {
	Date       *Date
	From       *Date
	To         *Date
	Company    string
	Account    string
	SubAccount string
	Approved   *bool
	// Status defaults to StatusActive. Purged entries are never returned.
	Status EntryStatus
}

func (f EntryFilter) status() EntryStatus {
	if f.Status == "" {
		return StatusActive
	}
	return f.Status
}

// Matches applies the filter in memory. SQL stores translate it to WHERE
// clauses instead but must agree with this definition.
func (f EntryFilter) Matches(e Entry) bool {
	if e.Status == StatusPurged || e.Status != f.status() {
		return false
	}
	if f.Date != nil && !e.Date.Equal(*f.Date) {
		return false
	}
	if f.From != nil && e.Date.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Date.After(*f.To) {
		return false
	}
	if f.Company != "" && e.CompanyName != f.Company {
		return false
	}
	if f.Account != "" && e.AccountName != f.Account {
		return false
	}
	if f.SubAccount != "" && e.SubAccount != f.SubAccount {
		return false
	}
	if f.Approved != nil && e.Approved != *f.Approved {
		return false
	}
	return true
}
