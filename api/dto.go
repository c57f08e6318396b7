/*
dto.go - Request and response bodies

PURPOSE:
  Transport shapes for the HTTP API. Struct tags checked by
  go-playground/validator reject malformed requests (400) before they
  reach the ledger; business rules stay in cashbook.Validator (422).

NAMING CONVENTION:
  - *Request:  bodies sent by clients
  - *Response: bodies returned by handlers

SEE ALSO:
  - handlers.go: Uses these types
  - cashbook/validator.go: Business rules
*/
package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/cashbook"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// ENTRIES
// =============================================================================

// CreateEntryRequest is the body of POST /api/entries.
type CreateEntryRequest struct {
	Date        string           `json:"date" validate:"omitempty,datetime=2006-01-02"`
	CompanyName string           `json:"companyName" validate:"max=1000"`
	AccountName string           `json:"accountName" validate:"max=1000"`
	SubAccount  string           `json:"subAccount" validate:"max=1000"`
	Particulars string           `json:"particulars" validate:"max=5000"`
	SaleQty     *decimal.Decimal `json:"saleQty"`
	PurchaseQty *decimal.Decimal `json:"purchaseQty"`
	Credit      *decimal.Decimal `json:"credit"`
	Debit       *decimal.Decimal `json:"debit"`
	Staff       string           `json:"staff" validate:"max=1000"`
	User        string           `json:"user" validate:"max=1000"`
}

func (r CreateEntryRequest) toInput() (cashbook.EntryInput, error) {
	in := cashbook.EntryInput{
		CompanyName: r.CompanyName,
		AccountName: r.AccountName,
		SubAccount:  r.SubAccount,
		Particulars: r.Particulars,
		SaleQty:     orZero(r.SaleQty),
		PurchaseQty: orZero(r.PurchaseQty),
		Credit:      orZero(r.Credit),
		Debit:       orZero(r.Debit),
		Staff:       r.Staff,
		User:        r.User,
	}
	if r.Date != "" {
		d, err := cashbook.ParseDate(r.Date)
		if err != nil {
			return in, err
		}
		in.Date = d
	}
	return in, nil
}

// UpdateEntryRequest is the body of PATCH /api/entries/{id}. Absent fields
// are left unchanged.
type UpdateEntryRequest struct {
	Date        *string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	CompanyName *string          `json:"companyName" validate:"omitempty,max=1000"`
	AccountName *string          `json:"accountName" validate:"omitempty,max=1000"`
	SubAccount  *string          `json:"subAccount" validate:"omitempty,max=1000"`
	Particulars *string          `json:"particulars" validate:"omitempty,max=5000"`
	SaleQty     *decimal.Decimal `json:"saleQty"`
	PurchaseQty *decimal.Decimal `json:"purchaseQty"`
	Credit      *decimal.Decimal `json:"credit"`
	Debit       *decimal.Decimal `json:"debit"`
	Staff       *string          `json:"staff" validate:"omitempty,max=1000"`
	Reason      string           `json:"reason" validate:"max=500"`
}

func (r UpdateEntryRequest) toPatch() (cashbook.EntryPatch, error) {
	p := cashbook.EntryPatch{
		CompanyName: r.CompanyName,
		AccountName: r.AccountName,
		SubAccount:  r.SubAccount,
		Particulars: r.Particulars,
		SaleQty:     r.SaleQty,
		PurchaseQty: r.PurchaseQty,
		Credit:      r.Credit,
		Debit:       r.Debit,
		Staff:       r.Staff,
		Reason:      r.Reason,
	}
	if r.Date != nil {
		d, err := cashbook.ParseDate(*r.Date)
		if err != nil {
			return p, err
		}
		p.Date = &d
	}
	return p, nil
}

// EntryResponse wraps a mutated entry with the non-blocking warnings.
type EntryResponse struct {
	Entry    cashbook.Entry   `json:"entry"`
	Warnings []cashbook.Issue `json:"warnings"`
}

// =============================================================================
// REFERENCE
// =============================================================================

// AccountStructureRequest is the body of POST /api/reference/validate.
type AccountStructureRequest struct {
	CompanyName string `json:"companyName" validate:"required"`
	AccountName string `json:"accountName"`
	SubAccount  string `json:"subAccount"`
}

type CompanyRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type AccountRequest struct {
	Company string `json:"company" validate:"required,max=100"`
	Name    string `json:"name" validate:"required,max=100"`
}

type SubAccountRequest struct {
	Company string `json:"company" validate:"required,max=100"`
	Account string `json:"account" validate:"required,max=100"`
	Name    string `json:"name" validate:"required,max=100"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Details   string           `json:"details,omitempty"`
	Issues    []cashbook.Issue `json:"issues,omitempty"`
	Warnings  []cashbook.Issue `json:"warnings,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}

// checkRequest runs the struct tags and flattens failures into one error.
func checkRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
	return errors.New(strings.Join(msgs, "; "))
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
