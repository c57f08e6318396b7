/*
validator.go - Business rules for entry payloads

PURPOSE:
  Judges a proposed entry (or a merged update) and reports every broken
  rule at once. Pure: no I/O except the optional reference lookups in
  ValidateAccountStructure, and never mutates anything.

ERRORS (operation rejected):
  - credit or debit negative, or a quantity negative
  - credit and debit both positive, or both zero
  - amount above MaxAmount
  - date, companyName, accountName, particulars or staff missing
  - date before Epoch or more than MaxFutureDays ahead
  - particulars longer than MaxParticularsLength

WARNINGS (accepted but flagged):
  - particulars shorter than MinParticularsLength
  - sale quantity with no credit, purchase quantity with no debit
  - sale and purchase quantity both set

ACCOUNT STRUCTURE (separate entry point):
  Names must not contain control or path-unsafe characters and must fit
  MaxNameLength. Unknown names in the ReferenceDirectory only warn.

SEE ALSO:
  - calculator.go: All amount comparisons go through Calculator
  - ledger.go: Calls Validate on create and on every merged update
*/
package cashbook

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Issue codes. Stable strings for API clients.
const (
	CodeRequired       = "required"
	CodeNegative       = "negative"
	CodeBothDirections = "both_directions"
	CodeNoMovement     = "no_movement"
	CodeTooLarge       = "too_large"
	CodeDateTooEarly   = "date_too_early"
	CodeDateTooLate    = "date_too_late"
	CodeTooLong        = "too_long"
	CodeUnsafeChars    = "unsafe_characters"
	CodeShort          = "short"
	CodeQtyNoAmount    = "quantity_without_amount"
	CodeAmountNoQty    = "amount_without_quantity"
	CodeBothQuantities = "both_quantities"
	CodeUnknownRef     = "unknown_reference"
)

const unsafeNameChars = `/\:*?"<>|`

// ValidatorConfig holds the configurable limits.
type ValidatorConfig struct {
	MaxAmount            decimal.Decimal
	Epoch                Date
	MaxFutureDays        int
	MaxNameLength        int
	MaxParticularsLength int
	MinParticularsLength int
	Now                  func() time.Time
}

// DefaultValidatorConfig returns the production limits.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAmount:            decimal.NewFromInt(10_000_000),
		Epoch:                NewDate(2000, time.January, 1),
		MaxFutureDays:        365,
		MaxNameLength:        100,
		MaxParticularsLength: 500,
		MinParticularsLength: 3,
		Now:                  time.Now,
	}
}

// ValidationResult is the outcome of a validation pass.
type ValidationResult struct {
	Valid    bool    `json:"isValid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Err returns a *ValidationError when the result is invalid, else nil.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Issues: r.Errors, Warnings: r.Warnings}
}

// Merge folds other into r.
func (r ValidationResult) Merge(other ValidationResult) ValidationResult {
	out := ValidationResult{
		Errors:   append(slices.Clone(r.Errors), other.Errors...),
		Warnings: append(slices.Clone(r.Warnings), other.Warnings...),
	}
	out.Valid = len(out.Errors) == 0
	return out
}

type resultBuilder struct {
	res ValidationResult
}

func (b *resultBuilder) fail(field, code, format string, args ...any) {
	b.res.Errors = append(b.res.Errors, Issue{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (b *resultBuilder) warn(field, code, format string, args ...any) {
	b.res.Warnings = append(b.res.Warnings, Issue{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (b *resultBuilder) result() ValidationResult {
	b.res.Valid = len(b.res.Errors) == 0
	if b.res.Errors == nil {
		b.res.Errors = []Issue{}
	}
	if b.res.Warnings == nil {
		b.res.Warnings = []Issue{}
	}
	return b.res
}

// =============================================================================
// VALIDATOR
// =============================================================================

// Validator applies the business rules. Safe for concurrent use.
type Validator struct {
	cfg  ValidatorConfig
	calc Calculator
}

func NewValidator(cfg ValidatorConfig) *Validator {
	def := DefaultValidatorConfig()
	if cfg.MaxAmount.IsZero() {
		cfg.MaxAmount = def.MaxAmount
	}
	if cfg.Epoch.IsZero() {
		cfg.Epoch = def.Epoch
	}
	// Zero is a real limit: no future-dated entries.
	if cfg.MaxFutureDays < 0 {
		cfg.MaxFutureDays = def.MaxFutureDays
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = def.MaxNameLength
	}
	if cfg.MaxParticularsLength <= 0 {
		cfg.MaxParticularsLength = def.MaxParticularsLength
	}
	if cfg.MinParticularsLength <= 0 {
		cfg.MinParticularsLength = def.MinParticularsLength
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{cfg: cfg}
}

// Config returns the effective limits.
func (v *Validator) Config() ValidatorConfig { return v.cfg }

// Validate judges a complete entry payload.
func (v *Validator) Validate(in EntryInput) ValidationResult {
	var b resultBuilder

	required := []struct{ field, value string }{
		{"companyName", in.CompanyName},
		{"accountName", in.AccountName},
		{"particulars", in.Particulars},
		{"staff", in.Staff},
	}
	if in.Date.IsZero() {
		b.fail("date", CodeRequired, "date is required")
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			b.fail(r.field, CodeRequired, "%s is required", r.field)
		}
	}

	v.checkDate(&b, in.Date)
	v.checkParticulars(&b, in.Particulars)
	v.checkAmounts(&b, in.Credit, in.Debit)
	v.checkQuantities(&b, in.SaleQty, in.PurchaseQty, in.Credit, in.Debit)

	return b.result()
}

// ValidatePatch checks only the fields present in the patch. The ledger
// still validates the merged entry with Validate.
func (v *Validator) ValidatePatch(p EntryPatch) ValidationResult {
	var b resultBuilder

	blank := map[string]*string{
		"companyName": p.CompanyName,
		"accountName": p.AccountName,
		"particulars": p.Particulars,
		"staff":       p.Staff,
	}
	for _, field := range []string{"companyName", "accountName", "particulars", "staff"} {
		if val := blank[field]; val != nil && strings.TrimSpace(*val) == "" {
			b.fail(field, CodeRequired, "%s cannot be empty", field)
		}
	}
	if p.Date != nil {
		if p.Date.IsZero() {
			b.fail("date", CodeRequired, "date cannot be empty")
		}
		v.checkDate(&b, *p.Date)
	}
	if p.Particulars != nil {
		v.checkParticulars(&b, *p.Particulars)
	}
	for _, amt := range []struct {
		field string
		value *decimal.Decimal
	}{
		{"credit", p.Credit}, {"debit", p.Debit}, {"saleQty", p.SaleQty}, {"purchaseQty", p.PurchaseQty},
	} {
		if amt.value == nil {
			continue
		}
		if amt.value.IsNegative() {
			b.fail(amt.field, CodeNegative, "%s cannot be negative", amt.field)
		}
		if (amt.field == "credit" || amt.field == "debit") && v.calc.Compare(*amt.value, v.cfg.MaxAmount) > 0 {
			b.fail(amt.field, CodeTooLarge, "%s exceeds maximum of %s", amt.field, v.cfg.MaxAmount.StringFixed(2))
		}
	}
	if p.Credit != nil && p.Debit != nil && p.Credit.IsPositive() && p.Debit.IsPositive() {
		b.fail("credit", CodeBothDirections, "an entry cannot have both credit and debit")
	}
	return b.result()
}

func (v *Validator) checkDate(b *resultBuilder, d Date) {
	if d.IsZero() {
		return
	}
	if d.Before(v.cfg.Epoch) {
		b.fail("date", CodeDateTooEarly, "date %s is before %s", d, v.cfg.Epoch)
	}
	latest := DateOf(v.cfg.Now()).AddDays(v.cfg.MaxFutureDays)
	if d.After(latest) {
		b.fail("date", CodeDateTooLate, "date %s is more than %d days in the future", d, v.cfg.MaxFutureDays)
	}
}

func (v *Validator) checkParticulars(b *resultBuilder, s string) {
	n := utf8.RuneCountInString(strings.TrimSpace(s))
	if n > v.cfg.MaxParticularsLength {
		b.fail("particulars", CodeTooLong, "particulars exceed %d characters", v.cfg.MaxParticularsLength)
	}
	if n > 0 && n < v.cfg.MinParticularsLength {
		b.warn("particulars", CodeShort, "particulars are very short")
	}
}

func (v *Validator) checkAmounts(b *resultBuilder, credit, debit decimal.Decimal) {
	if credit.IsNegative() {
		b.fail("credit", CodeNegative, "credit cannot be negative")
	}
	if debit.IsNegative() {
		b.fail("debit", CodeNegative, "debit cannot be negative")
	}

	hasCredit := v.calc.Compare(credit, decimal.Zero) > 0
	hasDebit := v.calc.Compare(debit, decimal.Zero) > 0
	switch {
	case hasCredit && hasDebit:
		b.fail("credit", CodeBothDirections, "an entry cannot have both credit and debit")
	case !hasCredit && !hasDebit && !credit.IsNegative() && !debit.IsNegative():
		b.fail("credit", CodeNoMovement, "either credit or debit must be greater than zero")
	}

	if v.calc.Compare(credit, v.cfg.MaxAmount) > 0 {
		b.fail("credit", CodeTooLarge, "credit exceeds maximum of %s", v.cfg.MaxAmount.StringFixed(2))
	}
	if v.calc.Compare(debit, v.cfg.MaxAmount) > 0 {
		b.fail("debit", CodeTooLarge, "debit exceeds maximum of %s", v.cfg.MaxAmount.StringFixed(2))
	}
}

func (v *Validator) checkQuantities(b *resultBuilder, sale, purchase, credit, debit decimal.Decimal) {
	if sale.IsNegative() {
		b.fail("saleQty", CodeNegative, "sale quantity cannot be negative")
	}
	if purchase.IsNegative() {
		b.fail("purchaseQty", CodeNegative, "purchase quantity cannot be negative")
	}
	if sale.IsPositive() && purchase.IsPositive() {
		b.warn("saleQty", CodeBothQuantities, "both sale and purchase quantities are set")
	}
	if sale.IsPositive() && v.calc.IsZero(credit) {
		b.warn("saleQty", CodeQtyNoAmount, "sale quantity recorded without a credit amount")
	}
	if purchase.IsPositive() && v.calc.IsZero(debit) {
		b.warn("purchaseQty", CodeQtyNoAmount, "purchase quantity recorded without a debit amount")
	}
	// An amount with no quantity at all is a plain cash movement.
	if credit.IsPositive() && sale.IsZero() && purchase.IsPositive() {
		b.warn("credit", CodeAmountNoQty, "credit amount recorded without a sale quantity")
	}
	if debit.IsPositive() && purchase.IsZero() && sale.IsPositive() {
		b.warn("debit", CodeAmountNoQty, "debit amount recorded without a purchase quantity")
	}
}

// =============================================================================
// ACCOUNT STRUCTURE
// =============================================================================

// ValidateAccountStructure checks the naming rules of the three hierarchy
// names and, when dir is not nil, warns about names the directory does not
// know. Lookup failures are returned as errors; they never become issues.
func (v *Validator) ValidateAccountStructure(ctx context.Context, company, account, subAccount string, dir ReferenceDirectory) (ValidationResult, error) {
	var b resultBuilder

	names := []struct{ field, value string }{
		{"companyName", company},
		{"accountName", account},
		{"subAccount", subAccount},
	}
	for _, n := range names {
		v.checkName(&b, n.field, n.value)
	}
	if dir == nil || len(b.res.Errors) > 0 {
		return b.result(), nil
	}

	if company == "" {
		return b.result(), nil
	}
	exists, err := dir.CompanyExists(ctx, company)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("company lookup: %w", err)
	}
	if !exists {
		b.warn("companyName", CodeUnknownRef, "company %q is not registered", company)
		return b.result(), nil
	}
	if account == "" {
		return b.result(), nil
	}
	accounts, err := dir.AccountsFor(ctx, company)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("account lookup: %w", err)
	}
	if !slices.Contains(accounts, account) {
		b.warn("accountName", CodeUnknownRef, "account %q is not registered under %q", account, company)
		return b.result(), nil
	}
	if subAccount == "" {
		return b.result(), nil
	}
	subs, err := dir.SubAccountsFor(ctx, company, account)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("sub-account lookup: %w", err)
	}
	if !slices.Contains(subs, subAccount) {
		b.warn("subAccount", CodeUnknownRef, "sub-account %q is not registered under %q/%q", subAccount, company, account)
	}
	return b.result(), nil
}

func (v *Validator) checkName(b *resultBuilder, field, name string) {
	if utf8.RuneCountInString(name) > v.cfg.MaxNameLength {
		b.fail(field, CodeTooLong, "%s exceeds %d characters", field, v.cfg.MaxNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(unsafeNameChars, r) {
			b.fail(field, CodeUnsafeChars, "%s contains an invalid character %q", field, r)
			return
		}
	}
}
