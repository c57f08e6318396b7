/*
calculator.go - Exact monetary arithmetic

PURPOSE:
  The only place where amounts are added, subtracted or compared for
  balances. Every operand is normalized to minor units (hundredths)
  before use, so long chains of additions never drift and inputs that
  carry more than two decimals are rounded once, consistently.

ROUNDING:
  Normalization rounds half away from zero to two decimal places.
  Percentage rounds its result to two decimal places the same way.

RECONCILIATION TOLERANCE:
  IsBalanced = |credit - debit| < 0.01. With normalized operands the
  difference is always a whole number of minor units, so in practice
  this means "exactly equal".

SEE ALSO:
  - validator.go: Rejects bad inputs before they reach the calculator
  - reconciliation.go: Aggregates over ledger entries
*/
package cashbook

import (
	"github.com/shopspring/decimal"
)

const minorUnitExp = 2

var (
	hundred          = decimal.NewFromInt(100)
	balanceTolerance = decimal.New(1, -minorUnitExp)
)

// Calculator performs fixed-point arithmetic on monetary amounts.
// The zero value is ready to use.
type Calculator struct{}

// Normalize rounds an amount to minor units.
func (Calculator) Normalize(a decimal.Decimal) decimal.Decimal {
	return a.Round(minorUnitExp)
}

// MinorUnits converts an amount to an integer count of hundredths.
func (c Calculator) MinorUnits(a decimal.Decimal) int64 {
	return c.Normalize(a).Shift(minorUnitExp).IntPart()
}

// FromMinorUnits converts a count of hundredths back to an amount.
func (Calculator) FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -minorUnitExp)
}

func (c Calculator) Add(a, b decimal.Decimal) decimal.Decimal {
	return c.Normalize(a).Add(c.Normalize(b))
}

func (c Calculator) Subtract(a, b decimal.Decimal) decimal.Decimal {
	return c.Normalize(a).Sub(c.Normalize(b))
}

// Sum totals amounts in order.
func (c Calculator) Sum(amounts []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = c.Add(total, a)
	}
	return total
}

// Balance is credit minus debit.
func (c Calculator) Balance(credit, debit decimal.Decimal) decimal.Decimal {
	return c.Subtract(credit, debit)
}

// Percentage returns part as a percentage of total, or zero for a zero total.
func (c Calculator) Percentage(part, total decimal.Decimal) decimal.Decimal {
	p, t := c.MinorUnits(part), c.MinorUnits(total)
	if t == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p).Mul(hundred).DivRound(decimal.NewFromInt(t), minorUnitExp)
}

// IsZero compares against zero after normalization.
func (c Calculator) IsZero(a decimal.Decimal) bool {
	return c.Normalize(a).IsZero()
}

// Compare returns -1, 0 or 1 after normalization.
func (c Calculator) Compare(a, b decimal.Decimal) int {
	return c.Normalize(a).Cmp(c.Normalize(b))
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconciliation is the credit / debit comparison over a set of entries.
type Reconciliation struct {
	TotalCredit decimal.Decimal `json:"totalCredit"`
	TotalDebit  decimal.Decimal `json:"totalDebit"`
	Difference  decimal.Decimal `json:"difference"`
	IsBalanced  bool            `json:"isBalanced"`
}

// Reconcile totals credits and debits of the given entries.
func (c Calculator) Reconcile(entries []Entry) Reconciliation {
	credits := make([]decimal.Decimal, len(entries))
	debits := make([]decimal.Decimal, len(entries))
	for i, e := range entries {
		credits[i] = e.Credit
		debits[i] = e.Debit
	}
	totalCredit := c.Sum(credits)
	totalDebit := c.Sum(debits)
	diff := c.Subtract(totalCredit, totalDebit)
	return Reconciliation{
		TotalCredit: totalCredit,
		TotalDebit:  totalDebit,
		Difference:  diff,
		IsBalanced:  diff.Abs().LessThan(balanceTolerance),
	}
}
