package cashbook

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECONCILER - Read-only aggregates over active entries
// =============================================================================

// Reconciler computes dashboard figures and balances. It only reads, so a
// mismatch it reports never blocks a mutation. Deleted and purged entries
// are excluded; locked entries are active and count.
type Reconciler struct {
	store Store
	calc  Calculator
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// DashboardStats summarizes one day, or every day when date is nil.
type DashboardStats struct {
	TotalCredit       decimal.Decimal `json:"totalCredit"`
	TotalDebit        decimal.Decimal `json:"totalDebit"`
	Balance           decimal.Decimal `json:"balance"`
	TotalTransactions int             `json:"totalTransactions"`
	PendingApprovals  int             `json:"pendingApprovals"`
}

type CompanyBalance struct {
	CompanyName    string          `json:"companyName"`
	TotalCredit    decimal.Decimal `json:"totalCredit"`
	TotalDebit     decimal.Decimal `json:"totalDebit"`
	ClosingBalance decimal.Decimal `json:"closingBalance"`
}

type AccountBalance struct {
	CompanyName    string          `json:"companyName"`
	AccountName    string          `json:"accountName"`
	TotalCredit    decimal.Decimal `json:"totalCredit"`
	TotalDebit     decimal.Decimal `json:"totalDebit"`
	ClosingBalance decimal.Decimal `json:"closingBalance"`
}

// RunningBalance is an entry with the cumulative credit - debit up to and
// including it, in sno order.
type RunningBalance struct {
	Entry   Entry           `json:"entry"`
	Balance decimal.Decimal `json:"runningBalance"`
}

func (r *Reconciler) DashboardStats(ctx context.Context, date *Date) (DashboardStats, error) {
	entries, err := r.store.ListEntries(ctx, EntryFilter{Date: date})
	if err != nil {
		return DashboardStats{}, err
	}
	rec := r.calc.Reconcile(entries)
	stats := DashboardStats{
		TotalCredit:       rec.TotalCredit,
		TotalDebit:        rec.TotalDebit,
		Balance:           rec.Difference,
		TotalTransactions: len(entries),
	}
	for _, e := range entries {
		if !e.Approved {
			stats.PendingApprovals++
		}
	}
	return stats, nil
}

// CompanyBalances returns one row per company, sorted by name.
func (r *Reconciler) CompanyBalances(ctx context.Context) ([]CompanyBalance, error) {
	entries, err := r.store.ListEntries(ctx, EntryFilter{})
	if err != nil {
		return nil, err
	}
	groups := map[string][]Entry{}
	for _, e := range entries {
		groups[e.CompanyName] = append(groups[e.CompanyName], e)
	}

	out := make([]CompanyBalance, 0, len(groups))
	for name, group := range groups {
		rec := r.calc.Reconcile(group)
		out = append(out, CompanyBalance{
			CompanyName:    name,
			TotalCredit:    rec.TotalCredit,
			TotalDebit:     rec.TotalDebit,
			ClosingBalance: rec.Difference,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompanyName < out[j].CompanyName })
	return out, nil
}

// AccountBalances breaks one company down per account, sorted by name.
func (r *Reconciler) AccountBalances(ctx context.Context, company string) ([]AccountBalance, error) {
	entries, err := r.store.ListEntries(ctx, EntryFilter{Company: company})
	if err != nil {
		return nil, err
	}
	groups := map[string][]Entry{}
	for _, e := range entries {
		groups[e.AccountName] = append(groups[e.AccountName], e)
	}

	out := make([]AccountBalance, 0, len(groups))
	for name, group := range groups {
		rec := r.calc.Reconcile(group)
		out = append(out, AccountBalance{
			CompanyName:    company,
			AccountName:    name,
			TotalCredit:    rec.TotalCredit,
			TotalDebit:     rec.TotalDebit,
			ClosingBalance: rec.Difference,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountName < out[j].AccountName })
	return out, nil
}

// RunningBalances returns the filtered entries in sno order with their
// cumulative balance. The filter's Status is ignored.
func (r *Reconciler) RunningBalances(ctx context.Context, filter EntryFilter) ([]RunningBalance, error) {
	filter.Status = StatusActive
	entries, err := r.store.ListEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]RunningBalance, len(entries))
	balance := decimal.Zero
	for i, e := range entries {
		balance = r.calc.Add(balance, r.calc.Balance(e.Credit, e.Debit))
		out[i] = RunningBalance{Entry: e, Balance: balance}
	}
	return out, nil
}

func (r *Reconciler) ReconcileAll(ctx context.Context) (Reconciliation, error) {
	entries, err := r.store.ListEntries(ctx, EntryFilter{})
	if err != nil {
		return Reconciliation{}, err
	}
	return r.calc.Reconcile(entries), nil
}

// Check returns the reconciliation and, when it does not balance, a
// *ReconciliationMismatch describing it.
func (r *Reconciler) Check(ctx context.Context) (Reconciliation, error) {
	rec, err := r.ReconcileAll(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	if !rec.IsBalanced {
		return rec, &ReconciliationMismatch{
			TotalCredit: rec.TotalCredit,
			TotalDebit:  rec.TotalDebit,
			Difference:  rec.Difference,
		}
	}
	return rec, nil
}
