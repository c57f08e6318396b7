package cashbook

import (
	"context"
	"time"
)

// =============================================================================
// REFERENCE DIRECTORY - Company / account / sub-account lookups
// =============================================================================

// ReferenceDirectory is the read side of the reference tables owned by an
// external collaborator. The ledger only consults it for warnings in the
// account-structure check; names are never enforced as foreign keys.
//
// Implementations:
//
//	reference.Memory  // in-process tables
//	reference.Redis   // shared tables in Redis
type ReferenceDirectory interface {
	CompanyExists(ctx context.Context, name string) (bool, error)
	AccountsFor(ctx context.Context, company string) ([]string, error)
	SubAccountsFor(ctx context.Context, company, account string) ([]string, error)
}

// Company is a reference row as exposed by directories that keep timestamps.
type Company struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Account is a reference row scoped to a company.
type Account struct {
	Company   string    `json:"company"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// SubAccount is a reference row scoped to a company and account.
type SubAccount struct {
	Company   string    `json:"company"`
	Account   string    `json:"account"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
