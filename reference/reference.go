/*
Package reference holds the company / account / sub-account tables the
ledger consults when checking account structure.

PURPOSE:
  The tables are owned outside the ledger. Entries store names only and
  are never rejected for an unknown name; the validator just warns.

IMPLEMENTATIONS:
  - Memory: process-local maps, used by tests and single-node setups
  - Redis:  shared across processes (one hash + sets per scope)

SEE ALSO:
  - cashbook/reference.go: The read-only interface the ledger depends on
  - api/handlers.go: Registration endpoints
*/
package reference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/ledger-engine/cashbook"
)

var (
	ErrEmptyName      = errors.New("reference name cannot be empty")
	ErrUnknownCompany = errors.New("company is not registered")
	ErrUnknownAccount = errors.New("account is not registered")
)

// Directory is a ReferenceDirectory that also accepts registrations.
type Directory interface {
	cashbook.ReferenceDirectory

	// Companies lists registered companies ordered by name.
	Companies(ctx context.Context) ([]cashbook.Company, error)

	// AddCompany registers a company. Registering twice is a no-op.
	AddCompany(ctx context.Context, name string) error

	// AddAccount registers an account under an existing company.
	AddAccount(ctx context.Context, company, account string) error

	// AddSubAccount registers a sub-account under an existing account.
	AddSubAccount(ctx context.Context, company, account, subAccount string) error
}

func cleanNames(names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.TrimSpace(n)
		if out[i] == "" {
			return nil, ErrEmptyName
		}
	}
	return out, nil
}

func unknownCompany(company string) error {
	return fmt.Errorf("%w: %q", ErrUnknownCompany, company)
}

func unknownAccount(company, account string) error {
	return fmt.Errorf("%w: %q under %q", ErrUnknownAccount, account, company)
}
