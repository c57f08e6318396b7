package reference

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/ledger-engine/cashbook"
)

type accountKey struct {
	company, account string
}

// Memory is an in-process Directory.
type Memory struct {
	mu          sync.RWMutex
	companies   map[string]time.Time
	accounts    map[string]map[string]struct{}
	subAccounts map[accountKey]map[string]struct{}
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		companies:   make(map[string]time.Time),
		accounts:    make(map[string]map[string]struct{}),
		subAccounts: make(map[accountKey]map[string]struct{}),
		now:         time.Now,
	}
}

func (m *Memory) CompanyExists(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.companies[name]
	return ok, nil
}

func (m *Memory) AccountsFor(_ context.Context, company string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.accounts[company]), nil
}

func (m *Memory) SubAccountsFor(_ context.Context, company, account string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.subAccounts[accountKey{company, account}]), nil
}

func (m *Memory) Companies(_ context.Context) ([]cashbook.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]cashbook.Company, 0, len(m.companies))
	for name, created := range m.companies {
		out = append(out, cashbook.Company{Name: name, CreatedAt: created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) AddCompany(_ context.Context, name string) error {
	names, err := cleanNames(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[names[0]]; !ok {
		m.companies[names[0]] = m.now().UTC()
	}
	return nil
}

func (m *Memory) AddAccount(_ context.Context, company, account string) error {
	names, err := cleanNames(company, account)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[names[0]]; !ok {
		return unknownCompany(names[0])
	}
	set, ok := m.accounts[names[0]]
	if !ok {
		set = make(map[string]struct{})
		m.accounts[names[0]] = set
	}
	set[names[1]] = struct{}{}
	return nil
}

func (m *Memory) AddSubAccount(_ context.Context, company, account, subAccount string) error {
	names, err := cleanNames(company, account, subAccount)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[names[0]]; !ok {
		return unknownCompany(names[0])
	}
	if _, ok := m.accounts[names[0]][names[1]]; !ok {
		return unknownAccount(names[0], names[1])
	}
	key := accountKey{names[0], names[1]}
	set, ok := m.subAccounts[key]
	if !ok {
		set = make(map[string]struct{})
		m.subAccounts[key] = set
	}
	set[names[2]] = struct{}{}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

var _ Directory = (*Memory)(nil)
