package reference

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/warp/ledger-engine/cashbook"
)

// Key layout:
//
//	cashbook:companies                        hash  name -> created_at (RFC3339)
//	cashbook:accounts:{company}               set   account names
//	cashbook:subaccounts:{company}:{account}  set   sub-account names
const keyPrefix = "cashbook"

func companiesKey() string { return keyPrefix + ":companies" }

func accountsKey(company string) string { return keyPrefix + ":accounts:" + company }

func subAccountsKey(company, account string) string {
	return keyPrefix + ":subaccounts:" + company + ":" + account
}

// Redis is a Directory backed by a shared Redis instance.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

// Ping reports whether the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) CompanyExists(ctx context.Context, name string) (bool, error) {
	ok, err := r.client.HExists(ctx, companiesKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("redis company lookup: %w", err)
	}
	return ok, nil
}

func (r *Redis) AccountsFor(ctx context.Context, company string) ([]string, error) {
	return r.members(ctx, accountsKey(company))
}

func (r *Redis) SubAccountsFor(ctx context.Context, company, account string) ([]string, error) {
	return r.members(ctx, subAccountsKey(company, account))
}

func (r *Redis) members(ctx context.Context, key string) ([]string, error) {
	names, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis members of %s: %w", key, err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Redis) Companies(ctx context.Context) ([]cashbook.Company, error) {
	raw, err := r.client.HGetAll(ctx, companiesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list companies: %w", err)
	}
	out := make([]cashbook.Company, 0, len(raw))
	for name, created := range raw {
		c := cashbook.Company{Name: name}
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			c.CreatedAt = t
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Redis) AddCompany(ctx context.Context, name string) error {
	names, err := cleanNames(name)
	if err != nil {
		return err
	}
	created := r.now().UTC().Format(time.RFC3339)
	if err := r.client.HSetNX(ctx, companiesKey(), names[0], created).Err(); err != nil {
		return fmt.Errorf("redis add company: %w", err)
	}
	return nil
}

func (r *Redis) AddAccount(ctx context.Context, company, account string) error {
	names, err := cleanNames(company, account)
	if err != nil {
		return err
	}
	ok, err := r.CompanyExists(ctx, names[0])
	if err != nil {
		return err
	}
	if !ok {
		return unknownCompany(names[0])
	}
	if err := r.client.SAdd(ctx, accountsKey(names[0]), names[1]).Err(); err != nil {
		return fmt.Errorf("redis add account: %w", err)
	}
	return nil
}

func (r *Redis) AddSubAccount(ctx context.Context, company, account, subAccount string) error {
	names, err := cleanNames(company, account, subAccount)
	if err != nil {
		return err
	}
	member, err := r.client.SIsMember(ctx, accountsKey(names[0]), names[1]).Result()
	if err != nil {
		return fmt.Errorf("redis account lookup: %w", err)
	}
	if !member {
		return unknownAccount(names[0], names[1])
	}
	if err := r.client.SAdd(ctx, subAccountsKey(names[0], names[1]), names[2]).Err(); err != nil {
		return fmt.Errorf("redis add sub-account: %w", err)
	}
	return nil
}

var _ Directory = (*Redis)(nil)
