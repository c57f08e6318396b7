package reference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_Lookups(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	r := NewRedis(client)

	mock.ExpectHExists("cashbook:companies", "Acme").SetVal(true)
	mock.ExpectSMembers("cashbook:accounts:Acme").SetVal([]string{"Sales", "Expenses"})
	mock.ExpectSMembers("cashbook:subaccounts:Acme:Sales").SetVal([]string{"South", "North"})

	ok, err := r.CompanyExists(ctx, "Acme")
	require.NoError(t, err)
	assert.True(t, ok)

	accounts, err := r.AccountsFor(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"Expenses", "Sales"}, accounts)

	subs, err := r.SubAccountsFor(ctx, "Acme", "Sales")
	require.NoError(t, err)
	assert.Equal(t, []string{"North", "South"}, subs)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_LookupFailureIsWrapped(t *testing.T) {
	client, mock := redismock.NewClientMock()
	r := NewRedis(client)
	mock.ExpectSMembers("cashbook:accounts:Acme").SetErr(errors.New("connection refused"))

	_, err := r.AccountsFor(context.Background(), "Acme")

	assert.ErrorContains(t, err, "connection refused")
	assert.ErrorContains(t, err, "cashbook:accounts:Acme")
}

func TestRedis_Registration(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	r := NewRedis(client)
	at := time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return at }

	// GIVEN: a company, one account under it and one sub-account
	mock.ExpectHSetNX("cashbook:companies", "Acme", "2024-03-01T08:00:00Z").SetVal(true)
	mock.ExpectHExists("cashbook:companies", "Acme").SetVal(true)
	mock.ExpectSAdd("cashbook:accounts:Acme", "Sales").SetVal(1)
	mock.ExpectSIsMember("cashbook:accounts:Acme", "Sales").SetVal(true)
	mock.ExpectSAdd("cashbook:subaccounts:Acme:Sales", "North").SetVal(1)

	// WHEN: registering them in order
	require.NoError(t, r.AddCompany(ctx, "Acme"))
	require.NoError(t, r.AddAccount(ctx, "Acme", "Sales"))
	require.NoError(t, r.AddSubAccount(ctx, "Acme", "Sales", "North"))

	// THEN: every write hit the expected key
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_AddAccountRequiresCompany(t *testing.T) {
	client, mock := redismock.NewClientMock()
	r := NewRedis(client)
	mock.ExpectHExists("cashbook:companies", "Globex").SetVal(false)

	err := r.AddAccount(context.Background(), "Globex", "Sales")

	assert.ErrorIs(t, err, ErrUnknownCompany)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_CompaniesSortedWithTimestamps(t *testing.T) {
	client, mock := redismock.NewClientMock()
	r := NewRedis(client)
	mock.ExpectHGetAll("cashbook:companies").SetVal(map[string]string{
		"Globex": "2024-02-01T00:00:00Z",
		"Acme":   "2024-01-01T00:00:00Z",
	})

	companies, err := r.Companies(context.Background())

	require.NoError(t, err)
	require.Len(t, companies, 2)
	assert.Equal(t, "Acme", companies[0].Name)
	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), companies[0].CreatedAt)
	assert.Equal(t, "Globex", companies[1].Name)
}
