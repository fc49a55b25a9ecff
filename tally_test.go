package tally

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/database/memory"
	"github.com/blnkfinance/tally/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)

func newTestTally(t *testing.T) (*Tally, *memory.Store) {
	t.Helper()
	config.MockConfig(config.DefaultsForTest())
	store := memory.NewStore()
	return &Tally{datasource: store, now: func() time.Time { return testNow }}, store
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func createAccount(t *testing.T, tl *Tally, name, currency, companyID string, bt model.BalanceType) model.Account {
	t.Helper()
	if name == "" {
		name = gofakeit.Company()
	}
	account, err := tl.CreateAccount(context.Background(), model.Account{
		Name:        name,
		Currency:    currency,
		CompanyID:   companyID,
		BalanceType: bt,
	})
	require.NoError(t, err)
	return account
}

func putTransaction(store *memory.Store, id string, account model.Account, direction model.Direction, amount, date, description string) model.Transaction {
	txn := model.Transaction{
		TransactionID:  id,
		AccountID:      account.AccountID,
		CompanyID:      account.CompanyID,
		Date:           day(date),
		Amount:         dec(amount),
		Currency:       account.Currency,
		Direction:      direction,
		Description:    description,
		TransferStatus: model.TransferStatusUnmatched,
		NeedsReview:    true,
	}
	store.PutTransaction(txn)
	return txn
}

func TestNewTally(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultsForTest()
	cfg.Redis.Dns = mr.Addr()
	cfg.Categorizer.Url = "https://categorizer.test/categorize"
	config.MockConfig(cfg)

	tl, err := NewTally(memory.NewStore())
	require.NoError(t, err)
	defer tl.Close()

	assert.NotNil(t, tl.queue)
	assert.NotNil(t, tl.redis)
	assert.NotNil(t, tl.kbCache)
	assert.NotNil(t, tl.categorizer)
}

func TestNewTally_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultsForTest()
	cfg.Redis.Dns = mr.Addr()
	config.MockConfig(cfg)
	mr.Close()

	_, err := NewTally(memory.NewStore())
	assert.Error(t, err)
}

func TestNewLocalTally(t *testing.T) {
	config.MockConfig(config.DefaultsForTest())

	tl, err := NewLocalTally(memory.NewStore())
	require.NoError(t, err)

	assert.Nil(t, tl.queue)
	assert.Nil(t, tl.redis)
	assert.Nil(t, tl.categorizer)
	assert.NoError(t, tl.Close())
	assert.WithinDuration(t, time.Now().UTC(), tl.clock(), time.Minute)
}
