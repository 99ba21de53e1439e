package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/models"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store"
)

// newTestStore connects to the database named by TEST_DATABASE_URL,
// applies the schema and truncates all tables. Tests are skipped when
// the variable is unset so the suite runs without a database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	st, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_init.sql"))
	require.NoError(t, err)
	_, err = st.Pool().Exec(ctx, string(schema))
	require.NoError(t, err)

	_, err = st.Pool().Exec(ctx, "TRUNCATE trades, orders, holdings, accounts RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return st
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateAccountRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "alice", "hash", dec("10000"), map[string]decimal.Decimal{
		"BTC": dec("10"),
		"ETH": dec("10"),
	})
	require.NoError(t, err)
	require.NotZero(t, acct.ID)
	require.True(t, acct.Balance.Equal(dec("10000")))

	got, err := st.GetAccountByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, acct.ID, got.ID)
	require.True(t, got.Balance.Equal(dec("10000")))

	holdings, err := st.ListHoldings(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, holdings, 2)
	for _, h := range holdings {
		require.True(t, h.Available.Equal(dec("10")))
		require.True(t, h.Reserved.IsZero())
	}

	_, err = st.CreateAccount(ctx, "alice", "hash", dec("0"), nil)
	require.ErrorIs(t, err, store.ErrAccountExists)

	_, err = st.GetAccount(ctx, 424242)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAtomicCommitAndRollback(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "alice", "hash", dec("100"), nil)
	require.NoError(t, err)

	err = st.Atomic(ctx, func(tx store.Tx) error {
		a, err := tx.AccountForUpdate(ctx, acct.ID)
		if err != nil {
			return err
		}
		return tx.UpdateAccountBalance(ctx, a.ID, dec("42"))
	})
	require.NoError(t, err)

	after, err := st.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, after.Balance.Equal(dec("42")))

	boom := errors.New("boom")
	err = st.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.UpdateAccountBalance(ctx, acct.ID, dec("0")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err = st.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, after.Balance.Equal(dec("42")), "rollback lost: balance %s", after.Balance)
}

func insertOrder(t *testing.T, st *Store, accountID int64, side models.Side, symbol, price string) *models.Order {
	t.Helper()
	o := &models.Order{
		AccountID: accountID,
		Symbol:    symbol,
		Side:      side,
		Price:     dec(price),
		Quantity:  dec("1"),
		Status:    models.StatusOpen,
	}
	err := st.Atomic(context.Background(), func(tx store.Tx) error {
		return tx.InsertOrder(context.Background(), o)
	})
	require.NoError(t, err)
	require.NotZero(t, o.ID)
	return o
}

func TestFindCounterOrderOldestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "alice", "hash", dec("0"), nil)
	require.NoError(t, err)

	oldest := insertOrder(t, st, acct.ID, models.SideSell, "BTC", "105")
	insertOrder(t, st, acct.ID, models.SideSell, "BTC", "95")
	insertOrder(t, st, acct.ID, models.SideSell, "ETH", "50")

	taker := &models.Order{Symbol: "BTC", Side: models.SideBuy, Price: dec("110")}

	err = st.Atomic(ctx, func(tx store.Tx) error {
		id, err := tx.FindCounterOrder(ctx, taker)
		require.NoError(t, err)
		require.Equal(t, oldest.ID, id)

		// Nothing crosses a bid below every ask.
		low := &models.Order{Symbol: "BTC", Side: models.SideBuy, Price: dec("10")}
		id, err = tx.FindCounterOrder(ctx, low)
		require.NoError(t, err)
		require.Zero(t, id)
		return nil
	})
	require.NoError(t, err)

	// Cancelled orders drop out of the candidate set.
	err = st.Atomic(ctx, func(tx store.Tx) error {
		o, err := tx.OrderForUpdate(ctx, oldest.ID)
		if err != nil {
			return err
		}
		o.Status = models.StatusCancelled
		return tx.UpdateOrder(ctx, o)
	})
	require.NoError(t, err)

	err = st.Atomic(ctx, func(tx store.Tx) error {
		id, err := tx.FindCounterOrder(ctx, taker)
		require.NoError(t, err)
		require.NotEqual(t, oldest.ID, id)
		require.NotZero(t, id)
		return nil
	})
	require.NoError(t, err)
}

func TestHoldingForUpdateLazyCreate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "alice", "hash", dec("0"), nil)
	require.NoError(t, err)

	err = st.Atomic(ctx, func(tx store.Tx) error {
		h, err := tx.HoldingForUpdate(ctx, acct.ID, "BTC")
		if err != nil {
			return err
		}
		require.True(t, h.Available.IsZero())
		require.True(t, h.Reserved.IsZero())
		h.Available = dec("2.5")
		return tx.UpdateHolding(ctx, h)
	})
	require.NoError(t, err)

	holdings, err := st.ListHoldings(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	require.True(t, holdings[0].Available.Equal(dec("2.5")))
}

func TestPairForUpdateLockOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "alice", "hash", dec("0"), nil)
	require.NoError(t, err)
	first := insertOrder(t, st, acct.ID, models.SideSell, "BTC", "100")
	second := insertOrder(t, st, acct.ID, models.SideBuy, "BTC", "100")

	err = st.Atomic(ctx, func(tx store.Tx) error {
		// Argument order must not matter.
		a, b, err := tx.OrderPairForUpdate(ctx, second.ID, first.ID)
		require.NoError(t, err)
		require.Equal(t, second.ID, a.ID)
		require.Equal(t, first.ID, b.ID)

		same, other, err := tx.OrderPairForUpdate(ctx, first.ID, first.ID)
		require.NoError(t, err)
		require.Equal(t, same, other)

		_, _, err = tx.OrderPairForUpdate(ctx, first.ID, 424242)
		require.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestTradeRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	alice, err := st.CreateAccount(ctx, "alice", "hash", dec("0"), nil)
	require.NoError(t, err)
	bob, err := st.CreateAccount(ctx, "bob", "hash", dec("0"), nil)
	require.NoError(t, err)

	buy := insertOrder(t, st, alice.ID, models.SideBuy, "BTC", "100")
	sell := insertOrder(t, st, bob.ID, models.SideSell, "BTC", "100")

	tr := &models.Trade{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Symbol:      "BTC",
		Price:       dec("100"),
		Quantity:    dec("1"),
		VolumeUSD:   dec("100"),
		FeeUSD:      dec("1.5"),
	}
	err = st.Atomic(ctx, func(tx store.Tx) error {
		return tx.InsertTrade(ctx, tr)
	})
	require.NoError(t, err)
	require.NotZero(t, tr.ID)

	for _, accountID := range []int64{alice.ID, bob.ID} {
		trades, err := st.ListAccountTrades(ctx, accountID)
		require.NoError(t, err)
		require.Len(t, trades, 1)
		require.True(t, trades[0].FeeUSD.Equal(dec("1.5")))
		require.False(t, trades[0].ExecutedAt.IsZero())
	}
}
