package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/models"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateAccount(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "alice", "hash", dec("10000"), map[string]decimal.Decimal{"BTC": dec("10")})
	require.NoError(t, err)
	require.NotZero(t, acct.ID)
	require.True(t, acct.Balance.Equal(dec("10000")))

	holdings, err := st.ListHoldings(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	require.Equal(t, "BTC", holdings[0].Symbol)
	require.True(t, holdings[0].Available.Equal(dec("10")))
	require.True(t, holdings[0].Reserved.IsZero())

	byName, err := st.GetAccountByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, acct.ID, byName.ID)

	_, err = st.CreateAccount(ctx, "alice", "hash", dec("0"), nil)
	require.ErrorIs(t, err, store.ErrAccountExists)

	_, err = st.GetAccount(ctx, 999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// A failed atomic unit must leave no partial state behind.
func TestAtomicRollsBackOnError(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "alice", "hash", dec("100"), nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = st.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.UpdateAccountBalance(ctx, acct.ID, dec("1")); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &models.Order{
			AccountID: acct.ID,
			Symbol:    "BTC",
			Side:      models.SideBuy,
			Price:     dec("100"),
			Quantity:  dec("1"),
			Status:    models.StatusOpen,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := st.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, after.Balance.Equal(dec("100")), "balance was not rolled back: %s", after.Balance)

	orders, err := st.ListAccountOrders(ctx, acct.ID)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestHoldingLazyCreation(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "alice", "hash", dec("100"), nil)
	require.NoError(t, err)

	err = st.Atomic(ctx, func(tx store.Tx) error {
		h, err := tx.HoldingForUpdate(ctx, acct.ID, "ETH")
		if err != nil {
			return err
		}
		if !h.Available.IsZero() || !h.Reserved.IsZero() {
			t.Errorf("new holding not zero: %+v", h)
		}
		h.Available = dec("3")
		return tx.UpdateHolding(ctx, h)
	})
	require.NoError(t, err)

	holdings, err := st.ListHoldings(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	require.True(t, holdings[0].Available.Equal(dec("3")))

	// Second touch returns the same row, not a new one.
	err = st.Atomic(ctx, func(tx store.Tx) error {
		h, err := tx.HoldingForUpdate(ctx, acct.ID, "ETH")
		if err != nil {
			return err
		}
		require.True(t, h.Available.Equal(dec("3")))
		return nil
	})
	require.NoError(t, err)

	err = st.Atomic(ctx, func(tx store.Tx) error {
		_, err := tx.HoldingForUpdate(ctx, 999, "ETH")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func insertOrder(t *testing.T, st *Store, accountID int64, side models.Side, price string) *models.Order {
	t.Helper()
	o := &models.Order{
		AccountID: accountID,
		Symbol:    "BTC",
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
	require.False(t, o.CreatedAt.IsZero())
	return o
}

func TestFindCounterOrder(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "alice", "hash", dec("0"), nil)
	require.NoError(t, err)

	older := insertOrder(t, st, acct.ID, models.SideSell, "105")
	insertOrder(t, st, acct.ID, models.SideSell, "95")
	noCross := insertOrder(t, st, acct.ID, models.SideSell, "200")

	taker := &models.Order{Symbol: "BTC", Side: models.SideBuy, Price: dec("110")}

	err = st.Atomic(ctx, func(tx store.Tx) error {
		// Oldest crossing sell wins even though a cheaper one exists.
		id, err := tx.FindCounterOrder(ctx, taker)
		require.NoError(t, err)
		require.Equal(t, older.ID, id)

		// Too-expensive candidates are not crossing.
		lowBid := &models.Order{Symbol: "BTC", Side: models.SideBuy, Price: dec("50")}
		id, err = tx.FindCounterOrder(ctx, lowBid)
		require.NoError(t, err)
		require.Zero(t, id)

		// A sell taker searches the buy side.
		sellTaker := &models.Order{Symbol: "BTC", Side: models.SideSell, Price: dec("1")}
		id, err = tx.FindCounterOrder(ctx, sellTaker)
		require.NoError(t, err)
		require.Zero(t, id)
		return nil
	})
	require.NoError(t, err)

	// Non-open orders are never candidates.
	err = st.Atomic(ctx, func(tx store.Tx) error {
		o, err := tx.OrderForUpdate(ctx, older.ID)
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
		require.NotEqual(t, older.ID, id)
		return nil
	})
	require.NoError(t, err)
	_ = noCross
}

func TestListOpenOrdersFilter(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "alice", "hash", dec("0"), nil)
	require.NoError(t, err)

	insertOrder(t, st, acct.ID, models.SideSell, "100")
	eth := &models.Order{
		AccountID: acct.ID,
		Symbol:    "ETH",
		Side:      models.SideSell,
		Price:     dec("10"),
		Quantity:  dec("1"),
		Status:    models.StatusOpen,
	}
	err = st.Atomic(ctx, func(tx store.Tx) error { return tx.InsertOrder(ctx, eth) })
	require.NoError(t, err)

	all, err := st.ListOpenOrders(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	btcOnly, err := st.ListOpenOrders(ctx, "BTC")
	require.NoError(t, err)
	require.Len(t, btcOnly, 1)
	require.Equal(t, "BTC", btcOnly[0].Symbol)
}

func TestOrderPairForUpdateSameID(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "alice", "hash", dec("0"), nil)
	require.NoError(t, err)
	o := insertOrder(t, st, acct.ID, models.SideSell, "100")

	err = st.Atomic(ctx, func(tx store.Tx) error {
		a, b, err := tx.OrderPairForUpdate(ctx, o.ID, o.ID)
		require.NoError(t, err)
		require.Same(t, a, b)

		x, y, err := tx.AccountPairForUpdate(ctx, acct.ID, acct.ID)
		require.NoError(t, err)
		require.Same(t, x, y)
		return nil
	})
	require.NoError(t, err)
}
