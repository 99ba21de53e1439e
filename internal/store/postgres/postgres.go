// Package postgres implements store.Store on PostgreSQL via pgx. Every
// atomic unit is one SQL transaction; exclusive holds are row locks
// taken with SELECT ... FOR UPDATE. Numeric columns travel as text and
// are parsed into decimals so no precision is lost.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/models"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store"
)

const (
	accountCols = "id, username, password_hash, balance::text, created_at"
	orderCols   = "id, account_id, symbol, side, price::text, quantity::text, status, reserved_usd::text, created_at"
	tradeCols   = "id, buy_order_id, sell_order_id, symbol, price::text, quantity::text, volume_usd::text, fee_usd::text, executed_at"
	holdingCols = "id, account_id, symbol, available::text, reserved::text"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore initializes a new connection pool.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for migrations and tests.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

type row interface {
	Scan(dest ...any) error
}

func scanAccount(r row) (*models.Account, error) {
	var a models.Account
	var balance string
	if err := r.Scan(&a.ID, &a.Username, &a.PasswordHash, &balance, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &a, nil
}

func scanOrder(r row) (*models.Order, error) {
	var o models.Order
	var price, quantity, reserved string
	if err := r.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &price, &quantity, &o.Status, &reserved, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var err error
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if o.ReservedUSD, err = decimal.NewFromString(reserved); err != nil {
		return nil, fmt.Errorf("parse reserved_usd: %w", err)
	}
	return &o, nil
}

func scanTrade(r row) (*models.Trade, error) {
	var t models.Trade
	var price, quantity, volume, fee string
	if err := r.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Symbol, &price, &quantity, &volume, &fee, &t.ExecutedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var err error
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if t.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if t.VolumeUSD, err = decimal.NewFromString(volume); err != nil {
		return nil, fmt.Errorf("parse volume_usd: %w", err)
	}
	if t.FeeUSD, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("parse fee_usd: %w", err)
	}
	return &t, nil
}

func scanHolding(r row) (*models.AssetHolding, error) {
	var h models.AssetHolding
	var available, reserved string
	if err := r.Scan(&h.ID, &h.AccountID, &h.Symbol, &available, &reserved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var err error
	if h.Available, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("parse available: %w", err)
	}
	if h.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return nil, fmt.Errorf("parse reserved: %w", err)
	}
	return &h, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateAccount inserts a new account and its initial holdings in one
// transaction.
func (s *Store) CreateAccount(ctx context.Context, username, passwordHash string, balance decimal.Decimal, holdings map[string]decimal.Decimal) (*models.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := scanAccount(tx.QueryRow(ctx,
		"INSERT INTO accounts (username, password_hash, balance) VALUES ($1, $2, $3) RETURNING "+accountCols,
		username, passwordHash, balance.String()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAccountExists
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	for symbol, available := range holdings {
		_, err = tx.Exec(ctx,
			"INSERT INTO holdings (account_id, symbol, available, reserved) VALUES ($1, $2, $3, 0)",
			acct.ID, symbol, available.String())
		if err != nil {
			return nil, fmt.Errorf("failed to create holding: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return acct, nil
}

// GetAccount retrieves an account by id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE id = $1", id))
}

// GetAccountByUsername retrieves an account by username.
func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE username = $1", username))
}

// GetOrder retrieves an order by id.
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		"SELECT "+orderCols+" FROM orders WHERE id = $1", id))
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ListOpenOrders retrieves open orders, oldest first, optionally
// filtered by symbol.
func (s *Store) ListOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	if symbol != "" {
		return s.queryOrders(ctx,
			"SELECT "+orderCols+" FROM orders WHERE status = 'open' AND symbol = $1 ORDER BY created_at, id", symbol)
	}
	return s.queryOrders(ctx,
		"SELECT " + orderCols + " FROM orders WHERE status = 'open' ORDER BY created_at, id")
}

// ListAccountOrders retrieves all orders for an account.
func (s *Store) ListAccountOrders(ctx context.Context, accountID int64) ([]models.Order, error) {
	return s.queryOrders(ctx,
		"SELECT "+orderCols+" FROM orders WHERE account_id = $1 ORDER BY created_at, id", accountID)
}

// ListAccountTrades retrieves all trades an account took part in.
func (s *Store) ListAccountTrades(ctx context.Context, accountID int64) ([]models.Trade, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT DISTINCT t.id, t.buy_order_id, t.sell_order_id, t.symbol, t.price::text, t.quantity::text, t.volume_usd::text, t.fee_usd::text, t.executed_at "+
			"FROM trades t JOIN orders o ON t.buy_order_id = o.id OR t.sell_order_id = o.id "+
			"WHERE o.account_id = $1 ORDER BY t.id",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// ListHoldings retrieves all asset holdings for an account.
func (s *Store) ListHoldings(ctx context.Context, accountID int64) ([]models.AssetHolding, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+holdingCols+" FROM holdings WHERE account_id = $1 ORDER BY id", accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []models.AssetHolding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

// Atomic runs fn inside one SQL transaction.
func (s *Store) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(&tx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) AccountForUpdate(ctx context.Context, id int64) (*models.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE id = $1 FOR UPDATE", id))
}

func (t *tx) AccountPairForUpdate(ctx context.Context, a, b int64) (*models.Account, *models.Account, error) {
	if a == b {
		acct, err := t.AccountForUpdate(ctx, a)
		if err != nil {
			return nil, nil, err
		}
		return acct, acct, nil
	}

	// Locked in ascending id order regardless of argument order, so two
	// concurrent settlements over the same accounts cannot deadlock.
	rows, err := t.tx.Query(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE",
		[]int64{a, b})
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*models.Account, 2)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, nil, err
		}
		byID[acct.ID] = acct
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if byID[a] == nil || byID[b] == nil {
		return nil, nil, store.ErrNotFound
	}
	return byID[a], byID[b], nil
}

func (t *tx) UpdateAccountBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE accounts SET balance = $1 WHERE id = $2", balance.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) HoldingForUpdate(ctx context.Context, accountID int64, symbol string) (*models.AssetHolding, error) {
	h, err := scanHolding(t.tx.QueryRow(ctx,
		"SELECT "+holdingCols+" FROM holdings WHERE account_id = $1 AND symbol = $2 FOR UPDATE",
		accountID, symbol))
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Lazily create the zero row. ON CONFLICT guards against a
	// concurrent first-touch of the same (account, symbol).
	_, err = t.tx.Exec(ctx,
		"INSERT INTO holdings (account_id, symbol, available, reserved) VALUES ($1, $2, 0, 0) ON CONFLICT (account_id, symbol) DO NOTHING",
		accountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to create holding: %w", err)
	}
	return scanHolding(t.tx.QueryRow(ctx,
		"SELECT "+holdingCols+" FROM holdings WHERE account_id = $1 AND symbol = $2 FOR UPDATE",
		accountID, symbol))
}

func (t *tx) UpdateHolding(ctx context.Context, h *models.AssetHolding) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE holdings SET available = $1, reserved = $2 WHERE id = $3",
		h.Available.String(), h.Reserved.String(), h.ID)
	if err != nil {
		return fmt.Errorf("failed to update holding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) InsertOrder(ctx context.Context, o *models.Order) error {
	inserted, err := scanOrder(t.tx.QueryRow(ctx,
		"INSERT INTO orders (account_id, symbol, side, price, quantity, status, reserved_usd) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING "+orderCols,
		o.AccountID, o.Symbol, o.Side, o.Price.String(), o.Quantity.String(), o.Status, o.ReservedUSD.String()))
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	*o = *inserted
	return nil
}

func (t *tx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderCols+" FROM orders WHERE id = $1", id))
}

func (t *tx) OrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderCols+" FROM orders WHERE id = $1 FOR UPDATE", id))
}

func (t *tx) OrderPairForUpdate(ctx context.Context, a, b int64) (*models.Order, *models.Order, error) {
	if a == b {
		o, err := t.OrderForUpdate(ctx, a)
		if err != nil {
			return nil, nil, err
		}
		return o, o, nil
	}

	rows, err := t.tx.Query(ctx,
		"SELECT "+orderCols+" FROM orders WHERE id = ANY($1) ORDER BY id FOR UPDATE",
		[]int64{a, b})
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*models.Order, 2)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, nil, err
		}
		byID[o.ID] = o
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if byID[a] == nil || byID[b] == nil {
		return nil, nil, store.ErrNotFound
	}
	return byID[a], byID[b], nil
}

func (t *tx) UpdateOrder(ctx context.Context, o *models.Order) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders SET status = $1, reserved_usd = $2 WHERE id = $3",
		o.Status, o.ReservedUSD.String(), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) FindCounterOrder(ctx context.Context, taker *models.Order) (int64, error) {
	// Oldest crossing order wins, not the best-priced one.
	cmp := "<="
	if taker.Side == models.SideSell {
		cmp = ">="
	}
	var id int64
	err := t.tx.QueryRow(ctx,
		"SELECT id FROM orders WHERE symbol = $1 AND side = $2 AND status = 'open' AND price "+cmp+" $3 ORDER BY created_at, id LIMIT 1",
		taker.Symbol, taker.Side.Opposite(), taker.Price.String()).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return id, nil
}

func (t *tx) InsertTrade(ctx context.Context, tr *models.Trade) error {
	inserted, err := scanTrade(t.tx.QueryRow(ctx,
		"INSERT INTO trades (buy_order_id, sell_order_id, symbol, price, quantity, volume_usd, fee_usd) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING "+tradeCols,
		tr.BuyOrderID, tr.SellOrderID, tr.Symbol, tr.Price.String(), tr.Quantity.String(), tr.VolumeUSD.String(), tr.FeeUSD.String()))
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	*tr = *inserted
	return nil
}
