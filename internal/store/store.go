// Package store defines the persistence boundary of the exchange. The
// engine only ever mutates state inside an atomic unit obtained from
// Store.Atomic; everything an atomic unit may touch is on Tx.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAccountExists is returned when a username is already taken.
	ErrAccountExists = errors.New("account already exists")
)

// Store is the durable state behind the exchange: accounts, asset
// holdings, the order book and the trade log.
type Store interface {
	// CreateAccount registers a new account with an initial USD balance
	// and initial asset holdings.
	CreateAccount(ctx context.Context, username, passwordHash string, balance decimal.Decimal, holdings map[string]decimal.Decimal) (*models.Account, error)
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)

	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	// ListOpenOrders returns all open orders, oldest first. A non-empty
	// symbol restricts the result to that symbol.
	ListOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	ListAccountOrders(ctx context.Context, accountID int64) ([]models.Order, error)
	ListAccountTrades(ctx context.Context, accountID int64) ([]models.Trade, error)
	ListHoldings(ctx context.Context, accountID int64) ([]models.AssetHolding, error)

	// Atomic runs fn as one atomic unit: either every write fn performs
	// commits, or none do. Exclusive holds taken through the Tx are
	// released when Atomic returns, on success and failure alike.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the view of the store inside one atomic unit. The ForUpdate
// methods take an exclusive hold on the returned records; pair variants
// always lock in ascending id order so that two concurrent units can
// never deadlock on the same pair.
type Tx interface {
	AccountForUpdate(ctx context.Context, id int64) (*models.Account, error)
	// AccountPairForUpdate locks two accounts and returns them in the
	// order the ids were passed. When a == b the same record is
	// returned twice.
	AccountPairForUpdate(ctx context.Context, a, b int64) (*models.Account, *models.Account, error)
	UpdateAccountBalance(ctx context.Context, id int64, balance decimal.Decimal) error

	// HoldingForUpdate locks the (account, symbol) holding, creating a
	// zero-quantity row if the account has never held the asset.
	HoldingForUpdate(ctx context.Context, accountID int64, symbol string) (*models.AssetHolding, error)
	UpdateHolding(ctx context.Context, h *models.AssetHolding) error

	// InsertOrder persists a new order, filling in its id and creation
	// timestamp.
	InsertOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	OrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	OrderPairForUpdate(ctx context.Context, a, b int64) (*models.Order, *models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error

	// FindCounterOrder returns the id of the best eligible counter-order
	// for taker: opposite side, same symbol, open, price crossing,
	// oldest first. It takes no lock; callers must lock the returned
	// order and re-validate it. Returns 0 when no candidate exists.
	FindCounterOrder(ctx context.Context, taker *models.Order) (int64, error)

	// InsertTrade persists a new trade, filling in its id and execution
	// timestamp.
	InsertTrade(ctx context.Context, t *models.Trade) error
}
