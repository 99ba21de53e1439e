package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecimalPlaces is the fixed scale for every monetary and quantity value.
// All arithmetic truncates to this scale so that settlement comparisons
// are exact.
const DecimalPlaces = 8

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side a counter-order must have.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Status of an order. An order is created open and transitions exactly
// once, to filled or to cancelled.
type Status string

const (
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// SupportedSymbols is the fixed set of tradable assets.
var SupportedSymbols = []string{"BTC", "ETH"}

// SymbolSupported reports whether symbol can be traded.
func SymbolSupported(symbol string) bool {
	for _, s := range SupportedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Account holds a registered account and its spendable USD balance.
// Reserved USD is not tracked here: buy reservations live on the order,
// sell reservations on the asset holding.
type Account struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AssetHolding is an account's position in one asset, split into the
// available quantity and the quantity reserved by open sell orders.
type AssetHolding struct {
	ID        int64           `json:"id"`
	AccountID int64           `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

// Order is a limit order. ReservedUSD is non-zero only for buy orders;
// a sell order's reservation lives on the owner's asset holding.
// CreatedAt is the matching tie-breaker: the oldest eligible counter wins.
type Order struct {
	ID          int64           `json:"id"`
	AccountID   int64           `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Status      Status          `json:"status"`
	ReservedUSD decimal.Decimal `json:"reserved_usd"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Trade records one settled match. Immutable once created; each order
// participates in at most one trade.
type Trade struct {
	ID          int64           `json:"id"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	VolumeUSD   decimal.Decimal `json:"volume_usd"`
	FeeUSD      decimal.Decimal `json:"fee_usd"`
	ExecutedAt  time.Time       `json:"executed_at"`
}
