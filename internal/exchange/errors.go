package exchange

import "errors"

var (
	// ErrUnsupportedSymbol rejects orders for assets outside the
	// supported set.
	ErrUnsupportedSymbol = errors.New("unsupported symbol")
	// ErrInvalidSide rejects orders that are neither buy nor sell.
	ErrInvalidSide = errors.New("side must be buy or sell")
	// ErrInvalidPrice rejects non-positive prices and prices finer than
	// the minimum tick.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInvalidQuantity rejects non-positive quantities and quantities
	// finer than the minimum lot.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrInsufficientFunds means the account's USD balance cannot cover
	// a buy order's reservation. No partial debit is made.
	ErrInsufficientFunds = errors.New("insufficient USD balance")
	// ErrInsufficientAssetBalance means the account's available holding
	// cannot cover a sell order's quantity.
	ErrInsufficientAssetBalance = errors.New("insufficient asset balance")

	// ErrForbidden means the caller does not own the order.
	ErrForbidden = errors.New("order not owned by account")
	// ErrInvalidState means the order is not open, so it can no longer
	// be cancelled.
	ErrInvalidState = errors.New("order is not open")

	// ErrInternalInconsistency means a buy order's reservation did not
	// cover the settlement cost. The reservation and the settlement use
	// the same fee rate and rounding, so this indicates corrupted state
	// and aborts the match instead of producing a wrong trade.
	ErrInternalInconsistency = errors.New("reserved funds below settlement cost")
)
