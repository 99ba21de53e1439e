// Package exchange is the order lifecycle and matching engine. Orders
// reserve funds or assets when placed, match against the oldest crossing
// counter-order of exactly equal quantity, and settle atomically through
// the store.
package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/models"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store"
)

// FeeRate is the taker/maker fee charged to the buyer, as a fraction of
// trade volume. Reservation and settlement both compute with this rate
// and the same truncation, which is what makes the settlement invariant
// (reserved >= cost) exact.
var FeeRate = decimal.New(15, -3) // 1.5%

// Volume is price * quantity truncated to the fixed scale.
func Volume(quantity, price decimal.Decimal) decimal.Decimal {
	return quantity.Mul(price).Truncate(models.DecimalPlaces)
}

// Fee is the buyer's fee on a trade volume, truncated to the fixed scale.
func Fee(volume decimal.Decimal) decimal.Decimal {
	return volume.Mul(FeeRate).Truncate(models.DecimalPlaces)
}

// BuyReservation is the USD a buy order locks at placement: volume plus
// the buyer's fee at the order's own limit price.
func BuyReservation(quantity, price decimal.Decimal) decimal.Decimal {
	volume := Volume(quantity, price)
	return volume.Add(Fee(volume))
}

// Notifier receives settled trades. Delivery is best-effort: it runs
// after the settlement commits and cannot roll it back.
type Notifier interface {
	TradeExecuted(trade *models.Trade, buyOrder, sellOrder *models.Order)
}

// Exchange places, cancels and matches limit orders against a store.
type Exchange struct {
	store    store.Store
	notifier Notifier
	log      *zap.Logger
}

// New creates an exchange. notifier may be nil.
func New(st store.Store, notifier Notifier, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchange{store: st, notifier: notifier, log: log}
}

func validateOrder(symbol string, side models.Side, price, quantity decimal.Decimal) error {
	if !models.SymbolSupported(symbol) {
		return ErrUnsupportedSymbol
	}
	if !side.Valid() {
		return ErrInvalidSide
	}
	if price.Sign() <= 0 || !price.Equal(price.Truncate(models.DecimalPlaces)) {
		return ErrInvalidPrice
	}
	if quantity.Sign() <= 0 || !quantity.Equal(quantity.Truncate(models.DecimalPlaces)) {
		return ErrInvalidQuantity
	}
	return nil
}

// PlaceOrder validates the request, reserves funds (buy) or assets
// (sell), persists the order as open, then attempts one match. The
// returned order reflects the outcome of the match attempt; the trade is
// nil when the order rested.
func (e *Exchange) PlaceOrder(ctx context.Context, accountID int64, symbol string, side models.Side, price, quantity decimal.Decimal) (*models.Order, *models.Trade, error) {
	if err := validateOrder(symbol, side, price, quantity); err != nil {
		return nil, nil, err
	}

	order := &models.Order{
		AccountID:   accountID,
		Symbol:      symbol,
		Side:        side,
		Price:       price,
		Quantity:    quantity,
		Status:      models.StatusOpen,
		ReservedUSD: decimal.Zero,
	}

	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		if side == models.SideBuy {
			acct, err := tx.AccountForUpdate(ctx, accountID)
			if err != nil {
				return err
			}
			required := BuyReservation(quantity, price)
			if acct.Balance.LessThan(required) {
				return ErrInsufficientFunds
			}
			if err := tx.UpdateAccountBalance(ctx, accountID, acct.Balance.Sub(required)); err != nil {
				return err
			}
			order.ReservedUSD = required
		} else {
			holding, err := tx.HoldingForUpdate(ctx, accountID, symbol)
			if err != nil {
				return err
			}
			if holding.Available.LessThan(quantity) {
				return ErrInsufficientAssetBalance
			}
			holding.Available = holding.Available.Sub(quantity)
			holding.Reserved = holding.Reserved.Add(quantity)
			if err := tx.UpdateHolding(ctx, holding); err != nil {
				return err
			}
		}
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, nil, err
	}

	e.log.Info("order placed",
		zap.Int64("order_id", order.ID),
		zap.Int64("account_id", accountID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.String("quantity", quantity.String()))

	trade, buyOrder, sellOrder, err := e.match(ctx, order.ID)
	if err != nil {
		// The placement itself committed; the order rests open.
		return order, nil, err
	}
	if trade == nil {
		return order, nil, nil
	}

	if order.ID == buyOrder.ID {
		order = buyOrder
	} else {
		order = sellOrder
	}
	e.notify(trade, buyOrder, sellOrder)
	return order, trade, nil
}

// CancelOrder reverses the order's reservation and marks it cancelled.
// Only the owner may cancel, and only while the order is open.
func (e *Exchange) CancelOrder(ctx context.Context, accountID, orderID int64) (*models.Order, error) {
	var cancelled models.Order
	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		order, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.AccountID != accountID {
			return ErrForbidden
		}
		if order.Status != models.StatusOpen {
			return ErrInvalidState
		}

		if order.Side == models.SideBuy {
			acct, err := tx.AccountForUpdate(ctx, order.AccountID)
			if err != nil {
				return err
			}
			if err := tx.UpdateAccountBalance(ctx, acct.ID, acct.Balance.Add(order.ReservedUSD)); err != nil {
				return err
			}
			order.ReservedUSD = decimal.Zero
		} else {
			holding, err := tx.HoldingForUpdate(ctx, order.AccountID, order.Symbol)
			if err != nil {
				return err
			}
			holding.Available = holding.Available.Add(order.Quantity)
			holding.Reserved = holding.Reserved.Sub(order.Quantity)
			if err := tx.UpdateHolding(ctx, holding); err != nil {
				return err
			}
		}

		order.Status = models.StatusCancelled
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		cancelled = *order
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("order cancelled",
		zap.Int64("order_id", cancelled.ID),
		zap.Int64("account_id", accountID))
	return &cancelled, nil
}

// Match attempts one match for the given order and returns the trade, or
// nil if the order is no longer open, nothing crosses, or the only
// crossing candidate has a different quantity.
func (e *Exchange) Match(ctx context.Context, orderID int64) (*models.Trade, error) {
	trade, buyOrder, sellOrder, err := e.match(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if trade != nil {
		e.notify(trade, buyOrder, sellOrder)
	}
	return trade, nil
}

func (e *Exchange) match(ctx context.Context, takerID int64) (trade *models.Trade, buyOrder, sellOrder *models.Order, err error) {
	err = e.store.Atomic(ctx, func(tx store.Tx) error {
		taker, err := tx.GetOrder(ctx, takerID)
		if err != nil {
			return err
		}
		if taker.Status != models.StatusOpen {
			return nil
		}

		counterID, err := tx.FindCounterOrder(ctx, taker)
		if err != nil {
			return err
		}
		if counterID == 0 {
			return nil
		}

		// Lock both orders in a stable order, then re-validate: a
		// concurrent match may have settled either one while we were
		// picking the candidate.
		taker, counter, err := tx.OrderPairForUpdate(ctx, takerID, counterID)
		if err != nil {
			return err
		}
		if taker.Status != models.StatusOpen || counter.Status != models.StatusOpen {
			return nil
		}
		if !crosses(taker, counter) {
			return nil
		}
		// Full match only: a quantity mismatch leaves both orders open.
		if !taker.Quantity.Equal(counter.Quantity) {
			return nil
		}

		if taker.Side == models.SideBuy {
			buyOrder, sellOrder = taker, counter
		} else {
			buyOrder, sellOrder = counter, taker
		}

		buyer, seller, err := tx.AccountPairForUpdate(ctx, buyOrder.AccountID, sellOrder.AccountID)
		if err != nil {
			return err
		}

		// The resting seller's quoted price is always honored.
		price := sellOrder.Price
		quantity := buyOrder.Quantity
		volume := Volume(quantity, price)
		fee := Fee(volume)
		totalCost := volume.Add(fee)

		if buyOrder.ReservedUSD.LessThan(totalCost) {
			return fmt.Errorf("%w: order %d reserved %s, cost %s",
				ErrInternalInconsistency, buyOrder.ID, buyOrder.ReservedUSD, totalCost)
		}

		refund := buyOrder.ReservedUSD.Sub(totalCost)
		buyer.Balance = buyer.Balance.Add(refund)
		if err := tx.UpdateAccountBalance(ctx, buyer.ID, buyer.Balance); err != nil {
			return err
		}
		seller.Balance = seller.Balance.Add(volume)
		if err := tx.UpdateAccountBalance(ctx, seller.ID, seller.Balance); err != nil {
			return err
		}

		buyerHolding, err := tx.HoldingForUpdate(ctx, buyer.ID, buyOrder.Symbol)
		if err != nil {
			return err
		}
		buyerHolding.Available = buyerHolding.Available.Add(quantity)
		if err := tx.UpdateHolding(ctx, buyerHolding); err != nil {
			return err
		}

		sellerHolding, err := tx.HoldingForUpdate(ctx, seller.ID, sellOrder.Symbol)
		if err != nil {
			return err
		}
		sellerHolding.Reserved = sellerHolding.Reserved.Sub(quantity)
		if err := tx.UpdateHolding(ctx, sellerHolding); err != nil {
			return err
		}

		buyOrder.Status = models.StatusFilled
		sellOrder.Status = models.StatusFilled
		if err := tx.UpdateOrder(ctx, buyOrder); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, sellOrder); err != nil {
			return err
		}

		trade = &models.Trade{
			BuyOrderID:  buyOrder.ID,
			SellOrderID: sellOrder.ID,
			Symbol:      buyOrder.Symbol,
			Price:       price,
			Quantity:    quantity,
			VolumeUSD:   volume,
			FeeUSD:      fee,
		}
		return tx.InsertTrade(ctx, trade)
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if trade == nil {
		return nil, nil, nil, nil
	}

	e.log.Info("trade settled",
		zap.Int64("trade_id", trade.ID),
		zap.Int64("buy_order_id", trade.BuyOrderID),
		zap.Int64("sell_order_id", trade.SellOrderID),
		zap.String("symbol", trade.Symbol),
		zap.String("price", trade.Price.String()),
		zap.String("quantity", trade.Quantity.String()),
		zap.String("fee_usd", trade.FeeUSD.String()))
	return trade, buyOrder, sellOrder, nil
}

func (e *Exchange) notify(trade *models.Trade, buyOrder, sellOrder *models.Order) {
	if e.notifier == nil {
		return
	}
	e.notifier.TradeExecuted(trade, buyOrder, sellOrder)
}

func crosses(taker, counter *models.Order) bool {
	if taker.Side == models.SideBuy {
		return counter.Price.LessThanOrEqual(taker.Price)
	}
	return counter.Price.GreaterThanOrEqual(taker.Price)
}
