// Package ws delivers trade notifications over websockets. Each
// connection belongs to one authenticated account; a settled trade is
// pushed only to its buyer and its seller. Delivery is best-effort: a
// failed write drops the client and never reaches the settlement path.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/models"
)

// tradePayload is the message sent to both parties of a trade.
type tradePayload struct {
	Event     string        `json:"event"`
	Trade     *models.Trade `json:"trade"`
	BuyOrder  orderStatus   `json:"buy_order"`
	SellOrder orderStatus   `json:"sell_order"`
}

type orderStatus struct {
	ID     int64         `json:"id"`
	Status models.Status `json:"status"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks connected clients by account id and implements the
// engine's Notifier.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[int64]map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:     log,
		clients: make(map[int64]map[*client]struct{}),
	}
}

// Serve registers conn under accountID and blocks reading it until the
// peer disconnects. The read loop only exists to detect disconnects;
// inbound messages are discarded.
func (h *Hub) Serve(accountID int64, conn *websocket.Conn) {
	c := &client{conn: conn}

	h.mu.Lock()
	if h.clients[accountID] == nil {
		h.clients[accountID] = make(map[*client]struct{})
	}
	h.clients[accountID][c] = struct{}{}
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(accountID, c)
	conn.Close()
}

func (h *Hub) drop(accountID int64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[accountID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, accountID)
		}
	}
}

// TradeExecuted pushes the trade to the buyer's and the seller's
// connections. Both parties receive the same payload, shaped after the
// order-matched broadcast of the HTTP API.
func (h *Hub) TradeExecuted(trade *models.Trade, buyOrder, sellOrder *models.Order) {
	payload := tradePayload{
		Event:     "trade_executed",
		Trade:     trade,
		BuyOrder:  orderStatus{ID: buyOrder.ID, Status: buyOrder.Status},
		SellOrder: orderStatus{ID: sellOrder.ID, Status: sellOrder.Status},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("failed to marshal trade notification", zap.Error(err))
		return
	}

	recipients := []int64{buyOrder.AccountID}
	if sellOrder.AccountID != buyOrder.AccountID {
		recipients = append(recipients, sellOrder.AccountID)
	}
	for _, accountID := range recipients {
		h.sendTo(accountID, data)
	}
}

func (h *Hub) sendTo(accountID int64, data []byte) {
	h.mu.RLock()
	set := h.clients[accountID]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(data); err != nil {
			h.log.Warn("failed to send trade notification",
				zap.Int64("account_id", accountID), zap.Error(err))
			h.drop(accountID, c)
			c.conn.Close()
		}
	}
}
