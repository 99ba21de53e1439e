package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/auth"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/exchange"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/models"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/ws"
)

type contextKey string

const accountIDKey contextKey = "account_id"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Store       store.Store
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Hub         *ws.Hub
	Log         *zap.Logger
}

// NewHandler creates a new handler. hub may be nil when websocket
// notifications are disabled.
func NewHandler(st store.Store, ex *exchange.Exchange, authService *auth.AuthService, hub *ws.Hub, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Store: st, Exchange: ex, AuthService: authService, Hub: hub, Log: log}
}

// Routes mounts all endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/profile", h.GetProfile)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetAccountOrders)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/orderbook", h.GetOrderBook)
		r.Get("/trades", h.GetAccountTrades)
	})

	if h.Hub != nil {
		r.Get("/ws", h.WebSocket)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeOrderError maps engine errors onto HTTP statuses.
func (h *Handler) writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrUnsupportedSymbol),
		errors.Is(err, exchange.ErrInvalidSide),
		errors.Is(err, exchange.ErrInvalidPrice),
		errors.Is(err, exchange.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, exchange.ErrInsufficientFunds),
		errors.Is(err, exchange.ErrInsufficientAssetBalance):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, exchange.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, exchange.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	default:
		h.Log.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Register handles account registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	acct, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to register account")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       acct.ID,
		"username": acct.Username,
	})
}

// Login handles account login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		accountID, err := h.AuthService.AccountFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), accountIDKey, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountID(r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(accountIDKey).(int64)
	return id, ok
}

// GetProfile returns the account's balance and holdings.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	acct, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve account")
		return
	}
	holdings, err := h.Store.ListHoldings(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve holdings")
		return
	}
	if holdings == nil {
		holdings = []models.AssetHolding{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":  acct,
		"holdings": holdings,
	})
}

// PlaceOrder handles order placement and the immediate match attempt.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Symbol   string          `json:"symbol"`
		Side     string          `json:"side"`
		Price    decimal.Decimal `json:"price"`
		Quantity decimal.Decimal `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, trade, err := h.Exchange.PlaceOrder(r.Context(), id, req.Symbol, models.Side(req.Side), req.Price, req.Quantity)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order": order,
		"trade": trade,
	})
}

// CancelOrder cancels an open order owned by the caller.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := h.Exchange.CancelOrder(r.Context(), id, orderID)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"order": order})
}

// GetOrderBook returns all open orders, optionally filtered by symbol.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol != "" && !models.SymbolSupported(symbol) {
		writeError(w, http.StatusBadRequest, "unsupported symbol")
		return
	}

	orders, err := h.Store.ListOpenOrders(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve order book")
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// GetAccountOrders returns the caller's orders.
func (h *Handler) GetAccountOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orders, err := h.Store.ListAccountOrders(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve orders")
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// GetAccountTrades returns the caller's trade history.
func (h *Handler) GetAccountTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	trades, err := h.Store.ListAccountTrades(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve trades")
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

// WebSocket upgrades the connection and streams trade notifications for
// the authenticated account. Browsers cannot set headers on websocket
// requests, so the token is taken from the query string.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "token required")
		return
	}
	id, err := h.AuthService.AccountFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	h.Hub.Serve(id, conn)
}
