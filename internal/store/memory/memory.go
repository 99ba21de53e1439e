// Package memory implements store.Store entirely in process. Atomic
// units are serialized behind one mutex and roll back by restoring a
// snapshot, which gives the same observable semantics as the Postgres
// implementation without an external database. Used by the test suites
// and by the "memory" storage mode of the server.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/models"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store"
)

type state struct {
	accounts   map[int64]*models.Account
	byUsername map[string]int64
	holdings   map[int64]*models.AssetHolding
	holdingIdx map[holdingKey]int64
	orders     map[int64]*models.Order
	trades     map[int64]*models.Trade

	nextAccount int64
	nextHolding int64
	nextOrder   int64
	nextTrade   int64
}

type holdingKey struct {
	accountID int64
	symbol    string
}

// Store is an in-memory store.Store.
type Store struct {
	mu sync.Mutex
	st state
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		st: state{
			accounts:   make(map[int64]*models.Account),
			byUsername: make(map[string]int64),
			holdings:   make(map[int64]*models.AssetHolding),
			holdingIdx: make(map[holdingKey]int64),
			orders:     make(map[int64]*models.Order),
			trades:     make(map[int64]*models.Trade),
		},
	}
}

func (s *state) clone() state {
	c := state{
		accounts:    make(map[int64]*models.Account, len(s.accounts)),
		byUsername:  make(map[string]int64, len(s.byUsername)),
		holdings:    make(map[int64]*models.AssetHolding, len(s.holdings)),
		holdingIdx:  make(map[holdingKey]int64, len(s.holdingIdx)),
		orders:      make(map[int64]*models.Order, len(s.orders)),
		trades:      make(map[int64]*models.Trade, len(s.trades)),
		nextAccount: s.nextAccount,
		nextHolding: s.nextHolding,
		nextOrder:   s.nextOrder,
		nextTrade:   s.nextTrade,
	}
	for id, a := range s.accounts {
		cp := *a
		c.accounts[id] = &cp
	}
	for u, id := range s.byUsername {
		c.byUsername[u] = id
	}
	for id, h := range s.holdings {
		cp := *h
		c.holdings[id] = &cp
	}
	for k, id := range s.holdingIdx {
		c.holdingIdx[k] = id
	}
	for id, o := range s.orders {
		cp := *o
		c.orders[id] = &cp
	}
	for id, t := range s.trades {
		cp := *t
		c.trades[id] = &cp
	}
	return c
}

// Atomic runs fn under the store mutex. On error the pre-fn snapshot is
// restored, so a failed unit leaves no partial state behind.
func (s *Store) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&tx{st: &s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// CreateAccount registers an account with its starting balance and
// holdings.
func (s *Store) CreateAccount(ctx context.Context, username, passwordHash string, balance decimal.Decimal, holdings map[string]decimal.Decimal) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.byUsername[username]; ok {
		return nil, store.ErrAccountExists
	}

	s.st.nextAccount++
	acct := &models.Account{
		ID:           s.st.nextAccount,
		Username:     username,
		PasswordHash: passwordHash,
		Balance:      balance,
		CreatedAt:    time.Now().UTC(),
	}
	s.st.accounts[acct.ID] = acct
	s.st.byUsername[username] = acct.ID

	for symbol, available := range holdings {
		s.st.nextHolding++
		h := &models.AssetHolding{
			ID:        s.st.nextHolding,
			AccountID: acct.ID,
			Symbol:    symbol,
			Available: available,
			Reserved:  decimal.Zero,
		}
		s.st.holdings[h.ID] = h
		s.st.holdingIdx[holdingKey{acct.ID, symbol}] = h.ID
	}

	cp := *acct
	return &cp, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.st.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.st.byUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.st.accounts[id]
	return &cp, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) ListOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orders []models.Order
	for _, o := range s.st.orders {
		if o.Status != models.StatusOpen {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		orders = append(orders, *o)
	}
	sortOrders(orders)
	return orders, nil
}

func (s *Store) ListAccountOrders(ctx context.Context, accountID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orders []models.Order
	for _, o := range s.st.orders {
		if o.AccountID == accountID {
			orders = append(orders, *o)
		}
	}
	sortOrders(orders)
	return orders, nil
}

func (s *Store) ListAccountTrades(ctx context.Context, accountID int64) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var trades []models.Trade
	for _, t := range s.st.trades {
		buy := s.st.orders[t.BuyOrderID]
		sell := s.st.orders[t.SellOrderID]
		if (buy != nil && buy.AccountID == accountID) || (sell != nil && sell.AccountID == accountID) {
			trades = append(trades, *t)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })
	return trades, nil
}

func (s *Store) ListHoldings(ctx context.Context, accountID int64) ([]models.AssetHolding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var holdings []models.AssetHolding
	for _, h := range s.st.holdings {
		if h.AccountID == accountID {
			holdings = append(holdings, *h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].ID < holdings[j].ID })
	return holdings, nil
}

func sortOrders(orders []models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

// tx mutates the live state directly; Atomic's snapshot provides the
// rollback. The store mutex is already held for the whole unit, so the
// ForUpdate methods reduce to plain lookups.
type tx struct {
	st *state
}

func (t *tx) AccountForUpdate(ctx context.Context, id int64) (*models.Account, error) {
	acct, ok := t.st.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return acct, nil
}

func (t *tx) AccountPairForUpdate(ctx context.Context, a, b int64) (*models.Account, *models.Account, error) {
	first, err := t.AccountForUpdate(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	if a == b {
		return first, first, nil
	}
	second, err := t.AccountForUpdate(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	return first, second, nil
}

func (t *tx) UpdateAccountBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	acct, ok := t.st.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	acct.Balance = balance
	return nil
}

func (t *tx) HoldingForUpdate(ctx context.Context, accountID int64, symbol string) (*models.AssetHolding, error) {
	if _, ok := t.st.accounts[accountID]; !ok {
		return nil, store.ErrNotFound
	}
	key := holdingKey{accountID, symbol}
	if id, ok := t.st.holdingIdx[key]; ok {
		return t.st.holdings[id], nil
	}
	t.st.nextHolding++
	h := &models.AssetHolding{
		ID:        t.st.nextHolding,
		AccountID: accountID,
		Symbol:    symbol,
		Available: decimal.Zero,
		Reserved:  decimal.Zero,
	}
	t.st.holdings[h.ID] = h
	t.st.holdingIdx[key] = h.ID
	return h, nil
}

func (t *tx) UpdateHolding(ctx context.Context, h *models.AssetHolding) error {
	existing, ok := t.st.holdings[h.ID]
	if !ok {
		return store.ErrNotFound
	}
	*existing = *h
	return nil
}

func (t *tx) InsertOrder(ctx context.Context, o *models.Order) error {
	t.st.nextOrder++
	o.ID = t.st.nextOrder
	o.CreatedAt = time.Now().UTC()
	cp := *o
	t.st.orders[o.ID] = &cp
	return nil
}

func (t *tx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *tx) OrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (t *tx) OrderPairForUpdate(ctx context.Context, a, b int64) (*models.Order, *models.Order, error) {
	first, err := t.OrderForUpdate(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	if a == b {
		return first, first, nil
	}
	second, err := t.OrderForUpdate(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	return first, second, nil
}

func (t *tx) UpdateOrder(ctx context.Context, o *models.Order) error {
	existing, ok := t.st.orders[o.ID]
	if !ok {
		return store.ErrNotFound
	}
	*existing = *o
	return nil
}

func (t *tx) FindCounterOrder(ctx context.Context, taker *models.Order) (int64, error) {
	counterSide := taker.Side.Opposite()
	var best *models.Order
	for _, o := range t.st.orders {
		if o.Symbol != taker.Symbol || o.Side != counterSide || o.Status != models.StatusOpen {
			continue
		}
		if !crosses(taker, o) {
			continue
		}
		if best == nil || earlier(o, best) {
			best = o
		}
	}
	if best == nil {
		return 0, nil
	}
	return best.ID, nil
}

func (t *tx) InsertTrade(ctx context.Context, tr *models.Trade) error {
	t.st.nextTrade++
	tr.ID = t.st.nextTrade
	tr.ExecutedAt = time.Now().UTC()
	cp := *tr
	t.st.trades[tr.ID] = &cp
	return nil
}

func crosses(taker, counter *models.Order) bool {
	if taker.Side == models.SideBuy {
		return counter.Price.LessThanOrEqual(taker.Price)
	}
	return counter.Price.GreaterThanOrEqual(taker.Price)
}

func earlier(a, b *models.Order) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
