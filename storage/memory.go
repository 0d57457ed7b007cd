package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"polymarket-copytrader/exposure"
	"polymarket-copytrader/fifo"
	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store used by tests and dry runs.
// Reservations and FIFO consumption serialize per (config, market) key.
type MemoryStore struct {
	mu sync.RWMutex

	Leaders         map[int64]models.Leader
	Accounts        map[int64]models.Account
	Configs         map[int64]models.FollowerConfig
	ProcessedTrades map[string]models.ProcessedTrade
	Orders          map[int64]*models.Order
	SellRecords     []*models.SellMatchRecord
	FailedTrades    []models.FailedTrade
	TokenIDs        map[string]string

	nextOrderID  int64
	nextRecordID int64
	keyLocks     sync.Map // lockKey -> *sync.Mutex

	// Now is the clock used for created/updated timestamps.
	Now func() time.Time

	callsMu sync.Mutex
	// Call tracking for assertions
	Calls map[string]int
	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Leaders:         make(map[int64]models.Leader),
		Accounts:        make(map[int64]models.Account),
		Configs:         make(map[int64]models.FollowerConfig),
		ProcessedTrades: make(map[string]models.ProcessedTrade),
		Orders:          make(map[int64]*models.Order),
		TokenIDs:        make(map[string]string),
		Now:             time.Now,
		Calls:           make(map[string]int),
		ErrorOnNext:     make(map[string]error),
	}
}

func (m *MemoryStore) trackCall(name string) error {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how often name was called.
func (m *MemoryStore) CallCount(name string) int {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return m.Calls[name]
}

// FailNext makes the next call to name return err.
func (m *MemoryStore) FailNext(name string, err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.ErrorOnNext[name] = err
}

func (m *MemoryStore) keyLock(key string) *sync.Mutex {
	l, _ := m.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (m *MemoryStore) Close() error {
	return m.trackCall("Close")
}

func (m *MemoryStore) SaveLeader(ctx context.Context, leader models.Leader) error {
	if err := m.trackCall("SaveLeader"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leaders[leader.ID] = leader
	return nil
}

func (m *MemoryStore) ListLeaders(ctx context.Context) ([]models.Leader, error) {
	if err := m.trackCall("ListLeaders"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Leader, 0, len(m.Leaders))
	for _, l := range m.Leaders {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveAccount(ctx context.Context, account models.Account) error {
	if err := m.trackCall("SaveAccount"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Accounts[account.ID] = account
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	if err := m.trackCall("GetAccount"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.Accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, models.ErrNotFound)
	}
	return &a, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	if err := m.trackCall("ListAccounts"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Account, 0, len(m.Accounts))
	for _, a := range m.Accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveFollowerConfig(ctx context.Context, cfg models.FollowerConfig) error {
	if err := m.trackCall("SaveFollowerConfig"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Configs[cfg.ID] = cfg
	return nil
}

func (m *MemoryStore) GetFollowerConfig(ctx context.Context, id int64) (*models.FollowerConfig, error) {
	if err := m.trackCall("GetFollowerConfig"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.Configs[id]
	if !ok {
		return nil, fmt.Errorf("follower config %d: %w", id, models.ErrNotFound)
	}
	return &c, nil
}

func (m *MemoryStore) ListFollowerConfigs(ctx context.Context, leaderID int64) ([]models.FollowerConfig, error) {
	if err := m.trackCall("ListFollowerConfigs"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.FollowerConfig
	for _, c := range m.Configs {
		if c.LeaderID == leaderID && c.Enabled {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func processedKey(leaderID int64, tradeID string) string {
	return fmt.Sprintf("%d:%s", leaderID, tradeID)
}

func (m *MemoryStore) GetProcessedTrade(ctx context.Context, leaderID int64, tradeID string) (*models.ProcessedTrade, error) {
	if err := m.trackCall("GetProcessedTrade"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.ProcessedTrades[processedKey(leaderID, tradeID)]
	if !ok {
		return nil, fmt.Errorf("processed trade %d/%s: %w", leaderID, tradeID, models.ErrNotFound)
	}
	return &rec, nil
}

func (m *MemoryStore) InsertProcessedTrade(ctx context.Context, rec models.ProcessedTrade) error {
	if err := m.trackCall("InsertProcessedTrade"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := processedKey(rec.LeaderID, rec.TradeID)
	if _, ok := m.ProcessedTrades[key]; ok {
		return ErrDuplicate
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = m.Now()
	}
	m.ProcessedTrades[key] = rec
	return nil
}

// exposureLocked must be called with m.mu held.
func (m *MemoryStore) exposureLocked(cfg models.FollowerConfig, marketID string) exposure.State {
	st := exposure.State{Exposure: decimal.Zero}
	markets := make(map[string]struct{})
	for _, o := range m.Orders {
		if o.ConfigID != cfg.ID || o.Status == models.OrderFullyMatched {
			continue
		}
		markets[o.MarketID] = struct{}{}
		if o.MarketID == marketID {
			st.Exposure = st.Exposure.Add(o.Notional())
		}
	}
	_, st.HoldsMarket = markets[marketID]
	st.OpenMarkets = len(markets)
	return st
}

func (m *MemoryStore) Exposure(ctx context.Context, cfg models.FollowerConfig, marketID string) (exposure.State, error) {
	if err := m.trackCall("Exposure"); err != nil {
		return exposure.State{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exposureLocked(cfg, marketID), nil
}

func (m *MemoryStore) DailyStats(ctx context.Context, configID int64, since time.Time) (DailyStats, error) {
	if err := m.trackCall("DailyStats"); err != nil {
		return DailyStats{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := DailyStats{RealizedPnL: decimal.Zero}
	for _, o := range m.Orders {
		if o.ConfigID == configID && !o.CreatedAt.Before(since) {
			stats.Orders++
		}
	}
	for _, r := range m.SellRecords {
		if r.ConfigID == configID && !r.CreatedAt.Before(since) {
			stats.RealizedPnL = stats.RealizedPnL.Add(r.RealizedPnL)
		}
	}
	return stats, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if err := m.trackCall("Reserve"); err != nil {
		return Reservation{}, err
	}
	if req.Config.MaxPositionCount > 0 {
		cl := m.keyLock(configLockKey(req.Config.ID))
		cl.Lock()
		defer cl.Unlock()
	}
	l := m.keyLock(lockKey(req.Config.ID, req.Order.MarketID))
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	st := m.exposureLocked(req.Config, req.Order.MarketID)
	m.mu.RUnlock()

	dec := exposure.Decide(req.Config, st, req.Order.Price, req.Order.Quantity)
	if !dec.Reserves() {
		return Reservation{Decision: dec}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOrderID++
	o := newPendingOrder(req, dec, placeholderID(), m.Now())
	o.ID = m.nextOrderID
	m.Orders[o.ID] = &o
	out := o
	return Reservation{Decision: dec, Order: &out}, nil
}

func (m *MemoryStore) FinalizeOrder(ctx context.Context, orderID int64, exchangeOrderID string) error {
	if err := m.trackCall("FinalizeOrder"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[orderID]
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	o.ExchangeOrderID = exchangeOrderID
	if o.Status == models.OrderPending {
		o.Status = models.OrderFilled
	}
	o.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryStore) DeleteOrder(ctx context.Context, orderID int64) error {
	if err := m.trackCall("DeleteOrder"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Orders, orderID)
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	if err := m.trackCall("GetOrder"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.Orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	out := *o
	return &out, nil
}

func (m *MemoryStore) filterOrders(keep func(*models.Order) bool, limit int) []models.Order {
	var out []models.Order
	for _, o := range m.Orders {
		if keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func isOpen(o *models.Order) bool {
	return o.Status != models.OrderPending && o.RemainingQuantity.IsPositive()
}

func (m *MemoryStore) ListOpenOrders(ctx context.Context, key models.PositionKey) ([]models.Order, error) {
	if err := m.trackCall("ListOpenOrders"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterOrders(func(o *models.Order) bool {
		return o.Key() == key && isOpen(o)
	}, 0), nil
}

func (m *MemoryStore) ListAccountOpenOrders(ctx context.Context, accountID int64) ([]models.Order, error) {
	if err := m.trackCall("ListAccountOpenOrders"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterOrders(func(o *models.Order) bool {
		return o.AccountID == accountID && isOpen(o)
	}, 0), nil
}

func (m *MemoryStore) ListPendingOrders(ctx context.Context, createdBefore time.Time) ([]models.Order, error) {
	if err := m.trackCall("ListPendingOrders"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterOrders(func(o *models.Order) bool {
		return o.Status == models.OrderPending && o.CreatedAt.Before(createdBefore)
	}, 0), nil
}

func (m *MemoryStore) ListUnpricedOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if err := m.trackCall("ListUnpricedOrders"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterOrders(func(o *models.Order) bool {
		return o.Status != models.OrderPending && !o.PriceUpdated
	}, limit), nil
}

func (m *MemoryStore) ListUnnotifiedOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if err := m.trackCall("ListUnnotifiedOrders"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterOrders(func(o *models.Order) bool {
		return o.Status != models.OrderPending && o.PriceUpdated && !o.Notified
	}, limit), nil
}

func (m *MemoryStore) CorrectOrderFill(ctx context.Context, orderID int64, price, quantity decimal.Decimal) (bool, error) {
	if err := m.trackCall("CorrectOrderFill"); err != nil {
		return false, err
	}
	m.mu.RLock()
	o, ok := m.Orders[orderID]
	var l *sync.Mutex
	if ok {
		l = m.keyLock(lockKey(o.ConfigID, o.MarketID))
	}
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok = m.Orders[orderID]
	if !ok || o.PriceUpdated {
		return false, nil
	}
	qty, remaining, status := correctedFill(*o, quantity)
	o.Price = price
	o.Quantity = qty
	o.RemainingQuantity = remaining
	o.Status = status
	o.PriceUpdated = true
	o.UpdatedAt = m.Now()
	return true, nil
}

func (m *MemoryStore) MarkOrderNotified(ctx context.Context, orderID int64) (bool, error) {
	if err := m.trackCall("MarkOrderNotified"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[orderID]
	if !ok || o.Notified {
		return false, nil
	}
	o.Notified = true
	return true, nil
}

func (m *MemoryStore) ConsumeFIFO(ctx context.Context, req ConsumeRequest) (*models.SellMatchRecord, error) {
	if err := m.trackCall("ConsumeFIFO"); err != nil {
		return nil, err
	}
	l := m.keyLock(lockKey(req.Key.ConfigID, req.Key.MarketID))
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.filterOrders(func(o *models.Order) bool {
		if o.Key() != req.Key || !isOpen(o) {
			return false
		}
		return req.CreatedBefore.IsZero() || o.CreatedAt.Before(req.CreatedBefore)
	}, 0)

	plan := fifo.Plan(open, req.Amount, req.SellPrice)
	if plan.Empty() {
		return nil, nil
	}

	now := m.Now()
	for _, f := range plan.Fills {
		o := m.Orders[f.OrderID]
		o.MatchedQuantity = f.NewMatched
		o.RemainingQuantity = f.NewRemaining
		o.Status = f.NewStatus
		o.UpdatedAt = now
	}

	m.nextRecordID++
	rec := plan.Record(recordBase(req, now))
	rec.ID = m.nextRecordID
	for i := range rec.Details {
		rec.Details[i].RecordID = rec.ID
	}
	stored := rec
	m.SellRecords = append(m.SellRecords, &stored)
	return &rec, nil
}

func recordBase(req ConsumeRequest, now time.Time) models.SellMatchRecord {
	return models.SellMatchRecord{
		ConfigID:      req.Key.ConfigID,
		AccountID:     req.AccountID,
		MarketID:      req.Key.MarketID,
		OutcomeIndex:  req.Key.OutcomeIndex,
		Kind:          req.Kind,
		SellOrderID:   req.SellOrderID,
		LeaderTradeID: req.LeaderTradeID,
		PriceUpdated:  req.PriceFinal,
		CreatedAt:     now,
	}
}

func (m *MemoryStore) ListSellRecords(ctx context.Context, configID int64) ([]models.SellMatchRecord, error) {
	if err := m.trackCall("ListSellRecords"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SellMatchRecord
	for _, r := range m.SellRecords {
		if r.ConfigID == configID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListUnpricedSellRecords(ctx context.Context, limit int) ([]models.SellMatchRecord, error) {
	if err := m.trackCall("ListUnpricedSellRecords"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SellMatchRecord
	for _, r := range m.SellRecords {
		if !r.PriceUpdated && !models.IsPlaceholderID(r.SellOrderID) {
			out = append(out, *r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) CorrectSellPrice(ctx context.Context, recordID int64, price decimal.Decimal) (bool, error) {
	if err := m.trackCall("CorrectSellPrice"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.SellRecords {
		if r.ID != recordID {
			continue
		}
		if r.PriceUpdated {
			return false, nil
		}
		fixed := fifo.Reprice(*r, price)
		fixed.PriceUpdated = true
		m.SellRecords[i] = &fixed
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) RecordFailedTrade(ctx context.Context, rec models.FailedTrade) error {
	if err := m.trackCall("RecordFailedTrade"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Reason = models.TruncateReason(rec.Reason)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.Now()
	}
	m.FailedTrades = append(m.FailedTrades, rec)
	return nil
}

func (m *MemoryStore) ListFailedTrades(ctx context.Context, configID int64) ([]models.FailedTrade, error) {
	if err := m.trackCall("ListFailedTrades"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.FailedTrade
	for _, f := range m.FailedTrades {
		if f.ConfigID == configID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetCachedTokenID(ctx context.Context, marketID string, outcome int) (string, error) {
	if err := m.trackCall("GetCachedTokenID"); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.TokenIDs[tokenCacheKey(marketID, outcome)]
	if !ok {
		return "", models.ErrNotFound
	}
	return id, nil
}

func (m *MemoryStore) CacheTokenID(ctx context.Context, marketID string, outcome int, tokenID string) error {
	if err := m.trackCall("CacheTokenID"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TokenIDs[tokenCacheKey(marketID, outcome)] = tokenID
	return nil
}

// Snapshot returns copies of every order, oldest first.
func (m *MemoryStore) Snapshot() []models.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterOrders(func(*models.Order) bool { return true }, 0)
}
