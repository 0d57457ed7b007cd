package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"polymarket-copytrader/exposure"
	"polymarket-copytrader/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when an insert hits a uniqueness constraint.
var ErrDuplicate = errors.New("storage: duplicate key")

// ReserveRequest asks for a pending order to be reserved against the config's caps.
type ReserveRequest struct {
	Config models.FollowerConfig
	// Order is the intended buy. ID, status, matched/remaining and the
	// placeholder exchange id are assigned by the store.
	Order models.Order
}

// Reservation is the committed result of a reserve attempt.
type Reservation struct {
	Decision exposure.Decision
	// Order is the inserted pending row, nil when nothing was reserved.
	Order *models.Order
}

// Reserved reports whether a pending row was inserted.
func (r Reservation) Reserved() bool {
	return r.Order != nil
}

// ConsumeRequest drives one FIFO consumption for a (config, market, outcome) key.
type ConsumeRequest struct {
	Key       models.PositionKey
	AccountID int64
	// Amount to match; nil consumes every open remainder.
	Amount    *decimal.Decimal
	SellPrice decimal.Decimal
	Kind      models.MatchKind
	// SellOrderID is the follower's exchange sell order, empty for synthetic matches.
	SellOrderID   string
	LeaderTradeID string
	// PriceFinal marks the sell price as authoritative so the sweep never corrects it.
	PriceFinal bool
	// CreatedBefore, when set, excludes orders created at or after it.
	CreatedBefore time.Time
}

// DailyStats summarizes a config's activity since a cutoff.
type DailyStats struct {
	Orders      int
	RealizedPnL decimal.Decimal
}

// Loss returns the realized loss as a non-negative amount.
func (s DailyStats) Loss() decimal.Decimal {
	if s.RealizedPnL.IsNegative() {
		return s.RealizedPnL.Neg()
	}
	return decimal.Zero
}

// ExposureReader answers headroom questions without mutating anything.
type ExposureReader interface {
	Exposure(ctx context.Context, cfg models.FollowerConfig, marketID string) (exposure.State, error)
	DailyStats(ctx context.Context, configID int64, since time.Time) (DailyStats, error)
}

// Store defines the interface for storage backends.
type Store interface {
	ExposureReader
	Close() error

	// Leaders, accounts and follower configs
	SaveLeader(ctx context.Context, leader models.Leader) error
	ListLeaders(ctx context.Context) ([]models.Leader, error)
	SaveAccount(ctx context.Context, account models.Account) error
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	SaveFollowerConfig(ctx context.Context, cfg models.FollowerConfig) error
	GetFollowerConfig(ctx context.Context, id int64) (*models.FollowerConfig, error)
	ListFollowerConfigs(ctx context.Context, leaderID int64) ([]models.FollowerConfig, error)

	// Trade ledger
	GetProcessedTrade(ctx context.Context, leaderID int64, tradeID string) (*models.ProcessedTrade, error)
	InsertProcessedTrade(ctx context.Context, rec models.ProcessedTrade) error

	// Reservation, in its own committed unit of work
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)
	FinalizeOrder(ctx context.Context, orderID int64, exchangeOrderID string) error
	DeleteOrder(ctx context.Context, orderID int64) error

	// Orders
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	ListOpenOrders(ctx context.Context, key models.PositionKey) ([]models.Order, error)
	ListAccountOpenOrders(ctx context.Context, accountID int64) ([]models.Order, error)
	ListPendingOrders(ctx context.Context, createdBefore time.Time) ([]models.Order, error)
	ListUnpricedOrders(ctx context.Context, limit int) ([]models.Order, error)
	ListUnnotifiedOrders(ctx context.Context, limit int) ([]models.Order, error)
	CorrectOrderFill(ctx context.Context, orderID int64, price, quantity decimal.Decimal) (bool, error)
	MarkOrderNotified(ctx context.Context, orderID int64) (bool, error)

	// FIFO matching
	ConsumeFIFO(ctx context.Context, req ConsumeRequest) (*models.SellMatchRecord, error)
	ListSellRecords(ctx context.Context, configID int64) ([]models.SellMatchRecord, error)
	ListUnpricedSellRecords(ctx context.Context, limit int) ([]models.SellMatchRecord, error)
	CorrectSellPrice(ctx context.Context, recordID int64, price decimal.Decimal) (bool, error)

	// Audit
	RecordFailedTrade(ctx context.Context, rec models.FailedTrade) error
	ListFailedTrades(ctx context.Context, configID int64) ([]models.FailedTrade, error)

	// Token id cache
	GetCachedTokenID(ctx context.Context, marketID string, outcome int) (string, error)
	CacheTokenID(ctx context.Context, marketID string, outcome int, tokenID string) error
}

// Ensure all implementations satisfy the interface
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func lockKey(configID int64, marketID string) string {
	return fmt.Sprintf("%d:%s", configID, marketID)
}

// configLockKey covers every market of a config. Reserve takes it before
// the market key when a position count cap is set, since the cap spans markets.
func configLockKey(configID int64) string {
	return fmt.Sprintf("cfg:%d", configID)
}

func placeholderID() string {
	return models.PlaceholderPrefix + uuid.NewString()
}

func tokenCacheKey(marketID string, outcome int) string {
	return fmt.Sprintf("token:%s:%d", marketID, outcome)
}

// newPendingOrder fills in the fields every backend assigns on reservation.
func newPendingOrder(req ReserveRequest, dec exposure.Decision, placeholder string, now time.Time) models.Order {
	o := req.Order
	o.ConfigID = req.Config.ID
	o.AccountID = req.Config.AccountID
	o.LeaderID = req.Config.LeaderID
	o.Quantity = dec.Quantity
	o.MatchedQuantity = decimal.Zero
	o.RemainingQuantity = dec.Quantity
	o.Status = models.OrderPending
	o.ExchangeOrderID = placeholder
	o.PriceUpdated = false
	o.Notified = false
	o.CreatedAt = now
	o.UpdatedAt = now
	return o
}

// correctedFill keeps matched + remaining == quantity when the exchange
// reports a different filled quantity than the provisional one.
func correctedFill(o models.Order, quantity decimal.Decimal) (qty, remaining decimal.Decimal, status models.OrderStatus) {
	qty = quantity
	if qty.LessThan(o.MatchedQuantity) {
		qty = o.MatchedQuantity
	}
	remaining = qty.Sub(o.MatchedQuantity)
	switch {
	case remaining.IsZero():
		status = models.OrderFullyMatched
	case o.MatchedQuantity.IsPositive():
		status = models.OrderPartiallyMatched
	default:
		status = models.OrderFilled
	}
	return qty, remaining, status
}
