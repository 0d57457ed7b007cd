package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a tracked buy order.
type OrderStatus string

const (
	OrderPending          OrderStatus = "pending"
	OrderFilled           OrderStatus = "filled"
	OrderPartiallyMatched OrderStatus = "partially_matched"
	OrderFullyMatched     OrderStatus = "fully_matched"
)

// PlaceholderPrefix marks exchange order ids not yet assigned by the exchange.
const PlaceholderPrefix = "pending-"

// IsPlaceholderID reports whether id is a reservation placeholder.
func IsPlaceholderID(id string) bool {
	return id == "" || strings.HasPrefix(id, PlaceholderPrefix)
}

// Order is one tracked follower buy. Invariant: Matched + Remaining == Quantity.
type Order struct {
	ID                int64           `json:"id"`
	ConfigID          int64           `json:"config_id"`
	AccountID         int64           `json:"account_id"`
	LeaderID          int64           `json:"leader_id"`
	MarketID          string          `json:"market_id"`
	OutcomeIndex      int             `json:"outcome_index"`
	TokenID           string          `json:"token_id"`
	ExchangeOrderID   string          `json:"exchange_order_id"`
	LeaderTradeID     string          `json:"leader_trade_id"`
	Quantity          decimal.Decimal `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	MatchedQuantity   decimal.Decimal `json:"matched_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Status            OrderStatus     `json:"status"`
	PriceUpdated      bool            `json:"price_updated"`
	Notified          bool            `json:"notified"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Notional returns quantity x price.
func (o Order) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.Price)
}

// PositionKey identifies a (config, market, outcome) bucket.
type PositionKey struct {
	ConfigID     int64
	MarketID     string
	OutcomeIndex int
}

// Key returns the order's position bucket.
func (o Order) Key() PositionKey {
	return PositionKey{ConfigID: o.ConfigID, MarketID: o.MarketID, OutcomeIndex: o.OutcomeIndex}
}

// MatchKind says which signal produced a sell match.
type MatchKind string

const (
	MatchSell       MatchKind = "sell"
	MatchRedemption MatchKind = "redemption"
	MatchClosure    MatchKind = "closure"
	MatchTransfer   MatchKind = "transfer"
)

// SellMatchRecord is one matching event across one or more buy orders.
type SellMatchRecord struct {
	ID              int64             `json:"id"`
	ConfigID        int64             `json:"config_id"`
	AccountID       int64             `json:"account_id"`
	MarketID        string            `json:"market_id"`
	OutcomeIndex    int               `json:"outcome_index"`
	Kind            MatchKind         `json:"kind"`
	SellOrderID     string            `json:"sell_order_id"`
	LeaderTradeID   string            `json:"leader_trade_id"`
	MatchedQuantity decimal.Decimal   `json:"matched_quantity"`
	SellPrice       decimal.Decimal   `json:"sell_price"`
	RealizedPnL     decimal.Decimal   `json:"realized_pnl"`
	PriceUpdated    bool              `json:"price_updated"`
	CreatedAt       time.Time         `json:"created_at"`
	Details         []SellMatchDetail `json:"details"`
}

// SellMatchDetail is the slice of one buy order consumed by a match.
type SellMatchDetail struct {
	RecordID        int64           `json:"record_id"`
	BuyOrderID      int64           `json:"buy_order_id"`
	MatchedQuantity decimal.Decimal `json:"matched_quantity"`
	BuyPrice        decimal.Decimal `json:"buy_price"`
	SellPrice       decimal.Decimal `json:"sell_price"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
}
