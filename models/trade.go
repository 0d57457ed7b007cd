package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes a raw side string.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrValidation, s)
}

// TradeSource identifies the ingestion path a trade arrived on.
type TradeSource string

const (
	SourceWebsocket TradeSource = "websocket"
	SourcePolling   TradeSource = "polling"
	SourceAPI       TradeSource = "api"
	SourceChain     TradeSource = "chain"
)

// Trade is a normalized leader trade. Identity is (LeaderID, ID).
type Trade struct {
	ID           string          `json:"id"`
	LeaderID     int64           `json:"leader_id"`
	MarketID     string          `json:"market_id"`
	OutcomeIndex int             `json:"outcome_index"`
	Outcome      string          `json:"outcome,omitempty"`
	TokenID      string          `json:"token_id,omitempty"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	Timestamp    time.Time       `json:"timestamp"`
	Source       TradeSource     `json:"source"`
}

// Notional returns price x size.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Size)
}

// Validate rejects malformed trades before any side effect.
func (t Trade) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: trade id is empty", ErrValidation)
	case strings.TrimSpace(t.MarketID) == "":
		return fmt.Errorf("%w: trade %s has no market", ErrValidation, t.ID)
	case t.Side != SideBuy && t.Side != SideSell:
		return fmt.Errorf("%w: trade %s has side %q", ErrValidation, t.ID, t.Side)
	case t.OutcomeIndex < 0:
		return fmt.Errorf("%w: trade %s has negative outcome index", ErrValidation, t.ID)
	case !t.Price.IsPositive() || t.Price.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: trade %s price %s outside (0,1]", ErrValidation, t.ID, t.Price)
	case !t.Size.IsPositive():
		return fmt.Errorf("%w: trade %s size %s is not positive", ErrValidation, t.ID, t.Size)
	}
	return nil
}

// OutcomeIndexFromName infers an outcome index from a legacy outcome label.
// Only used when the upstream payload carries no index.
func OutcomeIndexFromName(outcome string) (int, bool) {
	switch strings.ToUpper(strings.TrimSpace(outcome)) {
	case "YES", "UP":
		return 0, true
	case "NO", "DOWN":
		return 1, true
	}
	return 0, false
}

// TradeOutcome is the recorded result of processing a trade.
type TradeOutcome string

const (
	OutcomeSuccess TradeOutcome = "SUCCESS"
	OutcomeFailed  TradeOutcome = "FAILED"
)

// ProcessedTrade is the ledger row guarding at-most-once processing.
type ProcessedTrade struct {
	LeaderID    int64        `json:"leader_id"`
	TradeID     string       `json:"trade_id"`
	TradeType   Side         `json:"trade_type"`
	Source      TradeSource  `json:"source"`
	Outcome     TradeOutcome `json:"outcome"`
	ProcessedAt time.Time    `json:"processed_at"`
}

// FailedTrade is an audit row for a rejected or failed copy attempt.
type FailedTrade struct {
	ConfigID      int64           `json:"config_id"`
	AccountID     int64           `json:"account_id"`
	LeaderID      int64           `json:"leader_id"`
	LeaderTradeID string          `json:"leader_trade_id"`
	MarketID      string          `json:"market_id"`
	OutcomeIndex  int             `json:"outcome_index"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	Category      string          `json:"category"`
	Reason        string          `json:"reason"`
	CreatedAt     time.Time       `json:"created_at"`
}

const maxReasonRunes = 500

// TruncateReason bounds error detail stored in audit rows.
func TruncateReason(s string) string {
	r := []rune(s)
	if len(r) <= maxReasonRunes {
		return s
	}
	return string(r[:maxReasonRunes-3]) + "..."
}
