package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Leader is an external trader whose trades are mirrored.
type Leader struct {
	ID      int64  `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"` // proxy wallet
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Account is a managed follower wallet.
type Account struct {
	ID            int64  `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Address       string `json:"address" yaml:"address"`             // signer EOA
	ProxyAddress  string `json:"proxy_address" yaml:"proxy_address"` // funder, holds positions
	KeyRef        string `json:"key_ref" yaml:"key_ref"`
	SignatureType int    `json:"signature_type" yaml:"signature_type"` // 0=EOA, 1=Magic/Email, 2=Browser proxy
	Enabled       bool   `json:"enabled" yaml:"enabled"`
}

// HasCredentials reports whether the account can sign orders.
func (a Account) HasCredentials() bool {
	return strings.TrimSpace(a.KeyRef) != "" && strings.TrimSpace(a.Address) != ""
}

// PositionAddress is the address positions are held under.
func (a Account) PositionAddress() string {
	if a.ProxyAddress != "" {
		return a.ProxyAddress
	}
	return a.Address
}

// SizingMode selects how a copy order is sized.
type SizingMode string

const (
	SizingRatio SizingMode = "ratio"
	SizingFixed SizingMode = "fixed"
)

// FollowerConfig is one account's copy policy for one leader.
// Nil pointers and zero counts mean the limit is not configured.
type FollowerConfig struct {
	ID               int64            `json:"id" yaml:"id"`
	AccountID        int64            `json:"account_id" yaml:"account_id"`
	LeaderID         int64            `json:"leader_id" yaml:"leader_id"`
	Enabled          bool             `json:"enabled" yaml:"enabled"`
	SizingMode       SizingMode       `json:"sizing_mode" yaml:"sizing_mode"`
	CopyRatio        decimal.Decimal  `json:"copy_ratio" yaml:"copy_ratio"`
	FixedAmount      decimal.Decimal  `json:"fixed_amount" yaml:"fixed_amount"`
	MinOrderSize     decimal.Decimal  `json:"min_order_size" yaml:"min_order_size"`
	MaxOrderSize     decimal.Decimal  `json:"max_order_size" yaml:"max_order_size"`
	PriceTolerance   decimal.Decimal  `json:"price_tolerance" yaml:"price_tolerance"`
	MinPrice         *decimal.Decimal `json:"min_price,omitempty" yaml:"min_price"`
	MaxPrice         *decimal.Decimal `json:"max_price,omitempty" yaml:"max_price"`
	MaxSpread        *decimal.Decimal `json:"max_spread,omitempty" yaml:"max_spread"`
	MinOrderDepth    *decimal.Decimal `json:"min_order_depth,omitempty" yaml:"min_order_depth"`
	MaxDailyOrders   int              `json:"max_daily_orders" yaml:"max_daily_orders"`
	MaxDailyLoss     *decimal.Decimal `json:"max_daily_loss,omitempty" yaml:"max_daily_loss"`
	MaxPositionValue *decimal.Decimal `json:"max_position_value,omitempty" yaml:"max_position_value"`
	MaxPositionCount int              `json:"max_position_count" yaml:"max_position_count"`
	SupportSell      bool             `json:"support_sell" yaml:"support_sell"`
}

// NeedsOrderBook reports whether any book-dependent threshold is configured.
func (c FollowerConfig) NeedsOrderBook() bool {
	return c.MaxSpread != nil || c.MinOrderDepth != nil
}

// SellAmount is the quantity a follower sells when the leader sells size.
// Fixed-mode configs have no ratio to the leader, so they exit fully (nil).
func (c FollowerConfig) SellAmount(leaderSize decimal.Decimal) *decimal.Decimal {
	if c.SizingMode == SizingFixed || !c.CopyRatio.IsPositive() {
		return nil
	}
	amt := leaderSize.Mul(c.CopyRatio)
	return &amt
}
