// Package exposure holds the cap and clamp rule shared by every reservation backend.
package exposure

import (
	"fmt"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// QuantityPlaces is the precision quantities are truncated to after a clamp.
const QuantityPlaces = 6

// State is the committed exposure for a (config, market) key, read under its lock.
type State struct {
	// Exposure is the notional over non-fully-matched orders for the key.
	Exposure decimal.Decimal
	// OpenMarkets counts distinct markets with non-fully-matched orders for the config.
	OpenMarkets int
	// HoldsMarket is true when the key's market is already among OpenMarkets.
	HoldsMarket bool
}

// Verdict is the outcome of a reservation decision.
type Verdict int

const (
	Allow Verdict = iota
	Clamp
	Skip
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Clamp:
		return "clamp"
	case Skip:
		return "skip"
	default:
		return "deny"
	}
}

// Decision is what a reservation should insert, if anything.
type Decision struct {
	Verdict  Verdict
	Quantity decimal.Decimal
	Notional decimal.Decimal
	Headroom *decimal.Decimal
	Category string
	Reason   string
}

// Reserves reports whether the decision inserts an order.
func (d Decision) Reserves() bool {
	return d.Verdict == Allow || d.Verdict == Clamp
}

// Headroom returns the remaining notional under the value cap, or nil when uncapped.
func Headroom(cfg models.FollowerConfig, exposure decimal.Decimal) *decimal.Decimal {
	if cfg.MaxPositionValue == nil {
		return nil
	}
	h := cfg.MaxPositionValue.Sub(exposure)
	if h.IsNegative() {
		h = decimal.Zero
	}
	return &h
}

// Decide applies the count cap, the value cap and the min-size floor to a
// requested quantity at price.
func Decide(cfg models.FollowerConfig, st State, price, quantity decimal.Decimal) Decision {
	requested := quantity.Mul(price)
	if !requested.IsPositive() {
		return Decision{Verdict: Skip, Category: models.CategoryMinOrderSize, Reason: "empty order"}
	}

	if cfg.MinOrderSize.IsPositive() && requested.LessThan(cfg.MinOrderSize) {
		return Decision{
			Verdict:  Skip,
			Category: models.CategoryMinOrderSize,
			Reason:   fmt.Sprintf("notional %s below min order size %s", requested, cfg.MinOrderSize),
		}
	}

	if cfg.MaxPositionCount > 0 && !st.HoldsMarket && st.OpenMarkets >= cfg.MaxPositionCount {
		return Decision{
			Verdict:  Deny,
			Category: models.CategoryRiskControl,
			Reason:   fmt.Sprintf("open positions %d at cap %d", st.OpenMarkets, cfg.MaxPositionCount),
		}
	}

	headroom := Headroom(cfg, st.Exposure)
	if headroom == nil || requested.LessThanOrEqual(*headroom) {
		return Decision{Verdict: Allow, Quantity: quantity, Notional: requested, Headroom: headroom}
	}

	if !headroom.IsPositive() {
		return Decision{
			Verdict:  Deny,
			Headroom: headroom,
			Category: models.CategoryRiskControl,
			Reason:   fmt.Sprintf("position value %s at cap %s", st.Exposure, cfg.MaxPositionValue),
		}
	}

	if cfg.MinOrderSize.IsPositive() && headroom.LessThan(cfg.MinOrderSize) {
		return Decision{
			Verdict:  Skip,
			Headroom: headroom,
			Category: models.CategoryMinOrderSize,
			Reason:   fmt.Sprintf("headroom %s below min order size %s", headroom, cfg.MinOrderSize),
		}
	}

	qty := headroom.Div(price).Truncate(QuantityPlaces)
	if !qty.IsPositive() {
		return Decision{
			Verdict:  Skip,
			Headroom: headroom,
			Category: models.CategoryMinOrderSize,
			Reason:   fmt.Sprintf("headroom %s buys nothing at %s", headroom, price),
		}
	}
	return Decision{
		Verdict:  Clamp,
		Quantity: qty,
		Notional: qty.Mul(price),
		Headroom: headroom,
		Reason:   fmt.Sprintf("clamped notional %s to headroom %s", requested, headroom),
	}
}
