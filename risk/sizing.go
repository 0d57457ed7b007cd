package risk

import (
	"polymarket-copytrader/api"
	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// SizeOrder returns the copy notional for a leader trade. Ratio mode scales
// the leader's notional, fixed mode uses the configured amount; both are
// clamped to the max order size. A size below the min order size is a Skip.
func SizeOrder(cfg models.FollowerConfig, trade models.Trade) (decimal.Decimal, Result) {
	var notional decimal.Decimal
	switch cfg.SizingMode {
	case models.SizingFixed:
		notional = cfg.FixedAmount
	default:
		notional = trade.Notional().Mul(cfg.CopyRatio)
	}

	if cfg.MaxOrderSize.IsPositive() && notional.GreaterThan(cfg.MaxOrderSize) {
		notional = cfg.MaxOrderSize
	}
	if !notional.IsPositive() {
		return decimal.Zero, skip(models.CategoryMinOrderSize, "sized notional %s is not positive", notional)
	}
	if cfg.MinOrderSize.IsPositive() && notional.LessThan(cfg.MinOrderSize) {
		return notional, skip(models.CategoryMinOrderSize, "notional %s below min order size %s", notional, cfg.MinOrderSize)
	}
	return notional, Result{Kind: Pass}
}

// LimitPrice widens the leader price by the config's tolerance in the
// direction that makes the copy easier to fill, on the exchange tick.
func LimitPrice(cfg models.FollowerConfig, side models.Side, leaderPrice decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	factor := one.Add(cfg.PriceTolerance)
	if side == models.SideSell {
		factor = one.Sub(cfg.PriceTolerance)
	}
	return api.RoundToTick(leaderPrice.Mul(factor))
}

// Quantity converts a notional into shares at price.
func Quantity(notional, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return notional.Div(price).Truncate(2)
}
