package exposure

import (
	"testing"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func capped(value string, minSize string, count int) models.FollowerConfig {
	v := d(value)
	return models.FollowerConfig{MaxPositionValue: &v, MinOrderSize: d(minSize), MaxPositionCount: count}
}

func TestDecideClamping(t *testing.T) {
	cfg := capped("100", "10", 0)
	price := d("0.5")

	t.Run("150 against headroom 100 reserves exactly 100", func(t *testing.T) {
		dec := Decide(cfg, State{Exposure: decimal.Zero}, price, d("300"))
		require.Equal(t, Clamp, dec.Verdict)
		assert.True(t, dec.Notional.Equal(d("100")), "notional %s", dec.Notional)
		assert.True(t, dec.Quantity.Equal(d("200")))
		assert.True(t, dec.Reserves())
	})

	t.Run("5 against headroom 100 reserves nothing", func(t *testing.T) {
		dec := Decide(cfg, State{Exposure: decimal.Zero}, price, d("10"))
		assert.Equal(t, Skip, dec.Verdict)
		assert.Equal(t, models.CategoryMinOrderSize, dec.Category)
		assert.False(t, dec.Reserves())
	})
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name         string
		cfg          models.FollowerConfig
		state        State
		price, qty   string
		want         Verdict
		wantNotional string
		wantCategory string
	}{
		{name: "uncapped", cfg: models.FollowerConfig{}, price: "0.5", qty: "1000", want: Allow, wantNotional: "500"},
		{name: "within headroom", cfg: capped("100", "1", 0), state: State{Exposure: d("40")}, price: "0.5", qty: "100", want: Allow, wantNotional: "50"},
		{name: "exactly at headroom", cfg: capped("100", "1", 0), state: State{Exposure: d("40")}, price: "0.5", qty: "120", want: Allow, wantNotional: "60"},
		{name: "clamped to remaining", cfg: capped("100", "1", 0), state: State{Exposure: d("70")}, price: "0.5", qty: "100", want: Clamp, wantNotional: "30"},
		{name: "cap exhausted", cfg: capped("100", "1", 0), state: State{Exposure: d("100")}, price: "0.5", qty: "10", want: Deny, wantCategory: models.CategoryRiskControl},
		{name: "over cap already", cfg: capped("100", "1", 0), state: State{Exposure: d("120")}, price: "0.5", qty: "10", want: Deny, wantCategory: models.CategoryRiskControl},
		{name: "headroom below min", cfg: capped("100", "10", 0), state: State{Exposure: d("95")}, price: "0.5", qty: "40", want: Skip, wantCategory: models.CategoryMinOrderSize},
		{name: "count cap on new market", cfg: capped("1000", "1", 2), state: State{OpenMarkets: 2}, price: "0.5", qty: "10", want: Deny, wantCategory: models.CategoryRiskControl},
		{name: "count cap ignores held market", cfg: capped("1000", "1", 2), state: State{OpenMarkets: 2, HoldsMarket: true}, price: "0.5", qty: "10", want: Allow, wantNotional: "5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := Decide(tt.cfg, tt.state, d(tt.price), d(tt.qty))
			assert.Equal(t, tt.want, dec.Verdict, dec.Reason)
			if tt.wantNotional != "" {
				assert.True(t, dec.Notional.Equal(d(tt.wantNotional)), "notional %s", dec.Notional)
			}
			if tt.wantCategory != "" {
				assert.Equal(t, tt.wantCategory, dec.Category)
			}
		})
	}
}

func TestClampNeverExceedsHeadroom(t *testing.T) {
	cfg := capped("10", "0.01", 0)
	dec := Decide(cfg, State{Exposure: d("3.3")}, d("0.33"), d("100"))
	require.Equal(t, Clamp, dec.Verdict)
	assert.True(t, dec.Notional.LessThanOrEqual(d("6.7")), "notional %s", dec.Notional)
}
