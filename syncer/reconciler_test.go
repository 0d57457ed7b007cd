package syncer

import (
	"context"
	"testing"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func (h *harness) reconciler(grace time.Duration) *Reconciler {
	resolver := NewSettlementResolver(h.chain, h.exchange, 0.99, 0.01, zap.NewNop())
	return NewReconciler(h.store, h.matcher, resolver, grace, zap.NewNop())
}

// buyAt copies a leader buy with the store clock set to at.
func (h *harness) buyAt(at time.Time, id, size, price string) {
	h.t.Helper()
	h.store.Now = func() time.Time { return at }
	defer func() { h.store.Now = time.Now }()
	res := h.process(trade(id, models.SideBuy, size, price))
	require.Equal(h.t, StatusCopied, res.Configs[0].Status)
}

func snapshotOf(accountID int64, current ...models.Position) *models.PositionSnapshot {
	return &models.PositionSnapshot{
		Seq:      1,
		Accounts: []models.AccountPositions{{AccountID: accountID, Current: current}},
	}
}

func TestReconciler_RedemptionUsesPayout(t *testing.T) {
	for _, tc := range []struct {
		name    string
		payouts []int64
		want    string
		pnl     string
	}{
		{name: "winning outcome", payouts: []int64{1, 0}, want: "1", pnl: "6"},
		{name: "losing outcome", payouts: []int64{0, 1}, want: "0", pnl: "-4"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			cfg := h.addConfig(models.FollowerConfig{ID: 1})
			h.buyAt(time.Now().Add(-time.Hour), "b1", "10", "0.40")

			h.chain.Settlements[testMarket] = &api.Settlement{
				Payouts:     []decimal.Decimal{decimal.NewFromInt(tc.payouts[0]), decimal.NewFromInt(tc.payouts[1])},
				Denominator: decimal.NewFromInt(1),
			}
			snap := snapshotOf(testAccountID, models.Position{
				MarketID: testMarket, OutcomeIndex: 0, TokenID: testToken, Size: d("10"), CurPrice: d("0.5"), Redeemable: true,
			})

			recs, err := h.reconciler(30*time.Second).Reconcile(context.Background(), snap)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, models.MatchRedemption, recs[0].Kind)
			assert.True(t, d(tc.want).Equal(recs[0].SellPrice), "price %s", recs[0].SellPrice)
			assert.True(t, d(tc.pnl).Equal(recs[0].RealizedPnL), "pnl %s", recs[0].RealizedPnL)
			assert.True(t, recs[0].PriceUpdated, "payout price is final")
			assert.Empty(t, h.openOrders(cfg.ID))
		})
	}
}

func TestReconciler_HeldPositionIsLeftAlone(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	h.buyAt(time.Now().Add(-time.Hour), "b1", "10", "0.40")

	snap := snapshotOf(testAccountID, models.Position{MarketID: testMarket, OutcomeIndex: 0, Size: d("10"), CurPrice: d("0.45")})
	recs, err := h.reconciler(30*time.Second).Reconcile(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Len(t, h.openOrders(cfg.ID), 1)
}

func TestReconciler_ClosureRespectsGraceWindow(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	h.buyAt(time.Now().Add(-time.Hour), "old", "10", "0.40")
	h.buyAt(time.Now(), "young", "10", "0.40")
	h.exchange.Quotes[testToken] = &api.Quote{BestBid: d("0.45"), BestAsk: d("0.47")}

	rc := h.reconciler(30 * time.Second)
	recs, err := rc.Reconcile(context.Background(), snapshotOf(testAccountID))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.MatchClosure, recs[0].Kind)
	assert.True(t, d("10").Equal(recs[0].MatchedQuantity), "only the old order is closed")
	assert.True(t, d("0.45").Equal(recs[0].SellPrice))
	assert.False(t, recs[0].PriceUpdated, "best bid is provisional")

	open := h.openOrders(cfg.ID)
	require.Len(t, open, 1)
	assert.Equal(t, "young", open[0].LeaderTradeID)

	// Replaying the same snapshot is a no-op for the consumed order.
	recs, err = rc.Reconcile(context.Background(), snapshotOf(testAccountID))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReconciler_ClosureUsesHistoricalPriceHint(t *testing.T) {
	h := newHarness(t)
	h.addConfig(models.FollowerConfig{ID: 1})
	h.buyAt(time.Now().Add(-time.Hour), "b1", "10", "0.40")

	snap := snapshotOf(testAccountID)
	snap.Accounts[0].Historical = []models.Position{{MarketID: testMarket, OutcomeIndex: 0, CurPrice: d("0.995")}}

	recs, err := h.reconciler(30*time.Second).Reconcile(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, d("1").Equal(recs[0].SellPrice))
	assert.True(t, recs[0].PriceUpdated)
	assert.Zero(t, h.exchange.CallCount("GetQuote"))
}

func TestReconciler_PriceFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	h.buyAt(time.Now().Add(-time.Hour), "b1", "10", "0.40")

	recs, err := h.reconciler(30*time.Second).Reconcile(context.Background(), snapshotOf(testAccountID))
	require.NoError(t, err, "group failures are logged, not returned")
	assert.Empty(t, recs)
	assert.Len(t, h.openOrders(cfg.ID), 1)
}

func TestSettlementResolver_Order(t *testing.T) {
	chain := api.NewMockChain()
	exchange := api.NewMockExchange()
	exchange.Quotes["tok"] = &api.Quote{BestBid: d("0.61")}
	r := NewSettlementResolver(chain, exchange, 0.99, 0.01, zap.NewNop())
	ctx := context.Background()

	price, src, err := r.Price(ctx, "m", 0, "tok", dp("0.999"))
	require.NoError(t, err)
	assert.Equal(t, PriceFromHeuristic, src)
	assert.True(t, price.Equal(d("1")))

	price, src, err = r.Price(ctx, "m", 0, "tok", dp("0.005"))
	require.NoError(t, err)
	assert.Equal(t, PriceFromHeuristic, src)
	assert.True(t, price.IsZero())

	price, src, err = r.Price(ctx, "m", 0, "tok", dp("0.5"))
	require.NoError(t, err)
	assert.Equal(t, PriceFromBestBid, src)
	assert.True(t, price.Equal(d("0.61")))
	assert.False(t, src.Authoritative())

	chain.Settlements["m"] = &api.Settlement{Payouts: []decimal.Decimal{d("0"), d("1")}, Denominator: d("1")}
	price, src, err = r.Price(ctx, "m", 1, "tok", dp("0.5"))
	require.NoError(t, err)
	assert.Equal(t, PriceFromPayout, src)
	assert.True(t, price.Equal(d("1")))
	assert.True(t, src.Authoritative())

	_, _, err = r.Price(ctx, "unknown", 0, "", nil)
	assert.Error(t, err)
}
