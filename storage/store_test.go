package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"polymarket-copytrader/exposure"
	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T) Store { return NewMemoryStore() }},
		{name: "sqlite", open: func(t *testing.T) Store {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "copytrader.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func testConfig() models.FollowerConfig {
	return models.FollowerConfig{
		ID:               7,
		AccountID:        3,
		LeaderID:         1,
		Enabled:          true,
		SizingMode:       models.SizingRatio,
		CopyRatio:        d("0.5"),
		MinOrderSize:     d("1"),
		MaxPositionValue: dp("100"),
		SupportSell:      true,
	}
}

func buyOrder(marketID, qty, price string) models.Order {
	return models.Order{
		MarketID:      marketID,
		OutcomeIndex:  0,
		TokenID:       "tok-" + marketID,
		LeaderTradeID: "lt-" + marketID,
		Quantity:      d(qty),
		Price:         d(price),
	}
}

// reserveFilled reserves and finalizes one order so it counts as open.
func reserveFilled(t *testing.T, s Store, cfg models.FollowerConfig, o models.Order, exchangeID string) models.Order {
	t.Helper()
	ctx := context.Background()
	res, err := s.Reserve(ctx, ReserveRequest{Config: cfg, Order: o})
	require.NoError(t, err)
	require.True(t, res.Reserved(), "reservation refused: %s", res.Decision.Reason)
	require.NoError(t, s.FinalizeOrder(ctx, res.Order.ID, exchangeID))
	got, err := s.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	return *got
}

func TestStore_ProcessedTradeUniqueness(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			_, err := s.GetProcessedTrade(ctx, 1, "0xabc")
			assert.ErrorIs(t, err, models.ErrNotFound)

			rec := models.ProcessedTrade{
				LeaderID:  1,
				TradeID:   "0xabc",
				TradeType: models.SideBuy,
				Source:    models.SourceWebsocket,
				Outcome:   models.OutcomeSuccess,
			}
			require.NoError(t, s.InsertProcessedTrade(ctx, rec))
			assert.ErrorIs(t, s.InsertProcessedTrade(ctx, rec), ErrDuplicate)

			got, err := s.GetProcessedTrade(ctx, 1, "0xabc")
			require.NoError(t, err)
			assert.Equal(t, models.SourceWebsocket, got.Source)
			assert.Equal(t, models.OutcomeSuccess, got.Outcome)

			// Same trade id under another leader is a different key.
			rec.LeaderID = 2
			assert.NoError(t, s.InsertProcessedTrade(ctx, rec))
		})
	}
}

func TestStore_FollowerConfigRoundTrip(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			cfg := testConfig()
			cfg.MaxSpread = dp("0.05")
			cfg.MaxDailyOrders = 20
			require.NoError(t, s.SaveFollowerConfig(ctx, cfg))

			disabled := testConfig()
			disabled.ID = 8
			disabled.Enabled = false
			require.NoError(t, s.SaveFollowerConfig(ctx, disabled))

			got, err := s.GetFollowerConfig(ctx, 7)
			require.NoError(t, err)
			require.NotNil(t, got.MaxSpread)
			assert.True(t, got.MaxSpread.Equal(d("0.05")))
			assert.Nil(t, got.MinOrderDepth)
			assert.Equal(t, 20, got.MaxDailyOrders)
			assert.True(t, got.CopyRatio.Equal(d("0.5")))

			list, err := s.ListFollowerConfigs(ctx, 1)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, int64(7), list[0].ID)

			_, err = s.GetFollowerConfig(ctx, 99)
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestStore_ReserveClampsToHeadroom(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			cfg := testConfig()

			// 150 notional requested against a 100 cap.
			res, err := s.Reserve(ctx, ReserveRequest{Config: cfg, Order: buyOrder("m1", "300", "0.5")})
			require.NoError(t, err)
			require.True(t, res.Reserved())
			assert.Equal(t, exposure.Clamp, res.Decision.Verdict)
			assert.True(t, res.Order.Quantity.Equal(d("200")), "got %s", res.Order.Quantity)
			assert.Equal(t, models.OrderPending, res.Order.Status)
			assert.True(t, models.IsPlaceholderID(res.Order.ExchangeOrderID))

			st, err := s.Exposure(ctx, cfg, "m1")
			require.NoError(t, err)
			assert.True(t, st.Exposure.Equal(d("100")))

			res, err = s.Reserve(ctx, ReserveRequest{Config: cfg, Order: buyOrder("m1", "10", "0.5")})
			require.NoError(t, err)
			assert.False(t, res.Reserved())
			assert.Equal(t, exposure.Deny, res.Decision.Verdict)
			assert.Equal(t, models.CategoryRiskControl, res.Decision.Category)
		})
	}
}

func TestStore_ConcurrentReserveNeverExceedsCap(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			cfg := testConfig()

			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Reserve(ctx, ReserveRequest{Config: cfg, Order: buyOrder("m1", "30", "0.5")})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			st, err := s.Exposure(ctx, cfg, "m1")
			require.NoError(t, err)
			assert.True(t, st.Exposure.LessThanOrEqual(d("100")), "exposure %s over cap", st.Exposure)
			assert.True(t, st.Exposure.Equal(d("100")), "headroom should be used fully, got %s", st.Exposure)
		})
	}
}

func TestStore_PositionCountCap(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			cfg := testConfig()
			cfg.MaxPositionCount = 1

			reserveFilled(t, s, cfg, buyOrder("m1", "10", "0.5"), "ex-1")

			res, err := s.Reserve(ctx, ReserveRequest{Config: cfg, Order: buyOrder("m2", "10", "0.5")})
			require.NoError(t, err)
			assert.Equal(t, exposure.Deny, res.Decision.Verdict)

			// Adding to a held market is not a new position.
			res, err = s.Reserve(ctx, ReserveRequest{Config: cfg, Order: buyOrder("m1", "10", "0.5")})
			require.NoError(t, err)
			assert.True(t, res.Reserved())
		})
	}
}

func TestStore_ConcurrentReserveHonoursCountCapAcrossMarkets(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			cfg := testConfig()
			cfg.MaxPositionCount = 2

			var wg sync.WaitGroup
			var mu sync.Mutex
			reserved := 0
			for i := 0; i < 8; i++ {
				market := fmt.Sprintf("m%d", i)
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := s.Reserve(ctx, ReserveRequest{Config: cfg, Order: buyOrder(market, "10", "0.5")})
					assert.NoError(t, err)
					if res.Reserved() {
						mu.Lock()
						reserved++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 2, reserved, "distinct markets reserved under a count cap of 2")
		})
	}
}

func TestStore_DeleteOrderReleasesReservation(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			cfg := testConfig()

			res, err := s.Reserve(ctx, ReserveRequest{Config: cfg, Order: buyOrder("m1", "200", "0.5")})
			require.NoError(t, err)
			require.True(t, res.Reserved())
			require.NoError(t, s.DeleteOrder(ctx, res.Order.ID))

			st, err := s.Exposure(ctx, cfg, "m1")
			require.NoError(t, err)
			assert.True(t, st.Exposure.IsZero())

			_, err = s.GetOrder(ctx, res.Order.ID)
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestStore_ConsumeFIFO(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			cfg := testConfig()
			cfg.MaxPositionValue = nil

			a := reserveFilled(t, s, cfg, buyOrder("m1", "10", "0.4"), "ex-a")
			time.Sleep(2 * time.Millisecond)
			bo := reserveFilled(t, s, cfg, buyOrder("m1", "5", "0.6"), "ex-b")

			amount := d("12")
			rec, err := s.ConsumeFIFO(ctx, ConsumeRequest{
				Key:         a.Key(),
				AccountID:   cfg.AccountID,
				Amount:      &amount,
				SellPrice:   d("0.7"),
				Kind:        models.MatchSell,
				SellOrderID: "ex-sell",
			})
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.True(t, rec.MatchedQuantity.Equal(d("12")))
			// (0.7-0.4)*10 + (0.7-0.6)*2
			assert.True(t, rec.RealizedPnL.Equal(d("3.2")), "pnl %s", rec.RealizedPnL)
			require.Len(t, rec.Details, 2)
			assert.Equal(t, a.ID, rec.Details[0].BuyOrderID)

			gotA, err := s.GetOrder(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, models.OrderFullyMatched, gotA.Status)
			assert.True(t, gotA.RemainingQuantity.IsZero())

			gotB, err := s.GetOrder(ctx, bo.ID)
			require.NoError(t, err)
			assert.Equal(t, models.OrderPartiallyMatched, gotB.Status)
			assert.True(t, gotB.RemainingQuantity.Equal(d("3")))
			assert.True(t, gotB.MatchedQuantity.Add(gotB.RemainingQuantity).Equal(gotB.Quantity))

			recs, err := s.ListSellRecords(ctx, cfg.ID)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Len(t, recs[0].Details, 2)

			// Full exit takes what is left.
			rec, err = s.ConsumeFIFO(ctx, ConsumeRequest{Key: a.Key(), AccountID: cfg.AccountID, SellPrice: d("1"),
				Kind: models.MatchRedemption, PriceFinal: true})
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.True(t, rec.MatchedQuantity.Equal(d("3")))

			rec, err = s.ConsumeFIFO(ctx, ConsumeRequest{Key: a.Key(), AccountID: cfg.AccountID, SellPrice: d("1"),
				Kind: models.MatchRedemption})
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestStore_ConsumeFIFOIgnoresPending(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			cfg := testConfig()

			res, err := s.Reserve(ctx, ReserveRequest{Config: cfg, Order: buyOrder("m1", "10", "0.5")})
			require.NoError(t, err)
			require.True(t, res.Reserved())

			rec, err := s.ConsumeFIFO(ctx, ConsumeRequest{Key: res.Order.Key(), AccountID: cfg.AccountID,
				SellPrice: d("0.6"), Kind: models.MatchSell})
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestStore_CorrectOrderFillOnce(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			cfg := testConfig()

			o := reserveFilled(t, s, cfg, buyOrder("m1", "10", "0.5"), "ex-1")

			unpriced, err := s.ListUnpricedOrders(ctx, 10)
			require.NoError(t, err)
			require.Len(t, unpriced, 1)

			ok, err := s.CorrectOrderFill(ctx, o.ID, d("0.48"), d("9.5"))
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := s.GetOrder(ctx, o.ID)
			require.NoError(t, err)
			assert.True(t, got.Price.Equal(d("0.48")))
			assert.True(t, got.Quantity.Equal(d("9.5")))
			assert.True(t, got.RemainingQuantity.Equal(d("9.5")))
			assert.True(t, got.PriceUpdated)

			ok, err = s.CorrectOrderFill(ctx, o.ID, d("0.1"), d("1"))
			require.NoError(t, err)
			assert.False(t, ok)

			unpriced, err = s.ListUnpricedOrders(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, unpriced)

			unnotified, err := s.ListUnnotifiedOrders(ctx, 10)
			require.NoError(t, err)
			require.Len(t, unnotified, 1)

			ok, err = s.MarkOrderNotified(ctx, o.ID)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.MarkOrderNotified(ctx, o.ID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_CorrectSellPrice(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			cfg := testConfig()

			o := reserveFilled(t, s, cfg, buyOrder("m1", "10", "0.4"), "ex-1")
			rec, err := s.ConsumeFIFO(ctx, ConsumeRequest{Key: o.Key(), AccountID: cfg.AccountID,
				SellPrice: d("0.5"), Kind: models.MatchSell, SellOrderID: "ex-sell"})
			require.NoError(t, err)
			require.NotNil(t, rec)

			unpriced, err := s.ListUnpricedSellRecords(ctx, 10)
			require.NoError(t, err)
			require.Len(t, unpriced, 1)

			ok, err := s.CorrectSellPrice(ctx, rec.ID, d("0.6"))
			require.NoError(t, err)
			assert.True(t, ok)

			recs, err := s.ListSellRecords(ctx, cfg.ID)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.True(t, recs[0].SellPrice.Equal(d("0.6")))
			assert.True(t, recs[0].RealizedPnL.Equal(d("2")), "pnl %s", recs[0].RealizedPnL)
			assert.True(t, recs[0].PriceUpdated)

			ok, err = s.CorrectSellPrice(ctx, rec.ID, d("0.9"))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_DailyStats(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			cfg := testConfig()
			since := time.Now().Add(-time.Hour)

			o := reserveFilled(t, s, cfg, buyOrder("m1", "10", "0.6"), "ex-1")
			_, err := s.ConsumeFIFO(ctx, ConsumeRequest{Key: o.Key(), AccountID: cfg.AccountID,
				SellPrice: d("0.4"), Kind: models.MatchSell, PriceFinal: true})
			require.NoError(t, err)

			stats, err := s.DailyStats(ctx, cfg.ID, since)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Orders)
			assert.True(t, stats.Loss().Equal(d("2")), "loss %s", stats.Loss())
		})
	}
}

func TestStore_ListPendingOrders(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			cfg := testConfig()

			res, err := s.Reserve(ctx, ReserveRequest{Config: cfg, Order: buyOrder("m1", "10", "0.5")})
			require.NoError(t, err)
			reserveFilled(t, s, cfg, buyOrder("m2", "10", "0.5"), "ex-2")

			pending, err := s.ListPendingOrders(ctx, time.Now().Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, res.Order.ID, pending[0].ID)

			pending, err = s.ListPendingOrders(ctx, time.Now().Add(-time.Minute))
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestStore_FailedTradesAndTokenCache(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			require.NoError(t, s.RecordFailedTrade(ctx, models.FailedTrade{
				ConfigID: 7, AccountID: 3, LeaderID: 1, LeaderTradeID: "0x1", MarketID: "m1",
				Side: models.SideBuy, Price: d("0.5"), Size: d("10"),
				Category: models.CategoryPriceRange, Reason: "price 0.5 above max 0.4",
			}))
			failed, err := s.ListFailedTrades(ctx, 7)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, models.CategoryPriceRange, failed[0].Category)

			_, err = s.GetCachedTokenID(ctx, "m1", 1)
			assert.ErrorIs(t, err, models.ErrNotFound)
			require.NoError(t, s.CacheTokenID(ctx, "m1", 1, "tok-no"))
			tok, err := s.GetCachedTokenID(ctx, "m1", 1)
			require.NoError(t, err)
			assert.Equal(t, "tok-no", tok)
		})
	}
}

func TestMemoryStore_ErrorInjection(t *testing.T) {
	s := NewMemoryStore()
	s.FailNext("Reserve", models.ErrTransient)

	_, err := s.Reserve(context.Background(), ReserveRequest{Config: testConfig(), Order: buyOrder("m1", "1", "0.5")})
	assert.ErrorIs(t, err, models.ErrTransient)
	assert.Equal(t, 1, s.CallCount("Reserve"))

	_, err = s.Reserve(context.Background(), ReserveRequest{Config: testConfig(), Order: buyOrder("m1", "10", "0.5")})
	assert.NoError(t, err)
}
