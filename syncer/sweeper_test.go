package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/models"
	"polymarket-copytrader/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
	swept  int
}

func (s *recordingSink) Enqueue(ev notify.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swept++
	return 0
}

func (h *harness) sweeper(sink EventSink) *StatusSweeper {
	return NewStatusSweeper(h.store, h.exchange, sink,
		SweeperOptions{Interval: time.Hour, PendingGrace: 30 * time.Second, BatchSize: 10}, h.metrics, zap.NewNop())
}

func TestSweeper_DeletesStalePlaceholderReservation(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	h.store.Now = func() time.Time { return time.Now().Add(-time.Minute) }
	stale := h.reserve(cfg, "10", "0.40")
	h.store.Now = time.Now
	fresh := h.reserve(cfg, "5", "0.40")

	report, err := h.sweeper(nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.PendingDeleted)

	_, err = h.store.GetOrder(context.Background(), stale.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.store.GetOrder(context.Background(), fresh.ID)
	assert.NoError(t, err, "orders inside the grace window are kept")
}

func TestSweeper_FinalizesConfirmedPendingOrder(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	h.store.Now = func() time.Time { return time.Now().Add(-time.Minute) }
	order := h.reserve(cfg, "10", "0.40")
	h.store.Now = time.Now

	// The exchange accepted the order but finalizing the row failed.
	h.store.Orders[order.ID].ExchangeOrderID = "0xlive"
	h.exchange.SetOrder(&api.OrderDetail{ID: "0xlive", Status: "live"})

	report, err := h.sweeper(nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.PendingFinalized)

	got, err := h.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, got.Status)
}

func TestSweeper_CorrectsFillOnceAndNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	res := h.process(trade("b1", models.SideBuy, "10", "0.40"))
	exchangeID := res.Configs[0].ExchangeOrderID
	h.exchange.SetOrder(&api.OrderDetail{ID: exchangeID, Status: "matched", Price: d("0.39"), SizeMatched: d("9.5")})

	sink := &recordingSink{}
	sw := h.sweeper(sink)

	report, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FillsCorrected)
	assert.Equal(t, 1, report.Notified)

	got := h.openOrders(cfg.ID)
	require.Len(t, got, 1)
	assert.True(t, d("0.39").Equal(got[0].Price))
	assert.True(t, d("9.5").Equal(got[0].Quantity))
	assert.True(t, d("9.5").Equal(got[0].RemainingQuantity))
	assert.True(t, got[0].PriceUpdated)

	// A later exchange change is not applied twice.
	h.exchange.SetOrder(&api.OrderDetail{ID: exchangeID, Status: "matched", Price: d("0.10"), SizeMatched: d("1")})
	report, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.FillsCorrected)
	assert.Zero(t, report.Notified)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, "order_filled", sink.events[0].Kind)
	assert.Equal(t, cfg.ID, sink.events[0].ConfigID)
	assert.Equal(t, 2, sink.swept)
}

func TestSweeper_DeletesCancelledUnfilledOrder(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	res := h.process(trade("b1", models.SideBuy, "10", "0.40"))
	h.exchange.SetOrder(&api.OrderDetail{ID: res.Configs[0].ExchangeOrderID, Status: "cancelled"})

	report, err := h.sweeper(nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrdersDeleted)
	assert.Empty(t, h.openOrders(cfg.ID))
}

func TestSweeper_RepricesSellRecordOnce(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	h.process(trade("b1", models.SideBuy, "10", "0.40"))
	sold := h.process(trade("s1", models.SideSell, "10", "0.50"))
	require.Equal(t, StatusSold, sold.Configs[0].Status)
	h.exchange.SetOrder(&api.OrderDetail{ID: sold.Configs[0].ExchangeOrderID, Status: "matched", Price: d("0.55"), SizeMatched: d("10")})

	sw := h.sweeper(nil)
	report, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.SellsRepriced)

	records, err := h.store.ListSellRecords(context.Background(), cfg.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, d("0.55").Equal(records[0].SellPrice))
	assert.True(t, d("1.5").Equal(records[0].RealizedPnL), "pnl %s", records[0].RealizedPnL)
	assert.True(t, records[0].PriceUpdated)

	report, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.SellsRepriced)
}

func TestSweeper_TransientReadBackLeavesOrderForNextPass(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	h.process(trade("b1", models.SideBuy, "10", "0.40"))
	h.exchange.FailNext("GetOrder", models.ErrTransient)

	report, err := h.sweeper(nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.FillsCorrected)

	got := h.openOrders(cfg.ID)
	require.Len(t, got, 1)
	assert.False(t, got[0].PriceUpdated)
}

func TestSweeper_WaitsForLiveOrderToFinishFilling(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	res := h.process(trade("b1", models.SideBuy, "10", "0.40"))
	exchangeID := res.Configs[0].ExchangeOrderID
	sw := h.sweeper(&recordingSink{})

	h.exchange.SetOrder(&api.OrderDetail{ID: exchangeID, Status: "live", Price: d("0.40"), SizeMatched: d("3")})
	report, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.FillsCorrected)
	assert.Zero(t, report.Notified)

	got := h.openOrders(cfg.ID)
	require.Len(t, got, 1)
	assert.False(t, got[0].PriceUpdated)
	assert.True(t, d("10").Equal(got[0].Quantity))

	h.exchange.SetOrder(&api.OrderDetail{ID: exchangeID, Status: "matched", Price: d("0.40"), SizeMatched: d("10")})
	report, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FillsCorrected)

	got = h.openOrders(cfg.ID)
	require.Len(t, got, 1)
	assert.True(t, got[0].PriceUpdated)
	assert.True(t, d("10").Equal(got[0].Quantity), "quantity %s", got[0].Quantity)
	assert.True(t, d("10").Equal(got[0].RemainingQuantity))
}

func TestSweeper_CorrectsPartialFillOfCancelledOrder(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	res := h.process(trade("b1", models.SideBuy, "10", "0.40"))
	h.exchange.SetOrder(&api.OrderDetail{ID: res.Configs[0].ExchangeOrderID, Status: "cancelled", Price: d("0.40"), SizeMatched: d("4")})

	report, err := h.sweeper(&recordingSink{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FillsCorrected)

	got := h.openOrders(cfg.ID)
	require.Len(t, got, 1)
	assert.True(t, d("4").Equal(got[0].RemainingQuantity))
}
