package syncer

import (
	"context"
	"testing"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/models"
	"polymarket-copytrader/risk"
	"polymarket-copytrader/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

const (
	testLeaderID  int64 = 1
	testAccountID int64 = 10
	testMarket          = "0xmarket"
	testToken           = "tok-yes"
)

type harness struct {
	t        *testing.T
	store    *storage.MemoryStore
	exchange *api.MockExchange
	signer   *api.MockSigner
	chain    *api.MockChain
	reg      *prometheus.Registry
	metrics  *Metrics
	executor *TradeExecutor
	matcher  *SellMatcher
	ledger   *Ledger
	trader   *CopyTrader
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		t:        t,
		store:    storage.NewMemoryStore(),
		exchange: api.NewMockExchange(),
		signer:   api.NewMockSigner(),
		chain:    api.NewMockChain(),
		reg:      prometheus.NewRegistry(),
	}
	h.metrics = NewMetrics(h.reg)
	h.executor = NewTradeExecutor(h.store, h.signer, h.exchange,
		ExecutorOptions{RetryBackoff: time.Millisecond, MaxRetries: 1, SubmitTimeout: time.Second}, h.metrics, logger)
	h.matcher = NewSellMatcher(h.store, h.executor, h.metrics, logger)
	h.ledger = NewLedger(h.store, logger)
	engine := risk.NewEngine(h.store, h.exchange)
	h.trader = NewCopyTrader(h.store, h.exchange, engine, h.executor, h.matcher, h.ledger, h.metrics,
		CopyTraderOptions{Workers: 4, Capacity: 16}, logger)
	t.Cleanup(h.trader.Stop)

	ctx := context.Background()
	require.NoError(t, h.store.SaveLeader(ctx, models.Leader{ID: testLeaderID, Address: "0xLeader", Enabled: true}))
	h.addAccount(testAccountID)
	h.exchange.SetToken(testMarket, 0, testToken)
	return h
}

func (h *harness) addAccount(id int64) models.Account {
	a := models.Account{
		ID:           id,
		Name:         "acct",
		Address:      "0x00000000000000000000000000000000000000aa",
		ProxyAddress: "0x00000000000000000000000000000000000000bb",
		KeyRef:       "KEY",
		Enabled:      true,
	}
	require.NoError(h.t, h.store.SaveAccount(context.Background(), a))
	return a
}

func (h *harness) addConfig(cfg models.FollowerConfig) models.FollowerConfig {
	if cfg.AccountID == 0 {
		cfg.AccountID = testAccountID
	}
	cfg.LeaderID = testLeaderID
	cfg.Enabled = true
	if cfg.SizingMode == "" {
		cfg.SizingMode = models.SizingRatio
	}
	if cfg.CopyRatio.IsZero() && cfg.SizingMode == models.SizingRatio {
		cfg.CopyRatio = d("1")
	}
	if cfg.MinOrderSize.IsZero() {
		cfg.MinOrderSize = d("1")
	}
	cfg.SupportSell = true
	require.NoError(h.t, h.store.SaveFollowerConfig(context.Background(), cfg))
	return cfg
}

func trade(id string, side models.Side, size, price string) models.Trade {
	return models.Trade{
		ID:           id,
		MarketID:     testMarket,
		OutcomeIndex: 0,
		Side:         side,
		Size:         d(size),
		Price:        d(price),
		Timestamp:    time.Now(),
	}
}

func (h *harness) process(tr models.Trade) Result {
	h.t.Helper()
	res, err := h.trader.ProcessTrade(context.Background(), testLeaderID, tr, models.SourceAPI)
	require.NoError(h.t, err)
	return res
}

// openOrders returns the finalized open orders for configID in FIFO order.
func (h *harness) openOrders(configID int64) []models.Order {
	h.t.Helper()
	orders, err := h.store.ListOpenOrders(context.Background(), models.PositionKey{ConfigID: configID, MarketID: testMarket})
	require.NoError(h.t, err)
	return orders
}
