package syncer

import (
	"context"
	"fmt"

	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"
	"polymarket-copytrader/risk"
	"polymarket-copytrader/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SellMatcher turns sell signals into FIFO consumption of open buy orders.
type SellMatcher struct {
	store    storage.Store
	executor *TradeExecutor
	metrics  *Metrics
	logger   *zap.Logger
}

// NewSellMatcher creates a SellMatcher.
func NewSellMatcher(store storage.Store, executor *TradeExecutor, metrics *Metrics, logger *zap.Logger) *SellMatcher {
	if metrics == nil {
		metrics = nopMetrics()
	}
	return &SellMatcher{
		store:    store,
		executor: executor,
		metrics:  metrics,
		logger:   logging.OrNop(logger).Named("matcher"),
	}
}

// openRemaining sums the unconsumed quantity for a key.
func (m *SellMatcher) openRemaining(ctx context.Context, key models.PositionKey) (decimal.Decimal, error) {
	orders, err := m.store.ListOpenOrders(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.RemainingQuantity)
	}
	return total, nil
}

// SellOutcome is what MatchLeaderSell did.
type SellOutcome struct {
	Record          *models.SellMatchRecord
	ExchangeOrderID string
	// Held is false when the follower had nothing to sell.
	Held bool
}

// MatchLeaderSell places the follower's sell for a leader sell, then
// consumes the sold quantity oldest-first. The recorded price is the limit
// price until the sweep reads back the fill.
func (m *SellMatcher) MatchLeaderSell(ctx context.Context, cfg models.FollowerConfig, account models.Account, trade models.Trade, tokenID string, negRisk bool) (SellOutcome, error) {
	key := models.PositionKey{ConfigID: cfg.ID, MarketID: trade.MarketID, OutcomeIndex: trade.OutcomeIndex}
	held, err := m.openRemaining(ctx, key)
	if err != nil {
		return SellOutcome{}, fmt.Errorf("open orders for config %d market %s: %w", cfg.ID, trade.MarketID, err)
	}
	if !held.IsPositive() {
		return SellOutcome{}, nil
	}

	amount := held
	if want := cfg.SellAmount(trade.Size); want != nil && want.LessThan(held) {
		amount = want.Truncate(2)
	}
	if !amount.IsPositive() {
		return SellOutcome{Held: true}, nil
	}

	price := risk.LimitPrice(cfg, models.SideSell, trade.Price)
	exec, err := m.executor.Execute(ctx, ExecRequest{
		Config:  cfg,
		Account: account,
		Trade:   trade,
		Side:    models.SideSell,
		TokenID: tokenID,
		Price:   price,
		Size:    amount,
		NegRisk: negRisk,
	})
	if err != nil {
		return SellOutcome{Held: true}, err
	}

	rec, err := m.Consume(ctx, storage.ConsumeRequest{
		Key:           key,
		AccountID:     cfg.AccountID,
		Amount:        &amount,
		SellPrice:     price,
		Kind:          models.MatchSell,
		SellOrderID:   exec.ExchangeOrderID,
		LeaderTradeID: trade.ID,
	})
	if err != nil {
		return SellOutcome{Held: true, ExchangeOrderID: exec.ExchangeOrderID}, err
	}
	return SellOutcome{Record: rec, ExchangeOrderID: exec.ExchangeOrderID, Held: true}, nil
}

// Consume applies one FIFO match and returns the record, nil when nothing
// was open.
func (m *SellMatcher) Consume(ctx context.Context, req storage.ConsumeRequest) (*models.SellMatchRecord, error) {
	rec, err := m.store.ConsumeFIFO(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("consume %s for config %d market %s: %w", req.Kind, req.Key.ConfigID, req.Key.MarketID, err)
	}
	if rec == nil {
		return nil, nil
	}
	m.metrics.Matches.WithLabelValues(string(req.Kind)).Inc()
	m.logger.Info("fifo match",
		zap.String("kind", string(req.Kind)),
		zap.Int64("config_id", req.Key.ConfigID),
		zap.String("market_id", req.Key.MarketID),
		zap.Int("outcome", req.Key.OutcomeIndex),
		zap.String("matched", rec.MatchedQuantity.String()),
		zap.String("sell_price", rec.SellPrice.String()),
		zap.String("pnl", rec.RealizedPnL.String()),
		zap.Int("orders", len(rec.Details)))
	return rec, nil
}
