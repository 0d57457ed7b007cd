package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/exposure"
	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"
	"polymarket-copytrader/risk"
	"polymarket-copytrader/storage"

	"github.com/alitto/pond"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ConfigStatus is what happened for one follower config.
type ConfigStatus string

const (
	StatusCopied   ConfigStatus = "copied"
	StatusClamped  ConfigStatus = "clamped"
	StatusSold     ConfigStatus = "sold"
	StatusRejected ConfigStatus = "rejected"
	StatusSkipped  ConfigStatus = "skipped"
	StatusFailed   ConfigStatus = "failed"
)

// ConfigResult is the per-config outcome of a trade.
type ConfigResult struct {
	ConfigID        int64           `json:"config_id"`
	Status          ConfigStatus    `json:"status"`
	Category        string          `json:"category,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	OrderID         int64           `json:"order_id,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
}

// Result is the outcome of ProcessTrade.
type Result struct {
	LeaderID  int64               `json:"leader_id"`
	TradeID   string              `json:"trade_id"`
	Duplicate bool                `json:"duplicate"`
	Outcome   models.TradeOutcome `json:"outcome,omitempty"`
	Configs   []ConfigResult      `json:"configs"`
}

// TradeProcessor is the entry point the trade sources feed.
type TradeProcessor interface {
	ProcessTrade(ctx context.Context, leaderID int64, trade models.Trade, source models.TradeSource) (Result, error)
}

// CopyTraderOptions sizes the per-trade fan-out pool.
type CopyTraderOptions struct {
	Workers  int
	Capacity int
}

// CopyTrader runs one leader trade through every follower config:
// filter, reserve, sign and submit, then commit or roll back.
type CopyTrader struct {
	store    storage.Store
	exchange api.Exchange
	engine   *risk.Engine
	executor *TradeExecutor
	matcher  *SellMatcher
	ledger   *Ledger
	metrics  *Metrics
	pool     *pond.WorkerPool
	logger   *zap.Logger
}

var _ TradeProcessor = (*CopyTrader)(nil)

// NewCopyTrader creates a CopyTrader. Call Stop to release the pool.
func NewCopyTrader(store storage.Store, exchange api.Exchange, engine *risk.Engine, executor *TradeExecutor, matcher *SellMatcher, ledger *Ledger, metrics *Metrics, opts CopyTraderOptions, logger *zap.Logger) *CopyTrader {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if metrics == nil {
		metrics = nopMetrics()
	}
	logger = logging.OrNop(logger).Named("copytrader")

	pool := pond.New(
		opts.Workers,
		opts.Capacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(60*time.Second),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("config worker panic recovered", zap.Any("panic", p))
		}),
	)

	return &CopyTrader{
		store:    store,
		exchange: exchange,
		engine:   engine,
		executor: executor,
		matcher:  matcher,
		ledger:   ledger,
		metrics:  metrics,
		pool:     pool,
		logger:   logger,
	}
}

// Stop waits for queued config work and stops the pool.
func (ct *CopyTrader) Stop() {
	ct.pool.StopAndWait()
}

// ProcessTrade mirrors trade into every enabled follower config of leaderID.
// Each (leader, trade id) has at most one effect; a repeat returns a
// Duplicate result. Per-config failures never abort sibling configs.
// Errors are returned only before any order is placed.
func (ct *CopyTrader) ProcessTrade(ctx context.Context, leaderID int64, trade models.Trade, source models.TradeSource) (Result, error) {
	trade.LeaderID = leaderID
	trade.Source = source
	ct.metrics.TradesReceived.WithLabelValues(string(source)).Inc()

	res := Result{LeaderID: leaderID, TradeID: trade.ID}
	if err := trade.Validate(); err != nil {
		return res, err
	}

	logger := ct.logger.With(
		zap.Int64("leader_id", leaderID),
		zap.String("trade_id", trade.ID),
		zap.String("market_id", trade.MarketID),
		zap.Int("outcome", trade.OutcomeIndex),
		zap.String("side", string(trade.Side)),
		zap.String("source", string(source)))

	decision, err := ct.ledger.TryBegin(ctx, leaderID, trade.ID)
	if err != nil {
		return res, err
	}
	if decision == AlreadyProcessed {
		ct.metrics.TradesDeduplicated.Inc()
		logger.Debug("trade already processed")
		res.Duplicate = true
		return res, nil
	}
	defer ct.ledger.Release(leaderID, trade.ID)

	configs, err := ct.enabledConfigs(ctx, leaderID)
	if err != nil {
		return res, err
	}
	res.Configs = ct.fanOut(ctx, trade, configs, logger)

	res.Outcome = models.OutcomeSuccess
	for _, c := range res.Configs {
		if c.Status == StatusFailed {
			res.Outcome = models.OutcomeFailed
			break
		}
	}

	err = ct.ledger.Commit(ctx, models.ProcessedTrade{
		LeaderID:    leaderID,
		TradeID:     trade.ID,
		TradeType:   trade.Side,
		Source:      source,
		Outcome:     res.Outcome,
		ProcessedAt: time.Now().UTC(),
	})
	if err != nil {
		// Orders are already placed; a retry by the caller would place them again.
		if errors.Is(err, models.ErrDataInconsistency) {
			logger.Error("ledger inconsistency", zap.Error(err))
		} else {
			logger.Error("trade executed but ledger row not written", zap.Error(err))
		}
		return res, nil
	}

	logger.Info("trade processed", zap.String("outcome", string(res.Outcome)), zap.Int("configs", len(res.Configs)))
	return res, nil
}

func (ct *CopyTrader) enabledConfigs(ctx context.Context, leaderID int64) ([]models.FollowerConfig, error) {
	all, err := ct.store.ListFollowerConfigs(ctx, leaderID)
	if err != nil {
		return nil, fmt.Errorf("list follower configs for leader %d: %w", leaderID, err)
	}
	out := all[:0]
	for _, c := range all {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (ct *CopyTrader) fanOut(ctx context.Context, trade models.Trade, configs []models.FollowerConfig, logger *zap.Logger) []ConfigResult {
	results := make([]ConfigResult, len(configs))
	if len(configs) == 0 {
		return results
	}

	tokenID, err := ct.resolveToken(ctx, trade)
	if err != nil {
		logger.Warn("token lookup failed", zap.Error(err))
		for i, cfg := range configs {
			results[i] = ct.fail(ctx, cfg, trade, models.CategoryTokenLookup, err.Error())
		}
		return results
	}

	negRisk, err := ct.exchange.IsNegRisk(ctx, trade.MarketID)
	if err != nil {
		logger.Warn("neg-risk lookup failed, assuming standard exchange", zap.Error(err))
	}

	group := ct.pool.Group()
	for i, cfg := range configs {
		i, cfg := i, cfg
		results[i] = ConfigResult{ConfigID: cfg.ID, Status: StatusFailed, Reason: "config worker aborted"}
		group.Submit(func() {
			results[i] = ct.processConfig(ctx, trade, cfg, tokenID, negRisk)
		})
	}
	group.Wait()
	return results
}

func (ct *CopyTrader) resolveToken(ctx context.Context, trade models.Trade) (string, error) {
	if trade.TokenID != "" {
		return trade.TokenID, nil
	}
	if tok, err := ct.store.GetCachedTokenID(ctx, trade.MarketID, trade.OutcomeIndex); err == nil && tok != "" {
		return tok, nil
	}
	tok, err := ct.exchange.GetTokenID(ctx, trade.MarketID, trade.OutcomeIndex)
	if err != nil {
		return "", fmt.Errorf("token for market %s outcome %d: %w", trade.MarketID, trade.OutcomeIndex, err)
	}
	if err := ct.store.CacheTokenID(ctx, trade.MarketID, trade.OutcomeIndex, tok); err != nil {
		ct.logger.Warn("cache token id", zap.String("market_id", trade.MarketID), zap.Error(err))
	}
	return tok, nil
}

func (ct *CopyTrader) processConfig(ctx context.Context, trade models.Trade, cfg models.FollowerConfig, tokenID string, negRisk bool) ConfigResult {
	account, err := ct.store.GetAccount(ctx, cfg.AccountID)
	if err != nil {
		return ct.fail(ctx, cfg, trade, models.CategoryExecution, fmt.Sprintf("load account %d: %v", cfg.AccountID, err))
	}
	if !account.Enabled {
		return ConfigResult{ConfigID: cfg.ID, Status: StatusSkipped, Reason: "account disabled"}
	}
	if !account.HasCredentials() {
		res := ct.reject(ctx, cfg, trade, models.CategoryCredentials, fmt.Sprintf("account %d has no signing credentials", account.ID))
		res.Status = StatusSkipped
		return res
	}

	if trade.Side == models.SideSell {
		return ct.processSell(ctx, trade, cfg, *account, tokenID, negRisk)
	}
	return ct.processBuy(ctx, trade, cfg, *account, tokenID, negRisk)
}

func (ct *CopyTrader) processBuy(ctx context.Context, trade models.Trade, cfg models.FollowerConfig, account models.Account, tokenID string, negRisk bool) ConfigResult {
	notional, sized := risk.SizeOrder(cfg, trade)
	if !sized.Passed() {
		return ct.rejectResult(ctx, cfg, trade, sized)
	}

	eval, err := ct.engine.Evaluate(ctx, risk.Input{Config: cfg, Trade: trade, TokenID: tokenID, Notional: notional})
	if err != nil {
		return ct.fail(ctx, cfg, trade, models.CategoryRiskControl, err.Error())
	}
	if !eval.Passed() {
		return ct.rejectResult(ctx, cfg, trade, eval)
	}
	if eval.Kind == risk.PassWithClamp && eval.Headroom != nil {
		notional = *eval.Headroom
	}

	price := risk.LimitPrice(cfg, models.SideBuy, trade.Price)
	qty := risk.Quantity(notional, price)

	reservation, err := ct.store.Reserve(ctx, storage.ReserveRequest{
		Config: cfg,
		Order: models.Order{
			MarketID:      trade.MarketID,
			OutcomeIndex:  trade.OutcomeIndex,
			TokenID:       tokenID,
			LeaderTradeID: trade.ID,
			Price:         price,
			Quantity:      qty,
		},
	})
	if err != nil {
		return ct.fail(ctx, cfg, trade, models.CategoryRiskControl, fmt.Sprintf("reserve: %v", err))
	}
	if !reservation.Reserved() {
		res := ct.reject(ctx, cfg, trade, reservation.Decision.Category, reservation.Decision.Reason)
		if reservation.Decision.Verdict == exposure.Skip {
			res.Status = StatusSkipped
		}
		return res
	}

	order := reservation.Order
	exec, err := ct.executor.Execute(ctx, ExecRequest{
		Config:  cfg,
		Account: account,
		Trade:   trade,
		Order:   order,
		Side:    models.SideBuy,
		TokenID: tokenID,
		Price:   price,
		Size:    order.Quantity,
		NegRisk: negRisk,
	})
	if err != nil {
		return ConfigResult{ConfigID: cfg.ID, Status: StatusFailed, Category: models.CategoryExecution,
			Reason: models.TruncateReason(err.Error()), OrderID: order.ID, ExchangeOrderID: exec.ExchangeOrderID}
	}

	status := StatusCopied
	if eval.Kind == risk.PassWithClamp || reservation.Decision.Verdict == exposure.Clamp {
		status = StatusClamped
	}
	return ConfigResult{
		ConfigID:        cfg.ID,
		Status:          status,
		Reason:          reservation.Decision.Reason,
		OrderID:         order.ID,
		ExchangeOrderID: exec.ExchangeOrderID,
		Quantity:        order.Quantity,
		Price:           price,
	}
}

func (ct *CopyTrader) processSell(ctx context.Context, trade models.Trade, cfg models.FollowerConfig, account models.Account, tokenID string, negRisk bool) ConfigResult {
	if !cfg.SupportSell {
		return ConfigResult{ConfigID: cfg.ID, Status: StatusSkipped, Reason: "sell copying disabled"}
	}

	out, err := ct.matcher.MatchLeaderSell(ctx, cfg, account, trade, tokenID, negRisk)
	if err != nil {
		return ConfigResult{ConfigID: cfg.ID, Status: StatusFailed, Category: models.CategoryExecution,
			Reason: models.TruncateReason(err.Error()), ExchangeOrderID: out.ExchangeOrderID}
	}
	if !out.Held {
		return ConfigResult{ConfigID: cfg.ID, Status: StatusSkipped, Reason: "no open position"}
	}

	res := ConfigResult{ConfigID: cfg.ID, Status: StatusSold, ExchangeOrderID: out.ExchangeOrderID}
	if out.Record != nil {
		res.Quantity = out.Record.MatchedQuantity
		res.Price = out.Record.SellPrice
	}
	return res
}

func (ct *CopyTrader) rejectResult(ctx context.Context, cfg models.FollowerConfig, trade models.Trade, r risk.Result) ConfigResult {
	res := ct.reject(ctx, cfg, trade, r.Category, r.Reason)
	if r.Kind == risk.Skip {
		res.Status = StatusSkipped
	}
	return res
}

// reject audits an expected rejection.
func (ct *CopyTrader) reject(ctx context.Context, cfg models.FollowerConfig, trade models.Trade, category, reason string) ConfigResult {
	ct.metrics.FilterRejections.WithLabelValues(category).Inc()
	ct.logger.Info("copy rejected",
		zap.Int64("config_id", cfg.ID),
		zap.String("trade_id", trade.ID),
		zap.String("category", category),
		zap.String("reason", reason))
	ct.audit(ctx, cfg, trade, category, reason)
	return ConfigResult{ConfigID: cfg.ID, Status: StatusRejected, Category: category, Reason: reason}
}

func (ct *CopyTrader) fail(ctx context.Context, cfg models.FollowerConfig, trade models.Trade, category, reason string) ConfigResult {
	ct.logger.Warn("copy failed",
		zap.Int64("config_id", cfg.ID),
		zap.String("trade_id", trade.ID),
		zap.String("category", category),
		zap.String("reason", reason))
	ct.audit(ctx, cfg, trade, category, reason)
	return ConfigResult{ConfigID: cfg.ID, Status: StatusFailed, Category: category, Reason: models.TruncateReason(reason)}
}

func (ct *CopyTrader) audit(ctx context.Context, cfg models.FollowerConfig, trade models.Trade, category, reason string) {
	if err := ct.store.RecordFailedTrade(ctx, failedTrade(cfg, trade, category, reason)); err != nil {
		ct.logger.Error("record failed trade", zap.Int64("config_id", cfg.ID), zap.Error(err))
	}
}
