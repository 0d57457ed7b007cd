package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExecRequest is one order to place for a follower config.
type ExecRequest struct {
	Config  models.FollowerConfig
	Account models.Account
	Trade   models.Trade
	// Order is the reserved pending row for buys, nil for sells.
	Order   *models.Order
	Side    models.Side
	TokenID string
	Price   decimal.Decimal
	Size    decimal.Decimal
	NegRisk bool
}

// ExecResult describes an accepted order.
type ExecResult struct {
	ExchangeOrderID string
	Attempts        int
	Latency         time.Duration
}

// ExecutorOptions configures a TradeExecutor.
type ExecutorOptions struct {
	RetryBackoff  time.Duration
	MaxRetries    int
	SubmitTimeout time.Duration
}

// TradeExecutor signs and submits orders. Every attempt signs a fresh
// payload; a failed submission is retried with a new signature.
type TradeExecutor struct {
	store    storage.Store
	signer   api.Signer
	exchange api.Exchange
	opts     ExecutorOptions
	metrics  *Metrics
	logger   *zap.Logger
}

// NewTradeExecutor creates a TradeExecutor.
func NewTradeExecutor(store storage.Store, signer api.Signer, exchange api.Exchange, opts ExecutorOptions, metrics *Metrics, logger *zap.Logger) *TradeExecutor {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = nopMetrics()
	}
	return &TradeExecutor{
		store:    store,
		signer:   signer,
		exchange: exchange,
		opts:     opts,
		metrics:  metrics,
		logger:   logging.OrNop(logger).Named("executor"),
	}
}

func retryable(_ string, err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, models.ErrPermanent) &&
		!errors.Is(err, models.ErrValidation) &&
		!errors.Is(err, context.Canceled)
}

// Execute places the order. On final failure it records a failed trade and,
// for buys, deletes the reserved row. On success a buy's row is finalized
// with the exchange order id.
func (e *TradeExecutor) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	logger := e.logger.With(
		zap.Int64("config_id", req.Config.ID),
		zap.Int64("account_id", req.Account.ID),
		zap.String("trade_id", req.Trade.ID),
		zap.String("market_id", req.Trade.MarketID),
		zap.String("side", string(req.Side)))

	policy := retrypolicy.NewBuilder[string]().
		HandleIf(retryable).
		WithDelay(e.opts.RetryBackoff).
		WithMaxRetries(e.opts.MaxRetries).
		ReturnLastFailure().
		Build()

	start := time.Now()
	attempts := 0
	orderID, err := failsafe.With[string](policy).WithContext(ctx).
		GetWithExecution(func(exec failsafe.Execution[string]) (string, error) {
			attempts = exec.Attempts()
			if attempts > 1 {
				e.metrics.SubmitRetries.Inc()
				logger.Info("retrying order with a fresh signature", zap.Int("attempt", attempts))
			}
			return e.attempt(ctx, req)
		})
	latency := time.Since(start)

	if err != nil {
		e.metrics.OrdersFailed.WithLabelValues(string(req.Side)).Inc()
		e.fail(ctx, req, err, logger)
		return ExecResult{Attempts: attempts, Latency: latency}, err
	}

	e.metrics.OrdersSubmitted.WithLabelValues(string(req.Side)).Inc()
	e.metrics.ExecutionLatency.Observe(latency.Seconds())

	if req.Order != nil {
		if ferr := e.store.FinalizeOrder(ctx, req.Order.ID, orderID); ferr != nil {
			// The exchange has the order; the sweep reconciles the pending row.
			logger.Error("finalize order failed", zap.Int64("order_id", req.Order.ID),
				zap.String("exchange_order_id", orderID), zap.Error(ferr))
			return ExecResult{ExchangeOrderID: orderID, Attempts: attempts, Latency: latency},
				fmt.Errorf("finalize order %d: %w", req.Order.ID, ferr)
		}
	}

	logger.Info("order placed",
		zap.String("exchange_order_id", orderID),
		zap.String("price", req.Price.String()),
		zap.String("size", req.Size.String()),
		zap.Int("attempts", attempts),
		zap.Duration("latency", latency))
	return ExecResult{ExchangeOrderID: orderID, Attempts: attempts, Latency: latency}, nil
}

func (e *TradeExecutor) attempt(ctx context.Context, req ExecRequest) (string, error) {
	signed, err := e.signer.SignOrder(ctx, api.SignRequest{
		Account: req.Account,
		TokenID: req.TokenID,
		Side:    req.Side,
		Price:   req.Price,
		Size:    req.Size,
		NegRisk: req.NegRisk,
	})
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.opts.SubmitTimeout)
	defer cancel()
	id, err := e.exchange.SubmitOrder(submitCtx, signed)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	return id, nil
}

func (e *TradeExecutor) fail(ctx context.Context, req ExecRequest, cause error, logger *zap.Logger) {
	category := models.CategoryExecution
	if errors.Is(cause, models.ErrPermanent) {
		category = models.CategoryCredentials
	}
	logger.Warn("order abandoned", zap.String("category", category), zap.Error(cause))

	// Cleanup runs even when the caller's context is already done.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if req.Order != nil {
		if err := e.store.DeleteOrder(cleanupCtx, req.Order.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			logger.Error("release reservation failed", zap.Int64("order_id", req.Order.ID), zap.Error(err))
		}
	}
	if err := e.store.RecordFailedTrade(cleanupCtx, failedTrade(req.Config, req.Trade, category, cause.Error())); err != nil {
		logger.Error("record failed trade", zap.Error(err))
	}
}

func failedTrade(cfg models.FollowerConfig, trade models.Trade, category, reason string) models.FailedTrade {
	return models.FailedTrade{
		ConfigID:      cfg.ID,
		AccountID:     cfg.AccountID,
		LeaderID:      trade.LeaderID,
		LeaderTradeID: trade.ID,
		MarketID:      trade.MarketID,
		OutcomeIndex:  trade.OutcomeIndex,
		Side:          trade.Side,
		Price:         trade.Price,
		Size:          trade.Size,
		Category:      category,
		Reason:        models.TruncateReason(reason),
	}
}
