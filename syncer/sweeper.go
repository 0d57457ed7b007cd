package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"
	"polymarket-copytrader/notify"
	"polymarket-copytrader/storage"

	"go.uber.org/zap"
)

// EventSink accepts outward notifications and expires their dedup keys.
type EventSink interface {
	Enqueue(ev notify.Event) bool
	Sweep(now time.Time) int
}

// SweepReport counts what one sweep pass changed.
type SweepReport struct {
	PendingFinalized int `json:"pending_finalized"`
	PendingDeleted   int `json:"pending_deleted"`
	FillsCorrected   int `json:"fills_corrected"`
	OrdersDeleted    int `json:"orders_deleted"`
	Notified         int `json:"notified"`
	SellsRepriced    int `json:"sells_repriced"`
	DedupExpired     int `json:"dedup_expired"`
}

// SweeperOptions configures a StatusSweeper.
type SweeperOptions struct {
	Interval     time.Duration
	PendingGrace time.Duration
	BatchSize    int
}

// StatusSweeper reconciles tracked orders with the exchange: it removes
// stale pending reservations, backfills authoritative fills once, and
// gates exactly-once notification.
type StatusSweeper struct {
	store    storage.Store
	exchange api.Exchange
	events   EventSink
	opts     SweeperOptions
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time

	// One pass at a time; the loop and POST /api/sweep share it.
	running sync.Mutex
}

// NewStatusSweeper creates a StatusSweeper. events may be nil.
func NewStatusSweeper(store storage.Store, exchange api.Exchange, events EventSink, opts SweeperOptions, metrics *Metrics, logger *zap.Logger) *StatusSweeper {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.PendingGrace <= 0 {
		opts.PendingGrace = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if metrics == nil {
		metrics = nopMetrics()
	}
	return &StatusSweeper{
		store:    store,
		exchange: exchange,
		events:   events,
		opts:     opts,
		metrics:  metrics,
		logger:   logging.OrNop(logger).Named("sweeper"),
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *StatusSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one full pass. Steps are independent: a failing step is
// reported but the remaining steps still run.
func (s *StatusSweeper) Sweep(ctx context.Context) (SweepReport, error) {
	s.running.Lock()
	defer s.running.Unlock()

	var report SweepReport
	var errs []error
	accounts := newAccountCache(s.store)

	if err := s.sweepPending(ctx, accounts, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.correctFills(ctx, accounts, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.notifyFilled(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.repriceSells(ctx, accounts, &report); err != nil {
		errs = append(errs, err)
	}
	if s.events != nil {
		report.DedupExpired = s.events.Sweep(s.now())
	}

	if report != (SweepReport{}) {
		s.logger.Debug("sweep pass", zap.Any("report", report))
	}
	return report, errors.Join(errs...)
}

func (s *StatusSweeper) sweepPending(ctx context.Context, accounts *accountCache, report *SweepReport) error {
	stale, err := s.store.ListPendingOrders(ctx, s.now().Add(-s.opts.PendingGrace))
	if err != nil {
		return fmt.Errorf("list pending orders: %w", err)
	}
	for _, o := range stale {
		logger := s.logger.With(zap.Int64("order_id", o.ID), zap.Int64("config_id", o.ConfigID))

		if !models.IsPlaceholderID(o.ExchangeOrderID) {
			confirmed, err := s.confirmed(ctx, accounts, o)
			if err != nil {
				logger.Warn("confirm pending order", zap.Error(err))
				continue
			}
			if confirmed {
				if err := s.store.FinalizeOrder(ctx, o.ID, o.ExchangeOrderID); err != nil {
					logger.Warn("finalize pending order", zap.Error(err))
					continue
				}
				report.PendingFinalized++
				continue
			}
		}

		if err := s.store.DeleteOrder(ctx, o.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			logger.Warn("delete stale pending order", zap.Error(err))
			continue
		}
		s.metrics.SweepDeletions.Inc()
		report.PendingDeleted++
		logger.Info("stale pending order deleted, reservation released",
			zap.String("market_id", o.MarketID), zap.Time("created_at", o.CreatedAt))
	}
	return nil
}

// confirmed reports whether the exchange knows a live or filled order.
func (s *StatusSweeper) confirmed(ctx context.Context, accounts *accountCache, o models.Order) (bool, error) {
	acct, err := accounts.get(ctx, o.AccountID)
	if err != nil {
		return false, err
	}
	detail, err := s.exchange.GetOrder(ctx, acct, o.ExchangeOrderID)
	if errors.Is(err, api.ErrOrderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !detail.Cancelled() || detail.SizeMatched.IsPositive(), nil
}

func (s *StatusSweeper) correctFills(ctx context.Context, accounts *accountCache, report *SweepReport) error {
	orders, err := s.store.ListUnpricedOrders(ctx, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list unpriced orders: %w", err)
	}
	for _, o := range orders {
		if models.IsPlaceholderID(o.ExchangeOrderID) {
			continue
		}
		logger := s.logger.With(zap.Int64("order_id", o.ID), zap.String("exchange_order_id", o.ExchangeOrderID))

		acct, err := accounts.get(ctx, o.AccountID)
		if err != nil {
			logger.Warn("load account", zap.Error(err))
			continue
		}
		detail, err := s.exchange.GetOrder(ctx, acct, o.ExchangeOrderID)
		if err != nil {
			if !errors.Is(err, api.ErrOrderNotFound) {
				logger.Warn("read back order", zap.Error(err))
			}
			continue
		}

		if !detail.SizeMatched.IsPositive() {
			if detail.Cancelled() && o.MatchedQuantity.IsZero() {
				if err := s.store.DeleteOrder(ctx, o.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
					logger.Warn("delete cancelled order", zap.Error(err))
					continue
				}
				s.metrics.SweepDeletions.Inc()
				report.OrdersDeleted++
				logger.Info("cancelled order with no fill deleted")
			}
			continue
		}
		if !detail.Terminal() {
			// Still working on the book; the fill may grow.
			continue
		}

		price := detail.Price
		if !price.IsPositive() {
			price = o.Price
		}
		ok, err := s.store.CorrectOrderFill(ctx, o.ID, price, detail.SizeMatched)
		if err != nil {
			logger.Warn("correct order fill", zap.Error(err))
			continue
		}
		if ok {
			report.FillsCorrected++
			logger.Debug("fill corrected", zap.String("price", price.String()), zap.String("quantity", detail.SizeMatched.String()))
		}
	}
	return nil
}

func (s *StatusSweeper) notifyFilled(ctx context.Context, report *SweepReport) error {
	orders, err := s.store.ListUnnotifiedOrders(ctx, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list unnotified orders: %w", err)
	}
	for _, o := range orders {
		won, err := s.store.MarkOrderNotified(ctx, o.ID)
		if err != nil {
			s.logger.Warn("mark order notified", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		if !won {
			continue
		}
		report.Notified++
		if s.events == nil {
			continue
		}
		s.events.Enqueue(notify.Event{
			Key:       "order:" + strconv.FormatInt(o.ID, 10),
			Kind:      "order_filled",
			AccountID: o.AccountID,
			ConfigID:  o.ConfigID,
			MarketID:  o.MarketID,
			Message:   fmt.Sprintf("bought %s @ %s (outcome %d, order %s)", o.Quantity, o.Price, o.OutcomeIndex, o.ExchangeOrderID),
			At:        s.now(),
		})
	}
	return nil
}

func (s *StatusSweeper) repriceSells(ctx context.Context, accounts *accountCache, report *SweepReport) error {
	records, err := s.store.ListUnpricedSellRecords(ctx, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list unpriced sell records: %w", err)
	}
	for _, rec := range records {
		logger := s.logger.With(zap.Int64("record_id", rec.ID), zap.String("exchange_order_id", rec.SellOrderID))

		acct, err := accounts.get(ctx, rec.AccountID)
		if err != nil {
			logger.Warn("load account", zap.Error(err))
			continue
		}
		detail, err := s.exchange.GetOrder(ctx, acct, rec.SellOrderID)
		if err != nil {
			if !errors.Is(err, api.ErrOrderNotFound) {
				logger.Warn("read back sell order", zap.Error(err))
			}
			continue
		}
		if !detail.SizeMatched.IsPositive() || !detail.Price.IsPositive() {
			continue
		}
		ok, err := s.store.CorrectSellPrice(ctx, rec.ID, detail.Price)
		if err != nil {
			logger.Warn("correct sell price", zap.Error(err))
			continue
		}
		if ok {
			report.SellsRepriced++
		}
	}
	return nil
}

// accountCache memoizes account lookups for one sweep pass.
type accountCache struct {
	store storage.Store
	byID  map[int64]models.Account
}

func newAccountCache(store storage.Store) *accountCache {
	return &accountCache{store: store, byID: make(map[int64]models.Account)}
}

func (c *accountCache) get(ctx context.Context, id int64) (models.Account, error) {
	if a, ok := c.byID[id]; ok {
		return a, nil
	}
	a, err := c.store.GetAccount(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	c.byID[id] = *a
	return *a, nil
}
