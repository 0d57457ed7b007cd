package syncer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reconciler matches tracked orders against position snapshots: a
// redeemable position is redeemed, a vanished one is closed.
type Reconciler struct {
	store    storage.Store
	matcher  *SellMatcher
	resolver *SettlementResolver
	grace    time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewReconciler creates a Reconciler. Orders younger than grace are never
// treated as closed.
func NewReconciler(store storage.Store, matcher *SellMatcher, resolver *SettlementResolver, grace time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		matcher:  matcher,
		resolver: resolver,
		grace:    grace,
		logger:   logging.OrNop(logger).Named("reconciler"),
		now:      time.Now,
	}
}

// Attach subscribes the reconciler to monitor for the lifetime of ctx.
func (r *Reconciler) Attach(ctx context.Context, monitor *PositionMonitor) func() {
	return monitor.Subscribe("reconciler", func(snap *models.PositionSnapshot) {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Reconcile(ctx, snap); err != nil {
			r.logger.Warn("reconcile snapshot", zap.Uint64("seq", snap.Seq), zap.Error(err))
		}
	})
}

type orderGroup struct {
	key     models.PositionKey
	tokenID string
	orders  []models.Order
}

func groupOrders(orders []models.Order) []orderGroup {
	byKey := make(map[models.PositionKey]*orderGroup)
	for _, o := range orders {
		g, ok := byKey[o.Key()]
		if !ok {
			g = &orderGroup{key: o.Key(), tokenID: o.TokenID}
			byKey[o.Key()] = g
		}
		g.orders = append(g.orders, o)
	}
	out := make([]orderGroup, 0, len(byKey))
	for _, g := range byKey {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].key, out[j].key
		if a.ConfigID != b.ConfigID {
			return a.ConfigID < b.ConfigID
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.OutcomeIndex < b.OutcomeIndex
	})
	return out
}

// Reconcile processes one snapshot and returns the records written. Group
// failures are logged and do not stop the other groups.
func (r *Reconciler) Reconcile(ctx context.Context, snap *models.PositionSnapshot) ([]*models.SellMatchRecord, error) {
	if snap == nil {
		return nil, nil
	}
	var records []*models.SellMatchRecord
	for _, acct := range snap.Accounts {
		orders, err := r.store.ListAccountOpenOrders(ctx, acct.AccountID)
		if err != nil {
			return records, fmt.Errorf("open orders for account %d: %w", acct.AccountID, err)
		}
		for _, g := range groupOrders(orders) {
			rec, err := r.reconcileGroup(ctx, acct, g)
			if err != nil {
				r.logger.Warn("reconcile position",
					zap.Int64("account_id", acct.AccountID),
					zap.Int64("config_id", g.key.ConfigID),
					zap.String("market_id", g.key.MarketID),
					zap.Int("outcome", g.key.OutcomeIndex),
					zap.Error(err))
				continue
			}
			if rec != nil {
				records = append(records, rec)
			}
		}
	}
	return records, nil
}

func (r *Reconciler) reconcileGroup(ctx context.Context, acct models.AccountPositions, g orderGroup) (*models.SellMatchRecord, error) {
	pos, held := acct.Find(g.key.MarketID, g.key.OutcomeIndex)
	if held && !pos.Redeemable {
		return nil, nil
	}

	req := storage.ConsumeRequest{Key: g.key, AccountID: acct.AccountID}
	tokenID := g.tokenID
	var hint *decimal.Decimal

	if held {
		req.Kind = models.MatchRedemption
		hint = &pos.CurPrice
		if pos.TokenID != "" {
			tokenID = pos.TokenID
		}
	} else {
		cutoff := r.now().Add(-r.grace)
		if !anyOlder(g.orders, cutoff) {
			return nil, nil
		}
		req.Kind = models.MatchClosure
		req.CreatedBefore = cutoff
		if closed, ok := acct.FindHistorical(g.key.MarketID, g.key.OutcomeIndex); ok {
			hint = &closed.CurPrice
		}
	}

	price, source, err := r.resolver.Price(ctx, g.key.MarketID, g.key.OutcomeIndex, tokenID, hint)
	if err != nil {
		return nil, err
	}
	req.SellPrice = price
	req.PriceFinal = source.Authoritative()
	return r.matcher.Consume(ctx, req)
}

func anyOlder(orders []models.Order, cutoff time.Time) bool {
	for _, o := range orders {
		if o.CreatedAt.Before(cutoff) {
			return true
		}
	}
	return false
}
