package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransferWatcher matches tracked orders when an account moves outcome
// tokens out on-chain instead of selling them on the exchange.
type TransferWatcher struct {
	store     storage.Store
	chain     api.TransferSource
	quotes    QuoteSource
	matcher   *SellMatcher
	interval  time.Duration
	maxBlocks uint64
	logger    *zap.Logger

	mu     sync.Mutex
	cursor uint64 // last block scanned, 0 before the first pass
}

// NewTransferWatcher creates a watcher scanning at most maxBlocks per pass.
func NewTransferWatcher(store storage.Store, chain api.TransferSource, quotes QuoteSource, matcher *SellMatcher, interval time.Duration, maxBlocks uint64, logger *zap.Logger) *TransferWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxBlocks == 0 {
		maxBlocks = 2000
	}
	return &TransferWatcher{
		store:     store,
		chain:     chain,
		quotes:    quotes,
		matcher:   matcher,
		interval:  interval,
		maxBlocks: maxBlocks,
		logger:    logging.OrNop(logger).Named("transfers"),
	}
}

// Run scans every interval until ctx is done.
func (w *TransferWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("transfer scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce scans the next block range and returns the matches it made.
// The first call only records the head block.
func (w *TransferWatcher) ScanOnce(ctx context.Context) ([]*models.SellMatchRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	head, err := w.chain.HeadBlock(ctx)
	if err != nil {
		return nil, err
	}
	if w.cursor == 0 {
		w.cursor = head
		w.logger.Info("transfer cursor started at head", zap.Uint64("block", head))
		return nil, nil
	}
	if head <= w.cursor {
		return nil, nil
	}
	from, to := w.cursor+1, head
	if to-from+1 > w.maxBlocks {
		to = from + w.maxBlocks - 1
	}

	accounts, err := w.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	byAddress := make(map[string]models.Account, len(accounts))
	addresses := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if !a.Enabled || a.PositionAddress() == "" {
			continue
		}
		addr := strings.ToLower(a.PositionAddress())
		byAddress[addr] = a
		addresses = append(addresses, addr)
	}
	if len(addresses) == 0 {
		w.cursor = to
		return nil, nil
	}

	transfers, err := w.chain.TransfersFrom(ctx, addresses, from, to)
	if err != nil {
		return nil, err
	}
	sort.Slice(transfers, func(i, j int) bool {
		if transfers[i].BlockNumber != transfers[j].BlockNumber {
			return transfers[i].BlockNumber < transfers[j].BlockNumber
		}
		return transfers[i].LogIndex < transfers[j].LogIndex
	})

	var records []*models.SellMatchRecord
	for _, t := range transfers {
		acct, ok := byAddress[strings.ToLower(t.From)]
		if !ok {
			continue
		}
		recs, err := w.matchTransfer(ctx, acct, t)
		if err != nil {
			// The range is not rescanned; a failed transfer is left for the
			// reconciler to close once the position disappears.
			w.logger.Warn("match transfer",
				zap.Int64("account_id", acct.ID), zap.String("tx", t.TxHash), zap.Error(err))
		}
		records = append(records, recs...)
	}
	w.cursor = to
	return records, nil
}

func (w *TransferWatcher) matchTransfer(ctx context.Context, acct models.Account, t api.Transfer) ([]*models.SellMatchRecord, error) {
	orders, err := w.store.ListAccountOpenOrders(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	var tracked []models.Order
	for _, o := range orders {
		if o.TokenID == t.TokenID {
			tracked = append(tracked, o)
		}
	}
	if len(tracked) == 0 {
		return nil, nil
	}

	price, err := w.transferPrice(ctx, t.TokenID)
	if err != nil {
		return nil, err
	}

	left := t.Amount
	var out []*models.SellMatchRecord
	for _, g := range groupOrders(tracked) {
		if !left.IsPositive() {
			break
		}
		held := decimal.Zero
		for _, o := range g.orders {
			held = held.Add(o.RemainingQuantity)
		}
		amount := decimal.Min(left, held)
		rec, err := w.matcher.Consume(ctx, storage.ConsumeRequest{
			Key:           g.key,
			AccountID:     acct.ID,
			Amount:        &amount,
			SellPrice:     price,
			Kind:          models.MatchTransfer,
			LeaderTradeID: fmt.Sprintf("%s:%d", t.TxHash, t.LogIndex),
			PriceFinal:    true,
		})
		if err != nil {
			return out, err
		}
		if rec != nil {
			out = append(out, rec)
			left = left.Sub(rec.MatchedQuantity)
		}
	}
	return out, nil
}

func (w *TransferWatcher) transferPrice(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	q, err := w.quotes.GetQuote(ctx, tokenID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", tokenID, err)
	}
	if q.BestBid.IsPositive() {
		return q.BestBid, nil
	}
	if q.LastPrice.IsPositive() {
		return q.LastPrice, nil
	}
	return decimal.Zero, fmt.Errorf("no price for token %s", tokenID)
}
