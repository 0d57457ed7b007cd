package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
)

// LedgerDecision says whether a trade should be processed.
type LedgerDecision int

const (
	Proceed LedgerDecision = iota
	AlreadyProcessed
)

// Ledger guards at-most-once processing per (leader, trade id). An
// in-process slot serializes the push and poll paths of one worker; the
// store's unique constraint covers everything else.
type Ledger struct {
	store  storage.Store
	logger *zap.Logger

	commitRetries int
	commitBackoff time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	// Trades whose side effects ran but whose row could not be written.
	// They stay processed for the life of the process.
	unrecorded map[string]struct{}
}

// NewLedger creates a Ledger.
func NewLedger(store storage.Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:         store,
		logger:        logging.OrNop(logger).Named("ledger"),
		commitRetries: 2,
		commitBackoff: 200 * time.Millisecond,
		inflight:      make(map[string]struct{}),
		unrecorded:    make(map[string]struct{}),
	}
}

func ledgerKey(leaderID int64, tradeID string) string {
	return strconv.FormatInt(leaderID, 10) + ":" + tradeID
}

// TryBegin claims the trade. On Proceed the caller must Release when done.
func (l *Ledger) TryBegin(ctx context.Context, leaderID int64, tradeID string) (LedgerDecision, error) {
	key := ledgerKey(leaderID, tradeID)

	l.mu.Lock()
	if _, done := l.unrecorded[key]; done {
		l.mu.Unlock()
		return AlreadyProcessed, nil
	}
	if _, busy := l.inflight[key]; busy {
		l.mu.Unlock()
		return AlreadyProcessed, nil
	}
	l.inflight[key] = struct{}{}
	l.mu.Unlock()

	_, err := l.store.GetProcessedTrade(ctx, leaderID, tradeID)
	switch {
	case err == nil:
		l.Release(leaderID, tradeID)
		return AlreadyProcessed, nil
	case errors.Is(err, models.ErrNotFound):
		return Proceed, nil
	default:
		l.Release(leaderID, tradeID)
		return Proceed, fmt.Errorf("ledger lookup %s: %w", key, err)
	}
}

// Commit records the outcome. The insert is retried a bounded number of
// times; when it still fails the trade is remembered as processed in this
// process. A uniqueness conflict is resolved by re-reading the committed
// row; an absent row is a data inconsistency.
func (l *Ledger) Commit(ctx context.Context, rec models.ProcessedTrade) error {
	key := ledgerKey(rec.LeaderID, rec.TradeID)
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, storage.ErrDuplicate)
		}).
		WithDelay(l.commitBackoff).
		WithMaxRetries(l.commitRetries).
		ReturnLastFailure().
		Build()

	err := failsafe.With[any](policy).WithContext(ctx).Run(func() error {
		return l.store.InsertProcessedTrade(ctx, rec)
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrDuplicate) {
		l.remember(key)
		return fmt.Errorf("ledger commit %s: %w", key, err)
	}

	existing, readErr := l.store.GetProcessedTrade(ctx, rec.LeaderID, rec.TradeID)
	if readErr == nil {
		l.logger.Info("trade already committed by another worker",
			zap.Int64("leader_id", rec.LeaderID),
			zap.String("trade_id", rec.TradeID),
			zap.String("outcome", string(existing.Outcome)))
		return nil
	}
	if errors.Is(readErr, models.ErrNotFound) {
		l.remember(key)
		return fmt.Errorf("ledger %s: unique conflict but no committed row: %w",
			ledgerKey(rec.LeaderID, rec.TradeID), models.ErrDataInconsistency)
	}
	return fmt.Errorf("ledger re-read %s: %w", ledgerKey(rec.LeaderID, rec.TradeID), readErr)
}

func (l *Ledger) remember(key string) {
	l.mu.Lock()
	l.unrecorded[key] = struct{}{}
	l.mu.Unlock()
}

// Release frees the in-process slot.
func (l *Ledger) Release(leaderID int64, tradeID string) {
	l.mu.Lock()
	delete(l.inflight, ledgerKey(leaderID, tradeID))
	l.mu.Unlock()
}
