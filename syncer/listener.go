package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"

	"polymarket-copytrader/api"
	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ActivityStream pushes live activity until ctx is done.
type ActivityStream interface {
	Run(ctx context.Context, handle api.ActivityHandler) error
}

// RealtimeListener filters the live feed down to followed leaders and
// hands their trades to the pipeline from a single worker.
type RealtimeListener struct {
	stream    ActivityStream
	processor TradeProcessor
	logger    *zap.Logger
	queue     chan models.Trade

	mu      sync.RWMutex
	leaders map[string]int64 // lowercase proxy wallet -> leader id
}

// NewRealtimeListener creates a listener with a bounded hand-off queue.
func NewRealtimeListener(stream ActivityStream, processor TradeProcessor, leaders []models.Leader, queueSize int, logger *zap.Logger) *RealtimeListener {
	if queueSize <= 0 {
		queueSize = 256
	}
	l := &RealtimeListener{
		stream:    stream,
		processor: processor,
		logger:    logging.OrNop(logger).Named("listener"),
		queue:     make(chan models.Trade, queueSize),
	}
	l.SetLeaders(leaders)
	return l
}

// SetLeaders replaces the followed set. Disabled leaders are ignored.
func (l *RealtimeListener) SetLeaders(leaders []models.Leader) {
	m := make(map[string]int64, len(leaders))
	for _, ld := range leaders {
		if !ld.Enabled || ld.Address == "" {
			continue
		}
		m[strings.ToLower(ld.Address)] = ld.ID
	}
	l.mu.Lock()
	l.leaders = m
	l.mu.Unlock()
}

func (l *RealtimeListener) leaderFor(wallet string) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.leaders[strings.ToLower(wallet)]
	return id, ok
}

// Run consumes the stream until ctx is done.
func (l *RealtimeListener) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.stream.Run(ctx, l.handle)
	})
	g.Go(func() error {
		l.work(ctx)
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}

func (l *RealtimeListener) handle(a api.Activity) {
	leaderID, ok := l.leaderFor(a.ProxyWallet)
	if !ok {
		return
	}
	trade := api.TradeFromActivity(leaderID, a, models.SourceWebsocket)
	select {
	case l.queue <- trade:
	default:
		l.logger.Warn("trade queue full, dropping websocket trade",
			zap.Int64("leader_id", leaderID), zap.String("trade_id", trade.ID))
	}
}

func (l *RealtimeListener) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-l.queue:
			if _, err := l.processor.ProcessTrade(ctx, t.LeaderID, t, models.SourceWebsocket); err != nil && ctx.Err() == nil {
				l.logger.Warn("process websocket trade",
					zap.Int64("leader_id", t.LeaderID), zap.String("trade_id", t.ID), zap.Error(err))
			}
		}
	}
}
