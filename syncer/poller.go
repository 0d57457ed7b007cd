package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"

	"go.uber.org/zap"
)

// activityCursor remembers the newest activity seen for a leader. Several
// activities can share a timestamp, so the ids at that timestamp are kept too.
type activityCursor struct {
	at  time.Time
	ids map[string]struct{}
}

func (c *activityCursor) seen(ts time.Time, id string) bool {
	if ts.Before(c.at) {
		return true
	}
	if ts.Equal(c.at) {
		_, ok := c.ids[id]
		return ok
	}
	return false
}

func (c *activityCursor) advance(ts time.Time, id string) {
	if ts.After(c.at) {
		c.at = ts
		c.ids = map[string]struct{}{id: {}}
		return
	}
	if ts.Equal(c.at) {
		c.ids[id] = struct{}{}
	}
}

// LeaderPoller periodically reads one leader's activity feed and feeds new
// trades to the copy pipeline. The first pass only seeds the cursor.
type LeaderPoller struct {
	leader    models.Leader
	source    api.ActivitySource
	processor TradeProcessor
	interval  time.Duration
	limit     int
	logger    *zap.Logger

	mu     sync.Mutex
	cursor *activityCursor
}

// NewLeaderPoller creates a poller for leader.
func NewLeaderPoller(leader models.Leader, source api.ActivitySource, processor TradeProcessor, interval time.Duration, limit int, logger *zap.Logger) *LeaderPoller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if limit <= 0 {
		limit = 50
	}
	return &LeaderPoller{
		leader:    leader,
		source:    source,
		processor: processor,
		interval:  interval,
		limit:     limit,
		logger: logging.OrNop(logger).Named("poller").With(
			zap.Int64("leader_id", leader.ID), zap.String("leader", leader.Address)),
	}
}

// Run polls until ctx is done.
func (p *LeaderPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("activity poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce runs one pass and returns how many trades were handed on.
func (p *LeaderPoller) PollOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	activity, err := p.source.GetActivity(ctx, p.leader.Address, p.limit)
	if err != nil {
		return 0, fmt.Errorf("get activity: %w", err)
	}

	trades := make([]models.Trade, 0, len(activity))
	for _, a := range activity {
		if !strings.EqualFold(a.Type, "TRADE") {
			continue
		}
		trades = append(trades, api.TradeFromActivity(p.leader.ID, a, models.SourcePolling))
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})

	if p.cursor == nil {
		p.cursor = &activityCursor{ids: make(map[string]struct{})}
		for _, t := range trades {
			p.cursor.advance(t.Timestamp, t.ID)
		}
		p.logger.Info("activity cursor seeded",
			zap.Time("at", p.cursor.at), zap.Int("history", len(trades)))
		return 0, nil
	}

	handed := 0
	for _, t := range trades {
		if p.cursor.seen(t.Timestamp, t.ID) {
			continue
		}
		_, err := p.processor.ProcessTrade(ctx, p.leader.ID, t, models.SourcePolling)
		if err != nil && !errors.Is(err, models.ErrValidation) {
			// Left behind the cursor so the next pass retries it.
			return handed, fmt.Errorf("process trade %s: %w", t.ID, err)
		}
		if err != nil {
			p.logger.Warn("invalid trade from activity feed", zap.String("trade_id", t.ID), zap.Error(err))
		}
		p.cursor.advance(t.Timestamp, t.ID)
		handed++
	}
	return handed, nil
}
