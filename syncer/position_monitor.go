package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxParallelAccountFetches = 8

// SnapshotHandler receives published snapshots. Snapshots are shared and
// must not be mutated.
type SnapshotHandler func(*models.PositionSnapshot)

type subscription struct {
	name    string
	handle  SnapshotHandler
	mailbox chan *models.PositionSnapshot
	done    chan struct{}
	once    sync.Once
}

// offer replaces whatever is waiting in the one-slot mailbox. Only the
// publisher sends, under the monitor lock.
func (s *subscription) offer(snap *models.PositionSnapshot) {
	select {
	case <-s.mailbox:
	default:
	}
	s.mailbox <- snap
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) run(wg *sync.WaitGroup) {
	defer wg.Done()
	var last uint64
	for {
		select {
		case <-s.done:
			return
		case snap := <-s.mailbox:
			if snap.Seq <= last {
				continue
			}
			last = snap.Seq
			s.handle(snap)
		}
	}
}

// PositionMonitor polls every enabled account's positions and fans each
// full snapshot out to subscribers, keeping only the latest per subscriber.
// A slow subscriber never delays the poll loop.
type PositionMonitor struct {
	store        storage.Store
	positions    api.PositionSource
	interval     time.Duration
	fetchTimeout time.Duration
	metrics      *Metrics
	logger       *zap.Logger

	mu     sync.Mutex
	latest *models.PositionSnapshot
	seq    uint64
	subs   map[int]*subscription
	nextID int
	subWG  sync.WaitGroup

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPositionMonitor creates a monitor polling every interval.
func NewPositionMonitor(store storage.Store, positions api.PositionSource, interval, fetchTimeout time.Duration, metrics *Metrics, logger *zap.Logger) *PositionMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = nopMetrics()
	}
	return &PositionMonitor{
		store:        store,
		positions:    positions,
		interval:     interval,
		fetchTimeout: fetchTimeout,
		metrics:      metrics,
		logger:       logging.OrNop(logger).Named("monitor"),
		subs:         make(map[int]*subscription),
		stop:         make(chan struct{}),
	}
}

// Subscribe registers handle. The latest cached snapshot, if any, is
// delivered right away. The returned func unsubscribes.
func (m *PositionMonitor) Subscribe(name string, handle SnapshotHandler) func() {
	sub := &subscription{
		name:    name,
		handle:  handle,
		mailbox: make(chan *models.PositionSnapshot, 1),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.subWG.Add(1)
	go sub.run(&m.subWG)
	if m.latest != nil {
		sub.offer(m.latest)
	}
	m.mu.Unlock()

	m.logger.Debug("subscriber added", zap.String("subscriber", name))
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		sub.close()
	}
}

// Latest returns the most recent snapshot, nil before the first poll.
func (m *PositionMonitor) Latest() *models.PositionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Start launches the poll loop. The first poll runs immediately.
func (m *PositionMonitor) Start(ctx context.Context) {
	m.logger.Info("starting position monitor", zap.Duration("interval", m.interval))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("position poll skipped", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the poll loop and every subscriber goroutine.
func (m *PositionMonitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()

	m.mu.Lock()
	for id, sub := range m.subs {
		sub.close()
		delete(m.subs, id)
	}
	m.mu.Unlock()
	m.subWG.Wait()
}

// Poll fetches one full snapshot and publishes it. Any account failure
// skips the cycle so no partial snapshot is ever published.
func (m *PositionMonitor) Poll(ctx context.Context) (*models.PositionSnapshot, error) {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		m.metrics.SnapshotsSkipped.Inc()
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	enabled := accounts[:0]
	for _, a := range accounts {
		if a.Enabled {
			enabled = append(enabled, a)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	results := make([]models.AccountPositions, len(enabled))
	g, gctx := errgroup.WithContext(fetchCtx)
	g.SetLimit(maxParallelAccountFetches)
	for i, acct := range enabled {
		i, acct := i, acct
		g.Go(func() error {
			ap, err := m.fetchAccount(gctx, acct)
			if err != nil {
				return fmt.Errorf("account %d: %w", acct.ID, err)
			}
			results[i] = ap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.metrics.SnapshotsSkipped.Inc()
		return nil, err
	}

	m.mu.Lock()
	m.seq++
	snap := &models.PositionSnapshot{Seq: m.seq, FetchedAt: time.Now().UTC(), Accounts: results}
	m.latest = snap
	for _, sub := range m.subs {
		sub.offer(snap)
	}
	m.mu.Unlock()

	m.metrics.SnapshotsPublished.Inc()
	return snap, nil
}

func (m *PositionMonitor) fetchAccount(ctx context.Context, acct models.Account) (models.AccountPositions, error) {
	addr := strings.ToLower(acct.PositionAddress())
	current, err := m.positions.GetPositions(ctx, addr)
	if err != nil {
		return models.AccountPositions{}, fmt.Errorf("current positions: %w", err)
	}
	historical, err := m.positions.GetClosedPositions(ctx, addr)
	if err != nil {
		return models.AccountPositions{}, fmt.Errorf("closed positions: %w", err)
	}
	for i := range current {
		current[i].AccountID = acct.ID
	}
	for i := range historical {
		historical[i].AccountID = acct.ID
	}
	return models.AccountPositions{AccountID: acct.ID, Current: current, Historical: historical}, nil
}
