package notify

import (
	"context"
	"sync"
	"time"

	"polymarket-copytrader/logging"

	"go.uber.org/zap"
)

const sendTimeout = 10 * time.Second

// Dispatcher queues events for a single delivery worker, suppressing repeats
// of the same key within the dedup TTL. Enqueue never blocks.
type Dispatcher struct {
	notifier Notifier
	queue    chan Event
	ttl      time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewDispatcher creates a Dispatcher with a bounded queue.
func NewDispatcher(n Notifier, queueSize int, ttl time.Duration, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		notifier: n,
		queue:    make(chan Event, queueSize),
		ttl:      ttl,
		logger:   logging.OrNop(logger).Named("notify"),
		lastSent: make(map[string]time.Time),
	}
}

// Enqueue offers ev to the worker. It returns false when the event is a
// repeat within the TTL or the queue is full.
func (d *Dispatcher) Enqueue(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	d.mu.Lock()
	if last, ok := d.lastSent[ev.Key]; ok && ev.At.Sub(last) < d.ttl {
		d.mu.Unlock()
		return false
	}
	d.lastSent[ev.Key] = ev.At
	d.mu.Unlock()

	select {
	case d.queue <- ev:
		return true
	default:
		d.logger.Warn("notification queue full, dropping", zap.String("key", ev.Key), zap.String("kind", ev.Kind))
		return false
	}
}

// Sweep forgets keys last seen more than the TTL before now and returns how
// many were removed.
func (d *Dispatcher) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for key, last := range d.lastSent {
		if now.Sub(last) >= d.ttl {
			delete(d.lastSent, key)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of keys held for dedup.
func (d *Dispatcher) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lastSent)
}

// Run delivers queued events until ctx is done. Delivery failures are logged.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.queue:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := d.notifier.Notify(sendCtx, ev); err != nil {
				d.logger.Warn("notification failed", zap.String("key", ev.Key), zap.Error(err))
			}
			cancel()
		}
	}
}
