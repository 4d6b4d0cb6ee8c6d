package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/efreitasn/spotexchange/internal/metrics"
	"github.com/efreitasn/spotexchange/internal/store"
)

const (
	DefaultInterval    = time.Second
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 10
)

// Relay moves committed outbox entries to a Sink. It runs on a ticker and
// whenever Kick is called; failed entries are retried on later passes
// until maxAttempts is reached.
type Relay struct {
	store       store.Store
	sink        Sink
	interval    time.Duration
	batchSize   int
	maxAttempts int
	logger      *zap.Logger
	metrics     *metrics.Metrics

	kick chan struct{}
	mu   sync.Mutex // serializes drains
}

type RelayOption func(*Relay)

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// NewRelay creates a relay from s to sink.
func NewRelay(s store.Store, sink Sink, logger *zap.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		store:       s,
		sink:        sink,
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.Named("relay"),
		kick:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kick requests a drain as soon as possible. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Start launches a background goroutine that drains the outbox at the
// configured interval and on every Kick. It stops when ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-r.kick:
			}
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox drain failed", zap.Error(err))
			}
		}
	}()
}

// Drain delivers pending notifications until the outbox is empty or a
// delivery fails, and returns how many were delivered. Sink failures are
// recorded on the entry, not returned; only store errors are.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for {
		batch, err := r.store.PendingNotifications(ctx, r.batchSize)
		if err != nil {
			return delivered, err
		}
		if len(batch) == 0 {
			return delivered, nil
		}

		clean := true
		for _, n := range batch {
			ok, err := r.deliver(ctx, n)
			if err != nil {
				return delivered, err
			}
			if ok {
				delivered++
			} else {
				clean = false
			}
		}
		// A failed entry stays pending; it waits for the next pass.
		if !clean || len(batch) < r.batchSize {
			return delivered, nil
		}
	}
}

func (r *Relay) deliver(ctx context.Context, n *store.Notification) (bool, error) {
	msg, err := NewMessage(n)
	if err == nil {
		err = r.sink.Send(ctx, msg)
	}
	if err == nil {
		if err := r.store.MarkNotificationDelivered(ctx, n.ID); err != nil {
			return false, err
		}
		r.metrics.Notification("delivered")
		r.logger.Debug("notification delivered",
			zap.Int64("notification_id", n.ID),
			zap.Int64("trade_id", n.Trade.ID))
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	attempts := n.Attempts + 1
	giveUp := attempts >= r.maxAttempts
	if markErr := r.store.MarkNotificationFailed(ctx, n.ID, err.Error(), giveUp); markErr != nil {
		return false, markErr
	}
	fields := []zap.Field{
		zap.Int64("notification_id", n.ID),
		zap.Int64("trade_id", n.Trade.ID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	}
	if giveUp {
		r.metrics.Notification("abandoned")
		r.logger.Error("notification abandoned", fields...)
	} else {
		r.metrics.Notification("failed")
		r.logger.Error("notification delivery failed", fields...)
	}
	return false, nil
}
