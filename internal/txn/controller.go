// Package txn runs units of work against a store.Store with bounded retry
// on contention.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/efreitasn/spotexchange/internal/metrics"
	"github.com/efreitasn/spotexchange/internal/store"
)

// DefaultMaxAttempts is the retry budget for a single operation.
const DefaultMaxAttempts = 5

// ErrRetriesExhausted is returned when every attempt failed with
// store.ErrContention. It is transient: the caller may try again later.
var ErrRetriesExhausted = errors.New("transaction retries exhausted")

// Controller executes operations as whole store transactions. Nothing from
// a failed attempt survives it, so the full function is re-run on retry.
type Controller struct {
	store       store.Store
	maxAttempts int
	newBackOff  func() backoff.BackOff
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxAttempts sets the total number of attempts, first try included.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackOff replaces the delay policy between attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Controller) { c.newBackOff = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController creates a Controller over s.
func NewController(s store.Store, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:       s,
		maxAttempts: DefaultMaxAttempts,
		newBackOff:  defaultBackOff,
		logger:      logger.Named("txn"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// Run executes fn in one transaction. Contention failures are retried up
// to the attempt budget; any other error is returned unchanged after the
// first attempt.
func (c *Controller) Run(ctx context.Context, op string, fn store.TxFunc) error {
	start := time.Now()
	defer func() { c.metrics.ObserveTx(op, time.Since(start)) }()

	attempt := 0
	var lastErr error
	operation := func() error {
		attempt++
		err := c.store.Atomic(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrContention) {
			return backoff.Permanent(err)
		}
		lastErr = err
		if attempt < c.maxAttempts {
			c.metrics.TxRetried(op)
			c.logger.Warn("transaction contention, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.maxAttempts),
				zap.Error(err))
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxAttempts-1)), ctx)
	err := backoff.Retry(operation, b)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrContention) && lastErr != nil {
		c.metrics.TxExhausted(op)
		c.logger.Error("transaction retries exhausted",
			zap.String("op", op),
			zap.Int("attempts", attempt),
			zap.Error(lastErr))
		return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRetriesExhausted, attempt, lastErr)
	}
	return err
}
