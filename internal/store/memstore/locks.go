package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/efreitasn/spotexchange/internal/store"
)

type rowKey struct {
	table  string
	id     int64
	symbol string
}

func accountKey(id int64) rowKey { return rowKey{table: "accounts", id: id} }

func holdingKey(accountID int64, symbol string) rowKey {
	return rowKey{table: "holdings", id: accountID, symbol: symbol}
}

func orderKey(id int64) rowKey { return rowKey{table: "orders", id: id} }

func bookKey(symbol string) rowKey { return rowKey{table: "books", symbol: symbol} }

func (k rowKey) String() string {
	if k.symbol != "" {
		return fmt.Sprintf("%s/%d/%s", k.table, k.id, k.symbol)
	}
	return fmt.Sprintf("%s/%d", k.table, k.id)
}

// lockTable hands out exclusive row locks. Each row owns a one-slot
// channel; a send acquires the lock and a receive releases it.
type lockTable struct {
	mu   sync.Mutex
	rows map[rowKey]chan struct{}
	wait time.Duration
}

func newLockTable(wait time.Duration) *lockTable {
	return &lockTable{rows: make(map[rowKey]chan struct{}), wait: wait}
}

func (lt *lockTable) slot(k rowKey) chan struct{} {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ch, ok := lt.rows[k]
	if !ok {
		ch = make(chan struct{}, 1)
		lt.rows[k] = ch
	}
	return ch
}

// acquire blocks until the row is free, the lock wait elapses or ctx is
// done. A lock wait timeout is reported as store.ErrContention, which is
// also how two transactions waiting on each other are broken apart.
func (lt *lockTable) acquire(ctx context.Context, k rowKey) error {
	ch := lt.slot(k)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(lt.wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: lock wait timeout on %s", store.ErrContention, k)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (lt *lockTable) release(k rowKey) {
	<-lt.slot(k)
}
