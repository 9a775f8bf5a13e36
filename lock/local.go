/*
Package lock provides order-scoped implementations of ledger.OrderLocker.

PURPOSE:
  Every rehydrate -> merge -> persist cycle for an order must run alone.
  Callers are HTTP handlers, so acquisition waits a bounded time and then
  fails with ledger.ErrOrderBusy instead of blocking the request.

IMPLEMENTATIONS:
  Local: in-process, for a single server or tests
  Redis: distributed (redsync), for several servers sharing one database

SEE ALSO:
  - ledger/store.go: OrderLocker contract
  - payment/service.go: The only caller
*/
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/warp/payment-ledger/ledger"
)

// DefaultWait is how long a caller waits for a busy order.
const DefaultWait = 2 * time.Second

// =============================================================================
// LOCAL LOCKER
// =============================================================================

// Local serializes orders within one process.
type Local struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ ledger.OrderLocker = (*Local)(nil)

// NewLocal returns a Local that waits at most wait for an order.
// A non-positive wait uses DefaultWait.
func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Local{wait: wait, slots: make(map[string]*slot)}
}

func (l *Local) WithOrderLock(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	s := l.acquireSlot(orderID)
	defer l.releaseSlot(orderID, s)

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		return ledger.ErrOrderBusy
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.ch }()

	return fn(ctx)
}

// acquireSlot returns the slot for orderID, creating it on first use.
// Slots are dropped once nobody holds or waits for them.
func (l *Local) acquireSlot(orderID string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[orderID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[orderID] = s
	}
	s.refs++
	return s
}

func (l *Local) releaseSlot(orderID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, orderID)
	}
}

// Held reports how many orders currently have a holder or waiter.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
