// Package store provides Store implementations.
package store

import (
	"context"
	"sync"

	"github.com/warp/payment-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	orders map[string]entry
}

type entry struct {
	records   []ledger.TransactionRecord
	hierarchy map[string]string
	version   int64
}

var (
	_ ledger.VersionedStore = (*Memory)(nil)
	_ ledger.OrderLocator   = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{orders: make(map[string]entry)}
}

func (m *Memory) LoadLedger(_ context.Context, orderID string) ([]ledger.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.orders[orderID]
	result := make([]ledger.TransactionRecord, len(e.records))
	copy(result, e.records)
	return result, nil
}

func (m *Memory) LoadHierarchy(_ context.Context, orderID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyMap(m.orders[orderID].hierarchy), nil
}

func (m *Memory) LoadSnapshot(_ context.Context, orderID string) (ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.orders[orderID]
	records := make([]ledger.TransactionRecord, len(e.records))
	copy(records, e.records)
	return ledger.Snapshot{
		OrderID:   orderID,
		Records:   records,
		Hierarchy: copyMap(e.hierarchy),
		Version:   e.version,
	}, nil
}

// SaveLedger overwrites unconditionally. Callers that hold no order lock
// should use SaveSnapshot.
func (m *Memory) SaveLedger(_ context.Context, orderID string, l *ledger.Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putLocked(orderID, l, m.orders[orderID].version+1)
	return nil
}

func (m *Memory) SaveSnapshot(_ context.Context, orderID string, l *ledger.Ledger, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.orders[orderID].version
	if current != expectedVersion {
		return current, &ledger.ConcurrentModificationError{
			OrderID:  orderID,
			Expected: expectedVersion,
			Actual:   current,
		}
	}
	m.putLocked(orderID, l, current+1)
	return current + 1, nil
}

func (m *Memory) putLocked(orderID string, l *ledger.Ledger, version int64) {
	m.orders[orderID] = entry{
		records:   l.Records(),
		hierarchy: l.Hierarchy(),
		version:   version,
	}
}

func (m *Memory) FindOrder(_ context.Context, uniqueID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for orderID, e := range m.orders {
		for _, r := range e.records {
			if r.UniqueID == uniqueID {
				return orderID, nil
			}
		}
	}
	return "", &ledger.NotFoundError{TransactionID: uniqueID}
}

// Reset drops every saved order.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]entry)
	return nil
}

// OrderIDs lists every order with a saved ledger.
func (m *Memory) OrderIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	return ids, nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
