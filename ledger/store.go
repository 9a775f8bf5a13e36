/*
store.go - Persistence and locking contracts

PURPOSE:
  The Ledger itself never touches storage. A collaborator rehydrates it,
  merges new records and persists it again. This file defines that
  collaborator's interface and the lock that serializes the cycle.

KEY INTERFACES:
  Store:          Load records + hierarchy, save a whole Ledger
  VersionedStore: Same, with a version number for compare-and-swap saves
  OrderLocker:    Exclusive, order-scoped lock with bounded wait
  OrderLocator:   Reverse lookup from a transaction id to its order

READ-MODIFY-WRITE:
  Two concurrent partial captures on one order would both read the same
  available amount and both succeed. Every load -> merge -> save cycle for
  an order must therefore run under WithOrderLock, and with a
  VersionedStore the save additionally checks the version it loaded.

PERSISTED SHAPE:
  Per order, two entries: a flat list of records and a child -> parent map.
  Implementations choose the encoding (JSON blobs in SQL stores).

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests/dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL
  - lock/local.go, lock/redis.go: OrderLocker
*/
package ledger

import "context"

// Store persists the ledger of one order.
type Store interface {
	// LoadLedger returns the raw records in merge order. An unknown order
	// returns no records and no error.
	LoadLedger(ctx context.Context, orderID string) ([]TransactionRecord, error)

	// LoadHierarchy returns the persisted child -> parent map.
	LoadHierarchy(ctx context.Context, orderID string) (map[string]string, error)

	// SaveLedger replaces the persisted records and hierarchy with l.
	SaveLedger(ctx context.Context, orderID string, l *Ledger) error
}

// Snapshot is the persisted state of one order at a version.
// Version 0 means nothing was saved yet.
type Snapshot struct {
	OrderID   string
	Records   []TransactionRecord
	Hierarchy map[string]string
	Version   int64
}

// VersionedStore adds compare-and-swap saves.
type VersionedStore interface {
	Store

	LoadSnapshot(ctx context.Context, orderID string) (Snapshot, error)

	// SaveSnapshot persists l only if the stored version still equals
	// expectedVersion, and returns the new version. A mismatch returns
	// *ConcurrentModificationError.
	SaveSnapshot(ctx context.Context, orderID string, l *Ledger, expectedVersion int64) (int64, error)
}

// OrderLocker serializes work on one order.
// Implementations wait a bounded time and return ErrOrderBusy when the lock
// is held elsewhere.
type OrderLocker interface {
	WithOrderLock(ctx context.Context, orderID string, fn func(ctx context.Context) error) error
}

// OrderLocator finds the order owning a transaction. Gateway notifications
// identify records by UniqueID and may not carry the merchant's order id.
// Returns *NotFoundError when no saved ledger holds the id.
type OrderLocator interface {
	FindOrder(ctx context.Context, uniqueID string) (string, error)
}

// Rehydrate builds a Ledger from a snapshot. The snapshot's hierarchy is
// authoritative even when empty.
func Rehydrate(c Classifier, s Snapshot) *Ledger {
	hierarchy := s.Hierarchy
	if hierarchy == nil {
		hierarchy = map[string]string{}
	}
	return New(c, s.Records, hierarchy)
}

// LoadSnapshot reads a snapshot from any Store, using the versioned path
// when available. Plain stores report version 0.
func LoadSnapshot(ctx context.Context, s Store, orderID string) (Snapshot, error) {
	if vs, ok := s.(VersionedStore); ok {
		return vs.LoadSnapshot(ctx, orderID)
	}
	records, err := s.LoadLedger(ctx, orderID)
	if err != nil {
		return Snapshot{}, err
	}
	hierarchy, err := s.LoadHierarchy(ctx, orderID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{OrderID: orderID, Records: records, Hierarchy: hierarchy}, nil
}
