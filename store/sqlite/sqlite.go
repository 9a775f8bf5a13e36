/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Persists one reconciled ledger per order. The ledger is stored the way
  it is rehydrated: a flat list of records and a child -> parent map, both
  as JSON, plus a version number for compare-and-swap saves.

INTERFACES IMPLEMENTED:
  ledger.Store:          LoadLedger, LoadHierarchy, SaveLedger
  ledger.VersionedStore: LoadSnapshot, SaveSnapshot
  ledger.OrderLocator:   FindOrder

KEY TABLES:
  order_ledgers:      One row per order (records_json, hierarchy_json, version)
  order_transactions: One row per UniqueID, rewritten on every save.
                      Lets notifications find their order by transaction id.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within the process, and the version
  column for compare-and-swap across processes sharing the file.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/payment-ledger/ledger"
)

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.VersionedStore = (*Store)(nil)
	_ ledger.OrderLocator   = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS order_ledgers (
		order_id TEXT PRIMARY KEY,
		records_json TEXT NOT NULL,
		hierarchy_json TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS order_transactions (
		unique_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES order_ledgers(order_id) ON DELETE CASCADE,
		parent_id TEXT,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_transactions_order
		ON order_transactions(order_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) LoadLedger(ctx context.Context, orderID string) ([]ledger.TransactionRecord, error) {
	snap, err := s.LoadSnapshot(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return snap.Records, nil
}

func (s *Store) LoadHierarchy(ctx context.Context, orderID string) (map[string]string, error) {
	snap, err := s.LoadSnapshot(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return snap.Hierarchy, nil
}

// LoadSnapshot returns an empty snapshot at version 0 for unknown orders.
func (s *Store) LoadSnapshot(ctx context.Context, orderID string) (ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadSnapshot(ctx, s.db, orderID)
}

// SaveLedger overwrites unconditionally.
func (s *Store) SaveLedger(ctx context.Context, orderID string, l *ledger.Ledger) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := loadVersion(ctx, tx, orderID)
		if err != nil {
			return err
		}
		return writeLedger(ctx, tx, orderID, l, current)
	})
}

// SaveSnapshot persists l if the stored version equals expectedVersion.
func (s *Store) SaveSnapshot(ctx context.Context, orderID string, l *ledger.Ledger, expectedVersion int64) (int64, error) {
	var next int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := loadVersion(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return &ledger.ConcurrentModificationError{
				OrderID:  orderID,
				Expected: expectedVersion,
				Actual:   current,
			}
		}
		next = current + 1
		return writeLedger(ctx, tx, orderID, l, current)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) FindOrder(ctx context.Context, uniqueID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orderID string
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id FROM order_transactions WHERE unique_id = ?`, uniqueID,
	).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &ledger.NotFoundError{TransactionID: uniqueID}
	}
	if err != nil {
		return "", fmt.Errorf("failed to find order for %s: %w", uniqueID, err)
	}
	return orderID, nil
}

// Reset clears all data (for demo purposes).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"order_transactions", "order_ledgers"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// OrderIDs lists every order with a saved ledger, most recently updated first.
func (s *Store) OrderIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT order_id FROM order_ledgers ORDER BY updated_at DESC, order_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func loadSnapshot(ctx context.Context, q queryer, orderID string) (ledger.Snapshot, error) {
	snap := ledger.Snapshot{OrderID: orderID, Hierarchy: map[string]string{}}

	var recordsJSON, hierarchyJSON string
	err := q.QueryRowContext(ctx,
		`SELECT records_json, hierarchy_json, version FROM order_ledgers WHERE order_id = ?`, orderID,
	).Scan(&recordsJSON, &hierarchyJSON, &snap.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to load ledger %s: %w", orderID, err)
	}

	if err := json.Unmarshal([]byte(recordsJSON), &snap.Records); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to decode records of %s: %w", orderID, err)
	}
	if err := json.Unmarshal([]byte(hierarchyJSON), &snap.Hierarchy); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to decode hierarchy of %s: %w", orderID, err)
	}
	return snap, nil
}

func loadVersion(ctx context.Context, q queryer, orderID string) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx,
		`SELECT version FROM order_ledgers WHERE order_id = ?`, orderID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version of %s: %w", orderID, err)
	}
	return version, nil
}

func writeLedger(ctx context.Context, tx *sql.Tx, orderID string, l *ledger.Ledger, current int64) error {
	records := l.Records()
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	hierarchyJSON, err := json.Marshal(l.Hierarchy())
	if err != nil {
		return fmt.Errorf("failed to encode hierarchy: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_ledgers (order_id, records_json, hierarchy_json, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			records_json = excluded.records_json,
			hierarchy_json = excluded.hierarchy_json,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		orderID, string(recordsJSON), string(hierarchyJSON), current+1, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save ledger %s: %w", orderID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_transactions WHERE order_id = ?`, orderID); err != nil {
		return fmt.Errorf("failed to clear transactions of %s: %w", orderID, err)
	}
	for _, r := range records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_transactions (unique_id, order_id, parent_id, kind, status, amount, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(unique_id) DO UPDATE SET
				order_id = excluded.order_id,
				parent_id = excluded.parent_id,
				kind = excluded.kind,
				status = excluded.status,
				amount = excluded.amount,
				created_at = excluded.created_at`,
			r.UniqueID, orderID, nullString(r.ParentID), string(r.Kind), string(r.Status),
			r.Amount.String(), r.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to index transaction %s: %w", r.UniqueID, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
