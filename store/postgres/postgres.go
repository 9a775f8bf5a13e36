/*
Package postgres provides a PostgreSQL-backed implementation of the ledger storage interfaces.

PURPOSE:
  Same persisted shape as store/sqlite (records + hierarchy as JSONB, one
  row per order), for deployments where several server processes share
  one database.

CONCURRENCY:
  SaveSnapshot runs in a transaction that locks the order row with
  SELECT ... FOR UPDATE, compares the version and writes. Two processes
  racing to create the same order both see no row; the loser hits the
  primary key and gets a ConcurrentModificationError as well.

DRIVER:
  Uses database/sql with the pgx stdlib driver ("pgx"), so the store can be
  exercised with go-sqlmock.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite: SQLite implementation
*/
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/payment-ledger/ledger"
)

const uniqueViolation = "23505"

// Schema creates the tables used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS order_ledgers (
	order_id   TEXT PRIMARY KEY,
	records    JSONB NOT NULL,
	hierarchy  JSONB NOT NULL,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS order_transactions (
	unique_id  TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES order_ledgers(order_id) ON DELETE CASCADE,
	parent_id  TEXT,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	amount     NUMERIC(20, 4) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_transactions_order ON order_transactions(order_id);
`

type Store struct {
	db *sql.DB
}

var (
	_ ledger.VersionedStore = (*Store)(nil)
	_ ledger.OrderLocator   = (*Store)(nil)
)

// Open connects to dsn, pings the server and applies Schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle. The schema must already exist.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

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

func (s *Store) LoadSnapshot(ctx context.Context, orderID string) (ledger.Snapshot, error) {
	snap := ledger.Snapshot{OrderID: orderID, Hierarchy: map[string]string{}}

	var records, hierarchy []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT records, hierarchy, version FROM order_ledgers WHERE order_id = $1", orderID,
	).Scan(&records, &hierarchy, &snap.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("load ledger %s: %w", orderID, err)
	}

	if err := json.Unmarshal(records, &snap.Records); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("decode records of %s: %w", orderID, err)
	}
	if err := json.Unmarshal(hierarchy, &snap.Hierarchy); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("decode hierarchy of %s: %w", orderID, err)
	}
	return snap, nil
}

// SaveLedger writes l at whatever version is current.
func (s *Store) SaveLedger(ctx context.Context, orderID string, l *ledger.Ledger) error {
	_, err := s.save(ctx, orderID, l, -1)
	return err
}

func (s *Store) SaveSnapshot(ctx context.Context, orderID string, l *ledger.Ledger, expectedVersion int64) (int64, error) {
	return s.save(ctx, orderID, l, expectedVersion)
}

// save writes l; expectedVersion < 0 skips the version check.
func (s *Store) save(ctx context.Context, orderID string, l *ledger.Ledger, expectedVersion int64) (int64, error) {
	records, err := json.Marshal(l.Records())
	if err != nil {
		return 0, fmt.Errorf("encode records: %w", err)
	}
	hierarchy, err := json.Marshal(l.Hierarchy())
	if err != nil {
		return 0, fmt.Errorf("encode hierarchy: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM order_ledgers WHERE order_id = $1 FOR UPDATE", orderID,
	).Scan(&current)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists, err = false, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock ledger %s: %w", orderID, err)
	}

	if expectedVersion >= 0 && current != expectedVersion {
		return 0, &ledger.ConcurrentModificationError{OrderID: orderID, Expected: expectedVersion, Actual: current}
	}

	next := current + 1
	if exists {
		_, err = tx.ExecContext(ctx,
			"UPDATE order_ledgers SET records = $2, hierarchy = $3, version = $4, updated_at = now() WHERE order_id = $1",
			orderID, records, hierarchy, next,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO order_ledgers (order_id, records, hierarchy, version) VALUES ($1, $2, $3, $4)",
			orderID, records, hierarchy, next,
		)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, &ledger.ConcurrentModificationError{OrderID: orderID, Expected: current, Actual: current + 1}
		}
		return 0, fmt.Errorf("write ledger %s: %w", orderID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM order_transactions WHERE order_id = $1", orderID); err != nil {
		return 0, fmt.Errorf("clear transactions of %s: %w", orderID, err)
	}
	for _, r := range l.Records() {
		var parent sql.NullString
		if r.ParentID != "" {
			parent = sql.NullString{String: r.ParentID, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_transactions (unique_id, order_id, parent_id, kind, status, amount, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (unique_id) DO UPDATE SET order_id = EXCLUDED.order_id, parent_id = EXCLUDED.parent_id,
			   kind = EXCLUDED.kind, status = EXCLUDED.status, amount = EXCLUDED.amount, created_at = EXCLUDED.created_at`,
			r.UniqueID, orderID, parent, string(r.Kind), string(r.Status), r.Amount.String(), r.CreatedAt.UTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("index transaction %s: %w", r.UniqueID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return next, nil
}

func (s *Store) FindOrder(ctx context.Context, uniqueID string) (string, error) {
	var orderID string
	err := s.db.QueryRowContext(ctx,
		"SELECT order_id FROM order_transactions WHERE unique_id = $1", uniqueID,
	).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &ledger.NotFoundError{TransactionID: uniqueID}
	}
	if err != nil {
		return "", fmt.Errorf("find order for %s: %w", uniqueID, err)
	}
	return orderID, nil
}

// Reset clears all data (for demo purposes).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE order_transactions, order_ledgers")
	return err
}
