package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sample() *ledger.Ledger {
	at := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	return ledger.Merge(ledger.DefaultClassifier(), nil, []ledger.TransactionRecord{
		{UniqueID: "A", Kind: ledger.KindAuthorize, Status: ledger.StatusApproved, Amount: decimal.NewFromInt(100), CreatedAt: at, TerminalToken: "term-1"},
		{UniqueID: "C1", ParentID: "A", Kind: ledger.KindCapture, Status: ledger.StatusApproved, Amount: decimal.RequireFromString("40.50"), CreatedAt: at.Add(time.Minute)},
	})
}

func TestStore_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: a saved ledger
	require.NoError(t, s.SaveLedger(ctx, "order-1", sample()))

	// WHEN: it is rehydrated
	snap, err := s.LoadSnapshot(ctx, "order-1")
	require.NoError(t, err)
	l := ledger.Rehydrate(ledger.DefaultClassifier(), snap)

	// THEN: records, hierarchy and amounts survive
	assert.Equal(t, int64(1), snap.Version)
	require.Equal(t, 2, l.Len())
	assert.Equal(t, map[string]string{"C1": "A"}, snap.Hierarchy)

	c1, ok := l.Node("C1")
	require.True(t, ok)
	assert.True(t, c1.Amount.Equal(decimal.RequireFromString("40.5")))
	a, _ := l.Node("A")
	assert.Equal(t, "term-1", a.TerminalToken)

	e := ledger.NewEligibility(ledger.DefaultClassifier())
	assert.Equal(t, "59.50", e.AvailableCaptureAmount(l, "A").StringFixed(2))
}

func TestStore_UnknownOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	records, err := s.LoadLedger(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, records)

	hierarchy, err := s.LoadHierarchy(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, hierarchy)
}

func TestStore_CompareAndSwap(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	v, err := s.SaveSnapshot(ctx, "order-1", sample(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = s.SaveSnapshot(ctx, "order-1", sample(), 0)
	var conflict *ledger.ConcurrentModificationError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(0), conflict.Expected)
	assert.Equal(t, int64(1), conflict.Actual)

	v, err = s.SaveSnapshot(ctx, "order-1", sample(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestStore_FindOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveLedger(ctx, "order-1", sample()))

	orderID, err := s.FindOrder(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "order-1", orderID)

	_, err = s.FindOrder(ctx, "ghost")
	assert.True(t, ledger.IsNotFound(err))
}

func TestStore_ResaveDropsNothing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	l := sample()
	require.NoError(t, s.SaveLedger(ctx, "order-1", l))

	// merge a refund and save again
	l = l.Merge(ledger.TransactionRecord{
		UniqueID: "R1", ParentID: "C1", Kind: ledger.KindRefund,
		Status: ledger.StatusApproved, Amount: decimal.NewFromInt(10),
	})
	require.NoError(t, s.SaveLedger(ctx, "order-1", l))

	records, err := s.LoadLedger(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, records, 3)

	ids, err := s.OrderIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"order-1"}, ids)
}

func TestStore_Reset(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveLedger(ctx, "order-1", sample()))

	require.NoError(t, s.Reset(ctx))

	records, err := s.LoadLedger(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}
