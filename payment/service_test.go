package payment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/ledger/store"
	"github.com/warp/payment-ledger/payment"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const orderID = "order-1"

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func authorize(id string, amount int64) ledger.TransactionRecord {
	return ledger.TransactionRecord{
		UniqueID:      id,
		Kind:          ledger.KindAuthorize,
		Status:        ledger.StatusApproved,
		Amount:        dec(amount),
		Currency:      "EUR",
		TerminalToken: "term-1",
		CreatedAt:     time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC),
	}
}

type fixture struct {
	store   *store.Memory
	gateway *payment.Simulator
	service *payment.Service
	metrics *payment.Metrics
}

func newFixture(t *testing.T, seed ...ledger.TransactionRecord) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemory(),
		gateway: payment.NewSimulator(),
		metrics: payment.NewMetrics(prometheus.NewRegistry()),
	}
	f.service = payment.NewService(f.store, f.gateway,
		payment.WithMetrics(f.metrics),
		payment.WithRetry(3, time.Millisecond),
	)
	if len(seed) > 0 {
		_, err := f.service.ApplyNotification(context.Background(), orderID, seed)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) ledger(t *testing.T) *ledger.Ledger {
	t.Helper()
	snap, err := f.store.LoadSnapshot(context.Background(), orderID)
	require.NoError(t, err)
	return ledger.Rehydrate(ledger.DefaultClassifier(), snap)
}

func (f *fixture) available(t *testing.T, id string) string {
	return f.service.Eligibility().AvailableCaptureAmount(f.ledger(t), id).StringFixed(2)
}

// =============================================================================
// CAPTURE
// =============================================================================

func TestCapture_Partial(t *testing.T) {
	f := newFixture(t, authorize("A", 100))

	// WHEN: capturing part of the authorization
	res, err := f.service.Capture(context.Background(), payment.ActionRequest{
		OrderID: orderID, TransactionID: "A", Amount: dec(40),
	})

	// THEN: the gateway record hangs under the authorize
	require.NoError(t, err)
	assert.True(t, res.Approved())
	assert.Equal(t, "A", res.Record.ParentID)
	assert.Equal(t, ledger.KindCapture, res.Record.Kind)
	assert.Equal(t, "term-1", res.Record.TerminalToken)
	assert.Equal(t, "60.00", f.available(t, "A"))
	assert.Equal(t, 2, res.Ledger.Len())
}

func TestCapture_DeclinedIsRecorded(t *testing.T) {
	f := newFixture(t, authorize("A", 100))
	f.gateway.Respond(ledger.ActionCapture, ledger.StatusDeclined)

	res, err := f.service.Capture(context.Background(), payment.ActionRequest{
		OrderID: orderID, TransactionID: "A", Amount: dec(40),
	})

	require.NoError(t, err)
	assert.False(t, res.Approved())
	assert.Equal(t, 2, f.ledger(t).Len())
	assert.Equal(t, "100.00", f.available(t, "A"), "declined captures free nothing")
}

func TestCapture_GatewayFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, authorize("A", 100))
	f.gateway.Fail(ledger.ActionCapture, errors.New("connection reset"))

	_, err := f.service.Capture(context.Background(), payment.ActionRequest{
		OrderID: orderID, TransactionID: "A", Amount: dec(40),
	})

	assert.True(t, errors.Is(err, payment.ErrGateway))
	var gwErr *payment.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "A", gwErr.TransactionID)

	assert.Equal(t, 1, f.ledger(t).Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ActionsCounter("capture", "error")))
}

func TestCapture_ValidationBeforeGateway(t *testing.T) {
	f := newFixture(t, authorize("A", 100))
	ctx := context.Background()

	_, err := f.service.Capture(ctx, payment.ActionRequest{OrderID: orderID, TransactionID: "A", Amount: dec(101)})
	assert.True(t, errors.Is(err, ledger.ErrAmountExceeded))

	_, err = f.service.Capture(ctx, payment.ActionRequest{OrderID: orderID, TransactionID: "nope", Amount: dec(1)})
	var nf *ledger.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, orderID, nf.OrderID)

	_, err = f.service.Capture(ctx, payment.ActionRequest{OrderID: orderID, TransactionID: "A", Amount: dec(-5)})
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))

	assert.Equal(t, int64(0), f.gateway.Calls(), "refused actions never reach the gateway")
}

func TestCapture_OrderTotalCap(t *testing.T) {
	f := newFixture(t, authorize("A", 100))

	_, err := f.service.Capture(context.Background(), payment.ActionRequest{
		OrderID: orderID, TransactionID: "A", Amount: dec(60), OrderTotal: dec(50),
	})

	var exceeded *ledger.AmountExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "50.00", exceeded.Available.StringFixed(2))
}

func TestCapture_ConcurrentPartialCapturesNeverOvercapture(t *testing.T) {
	f := newFixture(t, authorize("A", 100))

	// GIVEN: two simultaneous captures of 60 against 100
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.Capture(context.Background(), payment.ActionRequest{
				OrderID: orderID, TransactionID: "A", Amount: dec(60),
			})
		}(i)
	}
	wg.Wait()

	// THEN: exactly one wins
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, ledger.IsClientError(err), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, "40.00", f.available(t, "A"))
}

// =============================================================================
// REFUND / VOID
// =============================================================================

func TestRefund_AfterCapture(t *testing.T) {
	f := newFixture(t, authorize("A", 100))
	ctx := context.Background()

	capture, err := f.service.Capture(ctx, payment.ActionRequest{OrderID: orderID, TransactionID: "A", Amount: dec(40)})
	require.NoError(t, err)
	captureID := capture.Record.UniqueID

	// over-refund is refused
	_, err = f.service.Refund(ctx, payment.ActionRequest{OrderID: orderID, TransactionID: captureID, Amount: dec(41)})
	assert.True(t, errors.Is(err, ledger.ErrAmountExceeded))

	// full refund marks the capture refunded
	_, err = f.service.Refund(ctx, payment.ActionRequest{OrderID: orderID, TransactionID: captureID, Amount: dec(40)})
	require.NoError(t, err)

	n, ok := f.ledger(t).Node(captureID)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusRefunded, n.EffectiveStatus)

	_, err = f.service.Refund(ctx, payment.ActionRequest{OrderID: orderID, TransactionID: captureID, Amount: dec(1)})
	assert.True(t, errors.Is(err, ledger.ErrIneligibleAction))
}

func TestVoid_BlockedAfterCapture(t *testing.T) {
	f := newFixture(t, authorize("A", 100))
	ctx := context.Background()

	_, err := f.service.Capture(ctx, payment.ActionRequest{OrderID: orderID, TransactionID: "A", Amount: dec(40)})
	require.NoError(t, err)

	_, err = f.service.Void(ctx, payment.ActionRequest{OrderID: orderID, TransactionID: "A"})
	var ineligible *ledger.IneligibleActionError
	require.True(t, errors.As(err, &ineligible))
}

func TestVoid_Authorize(t *testing.T) {
	f := newFixture(t, authorize("A", 100))

	res, err := f.service.Void(context.Background(), payment.ActionRequest{OrderID: orderID, TransactionID: "A"})
	require.NoError(t, err)
	assert.Equal(t, ledger.KindVoid, res.Record.Kind)

	n, _ := f.ledger(t).Node("A")
	assert.Equal(t, ledger.StatusVoided, n.EffectiveStatus)
	assert.False(t, f.service.Eligibility().CanCapture(f.ledger(t), "A", nil))
}

// =============================================================================
// PERSIST RETRIES
// =============================================================================

// racingStore lets another writer slip in before the first save.
type racingStore struct {
	*store.Memory
	once     sync.Once
	intruder ledger.TransactionRecord
	always   bool
}

func (r *racingStore) SaveSnapshot(ctx context.Context, id string, l *ledger.Ledger, version int64) (int64, error) {
	intrude := func() {
		snap, _ := r.Memory.LoadSnapshot(ctx, id)
		other := ledger.Rehydrate(ledger.DefaultClassifier(), snap).Merge(r.intruder)
		_, _ = r.Memory.SaveSnapshot(ctx, id, other, snap.Version)
	}
	if r.always {
		intrude()
	} else {
		r.once.Do(intrude)
	}
	return r.Memory.SaveSnapshot(ctx, id, l, version)
}

func TestPersist_RetriesConflictWithoutRecallingGateway(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.SaveSnapshot(context.Background(), orderID,
		ledger.Merge(ledger.DefaultClassifier(), nil, []ledger.TransactionRecord{authorize("A", 100)}), 0)
	require.NoError(t, err)

	intruder := authorize("B", 5)
	rs := &racingStore{Memory: mem, intruder: intruder}
	gw := payment.NewSimulator()
	reg := prometheus.NewRegistry()
	svc := payment.NewService(rs, gw, payment.WithRetry(3, time.Millisecond), payment.WithMetrics(payment.NewMetrics(reg)))

	res, err := svc.Capture(context.Background(), payment.ActionRequest{OrderID: orderID, TransactionID: "A", Amount: dec(40)})
	require.NoError(t, err)

	// the intruder's write survived and the capture was merged on top of it
	_, hasB := res.Ledger.Node("B")
	assert.True(t, hasB)
	_, hasCapture := res.Ledger.Node(res.Record.UniqueID)
	assert.True(t, hasCapture)
	assert.Equal(t, int64(1), gw.Calls())

	snap, _ := mem.LoadSnapshot(context.Background(), orderID)
	assert.Len(t, snap.Records, 3)
}

func TestPersist_GivesUpAfterBoundedRetries(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.SaveSnapshot(context.Background(), orderID,
		ledger.Merge(ledger.DefaultClassifier(), nil, []ledger.TransactionRecord{authorize("A", 100)}), 0)
	require.NoError(t, err)

	rs := &racingStore{Memory: mem, intruder: authorize("B", 5), always: true}
	gw := payment.NewSimulator()
	svc := payment.NewService(rs, gw, payment.WithRetry(2, time.Millisecond))

	_, err = svc.Capture(context.Background(), payment.ActionRequest{OrderID: orderID, TransactionID: "A", Amount: dec(40)})

	var conflict *ledger.ConcurrentModificationError
	require.True(t, errors.As(err, &conflict))
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, int64(1), gw.Calls())
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestApplyNotification_Idempotent(t *testing.T) {
	f := newFixture(t, authorize("A", 100))
	capture := ledger.TransactionRecord{
		UniqueID: "C1", ParentID: "A", Kind: ledger.KindCapture,
		Status: ledger.StatusApproved, Amount: dec(40),
	}

	first, err := f.service.ApplyNotification(context.Background(), orderID, []ledger.TransactionRecord{capture})
	require.NoError(t, err)
	second, err := f.service.ApplyNotification(context.Background(), orderID, []ledger.TransactionRecord{capture})
	require.NoError(t, err)

	assert.Equal(t, first.Len(), second.Len())
	assert.Equal(t, "60.00", f.available(t, "A"))
}

func TestApplyNotification_LocatesOrder(t *testing.T) {
	f := newFixture(t, authorize("A", 100))

	// a notification for a capture that names only its parent
	l, err := f.service.ApplyNotification(context.Background(), "", []ledger.TransactionRecord{{
		UniqueID: "C1", ParentID: "A", Kind: ledger.KindCapture,
		Status: ledger.StatusApproved, Amount: dec(40),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	_, err = f.service.ApplyNotification(context.Background(), "", []ledger.TransactionRecord{{
		UniqueID: "X", Kind: ledger.KindSale, Status: ledger.StatusApproved, Amount: dec(1),
	}})
	assert.True(t, ledger.IsNotFound(err))
}

func TestApplyNotification_RejectsInvalidRecords(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.ApplyNotification(context.Background(), orderID, []ledger.TransactionRecord{{Kind: ledger.KindSale}})
	assert.True(t, errors.Is(err, ledger.ErrInvalidRecord))

	_, err = f.service.ApplyNotification(context.Background(), orderID, nil)
	assert.True(t, errors.Is(err, ledger.ErrInvalidRecord))
}

func TestApplyNotification_RefundOverflowIsCounted(t *testing.T) {
	f := newFixture(t, authorize("A", 100), ledger.TransactionRecord{
		UniqueID: "C1", ParentID: "A", Kind: ledger.KindCapture, Status: ledger.StatusApproved, Amount: dec(40),
	})
	refund := ledger.TransactionRecord{
		UniqueID: "R1", ParentID: "C1", Kind: ledger.KindRefund, Status: ledger.StatusApproved, Amount: dec(40),
	}

	// the same refund delivered twice is not an overflow
	_, err := f.service.ApplyNotification(context.Background(), orderID, []ledger.TransactionRecord{refund})
	require.NoError(t, err)
	_, err = f.service.ApplyNotification(context.Background(), orderID, []ledger.TransactionRecord{refund})
	require.NoError(t, err)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.RefundOverflowCounter()))

	// a second, different refund is
	refund.UniqueID = "R2"
	_, err = f.service.ApplyNotification(context.Background(), orderID, []ledger.TransactionRecord{refund})
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RefundOverflowCounter()))
}

// =============================================================================
// VIEW
// =============================================================================

func TestView(t *testing.T) {
	f := newFixture(t, authorize("A", 100))
	_, err := f.service.Capture(context.Background(), payment.ActionRequest{OrderID: orderID, TransactionID: "A", Amount: dec(40)})
	require.NoError(t, err)

	view, err := f.service.View(context.Background(), orderID)
	require.NoError(t, err)

	require.Len(t, view.Transactions, 2)
	assert.Equal(t, "A", view.Transactions[0].UniqueID)
	assert.Equal(t, 1, view.Transactions[1].Depth)
	assert.Equal(t, "40.00", view.TotalCaptured)
	assert.Equal(t, "0.00", view.TotalRefunded)
	assert.Equal(t, int64(2), view.Version)

	_, err = f.service.View(context.Background(), "nope")
	assert.True(t, ledger.IsNotFound(err))
}
