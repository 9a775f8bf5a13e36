/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Order view and action endpoints
- Error to status mapping
- Notification intake
- Health and metrics
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/ledger/store"
	"github.com/warp/payment-ledger/payment"
)

type testEnv struct {
	store   *store.Memory
	gateway *payment.Simulator
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	mem := store.NewMemory()
	sim := payment.NewSimulator()
	svc := payment.NewService(mem, sim, payment.WithMetrics(payment.NewMetrics(reg)))
	h := NewHandler(svc, mem, nil)
	return &testEnv{
		store:   mem,
		gateway: sim,
		router:  NewRouter(h, RouterOptions{Gatherer: reg}),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func nodeByID(t *testing.T, view payment.OrderView, id string) ledger.AnnotatedNode {
	t.Helper()
	for _, n := range view.Transactions {
		if n.UniqueID == id {
			return n
		}
	}
	t.Fatalf("transaction %s not in view", id)
	return ledger.AnnotatedNode{}
}

const authorizeNotification = `{
	"transaction": {
		"unique_id": "A",
		"transaction_type": "authorize",
		"status": "approved",
		"amount": "100.00",
		"currency": "EUR",
		"timestamp": "2025-03-01T10:00:00Z"
	}
}`

func (e *testEnv) seedAuthorization(t *testing.T, orderID string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/orders/"+orderID+"/notifications", authorizeNotification)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// =============================================================================
// VIEW
// =============================================================================

func TestGetTransactions_UnknownOrder(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/orders/nope/transactions", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, "Not found", resp.Error)
}

func TestGetTransactions_AnnotatedView(t *testing.T) {
	// GIVEN: an order with one approved authorization
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")

	// WHEN: the order is viewed
	rec := env.do(t, http.MethodGet, "/api/orders/order-1/transactions", nil)

	// THEN: the authorization is fully capturable
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeJSON[payment.OrderView](t, rec)
	assert.Equal(t, "order-1", view.OrderID)
	a := nodeByID(t, view, "A")
	assert.True(t, a.CanCapture)
	assert.True(t, a.CanVoid)
	assert.Equal(t, "100.00", a.AvailableCapture)
	assert.Equal(t, "0.00", view.TotalCaptured)
}

// =============================================================================
// ACTIONS
// =============================================================================

func TestCapture_Partial(t *testing.T) {
	// GIVEN: an authorization of 100
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")

	// WHEN: 40 is captured
	rec := env.do(t, http.MethodPost, "/api/orders/order-1/capture",
		ActionRequest{TransactionID: "A", Amount: "40.00"})

	// THEN: the capture is approved and 60 remains
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[ActionResponse](t, rec)
	assert.True(t, resp.Approved)
	assert.Equal(t, ledger.KindCapture, resp.Transaction.Kind)
	assert.Equal(t, "A", resp.Transaction.ParentID)
	assert.Equal(t, int64(2), resp.Order.Version)
	assert.Equal(t, "60.00", nodeByID(t, resp.Order, "A").AvailableCapture)
	assert.Equal(t, "40.00", resp.Order.TotalCaptured)
}

func TestCapture_AmountExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")

	rec := env.do(t, http.MethodPost, "/api/orders/order-1/capture",
		ActionRequest{TransactionID: "A", Amount: "150"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, int64(0), env.gateway.Calls())
}

func TestCapture_OrderTotalCap(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")

	rec := env.do(t, http.MethodPost, "/api/orders/order-1/capture",
		ActionRequest{TransactionID: "A", Amount: "80", OrderTotal: "50"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCapture_UnknownTransaction(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")

	rec := env.do(t, http.MethodPost, "/api/orders/order-1/capture",
		ActionRequest{TransactionID: "missing", Amount: "10"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCapture_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"not json", `{`},
		{"missing transaction id", ActionRequest{Amount: "10"}},
		{"missing amount", ActionRequest{TransactionID: "A"}},
		{"non numeric amount", ActionRequest{TransactionID: "A", Amount: "ten"}},
		{"negative amount", ActionRequest{TransactionID: "A", Amount: "-5"}},
		{"negative order total", ActionRequest{TransactionID: "A", Amount: "5", OrderTotal: "-100"}},
	}

	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/orders/order-1/capture", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, int64(0), env.gateway.Calls())
}

func TestCapture_GatewayFailure(t *testing.T) {
	// GIVEN: a gateway that cannot be reached
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")
	env.gateway.Fail(ledger.ActionCapture, errors.New("connection reset"))

	// WHEN: a capture is attempted
	rec := env.do(t, http.MethodPost, "/api/orders/order-1/capture",
		ActionRequest{TransactionID: "A", Amount: "40"})

	// THEN: 502 and the ledger is unchanged
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	view := decodeJSON[payment.OrderView](t, env.do(t, http.MethodGet, "/api/orders/order-1/transactions", nil))
	assert.Len(t, view.Transactions, 1)
}

func TestCapture_DeclinedIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")
	env.gateway.Respond(ledger.ActionCapture, ledger.StatusDeclined)

	rec := env.do(t, http.MethodPost, "/api/orders/order-1/capture",
		ActionRequest{TransactionID: "A", Amount: "40"})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[ActionResponse](t, rec)
	assert.False(t, resp.Approved)
	assert.Len(t, resp.Order.Transactions, 2)
	assert.Equal(t, "100.00", nodeByID(t, resp.Order, "A").AvailableCapture)
}

func TestVoid_BlockedAfterCapture(t *testing.T) {
	// GIVEN: a partially captured authorization
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")
	rec := env.do(t, http.MethodPost, "/api/orders/order-1/capture",
		ActionRequest{TransactionID: "A", Amount: "40"})
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: the authorization is voided
	rec = env.do(t, http.MethodPost, "/api/orders/order-1/void", ActionRequest{TransactionID: "A"})

	// THEN: rejected, a capture already exists
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Contains(t, resp.Details, "capture")
}

func TestVoid_Authorization(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")

	rec := env.do(t, http.MethodPost, "/api/orders/order-1/void", ActionRequest{TransactionID: "A"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[ActionResponse](t, rec)
	assert.Equal(t, ledger.KindVoid, resp.Transaction.Kind)
	a := nodeByID(t, resp.Order, "A")
	assert.Equal(t, ledger.StatusVoided, a.EffectiveStatus)
	assert.False(t, a.CanCapture)
}

func TestRefund_AfterCapture(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")
	capture := decodeJSON[ActionResponse](t, env.do(t, http.MethodPost, "/api/orders/order-1/capture",
		ActionRequest{TransactionID: "A", Amount: "40"}))

	rec := env.do(t, http.MethodPost, "/api/orders/order-1/refund",
		ActionRequest{TransactionID: capture.Transaction.UniqueID, Amount: "15"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[ActionResponse](t, rec)
	assert.Equal(t, "25.00", nodeByID(t, resp.Order, capture.Transaction.UniqueID).AvailableRefund)
	assert.Equal(t, "15.00", resp.Order.TotalRefunded)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestNotify_Malformed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/orders/order-1/notifications", `{"order_id": "order-1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotify_OrderMismatch(t *testing.T) {
	env := newTestEnv(t)
	body := strings.Replace(authorizeNotification, `"transaction"`, `"order_id": "other", "transaction"`, 1)

	rec := env.do(t, http.MethodPost, "/api/orders/order-1/notifications", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotify_Redelivery(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")

	rec := env.do(t, http.MethodPost, "/api/orders/order-1/notifications", authorizeNotification)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[NotificationResponse](t, rec)
	assert.Equal(t, 1, resp.LedgerSize)
}

func TestNotifyUnrouted_ResolvesOrder(t *testing.T) {
	// GIVEN: an order holding authorization A
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")

	// WHEN: a capture settles without naming the order
	body := `{"transaction": {"unique_id": "C9", "parent_id": "A", "transaction_type": "capture", "status": "approved", "amount": "30"}}`
	rec := env.do(t, http.MethodPost, "/api/notifications", body)

	// THEN: it lands in order-1
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeJSON[payment.OrderView](t, env.do(t, http.MethodGet, "/api/orders/order-1/transactions", nil))
	assert.Equal(t, "70.00", nodeByID(t, view, "A").AvailableCapture)
}

func TestNotifyUnrouted_UnknownOrder(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/notifications", authorizeNotification)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// HEALTH & METRICS
// =============================================================================

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics_ExposesActionCounters(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuthorization(t, "order-1")
	env.do(t, http.MethodPost, "/api/orders/order-1/capture", ActionRequest{TransactionID: "A", Amount: "10"})

	rec := env.do(t, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ledger_actions_total{action="capture",outcome="approved"} 1`)
	assert.Contains(t, rec.Body.String(), "ledger_notifications_total")
}

func TestParseAmount(t *testing.T) {
	d, err := parseAmount("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	d, err = parseAmount("12.50")
	require.NoError(t, err)
	assert.Equal(t, "12.50", d.StringFixed(2))

	_, err = parseAmount("-0.01")
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &ledger.NotFoundError{OrderID: "o"}, http.StatusNotFound},
		{"ineligible", &ledger.IneligibleActionError{Action: "capture", TransactionID: "A", Reason: "x"}, http.StatusUnprocessableEntity},
		{"invalid amount", ledger.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{"busy", ledger.ErrOrderBusy, http.StatusConflict},
		{"conflict", &ledger.ConcurrentModificationError{OrderID: "o", Expected: 1, Actual: 2}, http.StatusConflict},
		{"gateway", &payment.GatewayError{Action: ledger.ActionCapture, TransactionID: "A", Err: errors.New("down")}, http.StatusBadGateway},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := statusFor(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}
