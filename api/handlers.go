/*
handlers.go - HTTP API handlers for the payment ledger

PURPOSE:
  Exposes the reconciliation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to payment.Service.

ENDPOINTS:
  Orders:
    GET    /api/orders/{id}/transactions   Annotated ledger + totals
    POST   /api/orders/{id}/capture        Capture against an authorization
    POST   /api/orders/{id}/refund         Refund a settled transaction
    POST   /api/orders/{id}/void           Void a transaction

  Notifications:
    POST   /api/orders/{id}/notifications  Merge a gateway notification
    POST   /api/notifications              Same, order resolved from the payload

  Scenarios:
    GET    /api/scenarios                  List demo scenarios
    POST   /api/scenarios/load             Load a demo scenario

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call payment.Service (lock, eligibility, gateway, merge, save)
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body
  - 404: Unknown order or transaction
  - 409: Order busy or changed concurrently, safe to retry
  - 422: Ineligible action, amount exceeded, invalid amount
  - 502: Gateway failure, ledger unchanged
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Notification signatures are checked upstream.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/notify"
	"github.com/warp/payment-ledger/payment"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears all orders. Stores used for demo scenarios implement it.
type Resetter interface {
	Reset(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *payment.Service
	Store   Resetter
	Logger  *zap.Logger

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. store may be nil, which disables scenario loading.
func NewHandler(svc *payment.Service, store Resetter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Service:  svc,
		Store:    store,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// GetTransactions returns the annotated ledger of an order.
// GET /api/orders/{id}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.View(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Capture issues a capture against an authorization.
// POST /api/orders/{id}/capture
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, ledger.ActionCapture)
}

// Refund issues a refund against a settled transaction.
// POST /api/orders/{id}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, ledger.ActionRefund)
}

// Void cancels a transaction.
// POST /api/orders/{id}/void
func (h *Handler) Void(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, ledger.ActionVoid)
}

func (h *Handler) runAction(w http.ResponseWriter, r *http.Request, action ledger.Action) {
	orderID := chi.URLParam(r, "id")

	var body ActionRequest
	if !h.decodeRequest(w, r, &body) {
		return
	}
	if action != ledger.ActionVoid && body.Amount == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body", errors.New("amount is required"))
		return
	}

	req := payment.ActionRequest{OrderID: orderID, TransactionID: body.TransactionID}
	var err error
	if req.Amount, err = parseAmount(body.Amount); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	if req.OrderTotal, err = parseAmount(body.OrderTotal); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order_total", err)
		return
	}

	var result payment.ActionResult
	switch action {
	case ledger.ActionCapture:
		result, err = h.Service.Capture(r.Context(), req)
	case ledger.ActionRefund:
		result, err = h.Service.Refund(r.Context(), req)
	default:
		result, err = h.Service.Void(r.Context(), req)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ActionResponse{
		Approved:    result.Approved(),
		Transaction: result.Record,
		Order:       h.Service.Render(orderID, result.Version, result.Ledger),
	})
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// Notify merges a gateway notification into the order named in the URL.
// POST /api/orders/{id}/notifications
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	h.applyNotification(w, r, chi.URLParam(r, "id"))
}

// NotifyUnrouted merges a notification whose order is taken from the
// payload or resolved from its transaction ids.
// POST /api/notifications
func (h *Handler) NotifyUnrouted(w http.ResponseWriter, r *http.Request) {
	h.applyNotification(w, r, "")
}

func (h *Handler) applyNotification(w http.ResponseWriter, r *http.Request, orderID string) {
	payload, records, err := notify.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid notification", err)
		return
	}
	switch {
	case orderID == "":
		orderID = payload.OrderID
	case payload.OrderID != "" && payload.OrderID != orderID:
		writeError(w, http.StatusBadRequest, "Invalid notification",
			fmt.Errorf("payload order %q does not match %q", payload.OrderID, orderID))
		return
	}

	merged, err := h.Service.ApplyNotification(r.Context(), orderID, records)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NotificationResponse{
		OrderID:    orderID,
		Records:    len(records),
		LedgerSize: merged.Len(),
	})
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports whether the store is reachable.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeRequest reads and validates a JSON body. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// parseAmount reads a decimal amount. Empty is zero, negatives are malformed.
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %s", s)
	}
	return d, nil
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, payment.ErrGateway):
		return http.StatusBadGateway, "Gateway failure"
	case errors.Is(err, ledger.ErrInvalidRecord):
		return http.StatusBadRequest, "Invalid transaction record"
	case ledger.IsClientError(err):
		return http.StatusUnprocessableEntity, "Action not allowed"
	case ledger.IsRetryable(err):
		return http.StatusConflict, "Order busy, retry"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Request cancelled"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
