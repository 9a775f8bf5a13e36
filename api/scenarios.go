/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built orders that show how the ledger reconciles a payment's
	lifecycle. Each scenario resets the store and replays gateway
	notifications for one order, so the result is exactly what a live
	gateway would have produced.

AVAILABLE SCENARIOS:

	authorized:        Approved authorization, fully capturable
	partial-capture:   40 of 100 captured, 60 left
	fully-captured:    Two captures exhaust the authorization
	refunded-capture:  First capture refunded in full
	hosted-checkout:   Checkout wrapper settled by a sale
	voided:            Authorization voided before capture
	declined-capture:  Gateway declined a capture, nothing captured

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "partial-capture"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
)

// DemoOrderID is the order every scenario seeds.
const DemoOrderID = "demo-order"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	// notifications are applied in order, one ApplyNotification each.
	notifications [][]ledger.TransactionRecord
}

var demoStart = time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)

func demoRecord(id, parent string, kind ledger.Kind, status ledger.Status, amount int64, minute int) ledger.TransactionRecord {
	return ledger.TransactionRecord{
		UniqueID:      id,
		ParentID:      parent,
		Kind:          kind,
		Status:        status,
		Amount:        decimal.NewFromInt(amount),
		Currency:      "EUR",
		CreatedAt:     demoStart.Add(time.Duration(minute) * time.Minute),
		TerminalToken: "demo-terminal",
	}
}

var (
	demoAuth    = demoRecord("A", "", ledger.KindAuthorize, ledger.StatusApproved, 100, 0)
	demoCapture = demoRecord("C1", "A", ledger.KindCapture, ledger.StatusApproved, 40, 5)
	demoSecond  = demoRecord("C2", "A", ledger.KindCapture, ledger.StatusApproved, 60, 10)
	demoRefund  = demoRecord("R1", "C1", ledger.KindRefund, ledger.StatusApproved, 40, 15)
)

func single(records ...ledger.TransactionRecord) [][]ledger.TransactionRecord {
	out := make([][]ledger.TransactionRecord, len(records))
	for i, r := range records {
		out[i] = []ledger.TransactionRecord{r}
	}
	return out
}

var scenarios = []scenario{
	{
		ScenarioDTO:   ScenarioDTO{ID: "authorized", Name: "Authorized", Description: "Approved authorization of 100, nothing captured yet"},
		notifications: single(demoAuth),
	},
	{
		ScenarioDTO:   ScenarioDTO{ID: "partial-capture", Name: "Partial Capture", Description: "40 of 100 captured, 60 still capturable"},
		notifications: single(demoAuth, demoCapture),
	},
	{
		ScenarioDTO:   ScenarioDTO{ID: "fully-captured", Name: "Fully Captured", Description: "Two captures of 40 and 60 exhaust the authorization"},
		notifications: single(demoAuth, demoCapture, demoSecond),
	},
	{
		ScenarioDTO:   ScenarioDTO{ID: "refunded-capture", Name: "Refunded Capture", Description: "First capture refunded in full, second still refundable"},
		notifications: single(demoAuth, demoCapture, demoSecond, demoRefund),
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "hosted-checkout", Name: "Hosted Checkout", Description: "Hosted payment page session settled by a sale of 100"},
		notifications: [][]ledger.TransactionRecord{{
			demoRecord("W", "", ledger.KindCheckout, ledger.StatusPendingAsync, 100, 0),
			demoRecord("S1", "W", ledger.KindSale, ledger.StatusApproved, 100, 2),
		}},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "voided", Name: "Voided", Description: "Authorization voided before any capture"},
		notifications: single(
			demoAuth,
			demoRecord("V1", "A", ledger.KindVoid, ledger.StatusApproved, 100, 5),
		),
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "declined-capture", Name: "Declined Capture", Description: "Gateway declined a capture, the full amount stays capturable"},
		notifications: single(
			demoAuth,
			demoRecord("C1", "A", ledger.KindCapture, ledger.StatusDeclined, 40, 5),
		),
	},
}

func init() {
	for i := range scenarios {
		scenarios[i].OrderID = DemoOrderID
	}
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if h.Store == nil {
		writeError(w, http.StatusNotImplemented, "Scenarios unavailable for this store", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = ""

	if err := h.loadScenario(r.Context(), s); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = s.ID

	view, err := h.Service.View(r.Context(), s.OrderID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) error {
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	for i, records := range s.notifications {
		if _, err := h.Service.ApplyNotification(ctx, s.OrderID, records); err != nil {
			return fmt.Errorf("notification %d: %w", i, err)
		}
	}
	h.Logger.Info("Scenario loaded", zap.String("scenario", s.ID), zap.String("order_id", s.OrderID))
	return nil
}
