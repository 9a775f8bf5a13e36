/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Response bodies for
  orders reuse payment.OrderView so the wire shape and the annotated ledger
  never drift apart.

NAMING CONVENTION:
  - *Request:  Request body types from clients
  - *Response: Response wrappers
  - *DTO:      Other response types

VALIDATION:
  Request bodies carry validator tags and are checked in decodeRequest
  before any domain call. Amounts travel as decimal strings.

SEE ALSO:
  - handlers.go: Uses these types
  - notify/decode.go: Notification payload
*/
package api

import (
	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/payment"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ActionRequest is the body of capture, refund and void calls.
// Amount is ignored for voids.
type ActionRequest struct {
	TransactionID string `json:"transaction_id" validate:"required,max=128"`
	Amount        string `json:"amount" validate:"omitempty,numeric"`
	OrderTotal    string `json:"order_total" validate:"omitempty,numeric"`
}

// ActionResponse returns the gateway's record and the order after merging it.
type ActionResponse struct {
	Approved    bool                     `json:"approved"`
	Transaction ledger.TransactionRecord `json:"transaction"`
	Order       payment.OrderView        `json:"order"`
}

// NotificationResponse acknowledges a merged notification.
type NotificationResponse struct {
	OrderID    string `json:"order_id,omitempty"`
	Records    int    `json:"records"`
	LedgerSize int    `json:"ledger_size"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	OrderID     string `json:"order_id"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
