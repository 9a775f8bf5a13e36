/*
Package ledger provides the transaction reconciliation engine for one order.

PURPOSE:
  A payment gateway reports what happened to an order as a stream of
  transaction records: authorize, capture, refund, void, and the checkout
  wrapper that a hosted payment page opens. The stream is append-only but
  may be duplicated, reordered, or reference records not seen yet.
  This package folds that stream into a consistent parent/child ledger and
  answers, for any node: can it be captured, refunded or voided, and how
  much is still available for each action.

KEY CONCEPTS IN THIS FILE (record.go):
  - TransactionRecord: One immutable gateway-reported event
  - Status: Raw gateway status (approved, declined, ...)
  - Kind: Semantic category of a record (authorize, capture, checkout, ...)
  - Node: A record as tracked inside a Ledger, plus its effective status

DESIGN PRINCIPLES:
  1. Immutability: Records are never edited, a later record with the same
     UniqueID replaces the earlier one as a whole
  2. Precision: Amounts use decimal.Decimal
  3. Purity: Ledger operations return new values and never touch storage

USAGE:
  l := ledger.Merge(ledger.DefaultClassifier(), existing, incoming)
  e := ledger.NewEligibility(ledger.DefaultClassifier())
  if e.CanCapture(l, "auth-1", nil) {
      available := e.AvailableCaptureAmount(l, "auth-1")
  }

SEE ALSO:
  - classifier.go: Kind lookup table
  - ledger.go: Hierarchy, merge and status propagation
  - eligibility.go: Capture/refund/void queries and amount rollups
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS - Raw gateway-reported outcome
// =============================================================================

type Status string

const (
	StatusApproved     Status = "approved"
	StatusDeclined     Status = "declined"
	StatusError        Status = "error"
	StatusPendingAsync Status = "pending_async"
	StatusRefunded     Status = "refunded"
	StatusVoided       Status = "voided"
	StatusTimeout      Status = "timeout"
)

// ParseStatus maps a gateway status string onto a Status.
// Unknown values are reported as StatusError so they never count as settled.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "success":
		return StatusApproved
	case "declined":
		return StatusDeclined
	case "pending_async", "pending", "in_progress":
		return StatusPendingAsync
	case "refunded":
		return StatusRefunded
	case "voided":
		return StatusVoided
	case "timeout":
		return StatusTimeout
	default:
		return StatusError
	}
}

// =============================================================================
// KIND - Transaction type as reported by the gateway
// =============================================================================

type Kind string

const (
	KindAuthorize           Kind = "authorize"
	KindAuthorize3D         Kind = "authorize3d"
	KindSale                Kind = "sale"
	KindSale3D              Kind = "sale3d"
	KindCapture             Kind = "capture"
	KindRefund              Kind = "refund"
	KindVoid                Kind = "void"
	KindInitRecurringSale   Kind = "init_recurring_sale"
	KindInitRecurringSale3D Kind = "init_recurring_sale3d"
	KindRecurringSale       Kind = "recurring_sale"
	KindSDDSale             Kind = "sdd_sale"
	KindSDDRefund           Kind = "sdd_refund"
	KindTrustlySale         Kind = "trustly_sale"
	KindKlarnaAuthorize     Kind = "klarna_authorize"
	KindKlarnaCapture       Kind = "klarna_capture"
	KindKlarnaRefund        Kind = "klarna_refund"
	KindBitpaySale          Kind = "bitpay_sale"
	KindBitpayRefund        Kind = "bitpay_refund"
	KindGooglePay           Kind = "google_pay"
	KindApplePay            Kind = "apple_pay"
	KindPayPal              Kind = "pay_pal"
	KindCheckout            Kind = "checkout" // hosted payment page session
)

// ParseKind normalizes a gateway kind string.
func ParseKind(s string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(s)))
}

// =============================================================================
// TRANSACTION RECORD - One gateway event
// =============================================================================

type TransactionRecord struct {
	UniqueID      string          `json:"unique_id"`
	ParentID      string          `json:"parent_id,omitempty"`
	ReferenceID   string          `json:"reference_id,omitempty"` // secondary link when ParentID is absent
	Kind          Kind            `json:"kind"`
	Status        Status          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	TerminalToken string          `json:"terminal_token,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// Normalize fills CreatedAt with now when the source omitted it.
// Call it at the boundary where records enter the system, never inside Merge.
func (r TransactionRecord) Normalize(now time.Time) TransactionRecord {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now.UTC()
	}
	return r
}

// Validate checks the fields every record must carry.
func (r TransactionRecord) Validate() error {
	if strings.TrimSpace(r.UniqueID) == "" {
		return ErrInvalidRecord
	}
	if r.Kind == "" {
		return ErrInvalidRecord
	}
	if r.Amount.IsNegative() {
		return ErrInvalidAmount
	}
	return nil
}

// parentRef is the explicit link this record carries, ParentID first.
func (r TransactionRecord) parentRef() string {
	if r.ParentID != "" {
		return r.ParentID
	}
	return r.ReferenceID
}

// =============================================================================
// NODE - Record plus derived state
// =============================================================================

// Node is a TransactionRecord as tracked by a Ledger.
// EffectiveStatus starts equal to Status and may be overwritten by
// propagation from children. Status itself is never changed.
type Node struct {
	TransactionRecord
	EffectiveStatus Status `json:"effective_status"`
}
