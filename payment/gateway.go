/*
Package payment orchestrates merchant actions and gateway notifications
against the reconciled ledger of an order.

PURPOSE:
  The ledger package is pure. This package is the collaborator that loads
  an order's ledger, validates an action, talks to the gateway, merges the
  gateway's result record and persists the ledger again, all under the
  order lock.

KEY CONCEPTS:
  - Gateway: Outbound protocol collaborator, returns the result record
  - Service: Capture, Refund, Void, ApplyNotification, View
  - Simulator: In-process Gateway for the demo server and tests

FAILURE SEMANTICS:
  - Validation runs before the gateway is called. A refused action never
    reaches the gateway.
  - A transport error from the gateway leaves the ledger untouched.
  - A declined result is still a result: it is merged and persisted.
  - Only the persist step is retried on a version conflict, on a freshly
    reloaded ledger. The gateway is never called twice for one action.

SEE ALSO:
  - ledger/eligibility.go: Validation rules
  - lock: OrderLocker implementations
*/
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/payment-ledger/ledger"
)

// =============================================================================
// GATEWAY CONTRACT
// =============================================================================

// Request is one outbound capture, refund or void.
type Request struct {
	OrderID       string
	Action        ledger.Action
	Reference     ledger.Node // transaction the action is issued against
	Kind          ledger.Kind // kind of the record the gateway will create
	Amount        decimal.Decimal
	Currency      string
	TerminalToken string
}

// Gateway sends a request and returns the record the gateway created for it.
// A declined action is not an error: it returns a record with a declined status.
type Gateway interface {
	Execute(ctx context.Context, req Request) (ledger.TransactionRecord, error)
}

// ErrGateway marks failures talking to the gateway.
var ErrGateway = errors.New("gateway request failed")

// GatewayError wraps a transport or protocol failure. Nothing was recorded.
type GatewayError struct {
	Action        ledger.Action
	TransactionID string
	Err           error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s of %s: gateway request failed: %v", e.Action, e.TransactionID, e.Err)
}

func (e *GatewayError) Unwrap() []error { return []error{ErrGateway, e.Err} }

// ResultKind returns the kind of record an action against target produces.
// Payment methods with their own reversal types keep them.
func ResultKind(action ledger.Action, target ledger.Kind) ledger.Kind {
	switch action {
	case ledger.ActionCapture:
		if target == ledger.KindKlarnaAuthorize {
			return ledger.KindKlarnaCapture
		}
		return ledger.KindCapture
	case ledger.ActionRefund:
		switch target {
		case ledger.KindSDDSale:
			return ledger.KindSDDRefund
		case ledger.KindKlarnaCapture:
			return ledger.KindKlarnaRefund
		case ledger.KindBitpaySale:
			return ledger.KindBitpayRefund
		}
		return ledger.KindRefund
	default:
		return ledger.KindVoid
	}
}
