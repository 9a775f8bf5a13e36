/*
eligibility.go - Capture/refund/void eligibility and available amounts

PURPOSE:
  Answers the questions a merchant action needs before anything is sent to
  the gateway: may this node be captured, refunded or voided, and for how
  much. Everything here is a pure function of a Ledger snapshot.

AMOUNT RULES:
  - Only nodes whose effective status is in the requested success set are
    summed. Declined, pending and error nodes contribute zero.
  - Available capture = approved authorize-like siblings of the node
    (same parent) minus captures already settled under the node.
  - Available refund = node amount minus approved refunds under the node.
  - Both are clamped at zero, a node with nothing left is ineligible.

EXCLUSION:
  ExcludingAmount skips one UniqueID when rolling up. A refund recorded
  from the merchant's response and the same refund arriving later by
  notification share a UniqueID, so excluding it avoids counting it twice.

SEE ALSO:
  - ledger.go: The tree these queries walk
  - flatten.go: Annotated read view built from these answers
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// Action is a merchant-initiated operation against a node.
type Action string

const (
	ActionCapture Action = "capture"
	ActionRefund  Action = "refund"
	ActionVoid    Action = "void"
)

// =============================================================================
// ELIGIBILITY ENGINE
// =============================================================================

type Eligibility struct {
	classifier Classifier
}

func NewEligibility(c Classifier) *Eligibility {
	if c == nil {
		c = DefaultClassifier()
	}
	return &Eligibility{classifier: c}
}

func (e *Eligibility) CanCapture(l *Ledger, id string, enabledSubtypes []string) bool {
	return e.explain(l, ActionCapture, id, enabledSubtypes) == nil
}

// CanRefund also accepts refunded nodes: a partially refunded capture may
// be refunded again while amount remains.
func (e *Eligibility) CanRefund(l *Ledger, id string, enabledSubtypes []string) bool {
	return e.explain(l, ActionRefund, id, enabledSubtypes) == nil
}

// CanVoid is a one-shot check: once anything has been captured or voided
// under the node it can no longer be voided.
func (e *Eligibility) CanVoid(l *Ledger, id string) bool {
	return e.explain(l, ActionVoid, id, nil) == nil
}

// Check validates an action request before any gateway call.
// amount is ignored for voids.
func (e *Eligibility) Check(l *Ledger, action Action, id string, amount decimal.Decimal, enabledSubtypes []string) error {
	if err := e.explain(l, action, id, enabledSubtypes); err != nil {
		return err
	}

	var available decimal.Decimal
	switch action {
	case ActionCapture:
		available = e.AvailableCaptureAmount(l, id)
	case ActionRefund:
		available = e.AvailableRefundAmount(l, id)
	default:
		return nil
	}

	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(available) {
		return &AmountExceededError{Action: action, Requested: amount, Available: available}
	}
	return nil
}

// explain returns nil when the action is allowed, or the error describing why not.
func (e *Eligibility) explain(l *Ledger, action Action, id string, enabledSubtypes []string) error {
	n, ok := l.Node(id)
	if !ok {
		return &NotFoundError{TransactionID: id}
	}

	refuse := func(reason string) error {
		return &IneligibleActionError{Action: action, TransactionID: id, Reason: reason}
	}

	switch action {
	case ActionCapture:
		if n.EffectiveStatus != StatusApproved {
			return refuse("transaction is " + string(n.EffectiveStatus))
		}
		if !e.captureKindAllowed(n.Kind, enabledSubtypes) {
			return refuse("not an authorize transaction")
		}
		if !e.AvailableCaptureAmount(l, id).IsPositive() {
			return refuse("already fully captured")
		}
	case ActionRefund:
		if n.EffectiveStatus != StatusApproved && n.EffectiveStatus != StatusRefunded {
			return refuse("transaction is " + string(n.EffectiveStatus))
		}
		if !e.refundKindAllowed(n.Kind, enabledSubtypes) {
			return refuse("transaction type cannot be refunded")
		}
		if !e.AvailableRefundAmount(l, id).IsPositive() {
			return refuse("already fully refunded")
		}
	case ActionVoid:
		if n.EffectiveStatus != StatusApproved {
			return refuse("transaction is " + string(n.EffectiveStatus))
		}
		if !e.classifier.IsVoidEligible(n.Kind) {
			return refuse("transaction type cannot be voided")
		}
		for _, child := range l.Children(id) {
			if e.classifier.IsVoidLike(child.Kind) || e.classifier.IsCaptureLike(child.Kind) {
				return refuse("transaction already has a " + string(child.Kind))
			}
		}
	default:
		return refuse("unknown action")
	}
	return nil
}

func (e *Eligibility) captureKindAllowed(kind Kind, enabledSubtypes []string) bool {
	if e.classifier.HasSelectableSubtype(kind) {
		return contains(enabledSubtypes, e.classifier.CaptureVariant(kind))
	}
	return e.classifier.IsCaptureEligible(kind)
}

func (e *Eligibility) refundKindAllowed(kind Kind, enabledSubtypes []string) bool {
	if e.classifier.HasSelectableSubtype(kind) {
		for _, v := range e.classifier.RefundVariants(kind) {
			if contains(enabledSubtypes, v) {
				return true
			}
		}
		return false
	}
	return e.classifier.IsRefundEligible(kind)
}

// =============================================================================
// AMOUNTS
// =============================================================================

func (e *Eligibility) AvailableCaptureAmount(l *Ledger, id string) decimal.Decimal {
	if _, ok := l.Node(id); !ok {
		return decimal.Zero
	}

	authorized := sum(l.Siblings(id), func(n Node) bool {
		return e.classifier.IsAuthorizeLike(n.Kind) && n.EffectiveStatus == StatusApproved
	})
	captured := sum(l.Children(id), func(n Node) bool {
		return e.classifier.IsCaptureLike(n.Kind) &&
			(n.EffectiveStatus == StatusApproved || n.EffectiveStatus == StatusRefunded)
	})
	return clampZero(authorized.Sub(captured))
}

func (e *Eligibility) AvailableRefundAmount(l *Ledger, id string) decimal.Decimal {
	n, ok := l.Node(id)
	if !ok {
		return decimal.Zero
	}

	refunded := sum(l.Children(id), func(c Node) bool {
		return e.classifier.IsRefundLike(c.Kind) && c.EffectiveStatus == StatusApproved
	})
	return clampZero(n.Amount.Sub(refunded))
}

// TotalCaptured sums capture-like nodes that settled, including ones since refunded.
func (e *Eligibility) TotalCaptured(l *Ledger) decimal.Decimal {
	return e.ExcludingAmount(l, "", ActionCapture, StatusApproved, StatusRefunded)
}

func (e *Eligibility) TotalRefunded(l *Ledger) decimal.Decimal {
	return e.ExcludingAmount(l, "", ActionRefund, StatusApproved)
}

// TotalSettled sums every node holding settled money that could be refunded:
// captures and sale kinds, approved or since refunded.
func (e *Eligibility) TotalSettled(l *Ledger) decimal.Decimal {
	return sum(l.Nodes(), func(n Node) bool {
		return e.classifier.IsRefundEligible(n.Kind) &&
			(n.EffectiveStatus == StatusApproved || n.EffectiveStatus == StatusRefunded)
	})
}

// ExcludingAmount rolls up the nodes of an action class whose effective
// status is one of statuses, skipping excludeID. No statuses means approved.
func (e *Eligibility) ExcludingAmount(l *Ledger, excludeID string, action Action, statuses ...Status) decimal.Decimal {
	if len(statuses) == 0 {
		statuses = []Status{StatusApproved}
	}
	return sum(l.Nodes(), func(n Node) bool {
		if n.UniqueID == excludeID || !e.inClass(action, n.Kind) {
			return false
		}
		for _, s := range statuses {
			if n.EffectiveStatus == s {
				return true
			}
		}
		return false
	})
}

func (e *Eligibility) inClass(action Action, kind Kind) bool {
	switch action {
	case ActionCapture:
		return e.classifier.IsCaptureLike(kind)
	case ActionRefund:
		return e.classifier.IsRefundLike(kind)
	case ActionVoid:
		return e.classifier.IsVoidLike(kind)
	}
	return false
}

// =============================================================================
// HELPERS
// =============================================================================

func sum(nodes []Node, include func(Node) bool) decimal.Decimal {
	total := decimal.Zero
	for _, n := range nodes {
		if include(n) {
			total = total.Add(n.Amount)
		}
	}
	return total
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsPositive() {
		return d
	}
	return decimal.Zero
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
