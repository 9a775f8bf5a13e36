package ledger

// =============================================================================
// CLASSIFIER - Static knowledge about transaction kinds
// =============================================================================

// Classifier answers what a transaction Kind means for reconciliation.
// Implementations must be pure lookups with no hidden state.
type Classifier interface {
	IsAuthorizeLike(kind Kind) bool
	IsCaptureLike(kind Kind) bool
	IsCaptureEligible(kind Kind) bool
	IsRefundLike(kind Kind) bool
	IsRefundEligible(kind Kind) bool
	IsVoidLike(kind Kind) bool
	IsVoidEligible(kind Kind) bool
	IsWrapper(kind Kind) bool

	// HasSelectableSubtype reports kinds (wallets, PayPal) that bundle several
	// sub-actions. Their capture/refund eligibility depends on which sub-types
	// the merchant has enabled, see CaptureVariant and RefundVariants.
	HasSelectableSubtype(kind Kind) bool
	CaptureVariant(kind Kind) string
	RefundVariants(kind Kind) []string
}

// Trait is one bit of behaviour attached to a Kind.
type Trait uint16

const (
	TraitAuthorizeLike Trait = 1 << iota
	TraitCaptureLike
	TraitCaptureEligible
	TraitRefundLike
	TraitRefundEligible
	TraitVoidLike
	TraitVoidEligible
	TraitWrapper
	TraitSelectableSubtype
)

// KindTable is a Classifier backed by a Kind -> Trait map.
// Kinds missing from the table have no traits.
type KindTable struct {
	traits map[Kind]Trait
}

var _ Classifier = KindTable{}

// NewKindTable copies entries into a new table.
func NewKindTable(entries map[Kind]Trait) KindTable {
	t := KindTable{traits: make(map[Kind]Trait, len(entries))}
	for k, v := range entries {
		t.traits[k] = v
	}
	return t
}

// DefaultClassifier returns the table for the gateway's transaction kinds.
func DefaultClassifier() KindTable {
	return NewKindTable(map[Kind]Trait{
		KindAuthorize:       TraitAuthorizeLike | TraitCaptureEligible | TraitVoidEligible,
		KindAuthorize3D:     TraitAuthorizeLike | TraitCaptureEligible | TraitVoidEligible,
		KindKlarnaAuthorize: TraitAuthorizeLike | TraitCaptureEligible | TraitVoidEligible,

		KindCapture:       TraitCaptureLike | TraitRefundEligible | TraitVoidEligible,
		KindKlarnaCapture: TraitCaptureLike | TraitRefundEligible,

		// Sale kinds authorize and capture in one step.
		KindSale:                TraitRefundEligible | TraitVoidEligible,
		KindSale3D:              TraitRefundEligible | TraitVoidEligible,
		KindInitRecurringSale:   TraitRefundEligible | TraitVoidEligible,
		KindInitRecurringSale3D: TraitRefundEligible | TraitVoidEligible,
		KindRecurringSale:       TraitRefundEligible | TraitVoidEligible,
		KindSDDSale:             TraitRefundEligible,
		KindTrustlySale:         TraitRefundEligible | TraitVoidEligible,
		KindBitpaySale:          TraitRefundEligible,

		KindRefund:       TraitRefundLike | TraitVoidEligible,
		KindSDDRefund:    TraitRefundLike,
		KindKlarnaRefund: TraitRefundLike,
		KindBitpayRefund: TraitRefundLike,

		KindVoid: TraitVoidLike,

		KindGooglePay: TraitAuthorizeLike | TraitSelectableSubtype,
		KindApplePay:  TraitAuthorizeLike | TraitSelectableSubtype,
		KindPayPal:    TraitAuthorizeLike | TraitSelectableSubtype,

		KindCheckout: TraitWrapper,
	})
}

func (t KindTable) has(kind Kind, trait Trait) bool {
	return t.traits[kind]&trait != 0
}

func (t KindTable) IsAuthorizeLike(kind Kind) bool   { return t.has(kind, TraitAuthorizeLike) }
func (t KindTable) IsCaptureLike(kind Kind) bool     { return t.has(kind, TraitCaptureLike) }
func (t KindTable) IsCaptureEligible(kind Kind) bool { return t.has(kind, TraitCaptureEligible) }
func (t KindTable) IsRefundLike(kind Kind) bool      { return t.has(kind, TraitRefundLike) }
func (t KindTable) IsRefundEligible(kind Kind) bool  { return t.has(kind, TraitRefundEligible) }
func (t KindTable) IsVoidLike(kind Kind) bool        { return t.has(kind, TraitVoidLike) }
func (t KindTable) IsVoidEligible(kind Kind) bool    { return t.has(kind, TraitVoidEligible) }
func (t KindTable) IsWrapper(kind Kind) bool         { return t.has(kind, TraitWrapper) }

func (t KindTable) HasSelectableSubtype(kind Kind) bool {
	return t.has(kind, TraitSelectableSubtype)
}

// CaptureVariant is the sub-type that must be enabled to capture a selectable kind,
// e.g. "google_pay_authorize".
func (t KindTable) CaptureVariant(kind Kind) string {
	return string(kind) + "_authorize"
}

// RefundVariants lists sub-types that make a selectable kind refundable.
// Any one of them being enabled is enough.
func (t KindTable) RefundVariants(kind Kind) []string {
	variants := []string{string(kind) + "_sale"}
	if kind == KindPayPal {
		variants = append(variants, string(kind)+"_express")
	}
	return variants
}
