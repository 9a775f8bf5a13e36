package ledger

import (
	"sort"
)

// =============================================================================
// PRESENTATION ORDERING - Read-only annotated view
// =============================================================================

// AnnotatedNode is one row of the flattened view. Amounts are formatted with
// two decimals; rendering them for a locale is left to the caller.
type AnnotatedNode struct {
	Node
	ParentID         string `json:"parent"`
	Depth            int    `json:"depth"`
	CanCapture       bool   `json:"can_capture"`
	CanRefund        bool   `json:"can_refund"`
	CanVoid          bool   `json:"can_void"`
	AvailableCapture string `json:"available_capture"`
	AvailableRefund  string `json:"available_refund"`
}

// Flatten orders nodes by CreatedAt, then re-orders them depth-first so every
// parent is immediately followed by its children. Ties keep merge order.
// The Ledger is not modified.
func (e *Eligibility) Flatten(l *Ledger, enabledSubtypes []string) []AnnotatedNode {
	nodes := l.Nodes()
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})

	children := make(map[string][]Node)
	var roots []Node
	for _, n := range nodes {
		if parent, ok := l.Parent(n.UniqueID); ok {
			children[parent] = append(children[parent], n)
			continue
		}
		roots = append(roots, n)
	}

	out := make([]AnnotatedNode, 0, len(nodes))
	var walk func(n Node, depth int)
	walk = func(n Node, depth int) {
		parent, _ := l.Parent(n.UniqueID)
		out = append(out, AnnotatedNode{
			Node:             n,
			ParentID:         parent,
			Depth:            depth,
			CanCapture:       e.CanCapture(l, n.UniqueID, enabledSubtypes),
			CanRefund:        e.CanRefund(l, n.UniqueID, enabledSubtypes),
			CanVoid:          e.CanVoid(l, n.UniqueID),
			AvailableCapture: e.AvailableCaptureAmount(l, n.UniqueID).StringFixed(2),
			AvailableRefund:  e.AvailableRefundAmount(l, n.UniqueID).StringFixed(2),
		})
		for _, c := range children[n.UniqueID] {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return out
}
