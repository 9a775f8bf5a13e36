/*
ledger.go - Parent/child transaction tree for one order

PURPOSE:
  The Ledger is the reconciled view of every record the gateway reported
  for one order. It owns the node map, the child -> parent hierarchy and
  the effective status of every node. It is rebuilt from persisted state at
  the start of each order-affecting operation, merged with new records and
  persisted again in full. It holds no long-lived process state.

CRITICAL INVARIANTS:
  1. UNIQUE IDS: a UniqueID appears once; merging a known id overwrites in place
  2. ACYCLIC: no node is its own ancestor, links that would loop are dropped
  3. RAW STATUS: Status is never mutated, only EffectiveStatus
  4. PURE: Merge returns a new Ledger, the receiver is never changed

HIERARCHY:
  A record's parent is its ParentID, else its ReferenceID. When the ledger
  holds exactly one checkout wrapper root, records carrying no reference at
  all become children of that wrapper (hosted payment page flows). Only
  records arriving in a merge are adopted; a loaded hierarchy is kept as
  saved. A link to a parent that has not arrived yet is kept, and the
  node is treated as a root until the parent shows up.

STATUS PROPAGATION:
  Children are visited in merge order, later ones win:
  - wrapper parent: always adopts the status derived from the child
  - other parent:  adopts it only when the child's raw status is approved
  Derived status is refunded for refund-like children, voided for
  void-like children, and the child's raw status otherwise.

SEE ALSO:
  - eligibility.go: Queries built on top of the tree
  - store.go: How a Ledger is loaded and persisted
*/
package ledger

import "sort"

// =============================================================================
// LEDGER - Reconciled transaction tree
// =============================================================================

type Ledger struct {
	classifier Classifier
	order      []string // UniqueIDs in first-merge order
	nodes      map[string]*Node
	hierarchy  map[string]string // child -> parent
}

// New rehydrates a Ledger from persisted records and hierarchy.
//
// A non-nil hierarchy is authoritative: records without an entry only gain
// one from their own ParentID or ReferenceID, never by wrapper adoption,
// so a saved Ledger reloads unchanged. A nil hierarchy merges records as
// one fresh batch.
func New(c Classifier, records []TransactionRecord, hierarchy map[string]string) *Ledger {
	if hierarchy == nil {
		next := empty(c)
		next.fold(records)
		next.link(records, true)
		next.propagate()
		return next
	}

	l := empty(c)
	children := make([]string, 0, len(hierarchy))
	for child := range hierarchy {
		children = append(children, child)
	}
	sort.Strings(children)
	for _, child := range children {
		parent := hierarchy[child]
		if child == "" || parent == "" || l.wouldCycle(child, parent) {
			continue
		}
		l.hierarchy[child] = parent
	}
	derive := make([]TransactionRecord, 0, len(records))
	for _, r := range records {
		if _, persisted := hierarchy[r.UniqueID]; !persisted {
			derive = append(derive, r)
		}
	}
	l.fold(records)
	l.link(derive, false)
	l.propagate()
	return l
}

// Merge folds existing then incoming into a fresh Ledger.
func Merge(c Classifier, existing, incoming []TransactionRecord) *Ledger {
	return New(c, existing, nil).Merge(incoming...)
}

// Merge returns a new Ledger with incoming records applied.
// Merging the same records twice yields the same Ledger as merging them once.
func (l *Ledger) Merge(incoming ...TransactionRecord) *Ledger {
	next := l.clone()
	if len(incoming) == 0 {
		return next
	}
	next.fold(incoming)
	next.link(incoming, true)
	next.propagate()
	return next
}

func empty(c Classifier) *Ledger {
	if c == nil {
		c = DefaultClassifier()
	}
	return &Ledger{
		classifier: c,
		nodes:      make(map[string]*Node),
		hierarchy:  make(map[string]string),
	}
}

func (l *Ledger) clone() *Ledger {
	next := &Ledger{
		classifier: l.classifier,
		order:      append([]string(nil), l.order...),
		nodes:      make(map[string]*Node, len(l.nodes)),
		hierarchy:  make(map[string]string, len(l.hierarchy)),
	}
	for id, n := range l.nodes {
		cp := *n
		next.nodes[id] = &cp
	}
	for child, parent := range l.hierarchy {
		next.hierarchy[child] = parent
	}
	return next
}

// fold writes records into the node map, last write wins.
func (l *Ledger) fold(records []TransactionRecord) {
	for _, r := range records {
		if r.UniqueID == "" {
			continue
		}
		if _, ok := l.nodes[r.UniqueID]; !ok {
			l.order = append(l.order, r.UniqueID)
		}
		l.nodes[r.UniqueID] = &Node{TransactionRecord: r, EffectiveStatus: r.Status}
	}
}

// link derives hierarchy entries for records. Existing entries are only
// replaced, never removed, so re-merging a record cannot orphan it.
// adopt lets unreferenced records join the sole wrapper root; only newly
// merged records are adopted.
func (l *Ledger) link(records []TransactionRecord, adopt bool) {
	wrapper := ""
	if adopt {
		wrapper = l.soleWrapperRoot()
	}
	for _, r := range records {
		if r.UniqueID == "" {
			continue
		}
		parent := r.parentRef()
		if parent == "" && wrapper != "" && wrapper != r.UniqueID {
			parent = wrapper
		}
		if parent == "" || l.wouldCycle(r.UniqueID, parent) {
			continue
		}
		l.hierarchy[r.UniqueID] = parent
	}
}

// soleWrapperRoot returns the wrapper id when exactly one wrapper root exists.
func (l *Ledger) soleWrapperRoot() string {
	found := ""
	count := 0
	for _, id := range l.order {
		n := l.nodes[id]
		if !l.classifier.IsWrapper(n.Kind) || n.parentRef() != "" {
			continue
		}
		if _, linked := l.hierarchy[id]; linked {
			continue
		}
		found = id
		count++
	}
	if count != 1 {
		return ""
	}
	return found
}

// wouldCycle reports whether child -> parent closes a loop.
func (l *Ledger) wouldCycle(child, parent string) bool {
	seen := map[string]bool{child: true}
	for cur := parent; cur != ""; cur = l.hierarchy[cur] {
		if seen[cur] {
			return true
		}
		seen[cur] = true
	}
	return false
}

func (l *Ledger) propagate() {
	for _, n := range l.nodes {
		n.EffectiveStatus = n.Status
	}
	for _, id := range l.order {
		parentID, ok := l.Parent(id)
		if !ok {
			continue
		}
		child := l.nodes[id]
		parent := l.nodes[parentID]
		if l.classifier.IsWrapper(parent.Kind) || child.Status == StatusApproved {
			parent.EffectiveStatus = l.derivedStatus(child)
		}
	}
}

func (l *Ledger) derivedStatus(child *Node) Status {
	switch {
	case l.classifier.IsRefundLike(child.Kind):
		return StatusRefunded
	case l.classifier.IsVoidLike(child.Kind):
		return StatusVoided
	default:
		return child.Status
	}
}

// =============================================================================
// QUERIES - Read-only accessors, all return copies
// =============================================================================

// Classifier returns the table the Ledger was built with.
func (l *Ledger) Classifier() Classifier { return l.classifier }

func (l *Ledger) Len() int { return len(l.order) }

func (l *Ledger) Node(id string) (Node, bool) {
	n, ok := l.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns every node in merge order.
func (l *Ledger) Nodes() []Node {
	out := make([]Node, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.nodes[id])
	}
	return out
}

// Records returns the raw records in merge order, for persistence.
func (l *Ledger) Records() []TransactionRecord {
	out := make([]TransactionRecord, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.nodes[id].TransactionRecord)
	}
	return out
}

// Hierarchy returns a copy of the child -> parent map, including links to
// parents that have not arrived yet.
func (l *Ledger) Hierarchy() map[string]string {
	out := make(map[string]string, len(l.hierarchy))
	for child, parent := range l.hierarchy {
		out[child] = parent
	}
	return out
}

// Parent returns the parent of id when both the link and the parent node exist.
func (l *Ledger) Parent(id string) (string, bool) {
	parent, ok := l.hierarchy[id]
	if !ok {
		return "", false
	}
	if _, known := l.nodes[parent]; !known {
		return "", false
	}
	return parent, true
}

// Children returns the direct children of id in merge order.
func (l *Ledger) Children(id string) []Node {
	var out []Node
	for _, cid := range l.order {
		if parent, ok := l.Parent(cid); ok && parent == id {
			out = append(out, *l.nodes[cid])
		}
	}
	return out
}

// Roots returns nodes without a known parent, in merge order.
func (l *Ledger) Roots() []Node {
	var out []Node
	for _, id := range l.order {
		if _, ok := l.Parent(id); !ok {
			out = append(out, *l.nodes[id])
		}
	}
	return out
}

// Siblings returns every node sharing id's parent, id included.
// For a root the sibling group is the set of roots.
func (l *Ledger) Siblings(id string) []Node {
	if _, ok := l.nodes[id]; !ok {
		return nil
	}
	parent, hasParent := l.Parent(id)
	var out []Node
	for _, sid := range l.order {
		p, ok := l.Parent(sid)
		if ok == hasParent && p == parent {
			out = append(out, *l.nodes[sid])
		}
	}
	return out
}

// Ancestors returns the chain from id's parent up to its root.
func (l *Ledger) Ancestors(id string) []string {
	var out []string
	for cur, ok := l.Parent(id); ok; cur, ok = l.Parent(cur) {
		out = append(out, cur)
	}
	return out
}
