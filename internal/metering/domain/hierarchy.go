package metering

import "sort"

// Hierarchy is the resolved meter forest with a strict bottom-up processing
// order: every meter appears only after all of its descendants.
type Hierarchy struct {
	meters   map[string]Meter
	children map[string][]string
	parent   map[string]string
	roots    []string
	order    []string
	depth    map[string]int
}

// BuildHierarchy resolves the forest from explicit edges. When no edges are
// supplied the forest is derived from per-meter indent levels. Cycle edges
// are bounded by a visited set and simply not re-entered.
func BuildHierarchy(meters []Meter, connections []Connection) (*Hierarchy, error) {
	if len(meters) == 0 {
		return nil, ErrNoMeters
	}
	if len(connections) == 0 {
		connections = ConnectionsFromIndent(meters)
	}

	h := &Hierarchy{
		meters:   make(map[string]Meter, len(meters)),
		children: make(map[string][]string),
		parent:   make(map[string]string),
		depth:    make(map[string]int, len(meters)),
	}
	for _, m := range meters {
		if m.ID == "" {
			return nil, ErrEmptyMeterID
		}
		h.meters[m.ID] = m
	}

	for _, edge := range connections {
		if _, ok := h.meters[edge.ParentID]; !ok {
			continue
		}
		if _, ok := h.meters[edge.ChildID]; !ok {
			continue
		}
		if edge.ParentID == edge.ChildID {
			continue
		}
		if _, claimed := h.parent[edge.ChildID]; claimed {
			continue
		}
		h.parent[edge.ChildID] = edge.ParentID
		h.children[edge.ParentID] = append(h.children[edge.ParentID], edge.ChildID)
	}

	for id := range h.meters {
		if _, ok := h.parent[id]; !ok {
			h.roots = append(h.roots, id)
		}
	}
	sort.Strings(h.roots)

	h.computeDepths()
	h.computeOrder()
	return h, nil
}

// ConnectionsFromIndent derives parent edges from indent levels: a meter is
// attached as child of the nearest preceding meter at indent level exactly
// one less. Input order is the site's meter listing order.
func ConnectionsFromIndent(meters []Meter) []Connection {
	var connections []Connection
	for i, m := range meters {
		if m.Indent <= 0 {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if meters[j].Indent == m.Indent-1 {
				connections = append(connections, Connection{ParentID: meters[j].ID, ChildID: m.ID})
				break
			}
		}
	}
	return connections
}

func (h *Hierarchy) computeDepths() {
	for _, root := range h.roots {
		visited := make(map[string]struct{})
		h.walkDepth(root, 0, visited)
	}
}

func (h *Hierarchy) walkDepth(id string, depth int, visited map[string]struct{}) {
	if _, ok := visited[id]; ok {
		return
	}
	visited[id] = struct{}{}
	h.depth[id] = depth
	for _, child := range h.sortedChildren(id) {
		h.walkDepth(child, depth+1, visited)
	}
}

// computeOrder produces a single post-order traversal over the forest so the
// order serves every aggregate (sums, corrections, maxima) in one O(V) pass.
func (h *Hierarchy) computeOrder() {
	visited := make(map[string]struct{}, len(h.meters))
	for _, root := range h.roots {
		h.postOrder(root, visited)
	}
	// Meters reachable only through cycle edges still need a slot.
	var orphans []string
	for id := range h.meters {
		if _, ok := visited[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		h.postOrder(id, visited)
	}
}

func (h *Hierarchy) postOrder(id string, visited map[string]struct{}) {
	if _, ok := visited[id]; ok {
		return
	}
	visited[id] = struct{}{}
	for _, child := range h.sortedChildren(id) {
		h.postOrder(child, visited)
	}
	h.order = append(h.order, id)
}

func (h *Hierarchy) sortedChildren(id string) []string {
	children := append([]string(nil), h.children[id]...)
	sort.Strings(children)
	return children
}

// Order returns the bottom-up processing order.
func (h *Hierarchy) Order() []string {
	return append([]string(nil), h.order...)
}

// Roots returns the forest roots.
func (h *Hierarchy) Roots() []string {
	return append([]string(nil), h.roots...)
}

// Meter returns the meter by id.
func (h *Hierarchy) Meter(id string) (Meter, bool) {
	m, ok := h.meters[id]
	return m, ok
}

// Meters returns all meters in bottom-up order.
func (h *Hierarchy) Meters() []Meter {
	meters := make([]Meter, 0, len(h.order))
	for _, id := range h.order {
		meters = append(meters, h.meters[id])
	}
	return meters
}

// Children returns direct children of a meter.
func (h *Hierarchy) Children(id string) []string {
	return h.sortedChildren(id)
}

// Parent returns the parent meter id, if any.
func (h *Hierarchy) Parent(id string) (string, bool) {
	p, ok := h.parent[id]
	return p, ok
}

// Depth returns the depth of a meter (0 for roots).
func (h *Hierarchy) Depth(id string) int {
	return h.depth[id]
}

// IsLeaf reports whether the meter has no children.
func (h *Hierarchy) IsLeaf(id string) bool {
	return len(h.children[id]) == 0
}

// LeafTerm is a leaf descendant with the composed aggregation sign along the
// path from the ancestor.
type LeafTerm struct {
	MeterID string
	Sign    float64
}

// LeafTerms returns every leaf descendant of id with its signed contribution.
func (h *Hierarchy) LeafTerms(id string) []LeafTerm {
	visited := make(map[string]struct{})
	var terms []LeafTerm
	h.collectLeafTerms(id, 1, visited, &terms)
	return terms
}

func (h *Hierarchy) collectLeafTerms(id string, sign float64, visited map[string]struct{}, terms *[]LeafTerm) {
	if _, ok := visited[id]; ok {
		return
	}
	visited[id] = struct{}{}
	if h.IsLeaf(id) {
		*terms = append(*terms, LeafTerm{MeterID: id, Sign: sign})
		return
	}
	for _, child := range h.sortedChildren(id) {
		childSign := sign * h.meters[child].Sign()
		h.collectLeafTerms(child, childSign, visited, terms)
	}
}
