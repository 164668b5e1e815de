package thread

import (
	"sort"
	"time"

	"gator-threads/internal/utils"
)

// builder turns flat node batches into the ordered forest. Nodes whose
// parent has not been loaded yet wait in an orphan buffer keyed by the
// missing parent id.
type builder struct {
	s       *Store
	grace   time.Duration
	waiting map[string][]string
	dropped map[string]bool
}

// pass collects the scopes a single placement touched so each is sorted once.
type pass struct {
	roots   bool
	touched map[string]*record
	errs    []error
}

func newBuilder(s *Store, grace time.Duration) *builder {
	return &builder{
		s:       s,
		grace:   grace,
		waiting: make(map[string][]string),
		dropped: make(map[string]bool),
	}
}

func (b *builder) newPass() *pass {
	return &pass{touched: make(map[string]*record)}
}

// attach places a batch of new records. Roots go first so replies in the
// same batch find their parents; whatever is still missing a parent is
// buffered and resolved as soon as that parent is placed.
func (b *builder) attach(batch []*record) []error {
	p := b.newPass()
	var placed []string
	var buffered []*record

	for _, rec := range batch {
		if rec.node.ParentID == "" {
			b.placeRoot(p, rec)
			placed = append(placed, rec.node.ID)
		}
	}
	for _, rec := range batch {
		if rec.node.ParentID == "" {
			continue
		}
		if b.dropped[rec.node.ParentID] {
			b.drop(p, rec, utils.NewDataIntegrityError("node %s replies to dropped node %s",
				rec.node.ID, rec.node.ParentID))
			continue
		}
		parent, ok := b.s.nodes[rec.node.ParentID]
		if !ok || parent.state == stateOrphan {
			b.buffer(rec)
			buffered = append(buffered, rec)
			continue
		}
		if b.attachChild(p, rec, parent) {
			placed = append(placed, rec.node.ID)
		}
	}
	for _, rec := range buffered {
		if rec.state != stateOrphan || b.s.nodes[rec.node.ID] != rec {
			continue
		}
		if loop := b.cycleFrom(rec); loop != nil {
			b.drop(p, loop, utils.NewDataIntegrityError("node %s is part of a parent cycle", loop.node.ID))
		}
	}

	b.drain(p, placed)
	return b.finish(p)
}

// resolve attaches anything waiting on the given ids.
func (b *builder) resolve(ids []string) {
	p := b.newPass()
	b.drain(p, ids)
	for _, err := range b.finish(p) {
		b.s.log.Warn("Dropping buffered reply", "error", err)
	}
}

func (b *builder) drain(p *pass, queue []string) {
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		parent, ok := b.s.nodes[id]
		if !ok || parent.state == stateOrphan {
			continue
		}
		waiting := b.waiting[id]
		if len(waiting) == 0 {
			continue
		}
		delete(b.waiting, id)

		for _, childID := range waiting {
			child, ok := b.s.nodes[childID]
			if !ok {
				continue
			}
			switch child.state {
			case stateOrphan:
				if b.attachChild(p, child, parent) {
					queue = append(queue, childID)
				}
			case stateDetached:
				b.reattach(p, child, parent)
			}
		}
	}
}

func (b *builder) finish(p *pass) []error {
	if p.roots {
		b.sortRoots()
	}
	for _, rec := range p.touched {
		b.sortChildren(rec)
	}
	return p.errs
}

func (b *builder) placeRoot(p *pass, rec *record) {
	if rec.node.Depth != 0 {
		b.s.log.Debug("Correcting root depth", "node", rec.node.ID, "reported", rec.node.Depth)
	}
	rec.node.Depth = 0
	rec.state = stateAttached
	b.s.roots = append(b.s.roots, rec.node.ID)
	p.roots = true
}

func (b *builder) attachChild(p *pass, rec, parent *record) bool {
	depth := parent.node.Depth + 1
	if !b.s.guard.Allows(depth) {
		b.drop(p, rec, utils.NewDataIntegrityError("node %s would sit at depth %d, max is %d",
			rec.node.ID, depth, b.s.guard.MaxDepth))
		return false
	}
	if rec.node.Depth != 0 && rec.node.Depth != depth {
		b.s.log.Debug("Correcting reported depth", "node", rec.node.ID,
			"reported", rec.node.Depth, "depth", depth)
	}
	rec.node.Depth = depth
	rec.state = stateAttached
	rec.bufferedAt = time.Time{}
	parent.children = append(parent.children, rec.node.ID)
	p.touched[parent.node.ID] = parent
	return true
}

// reattach moves a synthetic root under its late parent if the subtree
// still fits within the maximum depth.
func (b *builder) reattach(p *pass, rec, parent *record) {
	depth := parent.node.Depth + 1
	if !b.s.guard.Allows(depth + b.height(rec)) {
		b.s.log.Warn("Keeping detached subtree, parent too deep", "node", rec.node.ID,
			"parent", parent.node.ID)
		return
	}
	b.s.roots = removeID(b.s.roots, rec.node.ID)
	p.roots = true
	rec.state = stateAttached
	b.rebase(rec, depth)
	parent.children = append(parent.children, rec.node.ID)
	p.touched[parent.node.ID] = parent
}

// drop discards a record, and everything buffered under it, for good.
func (b *builder) drop(p *pass, rec *record, err error) {
	id := rec.node.ID
	b.s.log.Warn("Dropping record", "node", id, "error", err)
	p.errs = append(p.errs, err)
	delete(b.s.nodes, id)
	b.dropped[id] = true

	waiting := b.waiting[id]
	delete(b.waiting, id)
	for _, childID := range waiting {
		if child, ok := b.s.nodes[childID]; ok && child.state == stateOrphan {
			b.drop(p, child, utils.NewDataIntegrityError("node %s replies to dropped node %s", childID, id))
		}
	}
}

func (b *builder) buffer(rec *record) {
	rec.state = stateOrphan
	rec.bufferedAt = b.s.now()
	b.waiting[rec.node.ParentID] = append(b.waiting[rec.node.ParentID], rec.node.ID)
}

// cycleFrom follows buffered parents upwards from rec and returns the
// first record seen twice, or nil when the chain ends at a missing parent.
func (b *builder) cycleFrom(rec *record) *record {
	seen := map[string]bool{rec.node.ID: true}
	for cur := rec; ; {
		parent, ok := b.s.nodes[cur.node.ParentID]
		if !ok || parent.state != stateOrphan {
			return nil
		}
		if seen[parent.node.ID] {
			return parent
		}
		seen[parent.node.ID] = true
		cur = parent
	}
}

func (b *builder) buffered() int {
	n := 0
	for _, ids := range b.waiting {
		for _, id := range ids {
			if rec, ok := b.s.nodes[id]; ok && rec.state == stateOrphan {
				n++
			}
		}
	}
	return n
}

// promote turns buffered orphans into synthetic roots. Orphans whose parent
// is itself buffered are left alone; they follow their parent. Promoted
// records stay registered under the missing parent so a late arrival can
// still claim them.
func (b *builder) promote(now time.Time, all bool) []string {
	var candidates []*record
	for parentID, ids := range b.waiting {
		if _, known := b.s.nodes[parentID]; known {
			continue
		}
		for _, id := range ids {
			rec, ok := b.s.nodes[id]
			if !ok || rec.state != stateOrphan {
				continue
			}
			if all || now.Sub(rec.bufferedAt) >= b.grace {
				candidates = append(candidates, rec)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].node.ID < candidates[j].node.ID
	})

	p := b.newPass()
	promoted := make([]string, 0, len(candidates))
	for _, rec := range candidates {
		rec.state = stateDetached
		rec.node.Depth = 0
		rec.bufferedAt = time.Time{}
		b.s.roots = append(b.s.roots, rec.node.ID)
		p.roots = true
		promoted = append(promoted, rec.node.ID)
	}
	b.drain(p, promoted)
	for _, err := range b.finish(p) {
		b.s.log.Warn("Dropping buffered reply", "error", err)
	}
	b.s.log.Info("Promoted orphans to synthetic roots", "count", len(promoted))
	return promoted
}

// unlink detaches a record from wherever it is referenced.
func (b *builder) unlink(rec *record) {
	id := rec.node.ID
	switch rec.state {
	case stateOrphan:
		b.unbuffer(rec.node.ParentID, id)
	case stateDetached:
		b.s.roots = removeID(b.s.roots, id)
		b.unbuffer(rec.node.ParentID, id)
	default:
		if rec.node.ParentID == "" {
			b.s.roots = removeID(b.s.roots, id)
		} else if parent, ok := b.s.nodes[rec.node.ParentID]; ok {
			parent.children = removeID(parent.children, id)
		}
	}
}

func (b *builder) unbuffer(parentID, id string) {
	ids := removeID(b.waiting[parentID], id)
	if len(ids) == 0 {
		delete(b.waiting, parentID)
		return
	}
	b.waiting[parentID] = ids
}

// relink swaps oldID for the record's current id in its scope.
func (b *builder) relink(rec *record, oldID string) {
	scope := &b.s.roots
	if rec.state == stateAttached && rec.node.ParentID != "" {
		parent, ok := b.s.nodes[rec.node.ParentID]
		if !ok {
			return
		}
		scope = &parent.children
	}
	for i, id := range *scope {
		if id == oldID {
			(*scope)[i] = rec.node.ID
			return
		}
	}
}

func (b *builder) resortScope(rec *record) {
	if rec.state == stateAttached && rec.node.ParentID != "" {
		if parent, ok := b.s.nodes[rec.node.ParentID]; ok {
			b.sortChildren(parent)
		}
		return
	}
	b.sortRoots()
}

// Roots read newest first, replies oldest first. Ties break on id so the
// order does not depend on arrival.
func (b *builder) sortRoots() {
	nodes := b.s.nodes
	sort.SliceStable(b.s.roots, func(i, j int) bool {
		x, y := &nodes[b.s.roots[i]].node, &nodes[b.s.roots[j]].node
		if !x.CreatedAt.Equal(y.CreatedAt) {
			return x.CreatedAt.After(y.CreatedAt)
		}
		return x.ID < y.ID
	})
}

func (b *builder) sortChildren(parent *record) {
	nodes := b.s.nodes
	sort.SliceStable(parent.children, func(i, j int) bool {
		x, y := &nodes[parent.children[i]].node, &nodes[parent.children[j]].node
		if !x.CreatedAt.Equal(y.CreatedAt) {
			return x.CreatedAt.Before(y.CreatedAt)
		}
		return x.ID < y.ID
	})
}

func (b *builder) height(rec *record) int {
	h := 0
	for _, id := range rec.children {
		if ch := b.height(b.s.nodes[id]) + 1; ch > h {
			h = ch
		}
	}
	return h
}

func (b *builder) rebase(rec *record, depth int) {
	rec.node.Depth = depth
	for _, id := range rec.children {
		b.rebase(b.s.nodes[id], depth+1)
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
