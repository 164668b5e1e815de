package thread

import (
	"io"
	"log/slog"
	"time"

	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

type nodeState int

const (
	stateAttached nodeState = iota
	stateOrphan             // buffered until its parent shows up
	stateDetached           // orphan promoted to a synthetic root
)

// record is the arena entry for one node. The embedded node holds the
// canonical fields only; children and pending markers are rebuilt on read.
type record struct {
	node       models.Node
	children   []string
	state      nodeState
	temp       bool
	bufferedAt time.Time
}

type slotKey struct {
	target string
	kind   models.MutationKind
}

// Options tunes a Store.
type Options struct {
	MaxDepth    int
	OrphanGrace time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Store is the single source of truth for one thread's nodes. Every node is
// reachable by id in O(1); the forest is a projection over the arena with
// the active optimistic overlays applied.
type Store struct {
	threadID string
	guard    DepthGuard
	log      *slog.Logger
	now      func() time.Time

	nodes    map[string]*record
	roots    []string
	overlays map[slotKey]models.Snapshot
	tree     *builder
	visible  int // thread-wide visible count, -1 once a write invalidates it
}

func NewStore(threadID string, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		threadID: threadID,
		guard:    DepthGuard{MaxDepth: opts.MaxDepth},
		log:      opts.Logger.With("thread", threadID),
		now:      opts.Now,
		nodes:    make(map[string]*record),
		overlays: make(map[slotKey]models.Snapshot),
		visible:  -1,
	}
	s.tree = newBuilder(s, opts.OrphanGrace)
	return s
}

func (s *Store) ThreadID() string { return s.threadID }

func (s *Store) Guard() DepthGuard { return s.guard }

// Upsert merges a batch of server nodes. Known ids have their server fields
// replaced while optimistic overlays stay in place; new ids are handed to
// the tree builder. Malformed records are dropped and reported, the rest of
// the batch is still applied.
func (s *Store) Upsert(batch []*models.Node) []error {
	s.touch()
	var errs []error
	fresh := make([]*record, 0, len(batch))
	for i, n := range batch {
		if err := s.checkRecord(i, n); err != nil {
			s.log.Warn("Dropping malformed record", "index", i, "error", err)
			errs = append(errs, err)
			continue
		}
		if rec, ok := s.nodes[n.ID]; ok {
			s.merge(rec, n)
			continue
		}
		rec := newRecord(s.threadID, n)
		s.nodes[n.ID] = rec
		fresh = append(fresh, rec)
	}
	return append(errs, s.tree.attach(fresh)...)
}

func (s *Store) checkRecord(i int, n *models.Node) error {
	switch {
	case n == nil || n.ID == "":
		return utils.NewDataIntegrityError("record %d has no id", i)
	case n.ThreadID != "" && n.ThreadID != s.threadID:
		return utils.NewDataIntegrityError("node %s belongs to thread %s", n.ID, n.ThreadID)
	case n.ParentID == n.ID:
		return utils.NewDataIntegrityError("node %s is its own parent", n.ID)
	case s.tree.dropped[n.ID]:
		return utils.NewDataIntegrityError("node %s was dropped as malformed", n.ID)
	}
	return nil
}

func newRecord(threadID string, n *models.Node) *record {
	c := n.Clone()
	c.ThreadID = threadID
	c.Children = nil
	c.Pending = nil
	c.Detached = false
	c.Poll = normalizePoll(n.Poll)
	return &record{node: *c, state: stateOrphan}
}

// merge replaces the server-owned fields of an existing record.
func (s *Store) merge(rec *record, n *models.Node) {
	created := rec.node.CreatedAt
	rec.node.Content = n.Content
	rec.node.Attachments = cloneStrings(n.Attachments)
	rec.node.LikeCount = n.LikeCount
	rec.node.IsLikedByViewer = n.IsLikedByViewer
	rec.node.IsDeleted = n.IsDeleted
	rec.node.Poll = normalizePoll(n.Poll)
	if n.AuthorID != "" {
		rec.node.AuthorID = n.AuthorID
	}
	if !n.CreatedAt.IsZero() {
		rec.node.CreatedAt = n.CreatedAt
	}
	if !n.UpdatedAt.IsZero() {
		rec.node.UpdatedAt = n.UpdatedAt
	}
	if n.ParentID != rec.node.ParentID && !rec.temp {
		s.log.Warn("Ignoring parent change for known node", "node", n.ID,
			"parent", rec.node.ParentID, "reported", n.ParentID)
	}
	if rec.state != stateOrphan && !rec.node.CreatedAt.Equal(created) {
		s.tree.resortScope(rec)
	}
}

// Get returns the projected node, or false when the id is unknown or still
// buffered as an orphan.
func (s *Store) Get(id string) (*models.Node, bool) {
	rec, ok := s.nodes[id]
	if !ok || rec.state == stateOrphan {
		return nil, false
	}
	return s.project(rec), true
}

// Has reports whether the id is known, including buffered orphans.
func (s *Store) Has(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// IsTemp reports whether id is a speculative node awaiting confirmation.
func (s *Store) IsTemp(id string) bool {
	rec, ok := s.nodes[id]
	return ok && rec.temp
}

// Forest materializes the ordered root list with children nested.
func (s *Store) Forest() []*models.Node {
	roots := make([]*models.Node, 0, len(s.roots))
	for _, id := range s.roots {
		roots = append(roots, s.materialize(s.nodes[id]))
	}
	return roots
}

func (s *Store) materialize(rec *record) *models.Node {
	n := s.project(rec)
	n.Children = make([]*models.Node, 0, len(rec.children))
	for _, id := range rec.children {
		n.Children = append(n.Children, s.materialize(s.nodes[id]))
	}
	return n
}

// project returns the canonical node with active overlays applied and the
// pending markers set.
func (s *Store) project(rec *record) *models.Node {
	n := rec.node.Clone()
	n.Detached = rec.state == stateDetached
	if rec.temp {
		if n.ParentID == "" {
			n.Pending = append(n.Pending, models.MutationCreate)
		} else {
			n.Pending = append(n.Pending, models.MutationReply)
		}
	}
	for _, kind := range overlayKinds {
		if snap, ok := s.overlays[slotKey{rec.node.ID, kind}]; ok {
			applySnapshot(kind, n, snap)
			n.Pending = append(n.Pending, kind)
		}
	}
	return n
}

// Len is the number of nodes placed in the forest.
func (s *Store) Len() int {
	return len(s.nodes) - s.tree.buffered()
}

// OrphanCount is the number of nodes still waiting for their parent.
func (s *Store) OrphanCount() int {
	return s.tree.buffered()
}

// CountVisible counts the non-deleted descendants of parentID as the viewer
// currently sees them. An empty parentID counts the whole thread; that total
// is kept until the next write so repeated reads do not walk the forest.
func (s *Store) CountVisible(parentID string) int {
	if parentID == "" {
		if s.visible < 0 {
			s.visible = s.countFrom(append([]string(nil), s.roots...))
		}
		return s.visible
	}
	rec, ok := s.nodes[parentID]
	if !ok || rec.state == stateOrphan {
		return 0
	}
	return s.countFrom(append([]string(nil), rec.children...))
}

func (s *Store) countFrom(stack []string) int {
	count := 0
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		rec := s.nodes[id]
		if !s.deleted(rec) {
			count++
		}
		stack = append(stack, rec.children...)
	}
	return count
}

// touch drops cached aggregates after any change to nodes or overlays.
func (s *Store) touch() { s.visible = -1 }

func (s *Store) deleted(rec *record) bool {
	if snap, ok := s.overlays[slotKey{rec.node.ID, models.MutationDelete}]; ok {
		return snap.Deleted
	}
	return rec.node.IsDeleted
}

// Remap moves a speculative node to its server id, keeping its position,
// children and overlays. If the server node already arrived through a page
// load, the speculative record is folded into it.
func (s *Store) Remap(tempID, realID string) error {
	rec, ok := s.nodes[tempID]
	if !ok {
		return utils.NewNotFoundError("node", tempID)
	}
	s.touch()
	if tempID == realID {
		return nil
	}

	if existing, dup := s.nodes[realID]; dup {
		for _, childID := range rec.children {
			s.nodes[childID].node.ParentID = realID
			existing.children = append(existing.children, childID)
		}
		rec.children = nil
		s.tree.unlink(rec)
		delete(s.nodes, tempID)
		if existing.state != stateOrphan {
			s.tree.sortChildren(existing)
		}
	} else {
		delete(s.nodes, tempID)
		rec.node.ID = realID
		s.nodes[realID] = rec
		s.tree.relink(rec, tempID)
		for _, childID := range rec.children {
			s.nodes[childID].node.ParentID = realID
		}
		s.tree.resortScope(rec)
	}

	for _, kind := range overlayKinds {
		key := slotKey{tempID, kind}
		if snap, ok := s.overlays[key]; ok {
			delete(s.overlays, key)
			s.overlays[slotKey{realID, kind}] = snap
		}
	}
	s.tree.resolve([]string{realID})
	return nil
}

// Remove drops a node and its subtree from the arena and returns the
// removed ids.
func (s *Store) Remove(id string) []string {
	rec, ok := s.nodes[id]
	if !ok {
		return nil
	}
	s.touch()
	s.tree.unlink(rec)

	var removed []string
	var drop func(r *record)
	drop = func(r *record) {
		for _, childID := range r.children {
			drop(s.nodes[childID])
		}
		delete(s.nodes, r.node.ID)
		for _, kind := range overlayKinds {
			delete(s.overlays, slotKey{r.node.ID, kind})
		}
		removed = append(removed, r.node.ID)
	}
	drop(rec)
	return removed
}

// PromoteExpired turns orphans older than the grace period into synthetic
// roots and returns their ids.
func (s *Store) PromoteExpired(now time.Time) []string {
	s.touch()
	return s.tree.promote(now, false)
}

// PromoteAll turns every buffered orphan into a synthetic root. Used once the
// server reports there is nothing left to load.
func (s *Store) PromoteAll() []string {
	s.touch()
	return s.tree.promote(s.now(), true)
}

// insertSpeculative places a node created locally under a temporary id.
func (s *Store) insertSpeculative(n *models.Node) error {
	s.touch()
	rec := newRecord(s.threadID, n)
	rec.temp = true
	s.nodes[n.ID] = rec
	if errs := s.tree.attach([]*record{rec}); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// settle clears the speculative flag and merges the server's copy.
func (s *Store) settle(id string, server *models.Node) {
	rec, ok := s.nodes[id]
	if !ok {
		return
	}
	s.touch()
	rec.temp = false
	if server != nil {
		s.merge(rec, server)
	}
}

// canonical returns the stored node without overlays.
func (s *Store) canonical(id string) (*models.Node, bool) {
	rec, ok := s.nodes[id]
	if !ok || rec.state == stateOrphan {
		return nil, false
	}
	return &rec.node, true
}

func (s *Store) writeCanonical(kind models.MutationKind, id string, snap models.Snapshot) {
	if rec, ok := s.nodes[id]; ok {
		s.touch()
		applySnapshot(kind, &rec.node, snap)
	}
}

func (s *Store) setOverlay(kind models.MutationKind, id string, snap models.Snapshot) {
	s.touch()
	s.overlays[slotKey{id, kind}] = snap
}

func (s *Store) clearOverlay(kind models.MutationKind, id string) {
	s.touch()
	delete(s.overlays, slotKey{id, kind})
}
