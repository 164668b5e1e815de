package thread

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

// TempPrefix marks ids the client made up for nodes the server has not
// confirmed yet.
const TempPrefix = "tmp-"

type pending struct {
	mutation models.PendingMutation
	request  *models.MutationRequest
	seq      uint64
	stale    bool // a newer mutation on the same slot was confirmed first
	deferred bool // waiting for a speculative parent to be confirmed
}

// slot is the ordered chain of unsettled mutations on one (target, kind).
// The last entry is the one whose guess the viewer sees.
type slot struct {
	chain        []*pending
	confirmedSeq uint64
}

// Dispatch is a mutation that was applied locally and must now be handed to
// the backend. Deferred dispatches are held back until Confirm releases them.
type Dispatch struct {
	Mutation models.PendingMutation
	Request  *models.MutationRequest
	Deferred bool
}

// Reconciliation describes what a server answer did to the store.
type Reconciliation struct {
	Outcome  models.Outcome
	Stale    bool        // the answer was superseded and changed nothing
	Released []*Dispatch // replies that were waiting on a confirmed node
	Cascaded []models.Outcome
}

// Coordinator applies optimistic mutations to a Store and reconciles them
// with server answers. Each mutation is applied in full or reverted in full.
type Coordinator struct {
	store    *Store
	viewerID string
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	seq     uint64
	byID    map[string]*pending
	slots   map[slotKey]*slot
	blocked map[string][]*pending // speculative parent id -> deferred replies
}

func NewCoordinator(store *Store, viewerID string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		store:    store,
		viewerID: viewerID,
		log:      logger.With("thread", store.ThreadID(), "viewer", viewerID),
		now:      store.now,
		newID:    uuid.NewString,
		byID:     make(map[string]*pending),
		slots:    make(map[slotKey]*slot),
		blocked:  make(map[string][]*pending),
	}
}

func (c *Coordinator) requireViewer(action string) error {
	if c.viewerID == "" {
		return utils.NewAuthRequiredError(action)
	}
	return nil
}

// target resolves an existing, confirmed node for an in-place mutation.
func (c *Coordinator) target(id string, kind models.MutationKind) (*models.Node, error) {
	if err := c.requireViewer(string(kind)); err != nil {
		return nil, err
	}
	n, ok := c.store.Get(id)
	if !ok {
		return nil, utils.NewValidationError("node %s is not loaded", id)
	}
	if c.store.IsTemp(id) {
		return nil, utils.NewValidationError("node %s is still being created", id)
	}
	return n, nil
}

func validContent(content string, attachments []string) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return utils.NewValidationError("content or an attachment is required")
	}
	return nil
}

// ToggleLike flips the viewer's like and adjusts the count by one.
func (c *Coordinator) ToggleLike(cmd models.LikeCommand) (*Dispatch, error) {
	n, err := c.target(cmd.NodeID, models.MutationLike)
	if err != nil {
		return nil, err
	}
	prev := captureSnapshot(models.MutationLike, n)
	next := models.Snapshot{Liked: !prev.Liked, LikeCount: prev.LikeCount + 1}
	if prev.Liked {
		next.LikeCount = max(0, prev.LikeCount-1)
	}
	return c.apply(models.MutationLike, n.ID, prev, next, &models.MutationRequest{
		TargetID: n.ID,
		Liked:    next.Liked,
	}), nil
}

// Vote selects, changes or retracts the viewer's choice on a poll.
func (c *Coordinator) Vote(cmd models.VoteCommand) (*Dispatch, error) {
	n, err := c.target(cmd.NodeID, models.MutationVote)
	if err != nil {
		return nil, err
	}
	if n.Poll == nil {
		return nil, utils.NewValidationError("node %s has no poll", n.ID)
	}
	if n.Poll.Closed {
		return nil, utils.NewConflictError("voting on node "+n.ID+" is closed", nil)
	}
	poll, err := castVote(n.Poll, cmd.OptionID)
	if err != nil {
		return nil, err
	}
	prev := captureSnapshot(models.MutationVote, n)
	return c.apply(models.MutationVote, n.ID, prev, models.Snapshot{Poll: poll}, &models.MutationRequest{
		TargetID: n.ID,
		OptionID: poll.Selected,
	}), nil
}

// Edit swaps the content of a node.
func (c *Coordinator) Edit(cmd models.EditCommand) (*Dispatch, error) {
	n, err := c.target(cmd.NodeID, models.MutationEdit)
	if err != nil {
		return nil, err
	}
	if n.IsDeleted {
		return nil, utils.NewValidationError("node %s is deleted", n.ID)
	}
	if err := validContent(cmd.Content, cmd.Attachments); err != nil {
		return nil, err
	}
	prev := captureSnapshot(models.MutationEdit, n)
	next := models.Snapshot{Content: cmd.Content, Attachments: cloneStrings(cmd.Attachments)}
	return c.apply(models.MutationEdit, n.ID, prev, next, &models.MutationRequest{
		TargetID:    n.ID,
		Content:     cmd.Content,
		Attachments: cloneStrings(cmd.Attachments),
	}), nil
}

// SoftDelete tombstones a node. Its replies stay where they are.
func (c *Coordinator) SoftDelete(cmd models.DeleteCommand) (*Dispatch, error) {
	n, err := c.target(cmd.NodeID, models.MutationDelete)
	if err != nil {
		return nil, err
	}
	if n.IsDeleted {
		return nil, utils.NewValidationError("node %s is already deleted", n.ID)
	}
	prev := captureSnapshot(models.MutationDelete, n)
	return c.apply(models.MutationDelete, n.ID, prev, models.Snapshot{Deleted: true}, &models.MutationRequest{
		TargetID: n.ID,
	}), nil
}

func (c *Coordinator) apply(kind models.MutationKind, id string, prev, next models.Snapshot, req *models.MutationRequest) *Dispatch {
	key := slotKey{id, kind}
	sl, ok := c.slots[key]
	if !ok {
		sl = &slot{}
		c.slots[key] = sl
	}
	if live := len(sl.chain); live > 0 {
		c.log.Debug("Superseding in-flight mutation", "node", id, "kind", kind,
			"previous", sl.chain[live-1].mutation.CorrelationID)
	}

	p := c.track(kind, id, prev, next, req)
	sl.chain = append(sl.chain, p)
	c.store.setOverlay(kind, id, next)
	return &Dispatch{Mutation: p.mutation, Request: req}
}

func (c *Coordinator) track(kind models.MutationKind, id string, prev, next models.Snapshot, req *models.MutationRequest) *pending {
	c.seq++
	correlationID := c.newID()
	req.CorrelationID = correlationID
	req.Kind = kind
	req.ThreadID = c.store.ThreadID()
	req.ViewerID = c.viewerID

	p := &pending{
		mutation: models.PendingMutation{
			CorrelationID: correlationID,
			Kind:          kind,
			ThreadID:      c.store.ThreadID(),
			TargetID:      id,
			Previous:      prev,
			Optimistic:    next,
			AppliedAt:     c.now(),
			State:         models.StateApplied,
		},
		request: req,
		seq:     c.seq,
	}
	c.byID[correlationID] = p
	return p
}

// Create inserts a new root node under a temporary id.
func (c *Coordinator) Create(cmd models.CreateCommand) (*Dispatch, error) {
	if err := c.requireViewer("post"); err != nil {
		return nil, err
	}
	if err := validContent(cmd.Content, cmd.Attachments); err != nil {
		return nil, err
	}
	return c.insert(models.MutationCreate, nil, cmd.Content, cmd.Attachments)
}

// Reply inserts a reply under parentID. A reply to a node that is itself
// still speculative is applied at once but held back from the backend
// until its parent has a server id.
func (c *Coordinator) Reply(cmd models.ReplyCommand) (*Dispatch, error) {
	if err := c.requireViewer("reply"); err != nil {
		return nil, err
	}
	parent, err := c.ReplyTarget(cmd.ParentID)
	if err != nil {
		return nil, err
	}
	if err := validContent(cmd.Content, cmd.Attachments); err != nil {
		return nil, err
	}
	return c.insert(models.MutationReply, parent, cmd.Content, cmd.Attachments)
}

// ReplyTarget runs every client-side check a reply to parentID must pass.
func (c *Coordinator) ReplyTarget(parentID string) (*models.Node, error) {
	parent, ok := c.store.Get(parentID)
	if !ok {
		return nil, utils.NewValidationError("reply target %s is not loaded", parentID)
	}
	if parent.IsDeleted {
		return nil, utils.NewValidationError("cannot reply to deleted node %s", parentID)
	}
	if err := c.store.Guard().CheckReply(parent); err != nil {
		return nil, err
	}
	return parent, nil
}

func (c *Coordinator) insert(kind models.MutationKind, parent *models.Node, content string, attachments []string) (*Dispatch, error) {
	now := c.now()
	n := &models.Node{
		ID:          TempPrefix + c.newID(),
		ThreadID:    c.store.ThreadID(),
		AuthorID:    c.viewerID,
		Content:     content,
		Attachments: cloneStrings(attachments),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	req := &models.MutationRequest{Content: content, Attachments: cloneStrings(attachments)}
	if parent != nil {
		n.ParentID = parent.ID
		n.Depth = parent.Depth + 1
		req.ParentID = parent.ID
	}
	if err := c.store.insertSpeculative(n); err != nil {
		return nil, err
	}

	p := c.track(kind, n.ID, models.Snapshot{}, models.Snapshot{Content: content, Attachments: cloneStrings(attachments)}, req)
	if parent != nil && c.store.IsTemp(parent.ID) {
		p.deferred = true
		c.blocked[parent.ID] = append(c.blocked[parent.ID], p)
	}
	return &Dispatch{Mutation: p.mutation, Request: req, Deferred: p.deferred}, nil
}

// Confirm reconciles a successful server answer. It returns false when the
// correlation id is unknown, for example because the mutation already
// timed out.
func (c *Coordinator) Confirm(correlationID string, res *models.MutationResult) (*Reconciliation, bool) {
	p, ok := c.byID[correlationID]
	if !ok {
		return nil, false
	}
	switch p.mutation.Kind {
	case models.MutationCreate, models.MutationReply:
		if res == nil || res.Node == nil || res.Node.ID == "" {
			err := utils.NewDataIntegrityError("confirmation for %s carried no node", correlationID)
			return c.Fail(correlationID, err)
		}
		return c.confirmInsert(p, res.Node), true
	}
	return c.confirmInPlace(p, res), true
}

func (c *Coordinator) confirmInPlace(p *pending, res *models.MutationResult) *Reconciliation {
	m := &p.mutation
	key := slotKey{m.TargetID, m.Kind}
	sl := c.slots[key]
	c.settle(p, models.StateConfirmed)
	rec := &Reconciliation{Outcome: outcome(p, nil)}

	if p.stale || p.seq <= sl.confirmedSeq {
		c.log.Debug("Discarding stale confirmation", "correlation", m.CorrelationID, "kind", m.Kind)
		rec.Stale = true
		c.dropSlot(key, sl)
		return rec
	}

	server := serverSnapshot(m.Kind, res, m.Optimistic)
	c.store.writeCanonical(m.Kind, m.TargetID, server)
	sl.confirmedSeq = p.seq

	var newer []*pending
	for _, q := range sl.chain {
		if q.seq < p.seq {
			q.stale = true
		} else {
			newer = append(newer, q)
		}
	}
	if len(newer) == 0 {
		c.store.clearOverlay(m.Kind, m.TargetID)
	} else {
		newer[0].mutation.Previous = server
	}
	c.dropSlot(key, sl)
	return rec
}

func (c *Coordinator) confirmInsert(p *pending, server *models.Node) *Reconciliation {
	tempID := p.mutation.TargetID
	realID := server.ID
	if err := c.store.Remap(tempID, realID); err != nil {
		c.log.Warn("Speculative node vanished before confirmation", "node", tempID, "error", err)
	}
	c.store.settle(realID, server)
	p.mutation.TargetID = realID
	c.settle(p, models.StateConfirmed)

	rec := &Reconciliation{Outcome: outcome(p, nil)}
	for _, child := range c.blocked[tempID] {
		child.deferred = false
		child.request.ParentID = realID
		// The timeout runs from dispatch, not from the optimistic apply.
		child.mutation.AppliedAt = c.now()
		rec.Released = append(rec.Released, &Dispatch{Mutation: child.mutation, Request: child.request})
	}
	delete(c.blocked, tempID)
	return rec
}

// Fail reverts a mutation the server rejected or that never got an answer.
func (c *Coordinator) Fail(correlationID string, cause error) (*Reconciliation, bool) {
	p, ok := c.byID[correlationID]
	if !ok {
		return nil, false
	}
	err := utils.AsAppError(cause)
	switch p.mutation.Kind {
	case models.MutationCreate, models.MutationReply:
		return c.failInsert(p, err), true
	}
	return c.failInPlace(p, err), true
}

func (c *Coordinator) failInPlace(p *pending, err error) *Reconciliation {
	m := &p.mutation
	key := slotKey{m.TargetID, m.Kind}
	sl := c.slots[key]

	idx := -1
	for i, q := range sl.chain {
		if q == p {
			idx = i
			break
		}
	}
	c.settle(p, models.StateRolledBack)
	rec := &Reconciliation{Outcome: outcome(p, err)}

	if p.stale {
		rec.Stale = true
		c.dropSlot(key, sl)
		return rec
	}

	c.log.Info("Rolling back mutation", "correlation", m.CorrelationID, "kind", m.Kind,
		"node", m.TargetID, "error", err)
	switch {
	case idx >= 0 && idx < len(sl.chain):
		// p was superseded; its successor now rolls back to what p would have.
		sl.chain[idx].mutation.Previous = m.Previous
	case c.livePredecessor(sl):
		c.store.setOverlay(m.Kind, m.TargetID, m.Previous)
	default:
		c.store.writeCanonical(m.Kind, m.TargetID, m.Previous)
		c.store.clearOverlay(m.Kind, m.TargetID)
	}
	c.dropSlot(key, sl)
	return rec
}

func (c *Coordinator) livePredecessor(sl *slot) bool {
	for _, q := range sl.chain {
		if !q.stale {
			return true
		}
	}
	return false
}

func (c *Coordinator) failInsert(p *pending, err *utils.AppError) *Reconciliation {
	tempID := p.mutation.TargetID
	c.log.Info("Removing speculative node", "correlation", p.mutation.CorrelationID,
		"node", tempID, "error", err)
	c.store.Remove(tempID)
	c.settle(p, models.StateRolledBack)
	if p.deferred {
		parentID := p.request.ParentID
		c.blocked[parentID] = removePending(c.blocked[parentID], p)
		if len(c.blocked[parentID]) == 0 {
			delete(c.blocked, parentID)
		}
	}

	rec := &Reconciliation{Outcome: outcome(p, err)}
	rec.Cascaded = c.cascade(tempID, err)
	return rec
}

// cascade rolls back every reply that was waiting on a node that will now
// never exist.
func (c *Coordinator) cascade(parentID string, cause *utils.AppError) []models.Outcome {
	children := c.blocked[parentID]
	delete(c.blocked, parentID)

	var out []models.Outcome
	for _, child := range children {
		err := utils.NewAppError(cause.Code, fmt.Sprintf("reply target %s was not created", parentID), cause)
		c.store.Remove(child.mutation.TargetID)
		c.settle(child, models.StateRolledBack)
		out = append(out, outcome(child, err))
		out = append(out, c.cascade(child.mutation.TargetID, cause)...)
	}
	return out
}

// settle removes a mutation from the live set.
func (c *Coordinator) settle(p *pending, state models.MutationState) {
	p.mutation.State = state
	delete(c.byID, p.mutation.CorrelationID)
	key := slotKey{p.mutation.TargetID, p.mutation.Kind}
	if sl, ok := c.slots[key]; ok {
		for i, q := range sl.chain {
			if q == p {
				sl.chain = append(sl.chain[:i], sl.chain[i+1:]...)
				break
			}
		}
	}
}

func removePending(ps []*pending, p *pending) []*pending {
	for i, q := range ps {
		if q == p {
			return append(ps[:i], ps[i+1:]...)
		}
	}
	return ps
}

func (c *Coordinator) dropSlot(key slotKey, sl *slot) {
	if len(sl.chain) == 0 {
		delete(c.slots, key)
	}
}

// Expire rolls back every dispatched mutation applied before the timeout.
// Replies still held back follow their parent.
func (c *Coordinator) Expire(now time.Time, timeout time.Duration) []*Reconciliation {
	var expired []*pending
	for _, p := range c.byID {
		if !p.deferred && now.Sub(p.mutation.AppliedAt) >= timeout {
			expired = append(expired, p)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })

	var out []*Reconciliation
	for _, p := range expired {
		if _, live := c.byID[p.mutation.CorrelationID]; !live {
			continue
		}
		err := utils.NewTransportError("no answer from server within "+timeout.String(), nil)
		if rec, ok := c.Fail(p.mutation.CorrelationID, err); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Pending lists the unsettled mutations in the order they were applied.
func (c *Coordinator) Pending() []models.PendingMutation {
	ps := make([]*pending, 0, len(c.byID))
	for _, p := range c.byID {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].seq < ps[j].seq })

	out := make([]models.PendingMutation, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.mutation)
	}
	return out
}

// Lookup returns the unsettled mutation with the given correlation id.
func (c *Coordinator) Lookup(correlationID string) (models.PendingMutation, bool) {
	p, ok := c.byID[correlationID]
	if !ok {
		return models.PendingMutation{}, false
	}
	return p.mutation, true
}

func outcome(p *pending, err error) models.Outcome {
	return models.Outcome{
		CorrelationID: p.mutation.CorrelationID,
		Kind:          p.mutation.Kind,
		State:         p.mutation.State,
		TargetID:      p.mutation.TargetID,
		Err:           err,
	}
}
