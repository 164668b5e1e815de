package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

// MemoryOptions tunes a MemoryBackend.
type MemoryOptions struct {
	MaxDepth int                  // 0 disables the server-side depth check
	Latency  func() time.Duration // Delay added to every call, may be nil
	Now      func() time.Time
}

// MemoryBackend is an authoritative in-process server. It keeps likes and
// votes per viewer so that every viewer sees their own flags, and it can be
// made slow or failing for tests and the simulator.
type MemoryBackend struct {
	opts MemoryOptions

	mu       sync.Mutex
	threads  map[string]*memThread
	onFetch  func(threadID string, offset int) error
	onSubmit func(req *models.MutationRequest) error

	fetches atomic.Int64
	submits atomic.Int64
}

type memThread struct {
	order []*memNode
	byID  map[string]*memNode
}

type memNode struct {
	node      models.Node
	baseLikes int
	likes     map[string]bool
	baseVotes map[string]int
	votes     map[string]string // viewer -> option
}

func NewMemoryBackend(opts MemoryOptions) *MemoryBackend {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryBackend{opts: opts, threads: make(map[string]*memThread)}
}

// OnFetch installs a hook that runs before every page fetch. A non-nil
// error is returned to the caller instead of the page.
func (m *MemoryBackend) OnFetch(hook func(threadID string, offset int) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFetch = hook
}

// OnSubmit installs a hook that runs before every mutation.
func (m *MemoryBackend) OnSubmit(hook func(req *models.MutationRequest) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSubmit = hook
}

func (m *MemoryBackend) Fetches() int64 { return m.fetches.Load() }

func (m *MemoryBackend) Submits() int64 { return m.submits.Load() }

// Seed stores nodes as they are. Like counts and poll counts on the seeded
// nodes are kept as votes from anonymous viewers.
func (m *MemoryBackend) Seed(threadID string, nodes ...*models.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.thread(threadID)
	for _, n := range nodes {
		mn := &memNode{
			node:      *n.Clone(),
			baseLikes: n.LikeCount,
			likes:     make(map[string]bool),
			votes:     make(map[string]string),
		}
		mn.node.ThreadID = threadID
		mn.node.IsLikedByViewer = false
		if n.Poll != nil {
			mn.baseVotes = make(map[string]int, len(n.Poll.Options))
			for _, o := range n.Poll.Options {
				mn.baseVotes[o.ID] = o.Count
			}
			mn.node.Poll.Selected = ""
		}
		if mn.node.CreatedAt.IsZero() {
			mn.node.CreatedAt = m.opts.Now()
		}
		t.add(mn)
	}
}

// ClosePoll stops a poll from accepting votes.
func (m *MemoryBackend) ClosePoll(threadID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mn, err := m.lookup(threadID, nodeID)
	if err != nil {
		return err
	}
	if mn.node.Poll == nil {
		return utils.NewValidationError("node %s has no poll", nodeID)
	}
	mn.node.Poll.Closed = true
	return nil
}

// Nodes returns the thread's flat node list as viewerID sees it.
func (m *MemoryBackend) Nodes(threadID, viewerID string) []*models.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil
	}
	out := make([]*models.Node, 0, len(t.order))
	for _, mn := range t.order {
		out = append(out, mn.view(viewerID))
	}
	return out
}

func (m *MemoryBackend) FetchPage(ctx context.Context, threadID string, offset, limit int) (*models.Page, error) {
	m.fetches.Add(1)
	if err := m.delay(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onFetch != nil {
		if err := m.onFetch(threadID, offset); err != nil {
			return nil, err
		}
	}
	if offset < 0 || limit <= 0 {
		return nil, utils.NewValidationError("invalid page window %d+%d", offset, limit)
	}

	viewerID := ViewerFrom(ctx)
	page := &models.Page{Nodes: []*models.Node{}}
	t, ok := m.threads[threadID]
	if !ok {
		return page, nil
	}
	for i := offset; i < len(t.order) && i < offset+limit; i++ {
		page.Nodes = append(page.Nodes, t.order[i].view(viewerID))
	}
	page.TotalCount = len(t.order)
	for _, mn := range t.order {
		if mn.node.IsDeleted {
			page.DeletedTotalCount++
		}
	}
	page.HasMore = offset+len(page.Nodes) < len(t.order)
	return page, nil
}

func (m *MemoryBackend) SubmitMutation(ctx context.Context, req *models.MutationRequest) (*models.MutationResult, error) {
	m.submits.Add(1)
	if err := m.delay(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onSubmit != nil {
		if err := m.onSubmit(req); err != nil {
			return nil, err
		}
	}
	if req.ViewerID == "" {
		return nil, utils.NewAuthRequiredError(string(req.Kind))
	}

	switch req.Kind {
	case models.MutationCreate, models.MutationReply:
		return m.insert(req)
	}

	mn, err := m.lookup(req.ThreadID, req.TargetID)
	if err != nil {
		return nil, err
	}
	now := m.opts.Now()

	switch req.Kind {
	case models.MutationLike:
		if req.Liked {
			mn.likes[req.ViewerID] = true
		} else {
			delete(mn.likes, req.ViewerID)
		}
	case models.MutationVote:
		if err := mn.vote(req.ViewerID, req.OptionID); err != nil {
			return nil, err
		}
	case models.MutationEdit:
		if err := mn.authoredBy(req.ViewerID, "edit"); err != nil {
			return nil, err
		}
		if mn.node.IsDeleted {
			return nil, utils.NewConflictError("node "+mn.node.ID+" is deleted", nil)
		}
		mn.node.Content = req.Content
		mn.node.Attachments = append([]string(nil), req.Attachments...)
		mn.node.UpdatedAt = now
	case models.MutationDelete:
		if err := mn.authoredBy(req.ViewerID, "delete"); err != nil {
			return nil, err
		}
		mn.node.IsDeleted = true
		mn.node.UpdatedAt = now
	default:
		return nil, utils.NewValidationError("unsupported mutation kind %q", req.Kind)
	}

	view := mn.view(req.ViewerID)
	return &models.MutationResult{
		CorrelationID: req.CorrelationID,
		Node:          view,
		Liked:         view.IsLikedByViewer,
		LikeCount:     view.LikeCount,
		Poll:          view.Poll,
	}, nil
}

func (m *MemoryBackend) insert(req *models.MutationRequest) (*models.MutationResult, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return nil, utils.NewValidationError("content or an attachment is required")
	}
	now := m.opts.Now()
	n := models.Node{
		ID:          uuid.NewString(),
		ThreadID:    req.ThreadID,
		AuthorID:    req.ViewerID,
		Content:     req.Content,
		Attachments: append([]string(nil), req.Attachments...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if req.Kind == models.MutationReply {
		parent, err := m.lookup(req.ThreadID, req.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.node.IsDeleted {
			return nil, utils.NewConflictError("cannot reply to deleted node "+req.ParentID, nil)
		}
		n.ParentID = parent.node.ID
		n.Depth = parent.node.Depth + 1
		if m.opts.MaxDepth > 0 && n.Depth > m.opts.MaxDepth {
			return nil, utils.NewValidationError("reply depth %d exceeds %d", n.Depth, m.opts.MaxDepth)
		}
	}

	mn := &memNode{node: n, likes: make(map[string]bool), votes: make(map[string]string)}
	m.thread(req.ThreadID).add(mn)
	return &models.MutationResult{CorrelationID: req.CorrelationID, Node: mn.view(req.ViewerID)}, nil
}

func (m *MemoryBackend) delay(ctx context.Context) error {
	if m.opts.Latency == nil {
		return ctx.Err()
	}
	timer := time.NewTimer(m.opts.Latency())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return utils.NewTransportError("request cancelled", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (m *MemoryBackend) thread(threadID string) *memThread {
	t, ok := m.threads[threadID]
	if !ok {
		t = &memThread{byID: make(map[string]*memNode)}
		m.threads[threadID] = t
	}
	return t
}

func (m *MemoryBackend) lookup(threadID, nodeID string) (*memNode, error) {
	t, ok := m.threads[threadID]
	if !ok {
		return nil, utils.NewNotFoundError("thread", threadID)
	}
	mn, ok := t.byID[nodeID]
	if !ok {
		return nil, utils.NewNotFoundError("node", nodeID)
	}
	return mn, nil
}

// add keeps the flat list ordered by creation time, oldest first.
func (t *memThread) add(mn *memNode) {
	if existing, ok := t.byID[mn.node.ID]; ok {
		*existing = *mn
		return
	}
	t.byID[mn.node.ID] = mn
	t.order = append(t.order, mn)
	sort.SliceStable(t.order, func(i, j int) bool {
		x, y := t.order[i].node, t.order[j].node
		if !x.CreatedAt.Equal(y.CreatedAt) {
			return x.CreatedAt.Before(y.CreatedAt)
		}
		return x.ID < y.ID
	})
}

func (mn *memNode) authoredBy(viewerID, action string) error {
	if mn.node.AuthorID != "" && mn.node.AuthorID != viewerID {
		return utils.NewConflictError("only the author may "+action+" node "+mn.node.ID, nil)
	}
	return nil
}

func (mn *memNode) vote(viewerID, optionID string) error {
	poll := mn.node.Poll
	if poll == nil {
		return utils.NewValidationError("node %s has no poll", mn.node.ID)
	}
	if poll.Closed {
		return utils.NewConflictError("voting on node "+mn.node.ID+" is closed", nil)
	}
	if optionID == "" {
		delete(mn.votes, viewerID)
		return nil
	}
	if _, ok := poll.Option(optionID); !ok {
		return utils.NewValidationError("unknown poll option %q", optionID)
	}
	mn.votes[viewerID] = optionID
	return nil
}

// view renders the node for one viewer.
func (mn *memNode) view(viewerID string) *models.Node {
	n := mn.node.Clone()
	n.LikeCount = mn.baseLikes + len(mn.likes)
	n.IsLikedByViewer = mn.likes[viewerID]
	if n.Poll != nil {
		for i := range n.Poll.Options {
			o := &n.Poll.Options[i]
			o.Count = mn.baseVotes[o.ID]
		}
		for _, optionID := range mn.votes {
			if o, ok := n.Poll.Option(optionID); ok {
				o.Count++
			}
		}
		n.Poll.Selected = mn.votes[viewerID]
		n.Poll.Total = n.Poll.SumCounts()
	}
	return n
}
