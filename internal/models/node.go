package models

import (
	"time"
)

// Node is a single comment or post entry in a threaded discussion.
type Node struct {
	ID              string    `json:"id" db:"id"`
	ThreadID        string    `json:"threadId" db:"thread_id"`
	ParentID        string    `json:"parentId,omitempty" db:"parent_id"` // Empty for root nodes
	AuthorID        string    `json:"authorId,omitempty" db:"author_id"`
	Depth           int       `json:"depth" db:"depth"`
	Content         string    `json:"content" db:"content"`
	Attachments     []string  `json:"attachments,omitempty" db:"-"`
	LikeCount       int       `json:"likeCount" db:"like_count"`
	IsLikedByViewer bool      `json:"isLikedByViewer" db:"liked_by_viewer"`
	IsDeleted       bool      `json:"isDeleted" db:"is_deleted"`
	Poll            *Poll     `json:"poll,omitempty" db:"-"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`

	// Read projection only
	Children []*Node        `json:"children" db:"-"`
	Pending  []MutationKind `json:"pending,omitempty" db:"-"`
	Detached bool           `json:"detached,omitempty" db:"-"`
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool {
	return n.ParentID == ""
}

// IsPending reports whether any speculative mutation is still in flight for the node.
func (n *Node) IsPending() bool {
	return len(n.Pending) > 0
}

// Clone returns a copy of the node without its children.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Children = nil
	if n.Attachments != nil {
		c.Attachments = append([]string(nil), n.Attachments...)
	}
	if n.Pending != nil {
		c.Pending = append([]MutationKind(nil), n.Pending...)
	}
	c.Poll = n.Poll.Clone()
	return &c
}

// Forest is the ordered set of root nodes of a thread as the UI renders it.
type Forest struct {
	ThreadID     string  `json:"threadId"`
	Roots        []*Node `json:"roots"`
	VisibleCount int     `json:"visibleCount"`
	TotalCount   int     `json:"totalCount"`
	Loaded       int     `json:"loaded"`
	Orphans      int     `json:"orphans"`
	HasMore      bool    `json:"hasMore"`
}

// Walk visits every node of the forest depth-first, parents before children.
func (f *Forest) Walk(fn func(n *Node)) {
	var visit func(nodes []*Node)
	visit = func(nodes []*Node) {
		for _, n := range nodes {
			fn(n)
			visit(n.Children)
		}
	}
	visit(f.Roots)
}

// Find returns the node with the given id, if it is part of the forest.
func (f *Forest) Find(id string) *Node {
	var found *Node
	f.Walk(func(n *Node) {
		if found == nil && n.ID == id {
			found = n
		}
	})
	return found
}
