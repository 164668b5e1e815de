package models

import "time"

// MutationKind represents the kind of speculative operation.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationReply  MutationKind = "reply"
	MutationLike   MutationKind = "like-toggle"
	MutationVote   MutationKind = "vote"
	MutationEdit   MutationKind = "edit"
	MutationDelete MutationKind = "delete"
)

// MutationState is the lifecycle position of a pending mutation.
type MutationState string

const (
	StateApplied    MutationState = "applied-locally"
	StateConfirmed  MutationState = "confirmed"
	StateRolledBack MutationState = "rolled-back"
)

// Snapshot holds the node fields a mutation kind may change. Only the
// fields of the owning kind are meaningful.
type Snapshot struct {
	Liked       bool     `json:"liked,omitempty"`
	LikeCount   int      `json:"likeCount,omitempty"`
	Content     string   `json:"content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Deleted     bool     `json:"deleted,omitempty"`
	Poll        *Poll    `json:"poll,omitempty"`
}

// PendingMutation is a speculative operation awaiting server confirmation.
type PendingMutation struct {
	CorrelationID string        `json:"correlationId"`
	Kind          MutationKind  `json:"kind"`
	ThreadID      string        `json:"threadId"`
	TargetID      string        `json:"targetId"`
	Previous      Snapshot      `json:"previous"`
	Optimistic    Snapshot      `json:"optimistic"`
	AppliedAt     time.Time     `json:"appliedAt"`
	State         MutationState `json:"state"`
}

// MutationRequest is the payload handed to the data backend.
type MutationRequest struct {
	CorrelationID string       `json:"correlationId"`
	Kind          MutationKind `json:"kind"`
	ThreadID      string       `json:"threadId"`
	TargetID      string       `json:"targetId,omitempty"`
	ParentID      string       `json:"parentId,omitempty"`
	ViewerID      string       `json:"viewerId"`
	Content       string       `json:"content,omitempty"`
	Attachments   []string     `json:"attachments,omitempty"`
	Liked         bool         `json:"liked,omitempty"`
	OptionID      string       `json:"optionId,omitempty"` // Empty retracts the viewer's vote
}

// MutationResult is the authoritative server answer for a MutationRequest.
type MutationResult struct {
	CorrelationID string `json:"correlationId"`
	Node          *Node  `json:"node,omitempty"`
	Liked         bool   `json:"liked"`
	LikeCount     int    `json:"likeCount"`
	Poll          *Poll  `json:"poll,omitempty"`
}

// Outcome is the terminal result of a pending mutation.
type Outcome struct {
	CorrelationID string        `json:"correlationId"`
	Kind          MutationKind  `json:"kind"`
	State         MutationState `json:"state"`
	TargetID      string        `json:"targetId"` // Server id once a speculative node is confirmed
	Err           error         `json:"-"`
}

// EventKind tells subscribers what changed in a thread.
type EventKind string

const (
	EventPageLoaded      EventKind = "page-loaded"
	EventRefreshed       EventKind = "refreshed"
	EventMutationApplied EventKind = "mutation-applied"
	EventMutationSettled EventKind = "mutation-settled"
	EventOrphansPromoted EventKind = "orphans-promoted"
)

// ThreadEvent is delivered to subscribers after every store change.
type ThreadEvent struct {
	ThreadID      string        `json:"threadId"`
	Kind          EventKind     `json:"kind"`
	CorrelationID string        `json:"correlationId,omitempty"`
	State         MutationState `json:"state,omitempty"`
}
