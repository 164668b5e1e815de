package thread

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

// seededThread holds a root with three likes, a poll and a reply chain down
// to the maximum depth.
func seededThread(t *testing.T) (*Store, *Coordinator) {
	t.Helper()
	s := newTestStore(2)

	r1 := node("r1", "", 1)
	r1.LikeCount = 3
	v1 := node("v1", "", 2)
	v1.Poll = twoOptionPoll()
	closed := node("v2", "", 3)
	closed.Poll = twoOptionPoll()
	closed.Poll.Closed = true
	gone := node("x1", "r1", 5)
	gone.IsDeleted = true

	require.Empty(t, s.Upsert([]*models.Node{
		r1, v1, closed, gone,
		node("c1", "r1", 4),
		node("g1", "c1", 6),
	}))
	return s, NewCoordinator(s, "viewer-1", nil)
}

func get(t *testing.T, s *Store, id string) *models.Node {
	t.Helper()
	n, ok := s.Get(id)
	require.True(t, ok, "node %s", id)
	return n
}

func TestToggleLikeConfirmTakesServerCounts(t *testing.T) {
	s, c := seededThread(t)

	d, err := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})
	require.NoError(t, err)
	assert.True(t, d.Request.Liked)
	assert.Equal(t, "viewer-1", d.Request.ViewerID)
	assert.Equal(t, models.StateApplied, d.Mutation.State)

	n := get(t, s, "r1")
	assert.True(t, n.IsLikedByViewer)
	assert.Equal(t, 4, n.LikeCount)
	assert.Equal(t, []models.MutationKind{models.MutationLike}, n.Pending)

	rec, ok := c.Confirm(d.Mutation.CorrelationID, &models.MutationResult{Liked: true, LikeCount: 10})
	require.True(t, ok)
	assert.Equal(t, models.StateConfirmed, rec.Outcome.State)

	n = get(t, s, "r1")
	assert.True(t, n.IsLikedByViewer)
	assert.Equal(t, 10, n.LikeCount)
	assert.False(t, n.IsPending())
	assert.Empty(t, c.Pending())
}

func TestToggleLikeFailureRestoresSnapshot(t *testing.T) {
	s, c := seededThread(t)

	d, err := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})
	require.NoError(t, err)

	rec, ok := c.Fail(d.Mutation.CorrelationID, errors.New("connection reset"))
	require.True(t, ok)
	assert.Equal(t, models.StateRolledBack, rec.Outcome.State)
	assert.True(t, utils.IsErrorCode(rec.Outcome.Err, utils.ErrTransport))

	n := get(t, s, "r1")
	assert.False(t, n.IsLikedByViewer)
	assert.Equal(t, 3, n.LikeCount)
	assert.False(t, n.IsPending())

	_, ok = c.Fail(d.Mutation.CorrelationID, errors.New("again"))
	assert.False(t, ok, "a settled mutation cannot settle twice")
}

func TestRollbackRestoresSnapshotNotRecomputation(t *testing.T) {
	s, c := seededThread(t)

	d, err := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})
	require.NoError(t, err)

	// A page load moves the server count while the like is in flight
	moved := node("r1", "", 1)
	moved.LikeCount = 9
	s.Upsert([]*models.Node{moved})

	c.Fail(d.Mutation.CorrelationID, errors.New("boom"))
	n := get(t, s, "r1")
	assert.Equal(t, 3, n.LikeCount)
	assert.False(t, n.IsLikedByViewer)
}

func TestSupersededLikeReconcilesInOrder(t *testing.T) {
	s, c := seededThread(t)

	first, err := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})
	require.NoError(t, err)
	second, err := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})
	require.NoError(t, err)
	assert.False(t, second.Request.Liked)
	assert.Len(t, c.Pending(), 2)

	n := get(t, s, "r1")
	assert.False(t, n.IsLikedByViewer)
	assert.Equal(t, 3, n.LikeCount)

	// The first answer must not clobber the newer guess
	c.Confirm(first.Mutation.CorrelationID, &models.MutationResult{Liked: true, LikeCount: 4})
	n = get(t, s, "r1")
	assert.False(t, n.IsLikedByViewer)
	assert.Equal(t, 3, n.LikeCount)
	assert.True(t, n.IsPending())

	c.Confirm(second.Mutation.CorrelationID, &models.MutationResult{Liked: false, LikeCount: 3})
	n = get(t, s, "r1")
	assert.False(t, n.IsLikedByViewer)
	assert.Equal(t, 3, n.LikeCount)
	assert.False(t, n.IsPending())
}

func TestLateStaleConfirmationIsDiscarded(t *testing.T) {
	s, c := seededThread(t)

	first, _ := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})
	second, _ := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})

	rec, _ := c.Confirm(second.Mutation.CorrelationID, &models.MutationResult{Liked: false, LikeCount: 5})
	assert.False(t, rec.Stale)

	rec, ok := c.Confirm(first.Mutation.CorrelationID, &models.MutationResult{Liked: true, LikeCount: 6})
	require.True(t, ok)
	assert.True(t, rec.Stale)

	n := get(t, s, "r1")
	assert.False(t, n.IsLikedByViewer)
	assert.Equal(t, 5, n.LikeCount)
	assert.False(t, n.IsPending())
}

func TestSupersededLikeFailures(t *testing.T) {
	t.Run("older fails first", func(t *testing.T) {
		s, c := seededThread(t)
		first, _ := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})
		second, _ := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})

		c.Fail(first.Mutation.CorrelationID, errors.New("boom"))
		c.Fail(second.Mutation.CorrelationID, errors.New("boom"))

		n := get(t, s, "r1")
		assert.False(t, n.IsLikedByViewer)
		assert.Equal(t, 3, n.LikeCount)
		assert.False(t, n.IsPending())
	})

	t.Run("newer fails first", func(t *testing.T) {
		s, c := seededThread(t)
		first, _ := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})
		second, _ := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})

		c.Fail(second.Mutation.CorrelationID, errors.New("boom"))
		n := get(t, s, "r1")
		assert.True(t, n.IsLikedByViewer, "falls back to the older guess")
		assert.Equal(t, 4, n.LikeCount)

		c.Confirm(first.Mutation.CorrelationID, &models.MutationResult{Liked: true, LikeCount: 4})
		n = get(t, s, "r1")
		assert.True(t, n.IsLikedByViewer)
		assert.Equal(t, 4, n.LikeCount)
		assert.False(t, n.IsPending())
	})
}

func TestIndependentTargetsDoNotInterfere(t *testing.T) {
	s, c := seededThread(t)

	like, _ := c.ToggleLike(models.LikeCommand{ThreadID: "t1", NodeID: "r1"})
	del, err := c.SoftDelete(models.DeleteCommand{ThreadID: "t1", NodeID: "c1"})
	require.NoError(t, err)

	c.Fail(like.Mutation.CorrelationID, errors.New("boom"))
	assert.True(t, get(t, s, "c1").IsDeleted)

	c.Confirm(del.Mutation.CorrelationID, &models.MutationResult{})
	assert.True(t, get(t, s, "c1").IsDeleted)
	assert.False(t, get(t, s, "r1").IsLikedByViewer)
}

func TestVoteScenario(t *testing.T) {
	s, c := seededThread(t)
	vote := func(option string) *Dispatch {
		d, err := c.Vote(models.VoteCommand{ThreadID: "t1", NodeID: "v1", OptionID: option})
		require.NoError(t, err)
		poll := get(t, s, "v1").Poll
		rec, ok := c.Confirm(d.Mutation.CorrelationID, &models.MutationResult{Poll: poll})
		require.True(t, ok)
		require.False(t, rec.Stale)
		return d
	}

	d := vote("A")
	assert.Equal(t, "A", d.Request.OptionID)
	poll := get(t, s, "v1").Poll
	assert.Equal(t, []int{1, 0}, counts(poll))
	assert.Equal(t, 1, poll.Total)

	vote("B")
	poll = get(t, s, "v1").Poll
	assert.Equal(t, []int{0, 1}, counts(poll))
	assert.Equal(t, 1, poll.Total)

	d = vote("B")
	assert.Empty(t, d.Request.OptionID, "clicking the selected option retracts")
	poll = get(t, s, "v1").Poll
	assert.Equal(t, []int{0, 0}, counts(poll))
	assert.Equal(t, 0, poll.Total)
	assert.Empty(t, poll.Selected)
}

func TestVoteConfirmationOverwritesWithServerPoll(t *testing.T) {
	s, c := seededThread(t)

	d, err := c.Vote(models.VoteCommand{ThreadID: "t1", NodeID: "v1", OptionID: "A"})
	require.NoError(t, err)

	server := &models.Poll{
		Options:  []models.PollOption{{ID: "A", Label: "A", Count: 4}, {ID: "B", Label: "B", Count: 7}},
		Selected: "A",
		Total:    99,
	}
	c.Confirm(d.Mutation.CorrelationID, &models.MutationResult{Poll: server})

	poll := get(t, s, "v1").Poll
	assert.Equal(t, []int{4, 7}, counts(poll))
	assert.Equal(t, 11, poll.Total)
}

func TestVoteTotalInvariant(t *testing.T) {
	s, c := seededThread(t)
	rng := rand.New(rand.NewSource(42))
	var inFlight []*Dispatch

	for i := 0; i < 200; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			option := []string{"A", "B"}[rng.Intn(2)]
			d, err := c.Vote(models.VoteCommand{ThreadID: "t1", NodeID: "v1", OptionID: option})
			require.NoError(t, err)
			inFlight = append(inFlight, d)
		case 2:
			if len(inFlight) > 0 {
				i := rng.Intn(len(inFlight))
				d := inFlight[i]
				inFlight = append(inFlight[:i], inFlight[i+1:]...)
				c.Confirm(d.Mutation.CorrelationID, &models.MutationResult{Poll: d.Mutation.Optimistic.Poll})
			}
		case 3:
			if len(inFlight) > 0 {
				i := rng.Intn(len(inFlight))
				d := inFlight[i]
				inFlight = append(inFlight[:i], inFlight[i+1:]...)
				c.Fail(d.Mutation.CorrelationID, errors.New("boom"))
			}
		}

		poll := get(t, s, "v1").Poll
		require.Equal(t, poll.SumCounts(), poll.Total, "step %d", i)
		for _, o := range poll.Options {
			require.GreaterOrEqual(t, o.Count, 0)
		}
	}
}

func TestVoteRejectsClosedAndUnknown(t *testing.T) {
	s, c := seededThread(t)

	_, err := c.Vote(models.VoteCommand{ThreadID: "t1", NodeID: "v2", OptionID: "A"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrConflict))

	_, err = c.Vote(models.VoteCommand{ThreadID: "t1", NodeID: "v1", OptionID: "Z"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrValidation))

	_, err = c.Vote(models.VoteCommand{ThreadID: "t1", NodeID: "r1", OptionID: "A"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrValidation))

	assert.Empty(t, c.Pending())
	assert.Equal(t, []int{0, 0}, counts(get(t, s, "v2").Poll))
}

func TestReplyScenario(t *testing.T) {
	s, c := seededThread(t)

	d, err := c.Reply(models.ReplyCommand{ThreadID: "t1", ParentID: "r1", Content: "hello"})
	require.NoError(t, err)
	tempID := d.Mutation.TargetID
	assert.True(t, strings.HasPrefix(tempID, TempPrefix))
	assert.Equal(t, "r1", d.Request.ParentID)
	assert.False(t, d.Deferred)

	temp := get(t, s, tempID)
	assert.Equal(t, 1, temp.Depth)
	assert.Equal(t, []models.MutationKind{models.MutationReply}, temp.Pending)
	assert.Equal(t, "viewer-1", temp.AuthorID)

	created := base.Add(time.Hour)
	rec, ok := c.Confirm(d.Mutation.CorrelationID, &models.MutationResult{Node: &models.Node{
		ID:        "r123",
		ThreadID:  "t1",
		ParentID:  "r1",
		Content:   "hello",
		CreatedAt: created,
		UpdatedAt: created,
	}})
	require.True(t, ok)
	assert.Equal(t, "r123", rec.Outcome.TargetID)

	_, ok = s.Get(tempID)
	assert.False(t, ok)
	n := get(t, s, "r123")
	assert.Equal(t, 1, n.Depth)
	assert.False(t, n.IsPending())
	assert.Equal(t, created, n.CreatedAt)
	assert.Contains(t, nodeIDs(s.Forest()[len(s.Forest())-1].Children), "r123")
}

func TestReplyDepthGuardFailsFast(t *testing.T) {
	s, c := seededThread(t)
	before := s.Forest()

	_, err := c.Reply(models.ReplyCommand{ThreadID: "t1", ParentID: "g1", Content: "too deep"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrValidation))
	assert.Empty(t, c.Pending())
	assert.Equal(t, before, s.Forest())
}

func TestReplyValidation(t *testing.T) {
	_, c := seededThread(t)

	tests := []struct {
		name string
		cmd  models.ReplyCommand
	}{
		{name: "unknown parent", cmd: models.ReplyCommand{ParentID: "nope", Content: "x"}},
		{name: "deleted parent", cmd: models.ReplyCommand{ParentID: "x1", Content: "x"}},
		{name: "empty content", cmd: models.ReplyCommand{ParentID: "r1", Content: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Reply(tt.cmd)
			assert.True(t, utils.IsErrorCode(err, utils.ErrValidation))
		})
	}

	_, err := c.Reply(models.ReplyCommand{ParentID: "r1", Attachments: []string{"a.png"}})
	assert.NoError(t, err, "an attachment alone is enough")
}

func TestCreateFailureRemovesSpeculativeNode(t *testing.T) {
	s, c := seededThread(t)
	roots := len(s.Forest())

	d, err := c.Create(models.CreateCommand{ThreadID: "t1", Content: "new post"})
	require.NoError(t, err)
	assert.Len(t, s.Forest(), roots+1)
	assert.Equal(t, []models.MutationKind{models.MutationCreate}, get(t, s, d.Mutation.TargetID).Pending)

	rec, _ := c.Fail(d.Mutation.CorrelationID, utils.NewConflictError("duplicate", nil))
	assert.True(t, utils.IsErrorCode(rec.Outcome.Err, utils.ErrConflict))
	assert.Len(t, s.Forest(), roots)
	_, ok := s.Get(d.Mutation.TargetID)
	assert.False(t, ok)
}

func TestReplyToSpeculativeNodeWaitsForParent(t *testing.T) {
	s, c := seededThread(t)

	post, err := c.Create(models.CreateCommand{ThreadID: "t1", Content: "post"})
	require.NoError(t, err)
	reply, err := c.Reply(models.ReplyCommand{ThreadID: "t1", ParentID: post.Mutation.TargetID, Content: "first"})
	require.NoError(t, err)
	assert.True(t, reply.Deferred)
	assert.Equal(t, 1, get(t, s, reply.Mutation.TargetID).Depth)

	// Expiry leaves held-back replies to their parent
	assert.Len(t, c.Expire(base.Add(time.Second), 2*time.Second), 0)

	rec, _ := c.Confirm(post.Mutation.CorrelationID, &models.MutationResult{Node: &models.Node{ID: "p1", Content: "post"}})
	require.Len(t, rec.Released, 1)
	assert.Equal(t, "p1", rec.Released[0].Request.ParentID)
	assert.Equal(t, reply.Mutation.CorrelationID, rec.Released[0].Request.CorrelationID)
	assert.Equal(t, "p1", get(t, s, reply.Mutation.TargetID).ParentID)
}

func TestReleasedReplyTimesOutFromDispatch(t *testing.T) {
	now := base
	s := NewStore("t1", Options{MaxDepth: 2, OrphanGrace: time.Minute, Now: func() time.Time { return now }})
	c := NewCoordinator(s, "viewer-1", nil)

	post, err := c.Create(models.CreateCommand{ThreadID: "t1", Content: "post"})
	require.NoError(t, err)
	reply, err := c.Reply(models.ReplyCommand{ThreadID: "t1", ParentID: post.Mutation.TargetID, Content: "first"})
	require.NoError(t, err)

	now = base.Add(9 * time.Second)
	rec, ok := c.Confirm(post.Mutation.CorrelationID, &models.MutationResult{Node: &models.Node{ID: "p1", Content: "post", CreatedAt: base}})
	require.True(t, ok)
	require.Len(t, rec.Released, 1)
	assert.Equal(t, now, rec.Released[0].Mutation.AppliedAt)

	// One second after release is well inside the timeout.
	assert.Empty(t, c.Expire(base.Add(10*time.Second), 10*time.Second))
	_, live := c.Lookup(reply.Mutation.CorrelationID)
	assert.True(t, live)

	expired := c.Expire(base.Add(19*time.Second), 10*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, reply.Mutation.CorrelationID, expired[0].Outcome.CorrelationID)
	assert.True(t, utils.IsErrorCode(expired[0].Outcome.Err, utils.ErrTransport))
}

func TestFailedParentCascadesToWaitingReplies(t *testing.T) {
	s, c := seededThread(t)

	post, _ := c.Create(models.CreateCommand{ThreadID: "t1", Content: "post"})
	reply, _ := c.Reply(models.ReplyCommand{ThreadID: "t1", ParentID: post.Mutation.TargetID, Content: "first"})
	nested, err := c.Reply(models.ReplyCommand{ThreadID: "t1", ParentID: reply.Mutation.TargetID, Content: "second"})
	require.NoError(t, err)

	rec, _ := c.Fail(post.Mutation.CorrelationID, errors.New("offline"))
	require.Len(t, rec.Cascaded, 2)
	for _, out := range rec.Cascaded {
		assert.Equal(t, models.StateRolledBack, out.State)
		assert.True(t, utils.IsErrorCode(out.Err, utils.ErrTransport))
	}
	_, ok := s.Get(nested.Mutation.TargetID)
	assert.False(t, ok)
	assert.Empty(t, c.Pending())
}

func TestSpeculativeNodesRejectInPlaceMutations(t *testing.T) {
	_, c := seededThread(t)
	post, _ := c.Create(models.CreateCommand{ThreadID: "t1", Content: "post"})
	id := post.Mutation.TargetID

	_, err := c.ToggleLike(models.LikeCommand{NodeID: id})
	assert.True(t, utils.IsErrorCode(err, utils.ErrValidation))
	_, err = c.Edit(models.EditCommand{NodeID: id, Content: "x"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrValidation))
	_, err = c.SoftDelete(models.DeleteCommand{NodeID: id})
	assert.True(t, utils.IsErrorCode(err, utils.ErrValidation))
}

func TestEditAndDeleteRollback(t *testing.T) {
	s, c := seededThread(t)

	edit, err := c.Edit(models.EditCommand{NodeID: "c1", Content: "changed", Attachments: []string{"a.png"}})
	require.NoError(t, err)
	n := get(t, s, "c1")
	assert.Equal(t, "changed", n.Content)
	assert.Equal(t, []string{"a.png"}, n.Attachments)

	c.Fail(edit.Mutation.CorrelationID, errors.New("boom"))
	n = get(t, s, "c1")
	assert.Equal(t, "content of c1", n.Content)
	assert.Empty(t, n.Attachments)

	del, err := c.SoftDelete(models.DeleteCommand{NodeID: "c1"})
	require.NoError(t, err)
	forest := s.Forest()
	c1 := forest[len(forest)-1].Children[0]
	assert.True(t, c1.IsDeleted)
	assert.Len(t, c1.Children, 1, "tombstones keep their replies")

	_, err = c.SoftDelete(models.DeleteCommand{NodeID: "c1"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrValidation))

	c.Fail(del.Mutation.CorrelationID, errors.New("boom"))
	assert.False(t, get(t, s, "c1").IsDeleted)
}

func TestCommandsRequireViewer(t *testing.T) {
	s, _ := seededThread(t)
	c := NewCoordinator(s, "", nil)

	_, err := c.ToggleLike(models.LikeCommand{NodeID: "r1"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrAuthRequired))
	_, err = c.Create(models.CreateCommand{Content: "x"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrAuthRequired))
	_, err = c.Reply(models.ReplyCommand{ParentID: "r1", Content: "x"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrAuthRequired))
}

func TestExpireRollsBackStaleMutations(t *testing.T) {
	s, c := seededThread(t)

	d, _ := c.ToggleLike(models.LikeCommand{NodeID: "r1"})
	assert.Empty(t, c.Expire(base.Add(10*time.Second), 30*time.Second))

	recs := c.Expire(base.Add(30*time.Second), 30*time.Second)
	require.Len(t, recs, 1)
	assert.True(t, utils.IsErrorCode(recs[0].Outcome.Err, utils.ErrTransport))
	assert.Equal(t, 3, get(t, s, "r1").LikeCount)

	_, ok := c.Confirm(d.Mutation.CorrelationID, &models.MutationResult{Liked: true, LikeCount: 4})
	assert.False(t, ok, "answers after expiry are ignored")
	assert.Equal(t, 3, get(t, s, "r1").LikeCount)
}
