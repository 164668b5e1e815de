package thread

import (
	"gator-threads/internal/models"
)

// Kinds that live as an overlay on an existing node, in projection order.
var overlayKinds = []models.MutationKind{
	models.MutationLike,
	models.MutationVote,
	models.MutationEdit,
	models.MutationDelete,
}

func captureSnapshot(kind models.MutationKind, n *models.Node) models.Snapshot {
	switch kind {
	case models.MutationLike:
		return models.Snapshot{Liked: n.IsLikedByViewer, LikeCount: n.LikeCount}
	case models.MutationVote:
		return models.Snapshot{Poll: n.Poll.Clone()}
	case models.MutationEdit:
		return models.Snapshot{Content: n.Content, Attachments: cloneStrings(n.Attachments)}
	case models.MutationDelete:
		return models.Snapshot{Deleted: n.IsDeleted}
	}
	return models.Snapshot{}
}

// applySnapshot writes the fields owned by kind from snap onto n.
func applySnapshot(kind models.MutationKind, n *models.Node, snap models.Snapshot) {
	switch kind {
	case models.MutationLike:
		n.IsLikedByViewer = snap.Liked
		n.LikeCount = snap.LikeCount
	case models.MutationVote:
		n.Poll = snap.Poll.Clone()
	case models.MutationEdit:
		n.Content = snap.Content
		n.Attachments = cloneStrings(snap.Attachments)
	case models.MutationDelete:
		n.IsDeleted = snap.Deleted
	}
}

// serverSnapshot extracts the authoritative value of kind from a server
// result. Fields the server did not echo fall back to the optimistic guess.
func serverSnapshot(kind models.MutationKind, res *models.MutationResult, guess models.Snapshot) models.Snapshot {
	if res == nil {
		return guess
	}
	switch kind {
	case models.MutationLike:
		if res.Node != nil {
			return captureSnapshot(kind, res.Node)
		}
		return models.Snapshot{Liked: res.Liked, LikeCount: res.LikeCount}
	case models.MutationVote:
		poll := res.Poll
		if poll == nil && res.Node != nil {
			poll = res.Node.Poll
		}
		if poll == nil {
			return guess
		}
		return models.Snapshot{Poll: normalizePoll(poll)}
	case models.MutationEdit, models.MutationDelete:
		if res.Node != nil {
			return captureSnapshot(kind, res.Node)
		}
	}
	return guess
}

// normalizePoll returns a copy whose total is the sum of its option counts.
func normalizePoll(p *models.Poll) *models.Poll {
	if p == nil {
		return nil
	}
	c := p.Clone()
	c.Total = c.SumCounts()
	return c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
