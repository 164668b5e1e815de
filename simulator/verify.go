package simulator

import (
	"context"
	"errors"
	"fmt"

	"gator-threads/internal/engine"
	"gator-threads/internal/models"
)

const auditorID = "auditor"

// Report summarises the state found after a run.
type Report struct {
	Threads    int
	Nodes      int
	Polls      int
	Violations []string
}

func (r *Report) violate(format string, args ...any) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

// Verify reloads every thread from scratch and checks it against the
// backend. Every viewer's own copy is refreshed and checked as well.
func (s *Simulator) Verify(ctx context.Context) (*Report, error) {
	report := &Report{Threads: len(s.threads)}
	auditor := s.registry.For(auditorID)

	for _, threadID := range s.threads {
		forest, err := loadFully(ctx, auditor, threadID)
		if err != nil {
			return nil, err
		}
		s.checkForest(report, auditorID, forest)
		forest.Walk(func(n *models.Node) {
			report.Nodes++
			if n.Poll != nil {
				report.Polls++
			}
		})

		server := make(map[string]*models.Node)
		for _, n := range s.backend.Nodes(threadID, auditorID) {
			server[n.ID] = n
		}
		if forest.Loaded != len(server) {
			report.violate("%s: auditor loaded %d nodes, backend has %d", threadID, forest.Loaded, len(server))
		}
		forest.Walk(func(n *models.Node) {
			want, ok := server[n.ID]
			switch {
			case !ok:
				report.violate("%s: node %s is not on the backend", threadID, n.ID)
			case want.LikeCount != n.LikeCount:
				report.violate("%s: node %s has %d likes, backend has %d", threadID, n.ID, n.LikeCount, want.LikeCount)
			case want.Poll != nil && want.Poll.Total != n.Poll.Total:
				report.violate("%s: poll %s has %d votes, backend has %d", threadID, n.ID, n.Poll.Total, want.Poll.Total)
			}
		})

		for i := range s.config.NumViewers {
			viewerID := fmt.Sprintf("viewer-%d", i)
			if err := s.checkViewer(ctx, report, viewerID, threadID); err != nil {
				return nil, err
			}
		}
	}

	if len(report.Violations) > 0 {
		return report, fmt.Errorf("%d invariant violations, first: %s", len(report.Violations), report.Violations[0])
	}
	return report, nil
}

func (s *Simulator) checkViewer(ctx context.Context, report *Report, viewerID, threadID string) error {
	e := s.registry.For(viewerID)
	pending, err := e.Pending(ctx, threadID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		report.violate("%s/%s: %d mutations still pending after quiescence", viewerID, threadID, len(pending))
	}

	forest, err := loadFully(ctx, e, threadID)
	if err != nil {
		return err
	}
	s.checkForest(report, viewerID, forest)

	selected := make(map[string]string)
	for _, n := range s.backend.Nodes(threadID, viewerID) {
		if n.Poll != nil {
			selected[n.ID] = n.Poll.Selected
		}
	}
	forest.Walk(func(n *models.Node) {
		if n.Poll != nil && n.Poll.Selected != selected[n.ID] {
			report.violate("%s/%s: poll %s shows %q selected, backend has %q",
				viewerID, threadID, n.ID, n.Poll.Selected, selected[n.ID])
		}
	})
	return nil
}

// checkForest checks the structural invariants: depths follow the tree and
// never exceed the limit, and every poll total is the sum of its options.
func (s *Simulator) checkForest(report *Report, viewerID string, forest *models.Forest) {
	var walk func(n *models.Node, depth int)
	walk = func(n *models.Node, depth int) {
		if n.Depth != depth {
			report.violate("%s/%s: node %s at depth %d sits at %d", viewerID, forest.ThreadID, n.ID, n.Depth, depth)
		}
		if n.Depth > s.config.MaxDepth {
			report.violate("%s/%s: node %s exceeds max depth with %d", viewerID, forest.ThreadID, n.ID, n.Depth)
		}
		if n.IsPending() {
			report.violate("%s/%s: node %s still pending", viewerID, forest.ThreadID, n.ID)
		}
		if p := n.Poll; p != nil {
			if p.Total != p.SumCounts() {
				report.violate("%s/%s: poll %s total %d, options sum to %d", viewerID, forest.ThreadID, n.ID, p.Total, p.SumCounts())
			}
			for _, o := range p.Options {
				if o.Count < 0 {
					report.violate("%s/%s: poll %s option %s is negative", viewerID, forest.ThreadID, n.ID, o.ID)
				}
			}
		}
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	for _, root := range forest.Roots {
		if root.Detached {
			report.violate("%s/%s: node %s was promoted to a root", viewerID, forest.ThreadID, root.ID)
			continue
		}
		walk(root, 0)
	}
	if forest.Orphans > 0 {
		report.violate("%s/%s: %d orphans after a full load", viewerID, forest.ThreadID, forest.Orphans)
	}
}

// loadFully refreshes the thread and pages until it is complete.
func loadFully(ctx context.Context, e *engine.Engine, threadID string) (*models.Forest, error) {
	forest, err := e.Refresh(ctx, threadID)
	for err == nil && forest.HasMore {
		forest, err = e.LoadNextPage(ctx, threadID)
	}
	if err != nil {
		return nil, errors.Join(fmt.Errorf("loading %s", threadID), err)
	}
	return forest, nil
}
