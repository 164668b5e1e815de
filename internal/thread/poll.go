package thread

import (
	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

// castVote returns the poll as it reads after the viewer picks optionID.
// Picking the option that is already selected retracts the vote. The total
// is always recomputed from the option counts.
func castVote(p *models.Poll, optionID string) (*models.Poll, error) {
	next := p.Clone()
	picked, ok := next.Option(optionID)
	if !ok {
		return nil, utils.NewValidationError("unknown poll option %q", optionID)
	}

	if next.Selected == optionID {
		picked.Count = max(0, picked.Count-1)
		next.Selected = ""
	} else {
		if prev, ok := next.Option(next.Selected); ok {
			prev.Count = max(0, prev.Count-1)
		}
		picked.Count++
		next.Selected = optionID
	}
	next.Total = next.SumCounts()
	return next, nil
}
