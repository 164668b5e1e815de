package thread

import (
	"gator-threads/internal/models"
)

// Paginator tracks offset-based paging of one thread. Responses are matched
// to the request that produced them; anything issued before the last reset
// or for a different offset is discarded.
type Paginator struct {
	threadID          string
	offset            int
	pageSize          int
	totalCount        int
	deletedTotalCount int
	hasMore           bool
	generation        int
	inFlight          bool
}

func NewPaginator(threadID string, pageSize int) *Paginator {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Paginator{threadID: threadID, pageSize: pageSize, hasMore: true}
}

// NextPage returns the request for the next slice, or false when the server
// has reported there is nothing left or a request is already out.
func (p *Paginator) NextPage() (models.PageRequest, bool) {
	if !p.hasMore || p.inFlight {
		return models.PageRequest{}, false
	}
	p.inFlight = true
	return models.PageRequest{
		ThreadID:   p.threadID,
		Offset:     p.offset,
		Limit:      p.pageSize,
		Generation: p.generation,
	}, true
}

// Apply records a page response. It returns false, leaving the state
// untouched, when the response does not belong to the current request.
func (p *Paginator) Apply(req models.PageRequest, page *models.Page) bool {
	if req.Generation != p.generation || req.Offset != p.offset || page == nil {
		return false
	}
	p.inFlight = false
	p.offset += len(page.Nodes)
	p.totalCount = page.TotalCount
	p.deletedTotalCount = page.DeletedTotalCount
	p.hasMore = page.HasMore && len(page.Nodes) > 0
	return true
}

// Abort releases the in-flight slot after a failed request so it can be
// retried from the same offset.
func (p *Paginator) Abort(req models.PageRequest) {
	if req.Generation == p.generation && req.Offset == p.offset {
		p.inFlight = false
	}
}

// Reset starts paging over; responses to earlier requests become stale.
func (p *Paginator) Reset() {
	p.generation++
	p.offset = 0
	p.totalCount = 0
	p.deletedTotalCount = 0
	p.hasMore = true
	p.inFlight = false
}

// Adjust applies a confirmed create or delete to the server totals without
// a refetch.
func (p *Paginator) Adjust(totalDelta, deletedDelta int) {
	p.totalCount = max(0, p.totalCount+totalDelta)
	p.deletedTotalCount = max(0, p.deletedTotalCount+deletedDelta)
}

// VisibleCount is the number of non-deleted nodes the server holds.
func (p *Paginator) VisibleCount() int {
	return max(0, p.totalCount-p.deletedTotalCount)
}

func (p *Paginator) HasMore() bool { return p.hasMore }

func (p *Paginator) TotalCount() int { return p.totalCount }

func (p *Paginator) Generation() int { return p.generation }

func (p *Paginator) State() models.PageState {
	return models.PageState{
		Offset:            p.offset,
		PageSize:          p.pageSize,
		TotalCount:        p.totalCount,
		DeletedTotalCount: p.deletedTotalCount,
		HasMore:           p.hasMore,
	}
}
