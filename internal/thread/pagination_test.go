package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gator-threads/internal/models"
)

func pageOf(n, total, deleted int, hasMore bool) *models.Page {
	nodes := make([]*models.Node, n)
	for i := range nodes {
		nodes[i] = &models.Node{}
	}
	return &models.Page{Nodes: nodes, TotalCount: total, DeletedTotalCount: deleted, HasMore: hasMore}
}

func TestPaginatorAdvancesByReturnedCount(t *testing.T) {
	p := NewPaginator("t1", 10)

	req, ok := p.NextPage()
	require.True(t, ok)
	assert.Equal(t, models.PageRequest{ThreadID: "t1", Offset: 0, Limit: 10}, req)

	_, ok = p.NextPage()
	assert.False(t, ok, "only one request may be out at a time")

	require.True(t, p.Apply(req, pageOf(10, 14, 2, true)))
	req, ok = p.NextPage()
	require.True(t, ok)
	assert.Equal(t, 10, req.Offset)

	// Short final page
	require.True(t, p.Apply(req, pageOf(4, 14, 2, false)))
	assert.Equal(t, 14, p.State().Offset)
	assert.False(t, p.HasMore())

	_, ok = p.NextPage()
	assert.False(t, ok)
	assert.Equal(t, 12, p.VisibleCount())
}

func TestPaginatorDiscardsStaleResponses(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *Paginator, req models.PageRequest) models.PageRequest
	}{
		{
			name: "reset after request",
			setup: func(p *Paginator, req models.PageRequest) models.PageRequest {
				p.Reset()
				return req
			},
		},
		{
			name: "offset no longer expected",
			setup: func(p *Paginator, req models.PageRequest) models.PageRequest {
				req.Offset = 30
				return req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPaginator("t1", 10)
			req, ok := p.NextPage()
			require.True(t, ok)

			stale := tt.setup(p, req)
			before := p.State()
			assert.False(t, p.Apply(stale, pageOf(10, 50, 0, true)))
			assert.Equal(t, before, p.State())
		})
	}
}

func TestPaginatorAbortAllowsRetry(t *testing.T) {
	p := NewPaginator("t1", 5)
	req, _ := p.NextPage()
	p.Abort(req)

	retry, ok := p.NextPage()
	require.True(t, ok)
	assert.Equal(t, req.Offset, retry.Offset)
}

func TestPaginatorVisibleCount(t *testing.T) {
	tests := []struct {
		name           string
		total, deleted int
		adjustTotal    int
		adjustDeleted  int
		want           int
	}{
		{name: "plain", total: 10, deleted: 3, want: 7},
		{name: "clamped", total: 2, deleted: 5, want: 0},
		{name: "confirmed create", total: 10, deleted: 3, adjustTotal: 1, want: 8},
		{name: "confirmed delete", total: 10, deleted: 3, adjustDeleted: 1, want: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPaginator("t1", 10)
			req, _ := p.NextPage()
			p.Apply(req, pageOf(1, tt.total, tt.deleted, true))
			p.Adjust(tt.adjustTotal, tt.adjustDeleted)
			assert.Equal(t, tt.want, p.VisibleCount())
		})
	}
}
