package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gator-threads/internal/models"
)

func TestDocToNodeDerivesViewerFields(t *testing.T) {
	doc := &NodeDocument{
		ID:       "v1",
		ThreadID: "t1",
		AuthorID: "alice",
		Content:  "pick one",
		Poll: &PollDocument{Options: []models.PollOption{
			{ID: "A", Label: "Apples", Count: 99},
			{ID: "B", Label: "Pears"},
		}},
	}
	counts := viewerCounts{
		likes:    map[string]int{"v1": 4},
		liked:    map[string]bool{"v1": true},
		votes:    map[string]map[string]int{"v1": {"A": 2, "B": 3}},
		selected: map[string]string{"v1": "B"},
	}

	n := docToNode(doc, counts)
	assert.Equal(t, 4, n.LikeCount)
	assert.True(t, n.IsLikedByViewer)
	require.NotNil(t, n.Poll)
	assert.Equal(t, 2, n.Poll.Options[0].Count, "stored counts are ignored")
	assert.Equal(t, 5, n.Poll.Total)
	assert.Equal(t, "B", n.Poll.Selected)

	plain := docToNode(&NodeDocument{ID: "r1"}, viewerCounts{})
	assert.Nil(t, plain.Poll)
	assert.Zero(t, plain.LikeCount)
}

func TestMergePolls(t *testing.T) {
	nodes := []*models.Node{
		{ID: "r1"},
		{ID: "v1", Poll: &models.Poll{}},
		{ID: "v2", Poll: &models.Poll{Closed: true}},
	}
	options := []*optionRow{
		{NodeID: "v1", PollOption: models.PollOption{ID: "A", Count: 1}},
		{NodeID: "v1", PollOption: models.PollOption{ID: "B", Count: 2}},
		{NodeID: "v2", PollOption: models.PollOption{ID: "X", Count: 5}},
		{NodeID: "gone", PollOption: models.PollOption{ID: "Y", Count: 5}},
	}

	mergePolls(nodes, options, func(nodeID string) string {
		if nodeID == "v1" {
			return "B"
		}
		return ""
	})

	assert.Nil(t, nodes[0].Poll)
	assert.Len(t, nodes[1].Poll.Options, 2)
	assert.Equal(t, 3, nodes[1].Poll.Total)
	assert.Equal(t, "B", nodes[1].Poll.Selected)
	assert.Equal(t, 5, nodes[2].Poll.Total)
	assert.True(t, nodes[2].Poll.Closed)
}

func TestViewerContext(t *testing.T) {
	assert.Empty(t, ViewerFrom(t.Context()))
	assert.Equal(t, "alice", ViewerFrom(WithViewer(t.Context(), "alice")))
}
