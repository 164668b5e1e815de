package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

func twoOptionPoll() *models.Poll {
	return &models.Poll{Options: []models.PollOption{{ID: "A", Label: "A"}, {ID: "B", Label: "B"}}}
}

func counts(p *models.Poll) []int {
	out := make([]int, len(p.Options))
	for i, o := range p.Options {
		out[i] = o.Count
	}
	return out
}

func TestCastVote(t *testing.T) {
	poll := twoOptionPoll()

	poll, err := castVote(poll, "A")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, counts(poll))
	assert.Equal(t, 1, poll.Total)
	assert.Equal(t, "A", poll.Selected)

	poll, err = castVote(poll, "B")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, counts(poll))
	assert.Equal(t, 1, poll.Total)

	poll, err = castVote(poll, "B")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, counts(poll))
	assert.Equal(t, 0, poll.Total)
	assert.Empty(t, poll.Selected)

	_, err = castVote(poll, "Z")
	assert.True(t, utils.IsErrorCode(err, utils.ErrValidation))
}

func TestCastVoteLeavesInputUntouched(t *testing.T) {
	poll := twoOptionPoll()
	_, err := castVote(poll, "A")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, counts(poll))
}
