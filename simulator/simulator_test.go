package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gator-threads/internal/models"
)

func smallConfig() SimConfig {
	cfg := DefaultSimConfig()
	cfg.NumViewers = 4
	cfg.NumThreads = 2
	cfg.SimulationTime = 500 * time.Millisecond
	cfg.OpsPerSecond = 400
	cfg.PageSize = 3
	cfg.MaxLatency = 5 * time.Millisecond
	cfg.FailureRate = 0.2
	return cfg
}

func TestSimulationKeepsInvariants(t *testing.T) {
	sim, err := NewSimulator(smallConfig(), nil)
	require.NoError(t, err)
	defer sim.Close()

	report, err := sim.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Violations)
	assert.Equal(t, 2, report.Threads)
	assert.GreaterOrEqual(t, report.Polls, 2)

	m := sim.GetMetrics()
	assert.Positive(t, m.Commands)
	assert.Positive(t, m.Confirmed)
	assert.Equal(t, m.Commands-m.Rejected, m.Confirmed+m.RolledBack)
	assert.Positive(t, m.Events)
}

func TestVerifyFlagsBrokenPollTotals(t *testing.T) {
	sim, err := NewSimulator(smallConfig(), nil)
	require.NoError(t, err)
	defer sim.Close()

	report := &Report{}
	sim.checkForest(report, "auditor", &models.Forest{
		ThreadID: "thread-0",
		Roots: []*models.Node{{
			ID:    "p",
			Poll:  &models.Poll{Options: []models.PollOption{{ID: "A", Count: 2}}, Total: 3},
			Depth: 0,
			Children: []*models.Node{
				{ID: "c", Depth: 1, Children: []*models.Node{{ID: "g", Depth: 2, Children: []*models.Node{{ID: "too-deep", Depth: 3}}}}},
			},
		}},
	})

	require.Len(t, report.Violations, 2)
	assert.Contains(t, report.Violations[0], "total 3")
	assert.Contains(t, report.Violations[1], "exceeds max depth")
}

func TestNewSimulatorRejectsBadConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.ZipfS = 1
	_, err := NewSimulator(cfg, nil)
	assert.Error(t, err)

	cfg = smallConfig()
	cfg.NumViewers = 0
	_, err = NewSimulator(cfg, nil)
	assert.Error(t, err)
}
