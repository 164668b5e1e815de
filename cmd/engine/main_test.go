package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gator-threads/internal/config"
	"gator-threads/internal/database"
	"gator-threads/internal/logging"
)

func TestOpenBackendDefaultsToMemory(t *testing.T) {
	cfg := &config.Config{
		Engine:  config.DefaultEngineConfig(),
		Backend: config.DefaultBackendConfig(),
	}

	backend, closeBackend, err := openBackend(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer closeBackend()

	_, ok := backend.(*database.MemoryBackend)
	assert.True(t, ok)
}
