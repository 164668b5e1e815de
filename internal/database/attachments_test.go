package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

func TestLocalUploader(t *testing.T) {
	dir := t.TempDir()
	u, err := NewLocalUploader(dir)
	require.NoError(t, err)

	paths, err := u.UploadAttachments(context.Background(), []models.Upload{
		{Name: "cat.PNG", Data: []byte("png")},
		{Name: "../notes.txt", Data: []byte("txt")},
	})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, ".png", filepath.Ext(paths[0]))
	assert.Equal(t, ".txt", filepath.Ext(paths[1]))

	data, err := os.ReadFile(filepath.Join(dir, paths[1]))
	require.NoError(t, err)
	assert.Equal(t, "txt", string(data))
}

func TestLocalUploaderRejectsBadUploads(t *testing.T) {
	dir := t.TempDir()
	u, err := NewLocalUploader(dir)
	require.NoError(t, err)
	u.MaxBytes = 4

	tests := []struct {
		name   string
		upload models.Upload
	}{
		{"empty", models.Upload{Name: "a.txt"}},
		{"too large", models.Upload{Name: "a.txt", Data: []byte("12345")}},
		{"no name", models.Upload{Name: " ", Data: []byte("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := u.UploadAttachments(context.Background(), []models.Upload{{Name: "ok.txt", Data: []byte("ok")}, tt.upload})
			assert.True(t, utils.IsErrorCode(err, utils.ErrValidation))
		})
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is written when validation fails")
}

func TestLocalUploaderCleansUpOnWriteFailure(t *testing.T) {
	u := &LocalUploader{Dir: filepath.Join(t.TempDir(), "missing")}
	_, err := u.UploadAttachments(context.Background(), []models.Upload{{Name: "a.txt", Data: []byte("a")}})
	assert.True(t, utils.IsErrorCode(err, utils.ErrTransport))
}
