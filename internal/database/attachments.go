package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

const defaultMaxUploadBytes = 10 << 20

// LocalUploader writes attachments into a directory on disk. Files are
// written concurrently; if any one fails, the ones already written are
// removed and no references are returned.
type LocalUploader struct {
	Dir      string
	MaxBytes int64
}

func NewLocalUploader(dir string) (*LocalUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachment dir %s: %w", dir, err)
	}
	return &LocalUploader{Dir: dir, MaxBytes: defaultMaxUploadBytes}, nil
}

func (u *LocalUploader) UploadAttachments(ctx context.Context, uploads []models.Upload) ([]string, error) {
	for _, up := range uploads {
		if err := u.check(up); err != nil {
			return nil, err
		}
	}

	paths := make([]string, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	for i, up := range uploads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return utils.NewTransportError("upload cancelled", err)
			}
			name := uuid.NewString() + strings.ToLower(filepath.Ext(filepath.Base(up.Name)))
			if err := os.WriteFile(filepath.Join(u.Dir, name), up.Data, 0o644); err != nil {
				return utils.NewTransportError("failed to store "+up.Name, err)
			}
			paths[i] = name
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, p := range paths {
			if p != "" {
				os.Remove(filepath.Join(u.Dir, p))
			}
		}
		return nil, err
	}
	return paths, nil
}

func (u *LocalUploader) check(up models.Upload) error {
	name := filepath.Base(up.Name)
	switch {
	case name == "." || name == string(filepath.Separator) || strings.TrimSpace(up.Name) == "":
		return utils.NewValidationError("attachment has no name")
	case len(up.Data) == 0:
		return utils.NewValidationError("attachment %s is empty", name)
	case u.MaxBytes > 0 && int64(len(up.Data)) > u.MaxBytes:
		return utils.NewValidationError("attachment %s is larger than %d bytes", name, u.MaxBytes)
	}
	return nil
}
