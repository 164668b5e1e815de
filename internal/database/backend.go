package database

import (
	"context"

	"gator-threads/internal/models"
)

// Backend is the data collaborator the thread engine pages from and submits
// mutations to. Implementations must be safe for concurrent use.
type Backend interface {
	// FetchPage returns nodes offset..offset+limit of the thread's flat
	// list. It is idempotent.
	FetchPage(ctx context.Context, threadID string, offset, limit int) (*models.Page, error)

	// SubmitMutation applies a mutation and returns the authoritative
	// result. Errors should be *utils.AppError values; anything else is
	// treated as a transport failure.
	SubmitMutation(ctx context.Context, req *models.MutationRequest) (*models.MutationResult, error)
}

// AttachmentUploader stores files before a create, reply or edit is
// submitted and returns the references to put on the node.
type AttachmentUploader interface {
	UploadAttachments(ctx context.Context, uploads []models.Upload) ([]string, error)
}

type viewerKey struct{}

// WithViewer attaches the viewer a backend call is made on behalf of. Page
// loads use it to fill in the viewer-specific like and vote fields.
func WithViewer(ctx context.Context, viewerID string) context.Context {
	return context.WithValue(ctx, viewerKey{}, viewerID)
}

// ViewerFrom returns the viewer attached with WithViewer, or "".
func ViewerFrom(ctx context.Context) string {
	viewerID, _ := ctx.Value(viewerKey{}).(string)
	return viewerID
}
