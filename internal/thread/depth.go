package thread

import (
	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

// DepthGuard enforces the maximum reply depth on the client, whatever the
// server would accept.
type DepthGuard struct {
	MaxDepth int
}

// Allows reports whether a node may live at the given depth.
func (g DepthGuard) Allows(depth int) bool {
	return depth >= 0 && depth <= g.MaxDepth
}

// CheckReply fails fast when a reply to parent would exceed the maximum depth.
func (g DepthGuard) CheckReply(parent *models.Node) error {
	if parent == nil {
		return utils.NewValidationError("reply target is not loaded")
	}
	if parent.Depth >= g.MaxDepth {
		return utils.NewValidationError("replies are limited to %d levels; node %s is at depth %d",
			g.MaxDepth, parent.ID, parent.Depth)
	}
	return nil
}
