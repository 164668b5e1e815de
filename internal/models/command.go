package models

// Upload is a file the viewer attached to a create or edit.
type Upload struct {
	Name string
	Data []byte
}

// Command types passed into the mutation coordinator
type (
	CreateCommand struct {
		ThreadID    string
		Content     string
		Attachments []string
		Uploads     []Upload
	}

	ReplyCommand struct {
		ThreadID    string
		ParentID    string
		Content     string
		Attachments []string
		Uploads     []Upload
	}

	LikeCommand struct {
		ThreadID string
		NodeID   string
	}

	VoteCommand struct {
		ThreadID string
		NodeID   string
		OptionID string
	}

	EditCommand struct {
		ThreadID    string
		NodeID      string
		Content     string
		Attachments []string
		Uploads     []Upload
	}

	DeleteCommand struct {
		ThreadID string
		NodeID   string
	}
)
