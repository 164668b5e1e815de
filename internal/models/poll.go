package models

// PollOption is one choice of a single-choice vote post.
type PollOption struct {
	ID    string `json:"id" bson:"id" db:"option_id"`
	Label string `json:"label" bson:"label" db:"label"`
	Count int    `json:"count" bson:"count" db:"vote_count"`
}

// Poll holds the mutually exclusive options of a vote post.
type Poll struct {
	Options  []PollOption `json:"options"`
	Selected string       `json:"selected,omitempty"` // Option chosen by the viewer, empty when none
	Total    int          `json:"total"`
	Closed   bool         `json:"closed"`
}

// Clone returns a deep copy of the poll.
func (p *Poll) Clone() *Poll {
	if p == nil {
		return nil
	}
	c := *p
	c.Options = append([]PollOption(nil), p.Options...)
	return &c
}

// Option returns the option with the given id.
func (p *Poll) Option(id string) (*PollOption, bool) {
	for i := range p.Options {
		if p.Options[i].ID == id {
			return &p.Options[i], true
		}
	}
	return nil, false
}

// SumCounts returns the sum of all option counts.
func (p *Poll) SumCounts() int {
	total := 0
	for _, o := range p.Options {
		total += o.Count
	}
	return total
}
