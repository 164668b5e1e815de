package models

// PageRequest identifies one slice of a thread's flat node list.
type PageRequest struct {
	ThreadID   string `json:"threadId"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	Generation int    `json:"generation"`
}

// Page is what the data backend returns for a PageRequest.
type Page struct {
	Nodes             []*Node `json:"nodes"`
	TotalCount        int     `json:"totalCount"`
	DeletedTotalCount int     `json:"deletedTotalCount"`
	HasMore           bool    `json:"hasMore"`
}

// PageState is a snapshot of a thread's pagination bookkeeping.
type PageState struct {
	Offset            int  `json:"offset"`
	PageSize          int  `json:"pageSize"`
	TotalCount        int  `json:"totalCount"`
	DeletedTotalCount int  `json:"deletedTotalCount"`
	HasMore           bool `json:"hasMore"`
}
