package model

import "time"

// Envelope status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Page sizes for run listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Response wraps every body the run API returns. Exactly one of Data and
// Error is meaningful, as Status says.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination describes the slice of runs in a list response.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions selects a page of runs.
type ListOptions struct {
	Limit  int
	Offset int
	Status RunStatus // empty matches every run
}

func DefaultListOptions() ListOptions {
	return ListOptions{Limit: DefaultPageSize}
}

// Clamp brings Limit into [1, MaxPageSize], using DefaultPageSize when it is
// unset, and drops a negative Offset.
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = DefaultPageSize
	}
	o.Limit = min(o.Limit, MaxPageSize)
	o.Offset = max(o.Offset, 0)
}

// Page returns the pagination block for a page of n runs out of total.
func (o ListOptions) Page(n, total int) *Pagination {
	o.Clamp()
	return &Pagination{
		Total:   total,
		Limit:   o.Limit,
		Offset:  o.Offset,
		HasMore: o.Offset+n < total,
	}
}
