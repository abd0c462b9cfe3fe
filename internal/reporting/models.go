package reporting

import (
	"time"

	"call-dispatcher/internal/calls"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Valid reports whether both ends are set and To is after From.
func (r TimeRange) Valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// Contains is half-open: [From, To).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// ExportFilter selects dispatch records for export. Zero values mean "any".
type ExportFilter struct {
	Range  TimeRange            `json:"range"`
	Status calls.DispatchStatus `json:"status,omitempty"`
	LineID string               `json:"line_id,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
}

// ExportRow is one dispatch record joined with its work item and line.
type ExportRow struct {
	DispatchID     string               `json:"dispatch_id"`
	WorkItemID     string               `json:"work_item_id"`
	ContactName    string               `json:"contact_name"`
	PhoneNumber    string               `json:"phone_number"`
	LineID         string               `json:"line_id"`
	LineNumber     string               `json:"line_number"`
	Status         calls.DispatchStatus `json:"status"`
	ExternalCallID string               `json:"external_call_id,omitempty"`
	Attempts       int                  `json:"attempts"`
	LastError      string               `json:"last_error,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

type LineUsage struct {
	LineID     string `json:"line_id"`
	LineNumber string `json:"line_number"`
	Dispatched int    `json:"dispatched"`
	Completed  int    `json:"completed"`
}

// DispatchSummary aggregates dispatch records created within Range.
type DispatchSummary struct {
	Range TimeRange `json:"range"`

	Total    int                          `json:"total"`
	ByStatus map[calls.DispatchStatus]int `json:"by_status"`

	// Unacknowledged counts records the gateway never bound to a provider
	// call id; they are candidates for manual follow-up.
	Unacknowledged int `json:"unacknowledged"`
	Terminal       int `json:"terminal"`
	Attempts       int `json:"attempts"`

	CompletionRate float64     `json:"completion_rate"`
	Lines          []LineUsage `json:"lines"`
}
