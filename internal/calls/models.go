package calls

import (
	"fmt"
	"strings"
	"time"
)

// WorkItem is one pending outbound call request.
//
// Invariant: Status moves pending -> dispatched exactly once, by the dispatch
// coordinator. Pending items may be deleted by an emergency halt; dispatched
// items are kept for audit.
type WorkItem struct {
	ID          string         `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	PhoneNumber string         `json:"phone_number" db:"phone_number"`
	Status      WorkItemStatus `json:"status" db:"status"`

	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty" db:"dispatched_at"`
}

type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemDispatched WorkItemStatus = "dispatched"
)

func (s WorkItemStatus) IsValid() bool {
	switch s {
	case WorkItemPending, WorkItemDispatched:
		return true
	}
	return false
}

// Dispatch returns the status after a successful dispatch. Only a pending item
// can be dispatched; there is no transition back to pending.
func (s WorkItemStatus) Dispatch() (WorkItemStatus, error) {
	if s != WorkItemPending {
		return s, fmt.Errorf("calls: cannot dispatch work item in status %q", s)
	}
	return WorkItemDispatched, nil
}

// LineResource is an outbound caller line with a daily quota.
//
// Invariant: UsedToday <= DailyLimit. UsedToday only grows during a day and is
// reset by an external job.
type LineResource struct {
	ID          string `json:"id" db:"id"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`
	IsActive    bool   `json:"is_active" db:"is_active"`
	UsedToday   int    `json:"used_today" db:"used_today"`
	DailyLimit  int    `json:"daily_limit" db:"daily_limit"`
}

// Eligible reports whether the line may take one more call today.
func (l LineResource) Eligible() bool {
	return l.IsActive && l.UsedToday < l.DailyLimit
}

// DispatchRecord is one call attempt bound to a line.
//
// Created once per dispatched WorkItem in the same transaction that marks the
// item dispatched and bumps the line's usage. Afterwards only the status
// reconciler touches it.
type DispatchRecord struct {
	ID          string         `json:"id" db:"id"`
	WorkItemID  string         `json:"work_item_id" db:"work_item_id"`
	PhoneNumber string         `json:"phone_number" db:"phone_number"`
	Status      DispatchStatus `json:"status" db:"status"`
	LineID      string         `json:"line_id" db:"line_id"`

	// ExternalCallID is set once the call-initiation service acknowledges the call.
	ExternalCallID *string `json:"external_call_id,omitempty" db:"external_call_id"`

	Attempts  int     `json:"attempts" db:"attempts"`
	LastError *string `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type DispatchStatus string

const (
	DispatchQueued     DispatchStatus = "queued"
	DispatchInitiated  DispatchStatus = "initiated"
	DispatchRinging    DispatchStatus = "ringing"
	DispatchInProgress DispatchStatus = "in_progress"
	DispatchCompleted  DispatchStatus = "completed"
	DispatchBusy       DispatchStatus = "busy"
	DispatchNoAnswer   DispatchStatus = "no_answer"
	DispatchFailed     DispatchStatus = "failed"
	DispatchCanceled   DispatchStatus = "canceled"
)

// DispatchStatuses lists every known status in lifecycle order.
var DispatchStatuses = []DispatchStatus{
	DispatchQueued,
	DispatchInitiated,
	DispatchRinging,
	DispatchInProgress,
	DispatchCompleted,
	DispatchBusy,
	DispatchNoAnswer,
	DispatchFailed,
	DispatchCanceled,
}

func (s DispatchStatus) String() string { return string(s) }

func (s DispatchStatus) IsValid() bool {
	for _, v := range DispatchStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further provider callbacks are expected.
func (s DispatchStatus) IsTerminal() bool {
	switch s {
	case DispatchCompleted, DispatchBusy, DispatchNoAnswer, DispatchFailed, DispatchCanceled:
		return true
	}
	return false
}

// ParseDispatchStatus maps provider spellings ("in-progress", "No-Answer",
// "cancelled") onto the closed status set.
func ParseDispatchStatus(raw string) (DispatchStatus, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	switch s {
	case "cancelled":
		s = "canceled"
	case "answered":
		s = "in_progress"
	}
	st := DispatchStatus(s)
	if !st.IsValid() {
		return "", fmt.Errorf("calls: unknown dispatch status %q", raw)
	}
	return st, nil
}

// GatewayOutcome is what the call-initiation step reported for one dispatch
// record. ExternalCallID is empty when the ack did not name the call; Error is
// empty on success.
type GatewayOutcome struct {
	DispatchID     string
	ExternalCallID string
	Error          string
}
