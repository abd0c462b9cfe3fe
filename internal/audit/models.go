package audit

import "time"

// Event is an immutable, append-only audit log record of an operator action.
//
// Invariants:
//   - Events are never updated or deleted.
//   - Actor and IP capture are best-effort; do not block dispatch on audit failures.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional structured detail, stored as JSON.
	Metadata map[string]any `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeQueueEnqueued EventType = "queue_enqueued"
	EventTypeDispatchCycle EventType = "dispatch_cycle"
	EventTypeEmergencyHalt EventType = "emergency_halt"
	EventTypeLineChanged   EventType = "line_changed"
	EventTypeUsageReset    EventType = "line_usage_reset"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventTypeQueueEnqueued, EventTypeDispatchCycle, EventTypeEmergencyHalt, EventTypeLineChanged, EventTypeUsageReset:
		return true
	}
	return false
}

// Actor identifies who triggered an event.
type Actor struct {
	UserID string
	Role   string
	IP     string
}
