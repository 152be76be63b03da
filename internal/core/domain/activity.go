package domain

import "time"

const ResourceTypeAPIKey = "api-key"

type ActivityAction string

const (
	ActionCreate  ActivityAction = "create"
	ActionRotate  ActivityAction = "rotate"
	ActionUpdate  ActivityAction = "update"
	ActionEnable  ActivityAction = "enable"
	ActionDisable ActivityAction = "disable"
	ActionDelete  ActivityAction = "delete"
)

type ActivityOutcome string

const (
	OutcomeSuccess ActivityOutcome = "success"
	OutcomeFailure ActivityOutcome = "failure"
)

// ActivityEvent is the structured record emitted to the activity log sink.
type ActivityEvent struct {
	EventID        string          `json:"event_id"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	OrganizationID string          `json:"organization_id"`
	ActorID        string          `json:"actor_id"`
	Action         ActivityAction  `json:"action"`
	Outcome        ActivityOutcome `json:"outcome"`
	Error          string          `json:"error,omitempty"`
	Duration       time.Duration   `json:"duration_ns"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// OutboxActivity is an ActivityEvent waiting for delivery to the external sink.
type OutboxActivity struct {
	ID            int64
	Event         ActivityEvent
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	DispatchedAt  *time.Time
}

const (
	OutboxPending    = "pending"
	OutboxDispatched = "dispatched"
	OutboxDead       = "dead"
)
