// Package source defines the boundary to the durable notification store:
// the records that must be sent, and the status written back after dispatch.
package source

import (
	"context"
	"time"

	"psinotify/internal/queue"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// Notification is one due record pulled from the store.
type Notification struct {
	ID           int64
	To           string
	Body         string
	Type         string
	ScheduledFor time.Time
}

// Source is the durable truth for what must be sent. FetchDue must mark
// returned records in-flight so a record is never handed out twice while a
// previous copy is still queued (dedup lives here, not in the queue).
type Source interface {
	FetchDue(ctx context.Context, limit int) ([]Notification, error)
	MarkStatus(ctx context.Context, id int64, status Status) error
}

// Outcome is one dispatch result, consumed immediately by metrics and the
// outbound message log.
type Outcome struct {
	MessageID      int64
	NotificationID int64
	To             string
	Success        bool
	ResponseTime   time.Duration
	Error          string
	At             time.Time
}

// OutcomeLog persists the outbound message history and delivery receipts.
type OutcomeLog interface {
	RecordOutcome(ctx context.Context, o Outcome) error
	RecordAck(ctx context.Context, transportMsgID string, level int) error
}

// PriorityFor maps a notification type onto a delivery tier. Appointment
// confirmations jump the queue; reminders and payment notices go high;
// everything else is normal traffic.
func PriorityFor(typ string) queue.Priority {
	switch typ {
	case "confirmation", "appointment_confirmation":
		return queue.PriorityUrgent
	case "reminder", "appointment_reminder", "payment", "payment_notice":
		return queue.PriorityHigh
	default:
		return queue.PriorityNormal
	}
}
