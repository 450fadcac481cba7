package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventTarget selects which connections receive a queued event
type EventTarget string

const (
	// TargetMeeting delivers to the connections subscribed to one meeting
	TargetMeeting EventTarget = "meeting"
	// TargetTenant delivers to the authenticated connections of one tenant
	TargetTenant EventTarget = "tenant"
	// TargetAll delivers to every open connection
	TargetAll EventTarget = "all"
)

// ErrQueueClosed is returned when operating on a closed queue
var ErrQueueClosed = errors.New("event queue closed")

// QueuedEvent a domain event waiting to be broadcast. Immutable once created.
type QueuedEvent struct {
	// Target selects the recipients
	Target EventTarget `json:"target" validate:"required,oneof=meeting tenant all"`
	// MeetingID is the meeting the event belongs to. Set when Target is "meeting".
	MeetingID string `json:"meeting_id,omitempty" validate:"required_if=Target meeting"`
	// TenantID is the tenant the event belongs to. Set when Target is "tenant".
	TenantID string `json:"tenant_id,omitempty" validate:"required_if=Target tenant"`
	// Type is the event type, i.e. "motion.opened"
	Type string `json:"type" validate:"required"`
	// Data is the event payload
	Data map[string]interface{} `json:"data"`
	// QueuedAt is when the producer created the event
	QueuedAt time.Time `json:"queued_at"`
}

// String toString function
func (e QueuedEvent) String() string {
	switch e.Target {
	case TargetMeeting:
		return fmt.Sprintf("EVENT[%s -> meeting:%s]", e.Type, e.MeetingID)
	case TargetTenant:
		return fmt.Sprintf("EVENT[%s -> tenant:%s]", e.Type, e.TenantID)
	default:
		return fmt.Sprintf("EVENT[%s -> %s]", e.Type, e.Target)
	}
}

// EventQueue a bounded FIFO mailbox shared between many producer processes and the one
// broadcast server process.
//
// When the queue is at capacity, an append evicts the oldest pending event first.
type EventQueue interface {
	// Append add one event to the tail of the queue
	Append(ctxt context.Context, event QueuedEvent) error
	// DrainAll remove and return every pending event, oldest first. The read and the clear
	// happen as one step; an event is never returned by two drain calls.
	DrainAll(ctxt context.Context) ([]QueuedEvent, error)
	// Capacity the max number of pending events
	Capacity() int
	// Close release resources held by the queue
	Close() error
}

// boundTail keep only the newest capacity entries
func boundTail(events []QueuedEvent, capacity int) []QueuedEvent {
	if len(events) <= capacity {
		return events
	}
	return events[len(events)-capacity:]
}
