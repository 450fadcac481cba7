// Package producer is the API the rest of the system uses to announce domain events.
//
// Publishing is best-effort. The authoritative state lives in persistent storage and clients can
// always re-fetch it, so an event that can not be queued is logged and dropped. Callers never see
// a delivery failure.
package producer

import (
	"context"
	"time"

	"github.com/alwitt/meetingcast/common"
	"github.com/alwitt/meetingcast/queue"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
)

// DefaultAppendTimeout is the max duration one publish may wait on the event queue
const DefaultAppendTimeout = time.Second * 2

// EventBroadcaster announce domain events to connected clients
type EventBroadcaster interface {
	// PublishToMeeting send an event to the clients subscribed to a meeting
	PublishToMeeting(ctxt context.Context, meetingID, eventType string, data map[string]interface{})
	// PublishToTenant send an event to the authenticated clients of a tenant
	PublishToTenant(ctxt context.Context, tenantID, eventType string, data map[string]interface{})
	// PublishToAll send an event to every connected client
	PublishToAll(ctxt context.Context, eventType string, data map[string]interface{})
}

// eventBroadcasterImpl implements EventBroadcaster on top of an EventQueue
type eventBroadcasterImpl struct {
	common.Component
	queue         queue.EventQueue
	clock         clockwork.Clock
	validate      *validator.Validate
	appendTimeout time.Duration
}

// GetEventBroadcaster define a new EventBroadcaster
func GetEventBroadcaster(
	eventQueue queue.EventQueue, instance string, clock clockwork.Clock, appendTimeout time.Duration,
) EventBroadcaster {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if appendTimeout <= 0 {
		appendTimeout = DefaultAppendTimeout
	}
	return &eventBroadcasterImpl{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "producer", "component": "event-broadcaster", "instance": instance,
			},
		},
		queue:         eventQueue,
		clock:         clock,
		validate:      validator.New(),
		appendTimeout: appendTimeout,
	}
}

// PublishToMeeting send an event to the clients subscribed to a meeting
func (b *eventBroadcasterImpl) PublishToMeeting(
	ctxt context.Context, meetingID, eventType string, data map[string]interface{},
) {
	b.publish(ctxt, queue.QueuedEvent{
		Target: queue.TargetMeeting, MeetingID: meetingID, Type: eventType, Data: data,
	})
}

// PublishToTenant send an event to the authenticated clients of a tenant
func (b *eventBroadcasterImpl) PublishToTenant(
	ctxt context.Context, tenantID, eventType string, data map[string]interface{},
) {
	b.publish(ctxt, queue.QueuedEvent{
		Target: queue.TargetTenant, TenantID: tenantID, Type: eventType, Data: data,
	})
}

// PublishToAll send an event to every connected client
func (b *eventBroadcasterImpl) PublishToAll(
	ctxt context.Context, eventType string, data map[string]interface{},
) {
	b.publish(ctxt, queue.QueuedEvent{Target: queue.TargetAll, Type: eventType, Data: data})
}

// publish stamp and queue the event. Failures are logged, never returned.
func (b *eventBroadcasterImpl) publish(ctxt context.Context, event queue.QueuedEvent) {
	logTags := b.GetLogTagsForContext(ctxt)
	if event.Data == nil {
		event.Data = map[string]interface{}{}
	}
	event.QueuedAt = b.clock.Now().UTC()
	if err := b.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Dropping invalid %s", event)
		return
	}
	appendCtxt, cancel := context.WithTimeout(ctxt, b.appendTimeout)
	defer cancel()
	if err := b.queue.Append(appendCtxt, event); err != nil {
		log.WithError(err).WithFields(logTags).Warnf("Event queue unavailable, dropped %s", event)
		return
	}
	log.WithFields(logTags).Debugf("Published %s", event)
}
