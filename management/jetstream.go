package management

import (
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/meetingcast/common"
	"github.com/alwitt/meetingcast/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// EventStreamParam parameters of the JetStream stream backing the event queue
type EventStreamParam struct {
	// Name is the stream name
	Name string `json:"name" validate:"required"`
	// Subject is the one subject the stream collects
	Subject string `json:"subject" validate:"required"`
	// Capacity is the max number of pending events. Oldest are discarded first.
	Capacity int64 `json:"capacity" validate:"gte=1"`
}

// DrainConsumerParam parameters of the durable pull consumer draining the stream
type DrainConsumerParam struct {
	// Name is the durable consumer name
	Name string `json:"name" validate:"required"`
	// Notes is the consumer description
	Notes string `json:"notes,omitempty"`
	// AckWait is how long a fetched message waits for its ACK before redelivery. Zero
	// keeps the server default.
	AckWait time.Duration `json:"ack_wait,omitempty" validate:"gte=0"`
}

// JetStreamController provision the JetStream objects backing the event queue
type JetStreamController interface {
	// EnsureEventStream create the event stream, or align an existing one with the parameters
	EnsureEventStream(param EventStreamParam) error
	// EnsureDrainConsumer create the durable pull consumer on a stream if it is missing
	EnsureDrainConsumer(stream string, param DrainConsumerParam) error
}

// jetStreamControllerImpl manage JetStream
type jetStreamControllerImpl struct {
	common.Component
	core     core.NatsClient
	validate *validator.Validate
}

// GetJetStreamController define JetStreamController
func GetJetStreamController(
	natsCore core.NatsClient, instance string,
) (JetStreamController, error) {
	logTags := log.Fields{
		"module":    "management",
		"component": "jetstream",
		"instance":  instance,
	}
	return jetStreamControllerImpl{
		Component: common.Component{LogTags: logTags},
		core:      natsCore,
		validate:  validator.New(),
	}, nil
}

// =======================================================================
// Stream related controls

// applyEventStreamParam set the fields of a stream config which give it bounded
// drop-oldest work queue behavior
func applyEventStreamParam(param EventStreamParam, config *nats.StreamConfig) {
	config.Subjects = []string{param.Subject}
	config.MaxMsgs = param.Capacity
	config.Discard = nats.DiscardOld
}

// EnsureEventStream create the event stream, or align an existing one with the parameters
func (js jetStreamControllerImpl) EnsureEventStream(param EventStreamParam) error {
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Invalid event stream %s parameters", param.Name,
		)
		return err
	}
	info, err := js.core.JetStream().StreamInfo(param.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to get event stream %s info", param.Name,
		)
		return err
	}

	if info == nil {
		jsParams := nats.StreamConfig{
			Name:      param.Name,
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		}
		applyEventStreamParam(param, &jsParams)
		if _, err := js.core.JetStream().AddStream(&jsParams); err != nil {
			log.WithError(err).WithFields(js.LogTags).Errorf(
				"Unable to define event stream %s", param.Name,
			)
			return err
		}
		log.WithFields(js.LogTags).Infof(
			"Defined event stream %s on %s with capacity %d",
			param.Name, param.Subject, param.Capacity,
		)
		return nil
	}

	if info.Config.Retention != nats.WorkQueuePolicy {
		err := fmt.Errorf("stream %s is not a work queue stream", param.Name)
		log.WithError(err).WithFields(js.LogTags).Error("Existing event stream unusable")
		return err
	}
	current := info.Config
	if len(current.Subjects) == 1 &&
		current.Subjects[0] == param.Subject &&
		current.MaxMsgs == param.Capacity &&
		current.Discard == nats.DiscardOld {
		return nil
	}
	applyEventStreamParam(param, &current)
	if _, err := js.core.JetStream().UpdateStream(&current); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to update event stream %s", param.Name,
		)
		return err
	}
	log.WithFields(js.LogTags).Infof(
		"Updated event stream %s on %s with capacity %d",
		param.Name, param.Subject, param.Capacity,
	)
	return nil
}

// =======================================================================
// Consumer related controls

// EnsureDrainConsumer create the durable pull consumer on a stream if it is missing
func (js jetStreamControllerImpl) EnsureDrainConsumer(
	stream string, param DrainConsumerParam,
) error {
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Invalid consumer %s parameters for stream %s", param.Name, stream,
		)
		return err
	}
	_, err := js.core.JetStream().ConsumerInfo(stream, param.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to get consumer %s of stream %s info", param.Name, stream,
		)
		return err
	}
	jsParams := nats.ConsumerConfig{
		Durable:       param.Name,
		Description:   param.Notes,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       param.AckWait,
	}
	if _, err := js.core.JetStream().AddConsumer(stream, &jsParams); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to define consumer %s for stream %s", param.Name, stream,
		)
		return err
	}
	log.WithFields(js.LogTags).Infof("Defined consumer %s for stream %s", param.Name, stream)
	return nil
}
