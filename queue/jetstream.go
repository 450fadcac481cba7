// Copyright 2026 The meetingcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/meetingcast/common"
	"github.com/alwitt/meetingcast/core"
	"github.com/alwitt/meetingcast/management"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// JetStreamQueueParam JetStream backed EventQueue parameters
type JetStreamQueueParam struct {
	// Stream is the JetStream stream holding the pending events
	Stream string
	// Subject is the subject events are published on
	Subject string
	// Consumer is the durable pull consumer used to drain the stream
	Consumer string
	// Capacity is the max number of pending events
	Capacity int
	// FetchBatch is the max number of events fetched in one pull
	FetchBatch int
	// FetchWait is the max duration to wait for a pull
	FetchWait time.Duration
	// AckWait is how long the stream waits for a drained event's ACK before offering it again
	AckWait time.Duration
}

// drainAckTimeout is the max duration to wait for the stream to confirm one ACK
const drainAckTimeout = time.Second * 2

// jetStreamEventQueue implements EventQueue on a JetStream work queue stream.
//
// The stream discards its oldest message once it holds Capacity messages. A drain pulls
// and acks until the stream is empty, and an acked message is removed from the stream.
type jetStreamEventQueue struct {
	common.Component
	natsCore core.NatsClient
	param    JetStreamQueueParam
	sub      *nats.Subscription
	closed   bool
	lock     sync.Mutex
}

// GetJetStreamEventQueue define a new JetStream backed EventQueue. The stream and its drain
// consumer are created or updated as needed.
func GetJetStreamEventQueue(
	natsCore core.NatsClient, controller management.JetStreamController, param JetStreamQueueParam,
) (EventQueue, error) {
	logTags := log.Fields{
		"module": "queue", "component": "jetstream-queue", "instance": param.Stream,
	}
	if param.Capacity < 1 {
		return nil, fmt.Errorf("invalid event queue capacity %d", param.Capacity)
	}
	if param.FetchBatch < 1 {
		param.FetchBatch = 1
	}
	if param.FetchWait <= 0 {
		param.FetchWait = time.Millisecond * 20
	}
	if err := controller.EnsureEventStream(management.EventStreamParam{
		Name: param.Stream, Subject: param.Subject, Capacity: int64(param.Capacity),
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to prepare event stream")
		return nil, err
	}
	if err := controller.EnsureDrainConsumer(param.Stream, management.DrainConsumerParam{
		Name: param.Consumer, Notes: "broadcast server drain consumer", AckWait: param.AckWait,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to prepare drain consumer")
		return nil, err
	}
	return &jetStreamEventQueue{
		Component: common.Component{LogTags: logTags},
		natsCore:  natsCore,
		param:     param,
	}, nil
}

// Capacity the max number of pending events
func (q *jetStreamEventQueue) Capacity() int {
	return q.param.Capacity
}

// Append add one event to the tail of the queue
func (q *jetStreamEventQueue) Append(ctxt context.Context, event QueuedEvent) error {
	q.lock.Lock()
	closed := q.closed
	q.lock.Unlock()
	if closed {
		return ErrQueueClosed
	}
	serialized, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(q.LogTags).Errorf("Unable to serialize %s", event)
		return err
	}
	ack, err := q.natsCore.JetStream().Publish(q.param.Subject, serialized, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(q.LogTags).Errorf("Unable to publish %s", event)
		return err
	}
	log.WithFields(q.LogTags).Debugf("Queued %s at sequence %d", event, ack.Sequence)
	return nil
}

// drainSubscription fetch the pull subscription bound to the drain consumer. Caller
// holds the lock.
func (q *jetStreamEventQueue) drainSubscription() (*nats.Subscription, error) {
	if q.sub != nil {
		return q.sub, nil
	}
	sub, err := q.natsCore.JetStream().PullSubscribe(
		q.param.Subject, q.param.Consumer, nats.Bind(q.param.Stream, q.param.Consumer),
	)
	if err != nil {
		log.WithError(err).WithFields(q.LogTags).Error("Unable to bind drain consumer")
		return nil, err
	}
	q.sub = sub
	return sub, nil
}

// DrainAll remove and return every pending event, oldest first
func (q *jetStreamEventQueue) DrainAll(ctxt context.Context) ([]QueuedEvent, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	sub, err := q.drainSubscription()
	if err != nil {
		return nil, err
	}

	drained := []QueuedEvent{}
	for {
		if ctxt.Err() != nil {
			break
		}
		msgs, err := sub.Fetch(q.param.FetchBatch, nats.MaxWait(q.param.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if len(drained) > 0 {
				// Already acked events must still be delivered
				log.WithError(err).WithFields(q.LogTags).Errorf(
					"Drain interrupted after %d events", len(drained),
				)
				break
			}
			log.WithError(err).WithFields(q.LogTags).Error("Drain fetch failed")
			return nil, err
		}
		for _, msg := range msgs {
			// An event is only delivered once the stream confirmed its removal. Otherwise it
			// would be offered again after AckWait.
			ackCtxt, cancel := context.WithTimeout(ctxt, drainAckTimeout)
			err := msg.AckSync(nats.Context(ackCtxt))
			cancel()
			if err != nil {
				log.WithError(err).WithFields(q.LogTags).Error("Failed to ACK drained event, dropping it")
				continue
			}
			var event QueuedEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				log.WithError(err).WithFields(q.LogTags).Error("Discarding unreadable queued event")
				continue
			}
			drained = append(drained, event)
		}
		if len(msgs) < q.param.FetchBatch {
			break
		}
	}
	if len(drained) > 0 {
		log.WithFields(q.LogTags).Debugf("Drained %d events", len(drained))
	}
	return drained, nil
}

// Close release resources held by the queue. The NATS connection is owned by the caller.
func (q *jetStreamEventQueue) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	if q.sub != nil {
		if err := q.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(q.LogTags).Error("Failed to release drain subscription")
			return err
		}
		q.sub = nil
	}
	return nil
}
