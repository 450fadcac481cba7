package management

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/meetingcast/common"
	"github.com/alwitt/meetingcast/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestJetStreamControllerEventStream(t *testing.T) {
	natsURI := common.GetUnitTestNatsURI()
	if natsURI == "" {
		t.Skip("UNITTEST_NATS_URL not set")
	}
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := fmt.Sprintf("ut-js-streams-%s", uuid.New().String()[:8])

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	logTags := log.Fields{
		"module":    "management_test",
		"component": "JetStreamController",
		"instance":  "streams",
	}

	natsParam := core.DefineNATSConnectParams(common.NATSConfig{
		ServerURI:      natsURI,
		ConnectTimeout: 1,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
	}, logTags)
	js, err := core.GetJetStream(natsParam)
	assert.Nil(err)
	defer js.Close(utCtxt)

	uut, err := GetJetStreamController(js, testName)
	assert.Nil(err)

	// Case 0: invalid parameters
	assert.NotNil(uut.EnsureEventStream(EventStreamParam{Name: testName, Capacity: 10}))
	assert.NotNil(uut.EnsureEventStream(EventStreamParam{Name: testName, Subject: testName}))

	// Case 1: create stream
	subject := fmt.Sprintf("%s.events", testName)
	{
		assert.Nil(uut.EnsureEventStream(EventStreamParam{
			Name: testName, Subject: subject, Capacity: 10,
		}))
		info, err := js.JetStream().StreamInfo(testName)
		assert.Nil(err)
		assert.Equal(testName, info.Config.Name)
		assert.EqualValues([]string{subject}, info.Config.Subjects)
		assert.Equal(int64(10), info.Config.MaxMsgs)
		assert.Equal(nats.DiscardOld, info.Config.Discard)
		assert.Equal(nats.WorkQueuePolicy, info.Config.Retention)
	}

	// Case 2: ensure again with the same parameters
	assert.Nil(uut.EnsureEventStream(EventStreamParam{
		Name: testName, Subject: subject, Capacity: 10,
	}))

	// Case 3: ensure with a new capacity
	{
		assert.Nil(uut.EnsureEventStream(EventStreamParam{
			Name: testName, Subject: subject, Capacity: 25,
		}))
		info, err := js.JetStream().StreamInfo(testName)
		assert.Nil(err)
		assert.Equal(int64(25), info.Config.MaxMsgs)
	}

	// Case 4: a stream which is not a work queue is refused
	assert.Nil(js.JetStream().DeleteStream(testName))
	{
		_, err := js.JetStream().AddStream(&nats.StreamConfig{
			Name: testName, Subjects: []string{subject}, Retention: nats.LimitsPolicy,
		})
		assert.Nil(err)
		assert.NotNil(uut.EnsureEventStream(EventStreamParam{
			Name: testName, Subject: subject, Capacity: 10,
		}))
	}
	assert.Nil(js.JetStream().DeleteStream(testName))
}

func TestJetStreamControllerDrainConsumer(t *testing.T) {
	natsURI := common.GetUnitTestNatsURI()
	if natsURI == "" {
		t.Skip("UNITTEST_NATS_URL not set")
	}
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := fmt.Sprintf("ut-js-consumers-%s", uuid.New().String()[:8])

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	logTags := log.Fields{
		"module":    "management_test",
		"component": "JetStreamController",
		"instance":  "consumers",
	}

	natsParam := core.DefineNATSConnectParams(common.NATSConfig{
		ServerURI:      natsURI,
		ConnectTimeout: 1,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
	}, logTags)
	js, err := core.GetJetStream(natsParam)
	assert.Nil(err)
	defer js.Close(utCtxt)

	uut, err := GetJetStreamController(js, testName)
	assert.Nil(err)

	// Case 0: consumer with no stream
	assert.NotNil(uut.EnsureDrainConsumer(testName, DrainConsumerParam{Name: testName}))

	assert.Nil(uut.EnsureEventStream(EventStreamParam{
		Name: testName, Subject: fmt.Sprintf("%s.events", testName), Capacity: 10,
	}))
	defer func() {
		assert.Nil(js.JetStream().DeleteStream(testName))
	}()

	// Case 1: invalid parameters
	assert.NotNil(uut.EnsureDrainConsumer(testName, DrainConsumerParam{}))

	// Case 2: create consumer
	consumer := uuid.New().String()
	{
		assert.Nil(uut.EnsureDrainConsumer(testName, DrainConsumerParam{
			Name: consumer, AckWait: time.Second * 5,
		}))
		info, err := js.JetStream().ConsumerInfo(testName, consumer)
		assert.Nil(err)
		assert.Equal(consumer, info.Config.Durable)
		assert.Equal(nats.AckExplicitPolicy, info.Config.AckPolicy)
		assert.Equal(time.Second*5, info.Config.AckWait)
	}

	// Case 3: ensure again
	assert.Nil(uut.EnsureDrainConsumer(testName, DrainConsumerParam{Name: consumer}))

	// Case 4: a consumer removed out of band is defined again
	assert.Nil(js.JetStream().DeleteConsumer(testName, consumer))
	assert.Nil(uut.EnsureDrainConsumer(testName, DrainConsumerParam{Name: consumer}))
	{
		_, err := js.JetStream().ConsumerInfo(testName, consumer)
		assert.Nil(err)
	}
}
