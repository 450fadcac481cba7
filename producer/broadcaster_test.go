package producer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/meetingcast/mocks"
	"github.com/alwitt/meetingcast/queue"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestEventBroadcasterPublish(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	eventQueue, err := queue.GetFileEventQueue(queue.FileQueueParam{
		Path: filepath.Join(t.TempDir(), "events.json"), Capacity: 10,
	})
	assert.Nil(err)

	testClock := clockwork.NewFakeClockAt(time.Date(2022, 3, 1, 10, 0, 0, 0, time.UTC))
	uut := GetEventBroadcaster(eventQueue, "ut-publish", testClock, time.Second)

	// Case 0: one of each target
	{
		uut.PublishToMeeting(utCtxt, "M1", "motion.opened", map[string]interface{}{"motion_id": "X"})
		testClock.Advance(time.Second)
		uut.PublishToTenant(utCtxt, "T1", "attendance.updated", nil)
		testClock.Advance(time.Second)
		uut.PublishToAll(utCtxt, "system.notice", map[string]interface{}{"text": "hi"})

		events, err := eventQueue.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Len(events, 3)

		assert.Equal(queue.TargetMeeting, events[0].Target)
		assert.Equal("M1", events[0].MeetingID)
		assert.Equal("motion.opened", events[0].Type)
		assert.Equal("X", events[0].Data["motion_id"])
		assert.Equal(time.Date(2022, 3, 1, 10, 0, 0, 0, time.UTC), events[0].QueuedAt)

		assert.Equal(queue.TargetTenant, events[1].Target)
		assert.Equal("T1", events[1].TenantID)
		assert.NotNil(events[1].Data)
		assert.Equal(time.Date(2022, 3, 1, 10, 0, 1, 0, time.UTC), events[1].QueuedAt)

		assert.Equal(queue.TargetAll, events[2].Target)
		assert.Equal("hi", events[2].Data["text"])
	}

	// Case 1: incomplete events are dropped
	{
		uut.PublishToMeeting(utCtxt, "", "motion.opened", nil)
		uut.PublishToTenant(utCtxt, "", "attendance.updated", nil)
		uut.PublishToAll(utCtxt, "", nil)
		events, err := eventQueue.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Empty(events)
	}

	// Case 2: over capacity keeps the most recent
	{
		for itr := 0; itr < 15; itr++ {
			uut.PublishToMeeting(
				utCtxt, "M1", "ballot.cast", map[string]interface{}{"idx": float64(itr)},
			)
		}
		events, err := eventQueue.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Len(events, 10)
		assert.Equal(float64(5), events[0].Data["idx"])
	}
}

func TestEventBroadcasterSilentDrop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	// Case 0: the queue reports failure, the publish returns normally
	{
		mockQueue := mocks.NewEventQueue(t)
		uut := GetEventBroadcaster(mockQueue, "ut-drop-0", nil, 0)
		attempts := 0
		mockQueue.On(
			"Append", mock.Anything, mock.AnythingOfType("queue.QueuedEvent"),
		).Run(func(args mock.Arguments) {
			event := args.Get(1).(queue.QueuedEvent)
			assert.Equal("motion.closed", event.Type)
			attempts++
		}).Return(fmt.Errorf("lock unavailable")).Once()
		assert.NotPanics(func() {
			uut.PublishToMeeting(utCtxt, "M1", "motion.closed", nil)
		})
		assert.Equal(1, attempts)
	}

	// Case 1: invalid event never reaches the queue
	{
		mockQueue := mocks.NewEventQueue(t)
		uut := GetEventBroadcaster(mockQueue, "ut-drop-1", nil, 0)
		uut.PublishToTenant(utCtxt, "", "attendance.updated", nil)
		mockQueue.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	}

	// Case 2: lock file can not be opened
	{
		workDir := t.TempDir()
		lockDir := filepath.Join(workDir, "events.lock")
		assert.Nil(os.MkdirAll(lockDir, 0o755))
		brokenQueue, err := queue.GetFileEventQueue(queue.FileQueueParam{
			Path: filepath.Join(workDir, "events.json"), LockPath: lockDir, Capacity: 10,
		})
		assert.Nil(err)
		uut := GetEventBroadcaster(brokenQueue, "ut-drop-2", nil, time.Millisecond*100)
		assert.NotPanics(func() {
			uut.PublishToAll(utCtxt, "system.notice", nil)
		})
		_, err = os.Stat(filepath.Join(workDir, "events.json"))
		assert.True(os.IsNotExist(err))
	}

	// Case 3: caller context already cancelled
	{
		eventQueue, err := queue.GetFileEventQueue(queue.FileQueueParam{
			Path: filepath.Join(t.TempDir(), "events.json"), Capacity: 10,
		})
		assert.Nil(err)
		uut := GetEventBroadcaster(eventQueue, "ut-drop-3", nil, 0)
		cancelled, cancel := context.WithCancel(utCtxt)
		cancel()
		uut.PublishToAll(cancelled, "system.notice", nil)
		events, err := eventQueue.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Empty(events)
	}
}
