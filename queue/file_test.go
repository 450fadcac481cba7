package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(idx int) QueuedEvent {
	return QueuedEvent{
		Target:    TargetMeeting,
		MeetingID: "m1",
		Type:      "test.event",
		Data:      map[string]interface{}{"idx": float64(idx)},
		QueuedAt:  time.Now().UTC(),
	}
}

func TestFileQueueAppendDrain(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	workDir := t.TempDir()
	uut, err := GetFileEventQueue(FileQueueParam{
		Path: filepath.Join(workDir, "events.json"), Capacity: 10,
	})
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()
	assert.Equal(10, uut.Capacity())

	// Case 0: drain with no file
	{
		events, err := uut.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Empty(events)
	}

	// Case 1: append then drain in order
	{
		for itr := 0; itr < 3; itr++ {
			assert.Nil(uut.Append(utCtxt, testEvent(itr)))
		}
		events, err := uut.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Len(events, 3)
		for itr, event := range events {
			assert.Equal(float64(itr), event.Data["idx"])
			assert.Equal("m1", event.MeetingID)
			assert.Equal(TargetMeeting, event.Target)
		}
	}

	// Case 2: drain immediately again
	{
		events, err := uut.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Empty(events)
	}

	// Case 3: another queue instance on the same file sees the same content
	{
		other, err := GetFileEventQueue(FileQueueParam{
			Path: filepath.Join(workDir, "events.json"), Capacity: 10,
		})
		assert.Nil(err)
		assert.Nil(other.Append(utCtxt, testEvent(42)))
		events, err := uut.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Len(events, 1)
		assert.Equal(float64(42), events[0].Data["idx"])
	}
}

func TestFileQueueBounded(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)
	defer log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, err := GetFileEventQueue(FileQueueParam{
		Path: filepath.Join(t.TempDir(), "events.json"), Capacity: 1000,
	})
	assert.Nil(err)

	// Case 0: one over capacity evicts the oldest
	{
		for itr := 1; itr <= 1001; itr++ {
			assert.Nil(uut.Append(utCtxt, testEvent(itr)))
		}
		events, err := uut.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Len(events, 1000)
		assert.Equal(float64(2), events[0].Data["idx"])
		assert.Equal(float64(1001), events[999].Data["idx"])
	}

	// Case 1: under capacity keeps everything
	{
		for itr := 0; itr < 5; itr++ {
			assert.Nil(uut.Append(utCtxt, testEvent(itr)))
		}
		events, err := uut.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Len(events, 5)
	}
}

func TestFileQueueConcurrentAppend(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)
	defer log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	queueFile := filepath.Join(t.TempDir(), "events.json")

	// Producers each use their own queue instance, like separate processes would
	producers := 4
	perProducer := 25
	wg := sync.WaitGroup{}
	for p := 0; p < producers; p++ {
		producer, err := GetFileEventQueue(FileQueueParam{Path: queueFile, Capacity: 1000})
		assert.Nil(err)
		wg.Add(1)
		go func(id int, q EventQueue) {
			defer wg.Done()
			for itr := 0; itr < perProducer; itr++ {
				event := testEvent(itr)
				event.Data["producer"] = float64(id)
				assert.Nil(q.Append(utCtxt, event))
			}
		}(p, producer)
	}

	// Drain while producers are still active
	uut, err := GetFileEventQueue(FileQueueParam{Path: queueFile, Capacity: 1000})
	assert.Nil(err)
	collected := []QueuedEvent{}
	for itr := 0; itr < 5; itr++ {
		events, err := uut.DrainAll(utCtxt)
		assert.Nil(err)
		collected = append(collected, events...)
	}
	wg.Wait()
	events, err := uut.DrainAll(utCtxt)
	assert.Nil(err)
	collected = append(collected, events...)

	// Every event arrives exactly once and each producer's events stay in order
	assert.Len(collected, producers*perProducer)
	lastSeen := map[float64]float64{}
	for _, event := range collected {
		producer := event.Data["producer"].(float64)
		idx := event.Data["idx"].(float64)
		if prev, ok := lastSeen[producer]; ok {
			assert.Greater(idx, prev)
		}
		lastSeen[producer] = idx
	}
	assert.Len(lastSeen, producers)
}

func TestFileQueueCorruptedFile(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	queueFile := filepath.Join(t.TempDir(), "events.json")
	require.Nil(os.WriteFile(queueFile, []byte("{not json"), 0o644))

	uut, err := GetFileEventQueue(FileQueueParam{Path: queueFile, Capacity: 10})
	require.Nil(err)

	// Case 0: drain of a damaged file returns nothing
	{
		events, err := uut.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Empty(events)
	}

	// Case 1: append over a damaged file starts a fresh queue
	{
		require.Nil(os.WriteFile(queueFile, []byte("[{\"target\""), 0o644))
		assert.Nil(uut.Append(utCtxt, testEvent(7)))
		events, err := uut.DrainAll(utCtxt)
		assert.Nil(err)
		assert.Len(events, 1)
		assert.Equal(float64(7), events[0].Data["idx"])
	}
}

func TestFileQueueLockFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	workDir := t.TempDir()
	// The lock path is a directory, so it can not be opened for locking
	lockDir := filepath.Join(workDir, "events.lock")
	assert.Nil(os.MkdirAll(lockDir, 0o755))

	uut, err := GetFileEventQueue(FileQueueParam{
		Path: filepath.Join(workDir, "events.json"), LockPath: lockDir, Capacity: 10,
	})
	assert.Nil(err)

	// Case 0: append fails
	assert.NotNil(uut.Append(utCtxt, testEvent(0)))

	// Case 1: drain fails
	{
		_, err := uut.DrainAll(utCtxt)
		assert.NotNil(err)
	}

	// Case 2: closed queue
	{
		good, err := GetFileEventQueue(FileQueueParam{
			Path: filepath.Join(workDir, "other.json"), Capacity: 10,
		})
		assert.Nil(err)
		assert.Nil(good.Close())
		assert.ErrorIs(good.Append(utCtxt, testEvent(0)), ErrQueueClosed)
		_, err = good.DrainAll(utCtxt)
		assert.ErrorIs(err, ErrQueueClosed)
	}

	// Case 3: invalid parameters
	{
		_, err := GetFileEventQueue(FileQueueParam{Capacity: 10})
		assert.NotNil(err)
		_, err = GetFileEventQueue(FileQueueParam{Path: filepath.Join(workDir, "x.json")})
		assert.NotNil(err)
	}
}

func TestBoundTail(t *testing.T) {
	assert := assert.New(t)

	events := []QueuedEvent{}
	for itr := 0; itr < 5; itr++ {
		events = append(events, testEvent(itr))
	}
	assert.Len(boundTail(events, 10), 5)
	trimmed := boundTail(events, 2)
	assert.Len(trimmed, 2)
	assert.Equal(float64(3), trimmed[0].Data["idx"], fmt.Sprintf("%v", trimmed))
}
