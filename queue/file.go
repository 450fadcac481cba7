package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alwitt/meetingcast/common"
	"github.com/apex/log"
	"github.com/gofrs/flock"
)

// lockRetryDelay is the poll interval while waiting on the queue lock
const lockRetryDelay = time.Millisecond

// FileQueueParam file backed EventQueue parameters
type FileQueueParam struct {
	// Path is the file holding the pending events as a JSON array
	Path string `validate:"required"`
	// LockPath is the lock file guarding Path. Defaults to "<Path>.lock".
	LockPath string
	// Capacity is the max number of pending events
	Capacity int `validate:"gte=1"`
}

// fileEventQueue implements EventQueue on a JSON file, guarded by an advisory file lock
// so producers in other processes serialize with the broadcast server.
type fileEventQueue struct {
	common.Component
	path     string
	lockPath string
	capacity int
	closed   bool
	lock     sync.RWMutex
}

// GetFileEventQueue define a new file backed EventQueue
func GetFileEventQueue(param FileQueueParam) (EventQueue, error) {
	if param.Path == "" {
		return nil, fmt.Errorf("event queue file path is required")
	}
	if param.Capacity < 1 {
		return nil, fmt.Errorf("invalid event queue capacity %d", param.Capacity)
	}
	if param.LockPath == "" {
		param.LockPath = param.Path + ".lock"
	}
	logTags := log.Fields{
		"module": "queue", "component": "file-queue", "instance": param.Path,
	}
	for _, dir := range []string{filepath.Dir(param.Path), filepath.Dir(param.LockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to prepare directory %s", dir)
			return nil, err
		}
	}
	return &fileEventQueue{
		Component: common.Component{LogTags: logTags},
		path:      param.Path,
		lockPath:  param.LockPath,
		capacity:  param.Capacity,
	}, nil
}

// Capacity the max number of pending events
func (q *fileEventQueue) Capacity() int {
	return q.capacity
}

// withExclusiveLock run fn while holding the cross-process queue lock.
//
// Each call opens its own lock handle. flock() locks belong to the open file description, so
// two goroutines of the same process exclude each other just like two processes do.
func (q *fileEventQueue) withExclusiveLock(ctxt context.Context, fn func() error) error {
	q.lock.RLock()
	defer q.lock.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	fileLock := flock.New(q.lockPath, flock.SetPermissions(0o644))
	locked, err := fileLock.TryLockContext(ctxt, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("unable to lock %s: %w", q.lockPath, err)
	}
	if !locked {
		return fmt.Errorf("unable to lock %s", q.lockPath)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			log.WithError(err).WithFields(q.LogTags).Error("Failed to release queue lock")
		}
	}()
	return fn()
}

// readPending read the pending events. Caller holds the lock.
func (q *fileEventQueue) readPending() ([]QueuedEvent, error) {
	content, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []QueuedEvent{}, nil
		}
		return nil, err
	}
	if len(content) == 0 {
		return []QueuedEvent{}, nil
	}
	var events []QueuedEvent
	if err := json.Unmarshal(content, &events); err != nil {
		// A damaged queue can not be delivered; start over instead of wedging every producer
		log.WithError(err).WithFields(q.LogTags).Errorf(
			"Queue file content unreadable, discarding %d bytes", len(content),
		)
		return []QueuedEvent{}, nil
	}
	return events, nil
}

// writePending replace the pending events. Caller holds the lock.
//
// The content is written to a temporary file first and renamed over the queue file, so a
// crash mid-write leaves either the old or the new queue, never a partial one.
func (q *fileEventQueue) writePending(events []QueuedEvent) error {
	serialized, err := json.Marshal(events)
	if err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(q.path), filepath.Base(q.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmpFile.Write(serialized); err != nil {
		_ = tmpFile.Close()
		cleanup()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		cleanup()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Append add one event to the tail of the queue
func (q *fileEventQueue) Append(ctxt context.Context, event QueuedEvent) error {
	return q.withExclusiveLock(ctxt, func() error {
		pending, err := q.readPending()
		if err != nil {
			log.WithError(err).WithFields(q.LogTags).Errorf("Unable to read queue for %s", event)
			return err
		}
		pending = boundTail(append(pending, event), q.capacity)
		if err := q.writePending(pending); err != nil {
			log.WithError(err).WithFields(q.LogTags).Errorf("Unable to write queue for %s", event)
			return err
		}
		log.WithFields(q.LogTags).Debugf("Queued %s (%d pending)", event, len(pending))
		return nil
	})
}

// DrainAll remove and return every pending event, oldest first
func (q *fileEventQueue) DrainAll(ctxt context.Context) ([]QueuedEvent, error) {
	var drained []QueuedEvent
	err := q.withExclusiveLock(ctxt, func() error {
		pending, err := q.readPending()
		if err != nil {
			log.WithError(err).WithFields(q.LogTags).Error("Unable to read queue for drain")
			return err
		}
		if len(pending) == 0 {
			drained = pending
			return nil
		}
		if err := q.writePending([]QueuedEvent{}); err != nil {
			log.WithError(err).WithFields(q.LogTags).Error("Unable to clear queue after drain")
			return err
		}
		drained = pending
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(drained) > 0 {
		log.WithFields(q.LogTags).Debugf("Drained %d events", len(drained))
	}
	return drained, nil
}

// Close release resources held by the queue
func (q *fileEventQueue) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	return nil
}
