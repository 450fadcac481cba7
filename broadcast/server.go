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

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/meetingcast/auth"
	"github.com/alwitt/meetingcast/common"
	"github.com/alwitt/meetingcast/metrics"
	"github.com/alwitt/meetingcast/queue"
	"github.com/alwitt/meetingcast/rooms"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// ErrServerNotRunning is returned when attaching a connection to a server which is not started
// or already stopping
var ErrServerNotRunning = errors.New("broadcast server not running")

// Stats read-only snapshot of the broadcast server state
type Stats struct {
	// Connections is the number of open connections
	Connections int `json:"connections"`
	// Authenticated is the number of open connections which have authenticated
	Authenticated int `json:"authenticated"`
	// Rooms is the member count of every non-empty room
	Rooms map[string]int `json:"rooms"`
}

// ServerParam broadcast server parameters
type ServerParam struct {
	// DrainInterval is the event queue drain interval
	DrainInterval time.Duration `validate:"required"`
	// SendBuffer is the number of outbound messages buffered per connection
	SendBuffer int `validate:"gte=1"`
	// WriteTimeout is the max duration of one WebSocket write
	WriteTimeout time.Duration `validate:"required"`
	// PingInterval is the keepalive ping interval
	PingInterval time.Duration `validate:"required"`
	// PongTimeout is how long a connection may stay silent before it is dropped
	PongTimeout time.Duration `validate:"required,gtfield=PingInterval"`
	// MaxMessageBytes is the max size of one client control message
	MaxMessageBytes int64 `validate:"gte=128"`
}

// DefaultServerParam the broadcast server defaults
func DefaultServerParam() ServerParam {
	return ServerParam{
		DrainInterval:   time.Millisecond * 100,
		SendBuffer:      64,
		WriteTimeout:    time.Second * 5,
		PingInterval:    time.Second * 30,
		PongTimeout:     time.Second * 60,
		MaxMessageBytes: 4096,
	}
}

// Server accepts client connections, drains the event queue and fans events out to rooms.
type Server interface {
	// Start the event loop and the queue drain timer
	Start() error
	// Stop the drain timer, close every connection and stop the event loop
	Stop(ctxt context.Context) error
	// AttachConnection take ownership of a newly upgraded WebSocket connection
	AttachConnection(ctxt context.Context, conn *websocket.Conn) (string, error)
	// Stats read the server statistics
	Stats(ctxt context.Context) (Stats, error)
	// Ready whether the event loop is running
	Ready() bool
}

// ================================================================================
// Event loop tasks

type openConnectionRequest struct {
	connectionID string
	writer       *connWriter
}

type controlMessageRequest struct {
	connectionID string
	raw          []byte
}

type closeConnectionRequest struct {
	connectionID string
	reason       string
}

type fanOutRequest struct {
	events []queue.QueuedEvent
}

type statsRequest struct {
	reply chan Stats
}

type shutdownRequest struct {
	done chan struct{}
}

// ================================================================================

// serverImpl implements Server.
//
// Sessions and the room registry are owned by the event loop goroutine; every mutation of
// them happens in a loop task handler. Handlers never block on network I/O: outbound
// messages go through each connection's buffered writer.
type serverImpl struct {
	common.Component
	param      ServerParam
	eventQueue queue.EventQueue
	codec      auth.TokenCodec
	clock      clockwork.Clock
	metrics    *metrics.BroadcastMetrics

	operationContext context.Context
	contextCancel    context.CancelFunc
	wg               *sync.WaitGroup
	connWG           sync.WaitGroup
	ready            atomic.Bool
	// attachLock orders ready changes against connWG.Add in AttachConnection
	attachLock sync.Mutex

	loop       common.TaskProcessor
	drainTimer common.IntervalTimer

	// Owned by the event loop
	sessions map[string]*Session
	registry *rooms.Registry
}

// GetBroadcastServer define a new broadcast server
func GetBroadcastServer(
	ctxt context.Context,
	wg *sync.WaitGroup,
	instance string,
	eventQueue queue.EventQueue,
	codec auth.TokenCodec,
	clock clockwork.Clock,
	broadcastMetrics *metrics.BroadcastMetrics,
	param ServerParam,
) (Server, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "server", "instance": instance,
	}
	if err := validator.New().Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid broadcast server parameters")
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	optCtxt, cancel := context.WithCancel(ctxt)

	loop, err := common.GetNewTaskProcessorInstance(optCtxt, instance, 256)
	if err != nil {
		cancel()
		return nil, err
	}
	drainTimer, err := common.GetIntervalTimerInstance(
		optCtxt, wg, fmt.Sprintf("%s-drain", instance),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	server := &serverImpl{
		Component:        common.Component{LogTags: logTags},
		param:            param,
		eventQueue:       eventQueue,
		codec:            codec,
		clock:            clock,
		metrics:          broadcastMetrics,
		operationContext: optCtxt,
		contextCancel:    cancel,
		wg:               wg,
		loop:             loop,
		drainTimer:       drainTimer,
		sessions:         map[string]*Session{},
		registry:         rooms.NewRegistry(),
	}

	if err := loop.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(openConnectionRequest{}):  server.processOpenConnection,
		reflect.TypeOf(controlMessageRequest{}):  server.processControlMessage,
		reflect.TypeOf(closeConnectionRequest{}): server.processCloseConnection,
		reflect.TypeOf(fanOutRequest{}):          server.processFanOut,
		reflect.TypeOf(statsRequest{}):           server.processStats,
		reflect.TypeOf(shutdownRequest{}):        server.processShutdown,
	}); err != nil {
		cancel()
		return nil, err
	}
	return server, nil
}

// Start the event loop and the queue drain timer
func (s *serverImpl) Start() error {
	if err := s.loop.StartEventLoop(s.wg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to start event loop")
		return err
	}
	if err := s.drainTimer.Start(s.param.DrainInterval, s.drainQueue, false); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to start drain timer")
		return err
	}
	s.attachLock.Lock()
	s.ready.Store(true)
	s.attachLock.Unlock()
	log.WithFields(s.LogTags).Infof("Broadcast server running, draining every %s", s.param.DrainInterval)
	return nil
}

// Stop the drain timer, close every connection and stop the event loop
func (s *serverImpl) Stop(ctxt context.Context) error {
	s.attachLock.Lock()
	s.ready.Store(false)
	s.attachLock.Unlock()
	if err := s.drainTimer.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop drain timer")
	}
	done := make(chan struct{})
	if err := s.loop.Submit(ctxt, shutdownRequest{done: done}); err == nil {
		select {
		case <-done:
		case <-ctxt.Done():
			log.WithFields(s.LogTags).Error("Timed out closing connections")
		}
	}
	if err := s.loop.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop event loop")
	}
	s.contextCancel()

	writersDone := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(writersDone)
	}()
	select {
	case <-writersDone:
	case <-ctxt.Done():
		return ctxt.Err()
	}
	log.WithFields(s.LogTags).Info("Broadcast server stopped")
	return nil
}

// Ready whether the event loop is running
func (s *serverImpl) Ready() bool {
	return s.ready.Load()
}

// ================================================================================
// Connection handling

// AttachConnection take ownership of a newly upgraded WebSocket connection
func (s *serverImpl) AttachConnection(ctxt context.Context, conn *websocket.Conn) (string, error) {
	connectionID := uuid.New().String()
	logTags := s.GetLogTagsForContext(ctxt)
	logTags["connection_id"] = connectionID

	notifyClosed := func(reason string) {
		// The loop may be gone during shutdown; the session is cleaned up there
		_ = s.loop.Submit(
			s.operationContext,
			closeConnectionRequest{connectionID: connectionID, reason: reason},
		)
	}

	writer := newConnWriter(
		connectionID, conn, s.param.SendBuffer, s.param.WriteTimeout, s.param.PingInterval,
		notifyClosed,
	)
	s.attachLock.Lock()
	if !s.ready.Load() {
		s.attachLock.Unlock()
		log.WithFields(logTags).Warn("Refusing connection, server not running")
		_ = conn.Close()
		return "", ErrServerNotRunning
	}
	s.connWG.Add(2)
	s.attachLock.Unlock()

	if err := s.loop.Submit(
		ctxt, openConnectionRequest{connectionID: connectionID, writer: writer},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register connection")
		_ = conn.Close()
		s.connWG.Add(-2)
		return "", err
	}

	go writer.run(&s.connWG)
	go func() {
		defer s.connWG.Done()
		readLoop(
			conn,
			s.param.MaxMessageBytes,
			s.param.PongTimeout,
			func(raw []byte) {
				if err := s.loop.Submit(
					s.operationContext,
					controlMessageRequest{connectionID: connectionID, raw: raw},
				); err != nil {
					log.WithError(err).WithFields(logTags).Debug("Dropped control message")
				}
			},
			notifyClosed,
			logTags,
		)
	}()
	return connectionID, nil
}

func (s *serverImpl) processOpenConnection(ctxt context.Context, param interface{}) error {
	request, ok := param.(openConnectionRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for open connection", reflect.TypeOf(param))
	}
	session := newSession(request.connectionID, request.writer, s.clock.Now())
	s.sessions[session.ID] = session
	s.sendReplies(session, []ServerMessage{connectedMessage(session.ID, s.clock.Now())})
	s.updateGauges()
	log.WithFields(s.LogTags).Infof("Opened %s", session)
	return nil
}

func (s *serverImpl) processControlMessage(ctxt context.Context, param interface{}) error {
	request, ok := param.(controlMessageRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for control message", reflect.TypeOf(param))
	}
	session, ok := s.sessions[request.connectionID]
	if !ok {
		return nil
	}
	replies := session.handleControl(
		request.raw, sessionEnv{registry: s.registry, codec: s.codec, now: s.clock.Now()},
	)
	if s.metrics != nil {
		for _, reply := range replies {
			if reply.Type == TypeAuthError {
				s.metrics.AuthFailures.Inc()
			}
		}
	}
	s.sendReplies(session, replies)
	s.updateGauges()
	return nil
}

func (s *serverImpl) processCloseConnection(ctxt context.Context, param interface{}) error {
	request, ok := param.(closeConnectionRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for close connection", reflect.TypeOf(param))
	}
	s.closeSession(request.connectionID, request.reason)
	s.updateGauges()
	return nil
}

// closeSession close one session and drop its memberships
func (s *serverImpl) closeSession(connectionID, reason string) {
	session, ok := s.sessions[connectionID]
	if !ok {
		return
	}
	delete(s.sessions, connectionID)
	session.close(s.registry)
	log.WithFields(s.LogTags).Infof("Closed %s: %s", session, reason)
}

// sendReplies queue replies to one session. A session which can not take them is closed.
func (s *serverImpl) sendReplies(session *Session, replies []ServerMessage) {
	for _, reply := range replies {
		serialized, err := json.Marshal(&reply)
		if err != nil {
			log.WithError(err).WithFields(session.LogTags).Errorf("Unable to serialize %s reply", reply.Type)
			continue
		}
		if !session.outbound.enqueue(serialized) {
			s.evictSlowSession(session.ID)
			return
		}
	}
}

func (s *serverImpl) evictSlowSession(connectionID string) {
	if s.metrics != nil {
		s.metrics.SlowConnectionsEvicted.Inc()
	}
	s.closeSession(connectionID, "send buffer full")
}

// ================================================================================
// Queue drain and fan out

// drainQueue called by the drain timer. The queue is read outside the event loop, then the
// events are handed to the loop in drain order.
func (s *serverImpl) drainQueue(ctxt context.Context) error {
	events, err := s.eventQueue.DrainAll(ctxt)
	if err != nil {
		if s.metrics != nil {
			s.metrics.DrainFailures.Inc()
		}
		log.WithError(err).WithFields(s.LogTags).Warn("Event queue unavailable, skipping drain cycle")
		return nil
	}
	if len(events) == 0 {
		return nil
	}
	if s.metrics != nil {
		s.metrics.EventsDrained.Add(float64(len(events)))
	}
	if err := s.loop.Submit(ctxt, fanOutRequest{events: events}); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Lost %d drained events", len(events))
		return err
	}
	return nil
}

// recipientsOf resolve the connections an event is for
func (s *serverImpl) recipientsOf(event queue.QueuedEvent) []string {
	switch event.Target {
	case queue.TargetMeeting:
		return s.registry.MembersOf(rooms.MeetingRoom(event.MeetingID))
	case queue.TargetTenant:
		return s.registry.MembersOf(rooms.TenantRoom(event.TenantID))
	case queue.TargetAll:
		result := make([]string, 0, len(s.sessions))
		for connectionID := range s.sessions {
			result = append(result, connectionID)
		}
		sort.Strings(result)
		return result
	default:
		log.WithFields(s.LogTags).Errorf("Unknown target for %s", event)
		return nil
	}
}

func (s *serverImpl) processFanOut(ctxt context.Context, param interface{}) error {
	request, ok := param.(fanOutRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for fan out", reflect.TypeOf(param))
	}
	for _, event := range request.events {
		payload, err := encodeEvent(event)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to serialize %s", event)
			continue
		}
		recipients := s.recipientsOf(event)
		broken := []string{}
		delivered := 0
		for _, connectionID := range recipients {
			session, ok := s.sessions[connectionID]
			if !ok {
				continue
			}
			if !session.outbound.enqueue(payload) {
				broken = append(broken, connectionID)
				continue
			}
			delivered++
		}
		// Failed recipients are removed only after the event reached everyone else
		for _, connectionID := range broken {
			s.evictSlowSession(connectionID)
		}
		if s.metrics != nil {
			s.metrics.MessagesDelivered.Add(float64(delivered))
		}
		log.WithFields(s.LogTags).Debugf(
			"Fanned out %s to %d of %d connections", event, delivered, len(recipients),
		)
	}
	s.updateGauges()
	return nil
}

// ================================================================================
// Stats and shutdown

// Stats read the server statistics
func (s *serverImpl) Stats(ctxt context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := s.loop.Submit(ctxt, statsRequest{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-ctxt.Done():
		return Stats{}, ctxt.Err()
	case <-s.operationContext.Done():
		return Stats{}, fmt.Errorf("broadcast server stopped")
	}
}

func (s *serverImpl) currentStats() Stats {
	stats := Stats{Connections: len(s.sessions), Rooms: map[string]int{}}
	for _, session := range s.sessions {
		if session.State == StateAuthenticated {
			stats.Authenticated++
		}
	}
	for room, size := range s.registry.RoomSizes() {
		stats.Rooms[string(room)] = size
	}
	return stats
}

func (s *serverImpl) processStats(ctxt context.Context, param interface{}) error {
	request, ok := param.(statsRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for stats", reflect.TypeOf(param))
	}
	request.reply <- s.currentStats()
	return nil
}

func (s *serverImpl) processShutdown(ctxt context.Context, param interface{}) error {
	request, ok := param.(shutdownRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for shutdown", reflect.TypeOf(param))
	}
	for connectionID := range s.sessions {
		s.closeSession(connectionID, "server shutting down")
	}
	s.updateGauges()
	close(request.done)
	return nil
}

func (s *serverImpl) updateGauges() {
	if s.metrics == nil {
		return
	}
	stats := s.currentStats()
	s.metrics.ActiveConnections.Set(float64(stats.Connections))
	s.metrics.AuthenticatedConnections.Set(float64(stats.Authenticated))
	s.metrics.ActiveRooms.Set(float64(s.registry.RoomCount()))
}
