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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/meetingcast/apis"
	"github.com/alwitt/meetingcast/auth"
	"github.com/alwitt/meetingcast/broadcast"
	"github.com/alwitt/meetingcast/common"
	"github.com/alwitt/meetingcast/core"
	"github.com/alwitt/meetingcast/management"
	"github.com/alwitt/meetingcast/metrics"
	"github.com/alwitt/meetingcast/queue"
	"github.com/apex/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// EventQueueBackend the event queue selected by the queue config
type EventQueueBackend struct {
	// Queue is the event queue
	Queue queue.EventQueue
	// Release the queue along with any NATS connection backing it
	Release func()
	// ReadinessChecks report whether the backend can currently serve
	ReadinessChecks []apis.ReadinessCheck
}

// DefineEventQueue build the event queue selected by the queue config
func DefineEventQueue(
	ctxt context.Context, config common.SystemConfig, instance string,
) (EventQueueBackend, error) {
	logTags := log.Fields{
		"module": "cmd", "component": "event-queue", "instance": instance,
	}

	switch config.Queue.Backend {
	case "file":
		eventQueue, err := queue.GetFileEventQueue(queue.FileQueueParam{
			Path:     config.Queue.File.Path,
			LockPath: config.Queue.File.LockPath,
			Capacity: config.Queue.Capacity,
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to define file event queue at %s", config.Queue.File.Path,
			)
			return EventQueueBackend{}, err
		}
		return EventQueueBackend{
			Queue: eventQueue, Release: func() { _ = eventQueue.Close() },
		}, nil

	case "jetstream":
		if config.NATS == nil {
			return EventQueueBackend{}, fmt.Errorf(
				"jetstream event queue can't start without NATS config",
			)
		}
		natsClient, err := core.GetJetStream(core.DefineNATSConnectParams(*config.NATS, logTags))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return EventQueueBackend{}, err
		}
		controller, err := management.GetJetStreamController(natsClient, instance)
		if err != nil {
			natsClient.Close(ctxt)
			return EventQueueBackend{}, err
		}
		eventQueue, err := queue.GetJetStreamEventQueue(
			natsClient, controller, queue.JetStreamQueueParam{
				Stream:     config.Queue.JetStream.Stream,
				Subject:    config.Queue.JetStream.Subject,
				Consumer:   config.Queue.JetStream.Consumer,
				Capacity:   config.Queue.Capacity,
				FetchBatch: config.Queue.JetStream.FetchBatch,
				FetchWait:  time.Millisecond * time.Duration(config.Queue.JetStream.FetchWait),
				AckWait:    time.Second * time.Duration(config.Queue.JetStream.AckWait),
			},
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to define JetStream event queue on stream %s", config.Queue.JetStream.Stream,
			)
			natsClient.Close(ctxt)
			return EventQueueBackend{}, err
		}
		serverURI := config.NATS.ServerURI
		return EventQueueBackend{
			Queue: eventQueue,
			Release: func() {
				_ = eventQueue.Close()
				closeCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
				defer cancel()
				natsClient.Close(closeCtxt)
			},
			ReadinessChecks: []apis.ReadinessCheck{
				func() error {
					if !natsClient.Connected() {
						return fmt.Errorf("not connected to NATS server %s", serverURI)
					}
					return nil
				},
			},
		}, nil
	}
	return EventQueueBackend{}, fmt.Errorf("unknown event queue backend %s", config.Queue.Backend)
}

// DefineTokenCodec build the token codec from the auth config
func DefineTokenCodec(config common.AuthConfig) (auth.TokenCodec, error) {
	return auth.GetHMACTokenCodec(
		[]byte(config.Secret), time.Second*time.Duration(config.TokenTTL), nil,
	)
}

// RunBroadcastServer run the broadcast server until the runtime context is cancelled
func RunBroadcastServer(
	runtimeContext context.Context,
	config common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broadcast",
		"instance":  instance,
	}

	queueBackend, err := DefineEventQueue(runtimeContext, config, instance)
	if err != nil {
		return err
	}
	defer queueBackend.Release()

	codec, err := DefineTokenCodec(config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token codec")
		return err
	}

	promRegistry := metrics.NewRegistry()
	broadcastMetrics := metrics.NewBroadcastMetrics(promRegistry)

	serverParam := broadcast.DefaultServerParam()
	serverParam.DrainInterval = time.Millisecond * time.Duration(config.Broadcast.DrainInterval)
	serverParam.SendBuffer = config.Broadcast.SendBuffer
	serverParam.WriteTimeout = time.Second * time.Duration(config.Broadcast.WriteTimeout)
	serverParam.MaxMessageBytes = config.Broadcast.MaxMessageBytes

	// Stopped explicitly after the HTTP server shuts down
	serverContext, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()
	server, err := broadcast.GetBroadcastServer(
		serverContext, wg, instance, queueBackend.Queue, codec, nil, broadcastMetrics, serverParam,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast server")
		return err
	}

	httpHandler, err := apis.GetAPIRestBroadcastHandler(
		server,
		config.Broadcast.HTTPSetting,
		config.Broadcast.AllowedOrigins,
		queueBackend.ReadinessChecks...,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}
	router := apis.BuildBroadcastRouter(
		httpHandler, config.Broadcast.Endpoints.PathPrefix, metrics.Handler(promRegistry),
	)

	if err := server.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broadcast server")
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during broadcast server stop")
		}
	}()

	if err := common.WriteLivenessMarker(config.Broadcast.PIDFile); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to write liveness marker %s", config.Broadcast.PIDFile,
		)
		return err
	}
	defer func() {
		if err := common.RemoveLivenessMarker(config.Broadcast.PIDFile); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to remove liveness marker %s", config.Broadcast.PIDFile,
			)
		}
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := config.Broadcast.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	serveFailure := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serveFailure <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var result error
	select {
	case <-runtimeContext.Done():
	case result = <-serveFailure:
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return result
}
