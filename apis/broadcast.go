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

package apis

import (
	"context"
	"net/http"
	"time"

	"github.com/alwitt/meetingcast/broadcast"
	"github.com/alwitt/meetingcast/common"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// ReadinessCheck reports why a dependency of the broadcast server can not serve, or nil
type ReadinessCheck func() error

// APIRestBroadcastHandler REST handler for the broadcast server
type APIRestBroadcastHandler struct {
	APIRestHandler
	server          broadcast.Server
	upgrader        websocket.Upgrader
	allowedOrigins  map[string]bool
	readinessChecks []ReadinessCheck
}

// GetAPIRestBroadcastHandler define APIRestBroadcastHandler. The readiness checks are
// consulted by the ready endpoint in addition to the server itself.
func GetAPIRestBroadcastHandler(
	server broadcast.Server,
	httpConfig common.HTTPConfig,
	allowedOrigins []string,
	readinessChecks ...ReadinessCheck,
) (APIRestBroadcastHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "broadcast",
	}
	origins := map[string]bool{}
	for _, origin := range allowedOrigins {
		origins[origin] = true
	}
	handler := APIRestBroadcastHandler{
		APIRestHandler: defineAPIRestHandler(logTags, httpConfig),
		server:          server,
		allowedOrigins:  origins,
		readinessChecks: readinessChecks,
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: time.Second * 10,
		CheckOrigin:      handler.checkOrigin,
	}
	return handler, nil
}

// checkOrigin permit any origin when no allow-list is configured. Requests without an
// Origin header do not come from browsers and are permitted.
func (h APIRestBroadcastHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.allowedOrigins[origin] {
		return true
	}
	log.WithFields(h.GetLogTagsForContext(r.Context())).Warnf("Rejected origin %s", origin)
	return false
}

// =======================================================================
// Client connections

// -----------------------------------------------------------------------

// Connect godoc
// @Summary Open a broadcast connection
// @Description Upgrade to a WebSocket connection which receives broadcast events. The client
// authenticates and subscribes with JSON control messages over the connection.
// @tags Broadcast
// @Param Meetingcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} StandardResponse "error"
// @Failure 403 {string} string "origin not permitted"
// @Failure 503 {object} StandardResponse "error"
// @Router /v1/ws [get]
func (h APIRestBroadcastHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if !h.server.Ready() {
		msg := "broadcast server not ready"
		h.reply(
			w, r, http.StatusServiceUnavailable,
			h.getStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, ""),
			"Connect",
		)
		return
	}
	// On failure the upgrader has already replied to the client
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}
	connectionID, err := h.server.AttachConnection(r.Context(), conn)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to attach connection")
		return
	}
	log.WithFields(localLogTags).Infof("Connection %s from %s", connectionID, r.RemoteAddr)
}

// ConnectHandler Wrapper around Connect
func (h APIRestBroadcastHandler) ConnectHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Connect)
}

// =======================================================================
// Statistics

// -----------------------------------------------------------------------

// Stats godoc
// @Summary Broadcast server statistics
// @Description Read the number of open connections and the member count of every room
// @tags Broadcast
// @Produce json
// @Param Meetingcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} StatsResponse "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/stats [get]
func (h APIRestBroadcastHandler) Stats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	ctxt, cancel := context.WithTimeout(r.Context(), time.Second*5)
	defer cancel()
	stats, err := h.server.Stats(ctxt)
	if err != nil {
		msg := "unable to read broadcast server statistics"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(
			w, r, http.StatusInternalServerError,
			h.getStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
			"Stats",
		)
		return
	}
	h.reply(
		w, r, http.StatusOK,
		StatsResponse{StandardResponse: h.getStdRESTSuccessMsg(r.Context()), Stats: stats},
		"Stats",
	)
}

// StatsHandler Wrapper around Stats
func (h APIRestBroadcastHandler) StatsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Stats)
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For broadcast server liveness check
// @Description Will return success to indicate the broadcast server is live
// @tags Broadcast
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Router /alive [get]
func (h APIRestBroadcastHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.getStdRESTSuccessMsg(r.Context()), "Alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestBroadcastHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Alive)
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For broadcast server readiness check
// @Description Will return success if the broadcast server event loop is running, and the
// event queue backend is reachable
// @tags Broadcast
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 503 {object} StandardResponse "error"
// @Router /ready [get]
func (h APIRestBroadcastHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	if !h.server.Ready() {
		h.reply(
			w, r, http.StatusServiceUnavailable,
			h.getStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, ""),
			"Ready",
		)
		return
	}
	for _, check := range h.readinessChecks {
		if err := check(); err != nil {
			log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Warn("Dependency not ready")
			h.reply(
				w, r, http.StatusServiceUnavailable,
				h.getStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, err.Error()),
				"Ready",
			)
			return
		}
	}
	h.reply(w, r, http.StatusOK, h.getStdRESTSuccessMsg(r.Context()), "Ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestBroadcastHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Ready)
}

// =======================================================================

// BuildBroadcastRouter define the broadcast server routes under the path prefix. The metrics
// route is skipped when metricsHandler is nil.
func BuildBroadcastRouter(
	handler APIRestBroadcastHandler, pathPrefix string, metricsHandler http.Handler,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Client connections
	_ = RegisterPathPrefix(mainRouter, "/v1/ws", map[string]http.HandlerFunc{
		"get": handler.ConnectHandler(),
	})
	// Statistics
	_ = RegisterPathPrefix(mainRouter, "/v1/stats", map[string]http.HandlerFunc{
		"get": handler.StatsHandler(),
	})
	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": handler.ReadyHandler(),
	})
	// Metrics
	if metricsHandler != nil {
		_ = RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
			"get": metricsHandler.ServeHTTP,
		})
	}

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(handler, next)
	})
	return router
}
