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
	"encoding/json"
	"net/http"

	"github.com/alwitt/meetingcast/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ErrorDetail in case of REST error, the response
type ErrorDetail struct {
	// Code is the response code
	Code int `json:"code"`
	// Msg is an optional descriptive message
	Msg string `json:"message,omitempty"`
	// Detail is an optional descriptive message providing additional details on the error
	Detail string `json:"detail,omitempty"`
}

// StandardResponse standard REST API response
type StandardResponse struct {
	// Success indicates whether the request was successful
	Success bool `json:"success"`
	// RequestID gives the request ID to match against logs
	RequestID string `json:"request_id"`
	// Error are details in case of errors
	Error *ErrorDetail `json:"error,omitempty"`
}

// StatsResponse response carrying the broadcast server statistics
type StatsResponse struct {
	StandardResponse
	// Stats are the broadcast server statistics
	Stats interface{} `json:"stats,omitempty"`
}

// ========================================================================================
// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	common.Component
	// CallRequestIDHeaderField the HTTP header containing the request ID provided by the caller
	CallRequestIDHeaderField string
	// DoNotLogHeaders marks the set of HTTP headers to not log
	DoNotLogHeaders map[string]bool
}

// defineAPIRestHandler define the base REST handler from the HTTP config
func defineAPIRestHandler(logTags log.Fields, httpConfig common.HTTPConfig) APIRestHandler {
	doNotLog := map[string]bool{}
	for _, header := range httpConfig.Logging.DoNotLogHeaders {
		doNotLog[http.CanonicalHeaderKey(header)] = true
	}
	return APIRestHandler{
		Component:                common.Component{LogTags: logTags},
		CallRequestIDHeaderField: httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders:          doNotLog,
	}
}

// requestIDOf the request ID attached to the context
func requestIDOf(ctxt context.Context) string {
	if v, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return v.ID
	}
	return ""
}

// getStdRESTSuccessMsg define a standard success message
func (h APIRestHandler) getStdRESTSuccessMsg(ctxt context.Context) StandardResponse {
	return StandardResponse{Success: true, RequestID: requestIDOf(ctxt)}
}

// getStdRESTErrorMsg define a standard error message
func (h APIRestHandler) getStdRESTErrorMsg(
	ctxt context.Context, code int, message string, detail string,
) StandardResponse {
	return StandardResponse{
		Success:   false,
		RequestID: requestIDOf(ctxt),
		Error:     &ErrorDetail{Code: code, Msg: message, Detail: detail},
	}
}

// writeRESTResponse write a REST response
func (h APIRestHandler) writeRESTResponse(
	w http.ResponseWriter, r *http.Request, respCode int, resp interface{},
) error {
	t, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	w.Header().Set("content-type", "application/json")
	if h.CallRequestIDHeaderField != "" {
		if reqID := requestIDOf(r.Context()); reqID != "" {
			w.Header().Set(h.CallRequestIDHeaderField, reqID)
		}
	}
	w.WriteHeader(respCode)
	_, err = w.Write(t)
	return err
}

// reply helper function for writing responses
func (h APIRestHandler) reply(
	w http.ResponseWriter, r *http.Request, respCode int, resp interface{}, restCall string,
) {
	if err := h.writeRESTResponse(w, r, respCode, resp); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Errorf(
			"Failed to write REST response for %s", restCall,
		)
	}
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// LoggingMiddleware middleware function to attach a request ID to a API request, and log
// the request headers
func (h APIRestHandler) LoggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := ""
		if h.CallRequestIDHeaderField != "" {
			reqID = r.Header.Get(h.CallRequestIDHeaderField)
		}
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)
		r = r.WithContext(ctx)

		headers := log.Fields{}
		for name, values := range r.Header {
			if h.DoNotLogHeaders[http.CanonicalHeaderKey(name)] {
				continue
			}
			headers[name] = values
		}
		log.WithFields(h.GetLogTagsForContext(ctx)).WithFields(headers).Debug("New request")

		next(rw, r)
	}
}
