package broadcast

import (
	"encoding/json"
	"time"

	"github.com/alwitt/meetingcast/queue"
)

// Client control message actions
const (
	ActionAuthenticate = "authenticate"
	ActionSubscribe    = "subscribe"
	ActionUnsubscribe  = "unsubscribe"
	ActionPing         = "ping"
)

// Server message types other than broadcast events
const (
	TypeConnected     = "connected"
	TypeAuthenticated = "authenticated"
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypePong          = "pong"
	TypeError         = "error"
	TypeAuthError     = "auth_error"
)

// Generic error replies. Authentication failures never say which check failed.
const (
	msgInvalidFormat      = "invalid message format"
	msgMissingAction      = "missing action"
	msgUnknownAction      = "unknown action"
	msgAuthFailed         = "authentication failed"
	msgAuthRequired       = "authentication required"
	msgMissingMeeting     = "meeting_id is required"
	msgMissingCredentials = "token and tenant_id are required"
)

// ControlMessage a client control message
type ControlMessage struct {
	// Action is the requested action
	Action string `json:"action"`
	// Token is the signed authentication token. Used by "authenticate".
	Token string `json:"token,omitempty"`
	// TenantID is the tenant the client claims. Used by "authenticate".
	TenantID string `json:"tenant_id,omitempty"`
	// MeetingID is the meeting to (un)subscribe. Used by "subscribe" and "unsubscribe".
	MeetingID string `json:"meeting_id,omitempty"`
}

// ServerMessage a message sent by the server to a client
type ServerMessage struct {
	// Type is the message type, or the event type for broadcast events
	Type string `json:"type"`
	// ConnectionID is the connection ID. Set on "connected".
	ConnectionID string `json:"connection_id,omitempty"`
	// TenantID is set on "authenticated"
	TenantID string `json:"tenant_id,omitempty"`
	// MeetingID is set on "subscribed" and "unsubscribed"
	MeetingID string `json:"meeting_id,omitempty"`
	// Message is the reason of an "error" or "auth_error"
	Message string `json:"message,omitempty"`
	// Data is the broadcast event payload
	Data map[string]interface{} `json:"data,omitempty"`
	// Timestamp is set on "connected", "pong" and broadcast events
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func stamp(ts time.Time) *time.Time {
	utc := ts.UTC()
	return &utc
}

func connectedMessage(connectionID string, now time.Time) ServerMessage {
	return ServerMessage{Type: TypeConnected, ConnectionID: connectionID, Timestamp: stamp(now)}
}

func authenticatedMessage(tenantID string) ServerMessage {
	return ServerMessage{Type: TypeAuthenticated, TenantID: tenantID}
}

func subscribedMessage(meetingID string) ServerMessage {
	return ServerMessage{Type: TypeSubscribed, MeetingID: meetingID}
}

func unsubscribedMessage(meetingID string) ServerMessage {
	return ServerMessage{Type: TypeUnsubscribed, MeetingID: meetingID}
}

func pongMessage(now time.Time) ServerMessage {
	return ServerMessage{Type: TypePong, Timestamp: stamp(now)}
}

func errorMessage(reason string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: reason}
}

func authErrorMessage() ServerMessage {
	return ServerMessage{Type: TypeAuthError, Message: msgAuthFailed}
}

// encodeEvent serialize a queued event into the broadcast payload sent to every recipient
func encodeEvent(event queue.QueuedEvent) ([]byte, error) {
	data := event.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return json.Marshal(&struct {
		Type      string                 `json:"type"`
		Data      map[string]interface{} `json:"data"`
		Timestamp time.Time              `json:"timestamp"`
	}{Type: event.Type, Data: data, Timestamp: event.QueuedAt.UTC()})
}
