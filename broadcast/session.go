package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/meetingcast/auth"
	"github.com/alwitt/meetingcast/common"
	"github.com/alwitt/meetingcast/rooms"
	"github.com/apex/log"
)

// SessionState connection session state
type SessionState int

const (
	// StateConnected connection open, not authenticated
	StateConnected SessionState = iota
	// StateAuthenticated token verified, member of its tenant room
	StateAuthenticated
	// StateClosed terminal
	StateClosed
)

// String toString function
func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session the state of one client connection. Only the broadcast server loop touches it.
type Session struct {
	common.Component
	// ID is the connection ID
	ID string
	// State is the current state
	State SessionState
	// TenantID is the tenant of an authenticated session
	TenantID string
	// UserID is the user of an authenticated session
	UserID string
	// ConnectedAt is when the connection was opened
	ConnectedAt time.Time
	outbound    *connWriter
}

// newSession define a new session in the Connected state
func newSession(connectionID string, outbound *connWriter, now time.Time) *Session {
	return &Session{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "broadcast", "component": "session", "instance": connectionID,
			},
		},
		ID:          connectionID,
		State:       StateConnected,
		ConnectedAt: now,
		outbound:    outbound,
	}
}

// String toString function
func (s *Session) String() string {
	if s.State == StateAuthenticated {
		return fmt.Sprintf("SESSION[%s %s tenant=%s]", s.ID, s.State, s.TenantID)
	}
	return fmt.Sprintf("SESSION[%s %s]", s.ID, s.State)
}

// sessionEnv the server state a control message may read or mutate
type sessionEnv struct {
	registry *rooms.Registry
	codec    auth.TokenCodec
	now      time.Time
}

// handleControl apply one raw client control message, returning the replies to send.
//
// Errors in the client input are answered, never returned. The state only changes on a
// successful authenticate, subscribe or unsubscribe.
func (s *Session) handleControl(raw []byte, env sessionEnv) []ServerMessage {
	if s.State == StateClosed {
		return nil
	}
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Unparsable control message")
		return []ServerMessage{errorMessage(msgInvalidFormat)}
	}
	switch msg.Action {
	case "":
		return []ServerMessage{errorMessage(msgMissingAction)}
	case ActionAuthenticate:
		return s.authenticate(msg, env)
	case ActionSubscribe:
		return s.subscribe(msg, env)
	case ActionUnsubscribe:
		return s.unsubscribe(msg, env)
	case ActionPing:
		return []ServerMessage{pongMessage(env.now)}
	default:
		log.WithFields(s.LogTags).Debugf("Unknown action '%s'", msg.Action)
		return []ServerMessage{errorMessage(msgUnknownAction)}
	}
}

func (s *Session) authenticate(msg ControlMessage, env sessionEnv) []ServerMessage {
	if msg.Token == "" || msg.TenantID == "" {
		return []ServerMessage{errorMessage(msgMissingCredentials)}
	}
	identity, err := env.codec.Verify(msg.Token, msg.TenantID)
	if err != nil {
		// An existing authenticated session is kept as is
		log.WithFields(s.LogTags).Infof("Rejected authentication for tenant %s", msg.TenantID)
		return []ServerMessage{authErrorMessage()}
	}

	if s.State == StateAuthenticated && s.TenantID != identity.TenantID {
		left := env.registry.RemoveConnection(s.ID)
		log.WithFields(s.LogTags).Infof(
			"Moving from tenant %s to %s, left %d rooms", s.TenantID, identity.TenantID, len(left),
		)
	}
	s.State = StateAuthenticated
	s.TenantID = identity.TenantID
	s.UserID = identity.UserID
	env.registry.Join(s.ID, rooms.TenantRoom(s.TenantID))
	log.WithFields(s.LogTags).Infof("Authenticated as %s@%s", s.UserID, s.TenantID)
	return []ServerMessage{authenticatedMessage(s.TenantID)}
}

func (s *Session) subscribe(msg ControlMessage, env sessionEnv) []ServerMessage {
	if s.State != StateAuthenticated {
		return []ServerMessage{errorMessage(msgAuthRequired)}
	}
	if msg.MeetingID == "" {
		return []ServerMessage{errorMessage(msgMissingMeeting)}
	}
	if env.registry.Join(s.ID, rooms.MeetingRoom(msg.MeetingID)) {
		log.WithFields(s.LogTags).Debugf("Subscribed to meeting %s", msg.MeetingID)
	}
	return []ServerMessage{subscribedMessage(msg.MeetingID)}
}

func (s *Session) unsubscribe(msg ControlMessage, env sessionEnv) []ServerMessage {
	if s.State != StateAuthenticated {
		return []ServerMessage{errorMessage(msgAuthRequired)}
	}
	if msg.MeetingID == "" {
		return []ServerMessage{errorMessage(msgMissingMeeting)}
	}
	if env.registry.Leave(s.ID, rooms.MeetingRoom(msg.MeetingID)) {
		log.WithFields(s.LogTags).Debugf("Unsubscribed from meeting %s", msg.MeetingID)
	}
	return []ServerMessage{unsubscribedMessage(msg.MeetingID)}
}

// close move the session to Closed and drop all of its memberships
func (s *Session) close(registry *rooms.Registry) {
	if s.State == StateClosed {
		return
	}
	registry.RemoveConnection(s.ID)
	s.State = StateClosed
	if s.outbound != nil {
		s.outbound.close()
	}
}
