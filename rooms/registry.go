package rooms

import (
	"fmt"
	"sort"
)

// RoomID identifies a room, "meeting:<meeting_id>" or "tenant:<tenant_id>"
type RoomID string

const (
	meetingRoomPrefix = "meeting:"
	tenantRoomPrefix  = "tenant:"
)

// MeetingRoom the room of one meeting
func MeetingRoom(meetingID string) RoomID {
	return RoomID(meetingRoomPrefix + meetingID)
}

// TenantRoom the room of one tenant
func TenantRoom(tenantID string) RoomID {
	return RoomID(tenantRoomPrefix + tenantID)
}

// Registry room membership of the connections of one broadcast server.
//
// It tracks both directions, room to members and connection to subscriptions, and keeps them
// in sync: a connection is a member of a room iff the room is in its subscriptions. Empty rooms
// and connections without subscriptions are removed.
//
// Registry is not safe for concurrent use. The broadcast server loop owns it.
type Registry struct {
	rooms         map[RoomID]map[string]struct{}
	subscriptions map[string]map[RoomID]struct{}
}

// NewRegistry define a new empty Registry
func NewRegistry() *Registry {
	return &Registry{
		rooms:         map[RoomID]map[string]struct{}{},
		subscriptions: map[string]map[RoomID]struct{}{},
	}
}

// Join add a connection to a room, creating the room if needed. Returns false if the
// connection was already a member.
func (r *Registry) Join(connectionID string, room RoomID) bool {
	members, ok := r.rooms[room]
	if !ok {
		members = map[string]struct{}{}
		r.rooms[room] = members
	}
	if _, ok := members[connectionID]; ok {
		return false
	}
	members[connectionID] = struct{}{}

	subscribed, ok := r.subscriptions[connectionID]
	if !ok {
		subscribed = map[RoomID]struct{}{}
		r.subscriptions[connectionID] = subscribed
	}
	subscribed[room] = struct{}{}
	return true
}

// Leave remove a connection from a room, deleting the room once empty. Returns false if the
// connection was not a member.
func (r *Registry) Leave(connectionID string, room RoomID) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[connectionID]; !ok {
		return false
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}

	if subscribed, ok := r.subscriptions[connectionID]; ok {
		delete(subscribed, room)
		if len(subscribed) == 0 {
			delete(r.subscriptions, connectionID)
		}
	}
	return true
}

// MembersOf the connections in a room. Empty if the room does not exist.
func (r *Registry) MembersOf(room RoomID) []string {
	members, ok := r.rooms[room]
	if !ok {
		return []string{}
	}
	result := make([]string, 0, len(members))
	for connectionID := range members {
		result = append(result, connectionID)
	}
	sort.Strings(result)
	return result
}

// IsMember whether a connection is in a room
func (r *Registry) IsMember(connectionID string, room RoomID) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	_, ok = members[connectionID]
	return ok
}

// SubscriptionsOf the rooms a connection is in
func (r *Registry) SubscriptionsOf(connectionID string) []RoomID {
	subscribed, ok := r.subscriptions[connectionID]
	if !ok {
		return []RoomID{}
	}
	result := make([]RoomID, 0, len(subscribed))
	for room := range subscribed {
		result = append(result, room)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// RemoveConnection remove a connection from every room it is in. Returns the rooms left.
func (r *Registry) RemoveConnection(connectionID string) []RoomID {
	left := r.SubscriptionsOf(connectionID)
	for _, room := range left {
		r.Leave(connectionID, room)
	}
	return left
}

// RoomCount the number of non-empty rooms
func (r *Registry) RoomCount() int {
	return len(r.rooms)
}

// RoomSizes the member count of every room
func (r *Registry) RoomSizes() map[RoomID]int {
	result := make(map[RoomID]int, len(r.rooms))
	for room, members := range r.rooms {
		result[room] = len(members)
	}
	return result
}

// String toString function
func (r *Registry) String() string {
	return fmt.Sprintf(
		"ROOM-REGISTRY[rooms=%d connections=%d]", len(r.rooms), len(r.subscriptions),
	)
}
