package types

import (
	"time"
)

// Event type constants used on the WebSocket wire and in the activity feed.
// Only checkin/checkout events are ever persisted; connection and
// disconnection events live in the in-memory feed and age out after 24 hours.
const (
	EventTypeConnection    = "connection"
	EventTypeDisconnection = "disconnection"
	EventTypeCheckIn       = "checkin"
	EventTypeCheckOut      = "checkout"
	EventTypeHistory       = "history"
	EventTypeError         = "error"
	EventTypeInfo          = "info"
)

// Client command types accepted on the WebSocket.
const (
	CommandCheckIn     = "checkin"
	CommandCheckOut    = "checkout"
	CommandSetUsername = "setUsername"
)

// CheckIn is one row of the durable check-in ledger. A row is created on
// check-in and flipped inactive on checkout or expiry; it is never deleted
// on the hot path. The retention sweep purges inactive rows after 24 hours.
type CheckIn struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	RoomName    string    `json:"room_name"`
	StudyTopic  string    `json:"study_topic,omitempty"`
	DisplayName string    `json:"username,omitempty"`
	CheckInTime time.Time `json:"checkin_time"`
	ExpiryTime  time.Time `json:"expiry_time"`
	IsActive    bool      `json:"is_active"`
}

// RoomCount is the live occupant counter for one room. OccupantCount must
// equal the number of active check-ins for the room; the hourly
// reconciliation sweep corrects any drift.
type RoomCount struct {
	RoomName      string    `json:"room_name"`
	OccupantCount int       `json:"occupant_count"`
	LastUpdated   time.Time `json:"last_updated"`
}

// ActivityEvent is one row of the append-only durable activity log.
// Type is always "checkin" or "checkout".
type ActivityEvent struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"username,omitempty"`
	RoomName    string     `json:"room_name"`
	StudyTopic  string     `json:"study_topic,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	ExpiryTime  *time.Time `json:"expiry_time,omitempty"`
	Message     string     `json:"message"`
}

// Event is the closed set of messages the server pushes to clients, both
// broadcast (connection, disconnection, checkin, checkout) and private
// (error, info). CurrentOccupancy carries the post-mutation room count on
// state-changing events.
type Event struct {
	Type             string     `json:"type"`
	UserID           string     `json:"user_id,omitempty"`
	DisplayName      string     `json:"username,omitempty"`
	RoomName         string     `json:"room_name,omitempty"`
	StudyTopic       string     `json:"study_topic,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	ExpiryTime       *time.Time `json:"expiry_time,omitempty"`
	Message          string     `json:"message,omitempty"`
	CurrentOccupancy *int       `json:"current_occupancy,omitempty"`
}

// History is the one-time private payload sent to a freshly connected
// client: the merged activity feed (durable + volatile, newest first), the
// client's assigned identity, and a snapshot of current occupancy.
type History struct {
	Type            string         `json:"type"`
	Feed            []Event        `json:"feed"`
	UserID          string         `json:"user_id"`
	DisplayName     string         `json:"username,omitempty"`
	CurrentCheckIns []*CheckIn     `json:"current_checkins"`
	RoomOccupancy   map[string]int `json:"room_occupancy"`
}

// Command is a client request received as a JSON text frame on the
// WebSocket. Unknown types are ignored.
type Command struct {
	Type       string `json:"type"`
	RoomName   string `json:"room_name,omitempty"`
	StudyTopic string `json:"study_topic,omitempty"`
	Username   string `json:"username,omitempty"`
}

// EventFromActivity converts a durable activity row to its wire event.
func EventFromActivity(row *ActivityEvent) Event {
	return Event{
		Type:        row.Type,
		UserID:      row.UserID,
		DisplayName: row.DisplayName,
		RoomName:    row.RoomName,
		StudyTopic:  row.StudyTopic,
		Timestamp:   row.Timestamp,
		ExpiryTime:  row.ExpiryTime,
		Message:     row.Message,
	}
}
