package types

import (
	"regexp"
	"strings"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user ID meets format requirements. Generated
// guest IDs (8-char UUID prefixes) and persistent account IDs both pass.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidRoomName checks a room name. Room names come from the campus room
// catalog (e.g. "ETLC 1-001") so only length and non-blank are enforced.
func IsValidRoomName(roomName string) bool {
	trimmed := strings.TrimSpace(roomName)
	return len(trimmed) >= 1 && len(roomName) <= 100
}

// Validate ensures a client command is well-formed before it reaches the
// connection manager.
func (c *Command) Validate() error {
	switch c.Type {
	case CommandCheckIn:
		if !IsValidRoomName(c.RoomName) {
			return ErrInvalidRoomName
		}
		if len(c.StudyTopic) > 200 {
			return ErrInvalidTopic
		}
	case CommandCheckOut:
		// Room name is optional on checkout; if present it must be sane.
		if c.RoomName != "" && !IsValidRoomName(c.RoomName) {
			return ErrInvalidRoomName
		}
	case CommandSetUsername:
		if len(c.Username) < 1 || len(c.Username) > 50 {
			return ErrInvalidUsername
		}
	default:
		return ErrInvalidCommand
	}
	return nil
}

// BuildingOf extracts the building prefix from a room name. Room names are
// conventionally "<building> <room>" (e.g. "CAB 239"); a name without a
// space is treated as its own building.
func BuildingOf(roomName string) string {
	if i := strings.IndexByte(roomName, ' '); i > 0 {
		return roomName[:i]
	}
	return roomName
}
