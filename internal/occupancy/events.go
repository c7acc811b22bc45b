package occupancy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"beacons/pkg/types"
)

// displayOrID picks the name used in human-readable event messages.
func displayOrID(displayName, userID string) string {
	if displayName != "" {
		return displayName
	}
	return userID
}

func newConnectionEvent(userID, displayName string, now time.Time) types.Event {
	return types.Event{
		Type:        types.EventTypeConnection,
		UserID:      userID,
		DisplayName: displayName,
		Timestamp:   now,
		Message:     fmt.Sprintf("User %s has joined the feed!", displayOrID(displayName, userID)),
	}
}

func newDisconnectionEvent(userID, displayName string, now time.Time) types.Event {
	return types.Event{
		Type:        types.EventTypeDisconnection,
		UserID:      userID,
		DisplayName: displayName,
		Timestamp:   now,
		Message:     fmt.Sprintf("User %s has left the feed.", displayOrID(displayName, userID)),
	}
}

// newCheckInActivity builds the durable activity row for a check-in.
func newCheckInActivity(checkIn *types.CheckIn) *types.ActivityEvent {
	message := fmt.Sprintf("@%s started studying", displayOrID(checkIn.DisplayName, checkIn.UserID))
	if checkIn.StudyTopic != "" {
		message += " " + checkIn.StudyTopic
	}
	message += " at " + checkIn.RoomName

	expiry := checkIn.ExpiryTime
	return &types.ActivityEvent{
		ID:          uuid.New().String(),
		Type:        types.EventTypeCheckIn,
		UserID:      checkIn.UserID,
		DisplayName: checkIn.DisplayName,
		RoomName:    checkIn.RoomName,
		StudyTopic:  checkIn.StudyTopic,
		Timestamp:   checkIn.CheckInTime,
		ExpiryTime:  &expiry,
		Message:     message,
	}
}

// checkOutReason distinguishes the three ways a check-in ends. The wire
// event type is "checkout" for all of them; only the message differs.
type checkOutReason int

const (
	checkOutManual checkOutReason = iota
	checkOutAuto
	checkOutExpired
)

// newCheckOutActivity builds the durable activity row for a checkout or
// expiry.
func newCheckOutActivity(checkIn *types.CheckIn, reason checkOutReason, now time.Time) *types.ActivityEvent {
	name := displayOrID(checkIn.DisplayName, checkIn.UserID)
	var message string
	if reason == checkOutExpired {
		message = fmt.Sprintf("@%s's check-in at %s has expired", name, checkIn.RoomName)
	} else {
		message = fmt.Sprintf("@%s has checked out from %s", name, checkIn.RoomName)
	}

	return &types.ActivityEvent{
		ID:          uuid.New().String(),
		Type:        types.EventTypeCheckOut,
		UserID:      checkIn.UserID,
		DisplayName: checkIn.DisplayName,
		RoomName:    checkIn.RoomName,
		Timestamp:   now,
		Message:     message,
	}
}

func newErrorEvent(message string, now time.Time) types.Event {
	return types.Event{
		Type:      types.EventTypeError,
		Timestamp: now,
		Message:   message,
	}
}

func newInfoEvent(message string, now time.Time) types.Event {
	return types.Event{
		Type:      types.EventTypeInfo,
		Timestamp: now,
		Message:   message,
	}
}
