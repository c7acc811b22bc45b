package occupancy

import (
	"fmt"

	"beacons/pkg/types"
)

// The per-user check-in lifecycle is a two-state machine: not checked in,
// or checked into exactly one room until an expiry time. The transition
// planners below are pure functions over the user's current active
// check-in (nil when not checked in), so the lifecycle is testable without
// sockets or storage. The manager executes the resulting plan against the
// store and broadcasts the emitted events.

// checkInPlan is the action a check-in request requires.
type checkInPlan int

const (
	// planCheckInFresh creates a new check-in; the user was not checked in.
	planCheckInFresh checkInPlan = iota
	// planCheckInSameRoom is a no-op: reply privately, no broadcast.
	planCheckInSameRoom
	// planCheckInSwitch auto-checks-out of the current room first, then
	// checks into the requested one.
	planCheckInSwitch
)

// planCheckIn decides the transition for a check-in into roomName given
// the user's current active check-in.
func planCheckIn(active *types.CheckIn, roomName string) checkInPlan {
	if active == nil {
		return planCheckInFresh
	}
	if active.RoomName == roomName {
		return planCheckInSameRoom
	}
	return planCheckInSwitch
}

// planCheckOut validates a checkout request against the user's current
// active check-in. It returns ok=false with a user-facing reason when the
// transition is invalid; auto (system-initiated) checkouts suppress the
// reason entirely.
func planCheckOut(active *types.CheckIn, roomName string, auto bool) (ok bool, reason string) {
	if active == nil {
		if auto {
			return false, ""
		}
		return false, msgNotCheckedIn
	}
	// A supplied room name must match the room the user is actually in.
	if roomName != "" && roomName != active.RoomName {
		if auto {
			return false, ""
		}
		return false, fmt.Sprintf("You are checked into %s, not %s", active.RoomName, roomName)
	}
	return true, ""
}
