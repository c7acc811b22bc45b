package occupancy

// User-facing reply texts. These are sent privately as error/info events
// and never broadcast.
const (
	msgMissingCheckInFields = "Missing user_id or room_name for check-in"
	msgUserNotFound         = "User ID not found for this connection"
	msgNotCheckedIn         = "You are not checked in to any room"
	msgStorageFailure       = "Something went wrong, please try again"
)
