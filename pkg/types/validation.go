package types

import (
	"regexp"

	"github.com/google/uuid"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxAddressLength = 255

// Validate checks a create.trip payload. Status defaults to REQUESTED; a new
// trip may not start out terminal.
func (p *TripPayload) Validate() error {
	verr := &ValidationError{}

	validateAddress(verr, "pickup_address", p.PickupAddress, true)
	validateAddress(verr, "drop_off_address", p.DropOffAddress, true)

	if p.Status == "" {
		p.Status = TripStatusRequested
	}
	if !IsValidTripStatus(p.Status) {
		verr.add("status", "unknown trip status")
	} else if p.Status.Terminal() {
		verr.add("status", "new trip cannot be completed or canceled")
	}

	return verr.orNil()
}

// Validate checks an update.trip or cancel.trip.request payload.
func (u *TripUpdate) Validate() error {
	verr := &ValidationError{}

	if u.ID == "" {
		verr.add("id", "this field is required")
	} else if _, err := uuid.Parse(u.ID); err != nil {
		verr.add("id", "must be a valid UUID")
	}

	if u.Status != "" && !IsValidTripStatus(u.Status) {
		verr.add("status", "unknown trip status")
	}

	validateAddress(verr, "pickup_address", u.PickupAddress, false)
	validateAddress(verr, "drop_off_address", u.DropOffAddress, false)

	return verr.orNil()
}

func validateAddress(verr *ValidationError, field, value string, required bool) {
	switch {
	case value == "" && required:
		verr.add(field, "this field is required")
	case len(value) > maxAddressLength:
		verr.add(field, "must be at most 255 characters")
	}
}

// IsValidTripStatus reports whether s is one of the persisted statuses.
func IsValidTripStatus(s TripStatus) bool {
	switch s {
	case TripStatusRequested,
		TripStatusStarted,
		TripStatusInProgress,
		TripStatusCompleted,
		TripStatusCanceled:
		return true
	default:
		return false
	}
}

// IsValidUserID checks if a user ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-50 character limit matches the users column width
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// ParseRole maps an identity group name to a Role. Authenticated users in no
// known group are riders.
func ParseRole(group string) Role {
	switch Role(group) {
	case RoleDriver:
		return RoleDriver
	case RoleAnonymous:
		return RoleAnonymous
	default:
		return RoleRider
	}
}
