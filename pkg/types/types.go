package types

import (
	"encoding/json"
	"time"
)

// Frame types carried in the "type" field of every WebSocket frame.
const (
	MessageTypeCreateTrip  = "create.trip"
	MessageTypeUpdateTrip  = "update.trip"
	MessageTypeCancelTrip  = "cancel.trip.request"
	MessageTypeEchoMessage = "echo.message"
	MessageTypeError       = "error"
)

// Role is resolved once at connect time and never looked up again for the
// lifetime of a connection.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleRider     Role = "rider"
	RoleDriver    Role = "driver"
)

// TripStatus values as persisted by the trip store.
type TripStatus string

const (
	TripStatusRequested  TripStatus = "REQUESTED"
	TripStatusStarted    TripStatus = "STARTED"
	TripStatusInProgress TripStatus = "IN_PROGRESS"
	TripStatusCompleted  TripStatus = "COMPLETED"
	TripStatusCanceled   TripStatus = "CANCELED"
)

// Terminal reports whether no further updates are expected for the trip.
func (s TripStatus) Terminal() bool {
	return s == TripStatusCompleted || s == TripStatusCanceled
}

// GroupKey names a broadcast group: DriversGroup or a trip id.
type GroupKey string

// DriversGroup holds every connected driver.
const DriversGroup GroupKey = "drivers"

// TripGroup returns the group key for a trip.
func TripGroup(tripID string) GroupKey {
	return GroupKey(tripID)
}

// Trip is a ride request and, once a driver is assigned, the ride itself.
// FUNCTIONAL DISCOVERY: DriverID stays nil until a driver accepts; there is
// no separate ACCEPTED status.
type Trip struct {
	ID             string     `json:"id"`
	Created        time.Time  `json:"created"`
	Updated        time.Time  `json:"updated"`
	PickupAddress  string     `json:"pickup_address"`
	DropOffAddress string     `json:"drop_off_address"`
	Status         TripStatus `json:"status"`
	RiderID        string     `json:"rider_id"`
	DriverID       *string    `json:"driver_id,omitempty"`
}

// Frame is the envelope of every inbound and outbound WebSocket message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Principal is the outcome of identity resolution for one connection.
type Principal struct {
	UserID string
	Role   Role
}

// Anonymous reports whether the principal failed to authenticate.
func (p Principal) Anonymous() bool {
	return p.UserID == "" || p.Role == RoleAnonymous
}

// TripPayload is the data of a create.trip frame. The rider is always the
// sending user and is never read from the payload.
type TripPayload struct {
	PickupAddress  string     `json:"pickup_address"`
	DropOffAddress string     `json:"drop_off_address"`
	Status         TripStatus `json:"status,omitempty"`
}

// TripUpdate is the data of update.trip and cancel.trip.request frames.
type TripUpdate struct {
	ID             string     `json:"id"`
	Status         TripStatus `json:"status,omitempty"`
	PickupAddress  string     `json:"pickup_address,omitempty"`
	DropOffAddress string     `json:"drop_off_address,omitempty"`

	// DriverID is set by the server from the sender's session, never by the client.
	DriverID string `json:"-"`
}

// ErrorPayload is the data of an error frame.
type ErrorPayload struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Envelope carries one broadcast between nodes. Origin is the publishing
// node's id so a node can skip its own publications.
type Envelope struct {
	Origin string   `json:"origin"`
	Group  GroupKey `json:"group"`
	Frame  Frame    `json:"frame"`
}
