package types

import (
	"encoding/json"
	"time"
)

// UserRef is the nested representation of a trip participant.
type UserRef struct {
	ID string `json:"id"`
}

type nestedTrip struct {
	ID             string     `json:"id"`
	Created        time.Time  `json:"created"`
	Updated        time.Time  `json:"updated"`
	PickupAddress  string     `json:"pickup_address"`
	DropOffAddress string     `json:"drop_off_address"`
	Status         TripStatus `json:"status"`
	Rider          UserRef    `json:"rider"`
	Driver         *UserRef   `json:"driver"`
}

type flatTrip struct {
	ID             string     `json:"id"`
	Created        time.Time  `json:"created"`
	Updated        time.Time  `json:"updated"`
	PickupAddress  string     `json:"pickup_address"`
	DropOffAddress string     `json:"drop_off_address"`
	Status         TripStatus `json:"status"`
	Rider          string     `json:"rider"`
	Driver         *string    `json:"driver"`
}

// NestedTrip renders a trip with rider and driver as objects. This is the
// shape pushed over WebSocket frames.
func NestedTrip(t *Trip) (json.RawMessage, error) {
	out := nestedTrip{
		ID:             t.ID,
		Created:        t.Created,
		Updated:        t.Updated,
		PickupAddress:  t.PickupAddress,
		DropOffAddress: t.DropOffAddress,
		Status:         t.Status,
		Rider:          UserRef{ID: t.RiderID},
	}
	if t.DriverID != nil {
		out.Driver = &UserRef{ID: *t.DriverID}
	}
	return json.Marshal(out)
}

// FlatTrip renders a trip with rider and driver as plain ids, as served by
// the REST API.
func FlatTrip(t *Trip) (json.RawMessage, error) {
	return json.Marshal(flatTrip{
		ID:             t.ID,
		Created:        t.Created,
		Updated:        t.Updated,
		PickupAddress:  t.PickupAddress,
		DropOffAddress: t.DropOffAddress,
		Status:         t.Status,
		Rider:          t.RiderID,
		Driver:         t.DriverID,
	})
}

// EchoFrame wraps data in the uniform outbound envelope.
func EchoFrame(data json.RawMessage) Frame {
	return Frame{Type: MessageTypeEchoMessage, Data: data}
}

// ErrorFrame builds an error frame. Marshalling ErrorPayload cannot fail.
func ErrorFrame(code, message string, fields map[string]string) Frame {
	data, _ := json.Marshal(ErrorPayload{Code: code, Message: message, Fields: fields})
	return Frame{Type: MessageTypeError, Data: data}
}
