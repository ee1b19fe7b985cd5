package models

import "time"

type EventKind string

const (
	EventNewRideRequest EventKind = "new-ride-request"
	EventRideRequested  EventKind = "ride-requested"
	EventRideAccepted   EventKind = "ride-accepted"
	EventRideTaken      EventKind = "ride-taken"
	EventRideStarted    EventKind = "ride-started"
	EventDriverLocation EventKind = "driver-location"
	EventRideCompleted  EventKind = "ride-completed"
	EventRideCancelled  EventKind = "ride-cancelled"
	EventAuthenticated  EventKind = "authenticated"
)

// Group names a broadcast audience.
type Group string

const (
	GroupAllRiders  Group = "all-riders"
	GroupAllDrivers Group = "all-drivers"
)

// Role returns the party role addressed by the group.
func (g Group) Role() Role {
	if g == GroupAllDrivers {
		return RoleDriver
	}
	return RoleRider
}

// Event is the envelope written to a live connection.
type Event struct {
	Type      EventKind `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

func NewEvent(kind EventKind, data any) Event {
	return Event{Type: kind, Data: data, Timestamp: time.Now().Unix()}
}

// ErrorPayload is carried by every "<action>-error" event.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	RideID  string `json:"ride_id,omitempty"`
}

// RideSummary is the trimmed view pushed to candidate drivers.
type RideSummary struct {
	RideID         string       `json:"ride_id"`
	Pickup         Place        `json:"pickup"`
	Drop           Place        `json:"drop"`
	DistanceKm     float64      `json:"distance_km"`
	DurationMin    int          `json:"duration_min"`
	Fare           float64      `json:"fare"`
	VehicleClass   VehicleClass `json:"vehicle_class"`
	PickupDistance float64      `json:"pickup_distance_km"`
}

// RideEvent is the lifecycle record emitted to the event stream after each transition.
type RideEvent struct {
	RideID   string    `json:"ride_id"`
	From     Status    `json:"from,omitempty"`
	To       Status    `json:"to"`
	Actor    Actor     `json:"actor"`
	RiderID  string    `json:"rider_id"`
	DriverID string    `json:"driver_id,omitempty"`
	At       time.Time `json:"at"`
}
