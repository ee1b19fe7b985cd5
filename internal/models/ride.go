package models

import "time"

type Status string

const (
	StatusRequested  Status = "requested"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Active reports whether a ride in status s still occupies its rider.
func (s Status) Active() bool {
	return s == StatusRequested || s == StatusAccepted || s == StatusInProgress
}

// HasDriver reports whether a ride in status s must carry a driver id.
func (s Status) HasDriver() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusCompleted
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentWallet PaymentMethod = "wallet"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
)

type Ride struct {
	ID            string        `json:"id"`
	RiderID       string        `json:"rider_id"`
	DriverID      string        `json:"driver_id,omitempty"`
	Status        Status        `json:"status"`
	Pickup        Place         `json:"pickup"`
	Drop          Place         `json:"drop"`
	DistanceKm    float64       `json:"distance_km"`
	DurationMin   int           `json:"duration_min"`
	Fare          float64       `json:"fare"`
	VehicleClass  VehicleClass  `json:"vehicle_class"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	PaymentStatus PaymentStatus `json:"payment_status"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelledBy  Role   `json:"cancelled_by,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (r *Ride) Clone() *Ride {
	c := *r
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

// Involves reports whether the actor is the rider or the assigned driver.
func (r *Ride) Involves(a Actor) bool {
	switch a.Role {
	case RoleRider:
		return r.RiderID == a.ID
	case RoleDriver:
		return r.DriverID != "" && r.DriverID == a.ID
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
