package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Place is a pickup or drop point.
type Place struct {
	Address string `json:"address"`
	Coord
}

type VehicleClass string

const (
	VehicleBike VehicleClass = "bike"
	VehicleAuto VehicleClass = "auto"
	VehicleCar  VehicleClass = "car"
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleDriver }

// Actor identifies a party. Rider and driver ids live in separate spaces,
// so the role is always part of the identity.
type Actor struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

func Rider(id string) Actor  { return Actor{Role: RoleRider, ID: id} }
func Driver(id string) Actor { return Actor{Role: RoleDriver, ID: id} }

func (a Actor) String() string { return string(a.Role) + ":" + a.ID }

type Driver struct {
	ID           string       `json:"id"`
	Loc          Coord        `json:"loc"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Capacity     int          `json:"capacity"`
	Available    bool         `json:"available"`
	Verified     bool         `json:"verified"`
	Updated      time.Time    `json:"updated"`
}

// DriverLocation is a single location push from a driver app.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}

// Profile is the account data resolved for notifications.
type Profile struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}
