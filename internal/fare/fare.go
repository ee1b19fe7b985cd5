// Package fare prices a trip from its endpoints. Everything here is pure and
// deterministic so a fare can be re-derived from a stored ride.
package fare

import (
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// NominalSpeedKmh is the flat average speed used for trip duration.
const NominalSpeedKmh = 30.0

type Rate struct {
	Base      float64
	PerKm     float64
	PerMinute float64
}

var rates = map[models.VehicleClass]Rate{
	models.VehicleBike: {Base: 20, PerKm: 7, PerMinute: 1.0},
	models.VehicleAuto: {Base: 30, PerKm: 10, PerMinute: 1.5},
	models.VehicleCar:  {Base: 50, PerKm: 15, PerMinute: 2.0},
}

// RateFor returns the tier for class; unknown classes are priced as cars.
func RateFor(class models.VehicleClass) Rate {
	if r, ok := rates[class]; ok {
		return r
	}
	return rates[models.VehicleCar]
}

// Quote is the result of an estimate.
type Quote struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin int     `json:"duration_min"`
	Fare        float64 `json:"fare"`
}

// Estimate computes distance, duration and fare between origin and destination.
// The returned distance is rounded for display; duration and fare use the full
// precision distance.
func Estimate(origin, destination models.Coord, class models.VehicleClass) Quote {
	km := geo.HaversineKm(origin, destination)
	mins := DurationMinutes(km)
	return Quote{
		DistanceKm:  Round2(km),
		DurationMin: mins,
		Fare:        Price(class, km, mins),
	}
}

func DurationMinutes(km float64) int {
	return int(math.Round(km / NominalSpeedKmh * 60))
}

// Price applies the class tier to a distance and duration.
func Price(class models.VehicleClass, km float64, mins int) float64 {
	r := RateFor(class)
	return Round2(r.Base + r.PerKm*km + r.PerMinute*float64(mins))
}

func Round2(v float64) float64 { return math.Round(v*100) / 100 }
