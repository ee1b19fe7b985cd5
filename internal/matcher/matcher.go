package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DefaultRadiusKm is used when FindCandidates is called with a non-positive radius.
const DefaultRadiusKm = 5.0

type Geo interface {
	Within(ctx context.Context, center models.Coord, radiusKm float64) ([]models.Driver, error)
}

// Candidate is a driver eligible for a request together with its pickup distance.
type Candidate struct {
	Driver     models.Driver
	DistanceKm float64
}

type Service struct {
	Geo Geo
}

// FindCandidates returns available, verified drivers of the requested class
// within maxDistanceKm of the point, nearest first. An empty slice is a
// normal outcome.
func (s *Service) FindCandidates(ctx context.Context, lon, lat float64, class models.VehicleClass, maxDistanceKm float64) ([]Candidate, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if maxDistanceKm <= 0 {
		maxDistanceKm = DefaultRadiusKm
	}
	center := models.Coord{Lat: lat, Lon: lon}
	drivers, err := s.Geo.Within(ctx, center, maxDistanceKm)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !eligible(d, class) || !geo.WithinRadius(center, d.Loc, maxDistanceKm) {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: geo.HaversineKm(center, d.Loc)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	observability.CandidatesFound.Observe(float64(len(out)))
	return out, nil
}

func eligible(d models.Driver, class models.VehicleClass) bool {
	return d.VehicleClass == class && d.Available && d.Verified
}
