package geo

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// EarthRadiusKm is the mean Earth radius used for every distance in the service.
const EarthRadiusKm = 6371.0

// Directory is the driver directory consumed by the matcher and the orchestrator.
type Directory interface {
	Upsert(ctx context.Context, d models.Driver) error
	Get(ctx context.Context, id string) (models.Driver, error)
	UpdateLocation(ctx context.Context, id string, loc models.Coord) (models.Driver, error)
	// Register creates a driver or refreshes its position, class and
	// capacity. New drivers start available and unverified; an existing
	// driver keeps its availability and verification.
	Register(ctx context.Context, d models.Driver) (models.Driver, error)
	SetAvailable(ctx context.Context, id string, available bool) error
	// SetAvailableIf writes availability only when the record has not changed
	// since seen (its Updated stamp). It reports whether the write happened.
	SetAvailableIf(ctx context.Context, id string, available bool, seen time.Time) (bool, error)
	SetVerified(ctx context.Context, id string, verified bool) error
	// Within returns every driver whose position lies within radiusKm of center,
	// regardless of availability or class.
	Within(ctx context.Context, center models.Coord, radiusKm float64) ([]models.Driver, error)
	List(ctx context.Context) ([]models.Driver, error)
}

// Index is an in-process Directory guarded by a RWMutex.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Register(_ context.Context, d models.Driver) (models.Driver, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.drivers[d.ID]; ok {
		cur.Loc = d.Loc
		cur.VehicleClass = d.VehicleClass
		cur.Capacity = d.Capacity
		d = cur
	} else {
		d.Available = true
		d.Verified = false
	}
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return d, nil
}

func (g *Index) Get(_ context.Context, id string) (models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	return d, nil
}

func (g *Index) UpdateLocation(_ context.Context, id string, loc models.Coord) (models.Driver, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	d.Loc = loc
	d.Updated = time.Now()
	g.drivers[id] = d
	return d, nil
}

func (g *Index) SetAvailable(_ context.Context, id string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[id]
	if !ok {
		return fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	d.Available = available
	d.Updated = time.Now()
	g.drivers[id] = d
	return nil
}

func (g *Index) SetAvailableIf(_ context.Context, id string, available bool, seen time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[id]
	if !ok {
		return false, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	if !d.Updated.Equal(seen) {
		return false, nil
	}
	d.Available = available
	d.Updated = time.Now()
	g.drivers[id] = d
	return true, nil
}

func (g *Index) SetVerified(_ context.Context, id string, verified bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[id]
	if !ok {
		return fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	d.Verified = verified
	d.Updated = time.Now()
	g.drivers[id] = d
	return nil
}

// naive scan; the Redis directory is the one meant for large fleets
func (g *Index) Within(_ context.Context, center models.Coord, radiusKm float64) ([]models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Driver, 0)
	for _, d := range g.drivers {
		if WithinRadius(center, d.Loc, radiusKm) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (g *Index) List(_ context.Context) ([]models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Driver, 0, len(g.drivers))
	for _, d := range g.drivers {
		out = append(out, d)
	}
	return out, nil
}

// CentralAngle returns the angle in radians subtended at the Earth's centre
// by the two points.
func CentralAngle(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	return EarthRadiusKm * CentralAngle(a, b)
}

// WithinRadius tests spherical-cap containment: the point is inside when its
// central angle does not exceed radiusKm/EarthRadiusKm.
func WithinRadius(center, p models.Coord, radiusKm float64) bool {
	return CentralAngle(center, p) <= radiusKm/EarthRadiusKm
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
