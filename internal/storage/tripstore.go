package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// TripStore defines persistence operations for rides. Rides are never deleted.
type TripStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRideIf writes r only if the stored status still equals expected
	// and reports whether the write happened.
	UpdateRideIf(ctx context.Context, r *models.Ride, expected models.Status) (bool, error)
	ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error)
	ListByDriver(ctx context.Context, driverID string) ([]*models.Ride, error)
	// ActiveByRider and ActiveByDriver return models.ErrNotFound when the party
	// has no non-terminal ride.
	ActiveByRider(ctx context.Context, riderID string) (*models.Ride, error)
	ActiveByDriver(ctx context.Context, driverID string) (*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("%w: ride %s exists", models.ErrConflict, r.ID)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("%w: ride %s", models.ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRideIf(_ context.Context, r *models.Ride, expected models.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return false, fmt.Errorf("%w: ride %s", models.ErrNotFound, r.ID)
	}
	if cur.Status != expected {
		return false, nil
	}
	m.rides[r.ID] = r.Clone()
	return true, nil
}

func (m *MemoryStore) ListByRider(_ context.Context, riderID string) ([]*models.Ride, error) {
	return m.filter(func(r *models.Ride) bool { return r.RiderID == riderID }), nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string) ([]*models.Ride, error) {
	return m.filter(func(r *models.Ride) bool { return r.DriverID == driverID }), nil
}

func (m *MemoryStore) ActiveByRider(_ context.Context, riderID string) (*models.Ride, error) {
	rides := m.filter(func(r *models.Ride) bool { return r.RiderID == riderID && r.Status.Active() })
	if len(rides) == 0 {
		return nil, fmt.Errorf("%w: no active ride for rider %s", models.ErrNotFound, riderID)
	}
	return rides[0], nil
}

func (m *MemoryStore) ActiveByDriver(_ context.Context, driverID string) (*models.Ride, error) {
	rides := m.filter(func(r *models.Ride) bool { return r.DriverID == driverID && r.Status.Active() })
	if len(rides) == 0 {
		return nil, fmt.Errorf("%w: no active ride for driver %s", models.ErrNotFound, driverID)
	}
	return rides[0], nil
}

func (m *MemoryStore) filter(keep func(*models.Ride) bool) []*models.Ride {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(rides []*models.Ride) {
	sort.Slice(rides, func(i, j int) bool {
		if !rides[i].RequestedAt.Equal(rides[j].RequestedAt) {
			return rides[i].RequestedAt.After(rides[j].RequestedAt)
		}
		return rides[i].ID < rides[j].ID
	})
}
