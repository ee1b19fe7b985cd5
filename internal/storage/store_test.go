package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func newRide(id, rider string, at time.Time) *models.Ride {
	return &models.Ride{
		ID:            id,
		RiderID:       rider,
		Status:        models.StatusRequested,
		Pickup:        models.Place{Address: "A", Coord: models.Coord{Lat: 1, Lon: 2}},
		Drop:          models.Place{Address: "B", Coord: models.Coord{Lat: 3, Lon: 4}},
		VehicleClass:  models.VehicleCar,
		PaymentMethod: models.PaymentCash,
		PaymentStatus: models.PaymentPending,
		RequestedAt:   at,
		UpdatedAt:     at,
	}
}

func exerciseStore(t *testing.T, s TripStore) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRide(ctx, newRide("r1", "rider", base)))
	require.NoError(t, s.SaveRide(ctx, newRide("r2", "rider", base.Add(time.Minute))))
	assert.ErrorIs(t, s.SaveRide(ctx, newRide("r1", "rider", base)), models.ErrConflict)

	_, err := s.GetRide(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	got, err := s.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "rider", got.RiderID)
	assert.Equal(t, models.StatusRequested, got.Status)

	accepted := got.Clone()
	accepted.Status = models.StatusAccepted
	accepted.DriverID = "d1"
	now := base.Add(2 * time.Minute)
	accepted.AcceptedAt = &now

	ok, err := s.UpdateRideIf(ctx, accepted, models.StatusRequested)
	require.NoError(t, err)
	assert.True(t, ok)

	// a second writer that read the same source state loses
	stale := got.Clone()
	stale.Status = models.StatusAccepted
	stale.DriverID = "d2"
	ok, err = s.UpdateRideIf(ctx, stale, models.StatusRequested)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DriverID)
	require.NotNil(t, got.AcceptedAt)
	assert.True(t, got.AcceptedAt.Equal(now))

	rides, err := s.ListByRider(ctx, "rider")
	require.NoError(t, err)
	require.Len(t, rides, 2)
	assert.Equal(t, "r2", rides[0].ID)

	byDriver, err := s.ListByDriver(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, byDriver, 1)

	active, err := s.ActiveByDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "r1", active.ID)

	_, err = s.ActiveByDriver(ctx, "d2")
	assert.ErrorIs(t, err, models.ErrNotFound)

	active, err = s.ActiveByRider(ctx, "rider")
	require.NoError(t, err)
	assert.Equal(t, "r2", active.ID)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "rides.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveRide(ctx, newRide("r1", "rider", time.Now())))
	got, err := s.GetRide(ctx, "r1")
	require.NoError(t, err)
	got.Status = models.StatusCompleted

	again, err := s.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, again.Status)
}
