package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	pickup = models.Place{Address: "MG Road", Coord: models.Coord{Lat: 12.9716, Lon: 77.5946}}
	drop   = models.Place{Address: "Indiranagar", Coord: models.Coord{Lat: 12.9784, Lon: 77.6408}}
)

type handle struct {
	id     string
	mu     sync.Mutex
	events []models.Event
}

func (h *handle) ID() string { return h.id }

func (h *handle) Send(ev models.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *handle) kinds() []models.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.EventKind, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

func (h *handle) last() models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[len(h.events)-1]
}

type fakeSink struct {
	mu     sync.Mutex
	rides  []models.RideEvent
	points []models.DriverLocation
}

func (f *fakeSink) PublishRideEvent(_ context.Context, ev models.RideEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rides = append(f.rides, ev)
	return nil
}

func (f *fakeSink) PublishLocation(_ context.Context, loc models.DriverLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, loc)
	return nil
}

type fakePayments struct {
	status models.PaymentStatus
	err    error
	calls  int
}

func (f *fakePayments) Collect(_ context.Context, _ *models.Ride) (models.PaymentStatus, error) {
	f.calls++
	return f.status, f.err
}

type fixture struct {
	svc      *Service
	drivers  *geo.Index
	store    *storage.MemoryStore
	registry *session.Registry
	profiles *accounts.MemoryDirectory
	sink     *fakeSink
	payments *fakePayments
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		drivers:  geo.NewIndex(),
		store:    storage.NewMemoryStore(),
		registry: session.NewRegistry(),
		profiles: accounts.NewMemoryDirectory(),
		sink:     &fakeSink{},
		payments: &fakePayments{status: models.PaymentCompleted},
	}
	f.svc = New(Deps{
		Ledger:   ledger.New(f.store),
		Drivers:  f.drivers,
		Matcher:  &matcher.Service{Geo: f.drivers},
		Notifier: notify.New(f.registry, zerolog.Nop()),
		Profiles: f.profiles,
		Events:   f.sink,
		Payments: f.payments,
		Log:      zerolog.Nop(),
	})
	return f
}

// addDriver registers a verified car driver dLat degrees north of the pickup
// and connects a session for it.
func (f *fixture) addDriver(t *testing.T, id string, dLat float64) *handle {
	t.Helper()
	_, err := f.svc.RegisterDriver(context.Background(), models.Driver{
		ID:           id,
		Loc:          models.Coord{Lat: pickup.Lat + dLat, Lon: pickup.Lon},
		VehicleClass: models.VehicleCar,
		Capacity:     4,
	})
	require.NoError(t, err)
	_, err = f.svc.VerifyDriver(context.Background(), id, true)
	require.NoError(t, err)
	h := &handle{id: "conn-" + id}
	f.registry.Register(models.Driver(id), h)
	return h
}

func (f *fixture) connectRider(id string) *handle {
	h := &handle{id: "conn-" + id}
	f.registry.Register(models.Rider(id), h)
	return h
}

func (f *fixture) available(t *testing.T, id string) bool {
	t.Helper()
	d, err := f.drivers.Get(context.Background(), id)
	require.NoError(t, err)
	return d.Available
}

func (f *fixture) request(t *testing.T, riderID string) *RequestResult {
	t.Helper()
	res, err := f.svc.RequestRide(context.Background(), RideRequest{
		RiderID:       riderID,
		Pickup:        pickup,
		Drop:          drop,
		VehicleClass:  models.VehicleCar,
		PaymentMethod: models.PaymentCard,
	})
	require.NoError(t, err)
	return res
}

func TestRequestRideNotifiesCandidates(t *testing.T) {
	f := newFixture(t)
	near := f.addDriver(t, "d-near", 0.01)
	far := f.addDriver(t, "d-far", 0.2)
	rider := f.connectRider("r1")

	res := f.request(t, "r1")
	assert.Equal(t, 1, res.CandidateCount)
	assert.Equal(t, models.StatusRequested, res.Ride.Status)
	assert.Equal(t, models.PaymentPending, res.Ride.PaymentStatus)
	assert.Greater(t, res.Ride.Fare, 50.0)

	require.Equal(t, []models.EventKind{models.EventNewRideRequest}, near.kinds())
	summary, ok := near.last().Data.(models.RideSummary)
	require.True(t, ok)
	assert.Equal(t, res.Ride.ID, summary.RideID)
	assert.InDelta(t, 1.11, summary.PickupDistance, 0.01)
	assert.Empty(t, far.kinds())
	assert.Equal(t, []models.EventKind{models.EventRideRequested}, rider.kinds())
}

func TestRequestRideWithNoDriversStillSucceeds(t *testing.T) {
	f := newFixture(t)
	res := f.request(t, "r1")
	assert.Equal(t, 0, res.CandidateCount)

	got, err := f.svc.GetActiveRideForRider(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, res.Ride.ID, got.ID)
}

func TestRequestRideValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RequestRide(ctx, RideRequest{Pickup: pickup, Drop: drop})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.RequestRide(ctx, RideRequest{RiderID: "r1", Pickup: models.Place{Coord: models.Coord{Lat: 91}}, Drop: drop})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.RequestRide(ctx, RideRequest{RiderID: "r1", Pickup: pickup, Drop: drop, PaymentMethod: "cheque"})
	assert.ErrorIs(t, err, models.ErrValidation)

	res, err := f.svc.RequestRide(ctx, RideRequest{RiderID: "r1", Pickup: pickup, Drop: drop, VehicleClass: "limousine"})
	require.NoError(t, err)
	assert.Equal(t, models.VehicleCar, res.Ride.VehicleClass)
	assert.Equal(t, models.PaymentCash, res.Ride.PaymentMethod)
}

func TestRequestRideRejectsSecondActiveRide(t *testing.T) {
	f := newFixture(t)
	f.request(t, "r1")
	_, err := f.svc.RequestRide(context.Background(), RideRequest{RiderID: "r1", Pickup: pickup, Drop: drop})
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.profiles.Put(models.Driver("d1"), models.Profile{Name: "Asha", Phone: "+91-900"})
	f.profiles.Put(models.Rider("r1"), models.Profile{Name: "Ravi"})
	dh := f.addDriver(t, "d1", 0.01)
	other := f.addDriver(t, "d2", 0.02)
	rh := f.connectRider("r1")

	res := f.request(t, "r1")
	rideID := res.Ride.ID

	acc, err := f.svc.AcceptRide(ctx, rideID, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", acc.Ride.DriverID)
	assert.Equal(t, "Asha", acc.Driver.Name)
	assert.Equal(t, models.VehicleCar, acc.Driver.VehicleClass)
	assert.False(t, f.available(t, "d1"))
	assert.Equal(t, models.EventRideAccepted, rh.last().Type)
	assert.Equal(t, models.EventRideTaken, other.last().Type)

	require.NoError(t, f.svc.UpdateLocation(ctx, "d1", pickup.Lon, pickup.Lat))
	assert.Equal(t, models.EventDriverLocation, rh.last().Type)
	loc := rh.last().Data.(LocationPayload)
	assert.Equal(t, rideID, loc.RideID)

	started, err := f.svc.StartRide(ctx, models.Driver("d1"), rideID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, started.Status)
	assert.NotNil(t, started.StartedAt)
	assert.Equal(t, models.EventRideStarted, rh.last().Type)

	done, err := f.svc.CompleteRide(ctx, rideID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, models.PaymentCompleted, done.PaymentStatus)
	assert.Equal(t, 1, f.payments.calls)
	assert.True(t, f.available(t, "d1"))

	ev := rh.last()
	require.Equal(t, models.EventRideCompleted, ev.Type)
	payload := ev.Data.(CompletedPayload)
	assert.Equal(t, res.Ride.Fare, payload.Fare)
	assert.Equal(t, res.Ride.DurationMin, payload.DurationMin)

	details, err := f.svc.GetRideDetails(ctx, models.Rider("r1"), rideID)
	require.NoError(t, err)
	require.NotNil(t, details.Driver)
	assert.Equal(t, "Asha", details.Driver.Name)
	assert.Equal(t, "Ravi", details.Rider.Name)

	hist, err := f.svc.GetHistory(ctx, "d1", models.RoleDriver)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, rideID, hist[0].ID)

	_, err = f.svc.GetActiveRideForRider(ctx, "r1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.Contains(t, dh.kinds(), models.EventNewRideRequest)
	var to []models.Status
	for _, e := range f.sink.rides {
		to = append(to, e.To)
	}
	assert.Equal(t, []models.Status{
		models.StatusRequested, models.StatusAccepted, models.StatusInProgress, models.StatusCompleted,
	}, to)
	assert.Len(t, f.sink.points, 1)
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	f := newFixture(t)
	const n = 12
	for i := 0; i < n; i++ {
		f.addDriver(t, string(rune('a'+i)), 0.001*float64(i+1))
	}
	res := f.request(t, "r1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		taken   int
	)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AcceptRide(context.Background(), res.Ride.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, models.ErrAlreadyTaken):
				taken++
			default:
				t.Errorf("unexpected error for %s: %v", id, err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, taken)
	ride, err := f.store.GetRide(context.Background(), res.Ride.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], ride.DriverID)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		assert.Equal(t, id != winners[0], f.available(t, id), "driver %s", id)
	}
}

func TestAcceptRequiresEligibleDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.request(t, "r1")

	_, err := f.svc.AcceptRide(ctx, res.Ride.ID, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, f.drivers.Upsert(ctx, models.Driver{ID: "unverified", Loc: pickup.Coord, VehicleClass: models.VehicleCar, Available: true}))
	_, err = f.svc.AcceptRide(ctx, res.Ride.ID, "unverified")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	f.addDriver(t, "busy", 0.01)
	require.NoError(t, f.drivers.SetAvailable(ctx, "busy", false))
	_, err = f.svc.AcceptRide(ctx, res.Ride.ID, "busy")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = f.svc.AcceptRide(ctx, "no-such-ride", "busy")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestStartBeforeAcceptIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 0.01)
	res := f.request(t, "r1")

	_, err := f.svc.StartRide(context.Background(), models.Driver("d1"), res.Ride.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestOnlyAssignedDriverMayStartOrComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDriver(t, "d1", 0.01)
	f.addDriver(t, "d2", 0.02)
	res := f.request(t, "r1")
	_, err := f.svc.AcceptRide(ctx, res.Ride.ID, "d1")
	require.NoError(t, err)

	_, err = f.svc.StartRide(ctx, models.Driver("d2"), res.Ride.ID)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	_, err = f.svc.StartRide(ctx, models.Rider("r1"), res.Ride.ID)
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = f.svc.StartRide(ctx, models.Driver("d1"), res.Ride.ID)
	require.NoError(t, err)
	_, err = f.svc.CompleteRide(ctx, res.Ride.ID, "d2")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestRiderCancelsAcceptedRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dh := f.addDriver(t, "d1", 0.01)
	res := f.request(t, "r1")
	_, err := f.svc.AcceptRide(ctx, res.Ride.ID, "d1")
	require.NoError(t, err)

	ride, err := f.svc.CancelRide(ctx, res.Ride.ID, models.Rider("r1"), "changed plans")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, ride.Status)
	assert.Empty(t, ride.DriverID)
	assert.Equal(t, models.RoleRider, ride.CancelledBy)
	assert.True(t, f.available(t, "d1"))

	ev := dh.last()
	require.Equal(t, models.EventRideCancelled, ev.Type)
	assert.Equal(t, "changed plans", ev.Data.(CancelledPayload).Reason)
}

func TestDriverCancelNotifiesRider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDriver(t, "d1", 0.01)
	rh := f.connectRider("r1")
	res := f.request(t, "r1")
	_, err := f.svc.AcceptRide(ctx, res.Ride.ID, "d1")
	require.NoError(t, err)

	_, err = f.svc.CancelRide(ctx, res.Ride.ID, models.Driver("d1"), "")
	require.NoError(t, err)
	assert.Equal(t, models.EventRideCancelled, rh.last().Type)
	assert.True(t, f.available(t, "d1"))
}

func TestRiderCancelOfOpenRequestBroadcasts(t *testing.T) {
	f := newFixture(t)
	d1 := f.addDriver(t, "d1", 0.01)
	d2 := f.addDriver(t, "d2", 0.5)
	res := f.request(t, "r1")

	_, err := f.svc.CancelRide(context.Background(), res.Ride.ID, models.Rider("r1"), "")
	require.NoError(t, err)
	assert.Equal(t, models.EventRideCancelled, d1.last().Type)
	assert.Equal(t, models.EventRideCancelled, d2.last().Type)
}

func TestCancelGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDriver(t, "d1", 0.01)
	res := f.request(t, "r1")

	_, err := f.svc.CancelRide(ctx, res.Ride.ID, models.Rider("someone-else"), "")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	_, err = f.svc.CancelRide(ctx, res.Ride.ID, models.Driver("d1"), "")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = f.svc.AcceptRide(ctx, res.Ride.ID, "d1")
	require.NoError(t, err)
	_, err = f.svc.StartRide(ctx, models.Driver("d1"), res.Ride.ID)
	require.NoError(t, err)
	_, err = f.svc.CancelRide(ctx, res.Ride.ID, models.Rider("r1"), "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.False(t, f.available(t, "d1"))
}

func TestUpdateLocationWhileIdleDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 0.01)
	rh := f.connectRider("r1")

	require.NoError(t, f.svc.UpdateLocation(context.Background(), "d1", 77.6, 12.98))
	assert.Empty(t, rh.kinds())

	err := f.svc.UpdateLocation(context.Background(), "ghost", 77.6, 12.98)
	assert.ErrorIs(t, err, models.ErrNotFound)
	err = f.svc.UpdateLocation(context.Background(), "d1", 200, 12.98)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRegisterDriverKeepsAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDriver(t, "d1", 0.01)
	require.NoError(t, f.drivers.SetAvailable(ctx, "d1", false))

	d, err := f.svc.RegisterDriver(ctx, models.Driver{ID: "d1", Loc: pickup.Coord, VehicleClass: models.VehicleBike, Available: true})
	require.NoError(t, err)
	assert.False(t, d.Available)
	assert.True(t, d.Verified)
	assert.Equal(t, models.VehicleBike, d.VehicleClass)
}

func TestRegisterDriverIgnoresSelfVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectRider("r1")
	d, err := f.svc.RegisterDriver(ctx, models.Driver{ID: "rogue", Loc: pickup.Coord, VehicleClass: models.VehicleCar, Verified: true})
	require.NoError(t, err)
	assert.False(t, d.Verified)
	assert.True(t, d.Available)

	res := f.request(t, "r1")
	assert.Zero(t, res.CandidateCount)
	_, err = f.svc.AcceptRide(ctx, res.Ride.ID, "rogue")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	d, err = f.svc.VerifyDriver(ctx, "rogue", true)
	require.NoError(t, err)
	assert.True(t, d.Verified)
	_, err = f.svc.AcceptRide(ctx, res.Ride.ID, "rogue")
	require.NoError(t, err)

	_, err = f.svc.VerifyDriver(ctx, "ghost", true)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestGetRideDetailsVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDriver(t, "d1", 0.01)
	res := f.request(t, "r1")

	_, err := f.svc.GetRideDetails(ctx, models.Driver("anyone"), res.Ride.ID)
	require.NoError(t, err)
	_, err = f.svc.GetRideDetails(ctx, models.Rider("r2"), res.Ride.ID)
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = f.svc.AcceptRide(ctx, res.Ride.ID, "d1")
	require.NoError(t, err)
	_, err = f.svc.GetRideDetails(ctx, models.Driver("anyone"), res.Ride.ID)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestEstimateFare(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.EstimateFare(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0, Lon: 0}, models.VehicleBike)
	require.NoError(t, err)
	assert.Equal(t, 20.0, q.Fare)

	_, err = f.svc.EstimateFare(models.Coord{Lat: 100}, models.Coord{}, models.VehicleCar)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestPaymentFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.payments.status, f.payments.err = models.PaymentFailed, errors.New("card declined")
	f.addDriver(t, "d1", 0.01)
	res := f.request(t, "r1")
	_, err := f.svc.AcceptRide(ctx, res.Ride.ID, "d1")
	require.NoError(t, err)
	_, err = f.svc.StartRide(ctx, models.Driver("d1"), res.Ride.ID)
	require.NoError(t, err)

	done, err := f.svc.CompleteRide(ctx, res.Ride.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, models.PaymentFailed, done.PaymentStatus)
}
