// Package dispatch composes fare estimation, the ride ledger, candidate
// matching and the notification fabric into the ride operations exposed over
// HTTP and websockets.
//
// Driver availability is updated after the ledger write, not inside it. A
// failure between the two leaves the flag stale until the reconciler repairs it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Notifier interface {
	Notify(party models.Actor, kind models.EventKind, payload any) error
	Broadcast(group models.Group, kind models.EventKind, payload any) int
}

type CandidateFinder interface {
	FindCandidates(ctx context.Context, lon, lat float64, class models.VehicleClass, maxDistanceKm float64) ([]matcher.Candidate, error)
}

// EventSink receives the lifecycle and location streams. Publishing is best-effort.
type EventSink interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

// PaymentCollector is invoked once a ride completes.
type PaymentCollector interface {
	Collect(ctx context.Context, ride *models.Ride) (models.PaymentStatus, error)
}

type Deps struct {
	Ledger   *ledger.Ledger
	Drivers  geo.Directory
	Matcher  CandidateFinder
	Notifier Notifier
	Profiles accounts.Lookup  // optional
	Events   EventSink        // optional
	Payments PaymentCollector // optional
	RadiusKm float64
	Log      zerolog.Logger
}

type Service struct {
	ledger   *ledger.Ledger
	drivers  geo.Directory
	matcher  CandidateFinder
	notifier Notifier
	profiles accounts.Lookup
	events   EventSink
	payments PaymentCollector
	radiusKm float64
	log      zerolog.Logger
}

func New(d Deps) *Service {
	if d.RadiusKm <= 0 {
		d.RadiusKm = matcher.DefaultRadiusKm
	}
	return &Service{
		ledger:   d.Ledger,
		drivers:  d.Drivers,
		matcher:  d.Matcher,
		notifier: d.Notifier,
		profiles: d.Profiles,
		events:   d.Events,
		payments: d.Payments,
		radiusKm: d.RadiusKm,
		log:      d.Log.With().Str("component", "dispatch").Logger(),
	}
}

// EstimateFare prices a trip without creating a ride.
func (s *Service) EstimateFare(pickup, drop models.Coord, class models.VehicleClass) (fare.Quote, error) {
	if !pickup.Valid() || !drop.Valid() {
		return fare.Quote{}, fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	return fare.Estimate(pickup, drop, normalizeClass(class)), nil
}

type RideRequest struct {
	RiderID       string               `json:"rider_id"`
	Pickup        models.Place         `json:"pickup"`
	Drop          models.Place         `json:"drop"`
	VehicleClass  models.VehicleClass  `json:"vehicle_class"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

type RequestResult struct {
	Ride           *models.Ride `json:"ride"`
	CandidateCount int          `json:"candidate_count"`
}

// RequestRide persists a new ride and offers it to nearby eligible drivers.
// Finding no candidates is a normal outcome.
func (s *Service) RequestRide(ctx context.Context, req RideRequest) (*RequestResult, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if active, err := s.ledger.ActiveForRider(ctx, req.RiderID); err == nil {
		return nil, fmt.Errorf("%w: rider already has ride %s", models.ErrConflict, active.ID)
	} else if !ledger.IsNotFound(err) {
		return nil, err
	}

	q := fare.Estimate(req.Pickup.Coord, req.Drop.Coord, req.VehicleClass)
	ride, err := s.ledger.Create(ctx, &models.Ride{
		RiderID:       req.RiderID,
		Pickup:        req.Pickup,
		Drop:          req.Drop,
		DistanceKm:    q.DistanceKm,
		DurationMin:   q.DurationMin,
		Fare:          q.Fare,
		VehicleClass:  req.VehicleClass,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}
	observability.RidesRequested.Inc()
	s.publish(ctx, ride, "", models.Rider(req.RiderID))

	log := s.log.With().Str("ride_id", ride.ID).Str("rider_id", ride.RiderID).Logger()
	cands, err := s.matcher.FindCandidates(ctx, req.Pickup.Lon, req.Pickup.Lat, req.VehicleClass, s.radiusKm)
	if err != nil {
		// the ride is already stored; it stays requested and visible to drivers
		// that poll, so the request itself does not fail
		log.Error().Err(err).Msg("candidate search failed")
		cands = nil
	}
	for _, c := range cands {
		summary := summarize(ride, c.DistanceKm)
		_ = s.notifier.Notify(models.Driver(c.Driver.ID), models.EventNewRideRequest, summary)
	}
	res := &RequestResult{Ride: ride, CandidateCount: len(cands)}
	_ = s.notifier.Notify(models.Rider(ride.RiderID), models.EventRideRequested, res)
	log.Info().Int("candidates", len(cands)).Float64("fare", ride.Fare).Msg("ride requested")
	return res, nil
}

// DriverInfo is what the rider learns about the assigned driver.
type DriverInfo struct {
	ID           string              `json:"id"`
	Name         string              `json:"name,omitempty"`
	Phone        string              `json:"phone,omitempty"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Capacity     int                 `json:"capacity"`
	Loc          models.Coord        `json:"loc"`
}

type AcceptedPayload struct {
	Ride   *models.Ride `json:"ride"`
	Driver DriverInfo   `json:"driver"`
}

// AcceptRide assigns the ride to driverID. Exactly one of several concurrent
// accepts succeeds; the others get models.ErrAlreadyTaken.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID string) (*AcceptedPayload, error) {
	if rideID == "" || driverID == "" {
		return nil, fmt.Errorf("%w: ride id and driver id are required", models.ErrValidation)
	}
	d, err := s.drivers.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !d.Verified {
		return nil, fmt.Errorf("%w: driver %s is not verified", models.ErrUnauthorized, driverID)
	}
	if !d.Available {
		return nil, fmt.Errorf("%w: driver %s is not available", models.ErrUnauthorized, driverID)
	}
	actor := models.Driver(driverID)
	ch, err := s.ledger.Transition(ctx, rideID, models.StatusAccepted, actor, ledger.Extra{
		Guard: func(r *models.Ride) error {
			if r.VehicleClass != d.VehicleClass {
				return fmt.Errorf("%w: ride needs a %s", models.ErrUnauthorized, r.VehicleClass)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	ride := ch.Ride
	if err := s.drivers.SetAvailable(ctx, driverID, false); err != nil {
		s.log.Error().Err(err).Str("ride_id", ride.ID).Str("driver_id", driverID).Msg("could not mark driver unavailable")
	}
	s.publish(ctx, ride, ch.From, actor)

	info := s.driverInfo(ctx, d)
	payload := &AcceptedPayload{Ride: ride, Driver: info}
	_ = s.notifier.Notify(models.Rider(ride.RiderID), models.EventRideAccepted, payload)
	s.notifier.Broadcast(models.GroupAllDrivers, models.EventRideTaken, map[string]string{"ride_id": ride.ID, "driver_id": driverID})
	s.log.Info().Str("ride_id", ride.ID).Str("driver_id", driverID).Msg("ride accepted")
	return payload, nil
}

// StartRide marks pickup. Only the assigned driver may start the ride.
func (s *Service) StartRide(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	ch, err := s.ledger.Transition(ctx, rideID, models.StatusInProgress, actor, ledger.Extra{Guard: assignedDriver(actor)})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, ch.Ride, ch.From, actor)
	_ = s.notifier.Notify(models.Rider(ch.Ride.RiderID), models.EventRideStarted, ch.Ride)
	return ch.Ride, nil
}

type CompletedPayload struct {
	RideID        string               `json:"ride_id"`
	Fare          float64              `json:"fare"`
	DurationMin   int                  `json:"duration_min"`
	DistanceKm    float64              `json:"distance_km"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
}

// CompleteRide finishes the trip, frees the driver and hands the ride to the
// payment collaborator.
func (s *Service) CompleteRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	actor := models.Driver(driverID)
	ch, err := s.ledger.Transition(ctx, rideID, models.StatusCompleted, actor, ledger.Extra{Guard: assignedDriver(actor)})
	if err != nil {
		return nil, err
	}
	ride := ch.Ride
	if err := s.drivers.SetAvailable(ctx, driverID, true); err != nil {
		s.log.Error().Err(err).Str("ride_id", ride.ID).Str("driver_id", driverID).Msg("could not mark driver available")
	}
	s.publish(ctx, ride, ch.From, actor)
	ride = s.collectPayment(ctx, ride)

	_ = s.notifier.Notify(models.Rider(ride.RiderID), models.EventRideCompleted, CompletedPayload{
		RideID:        ride.ID,
		Fare:          ride.Fare,
		DurationMin:   ride.DurationMin,
		DistanceKm:    ride.DistanceKm,
		PaymentMethod: ride.PaymentMethod,
		PaymentStatus: ride.PaymentStatus,
	})
	s.log.Info().Str("ride_id", ride.ID).Str("driver_id", driverID).Float64("fare", ride.Fare).Msg("ride completed")
	return ride, nil
}

func (s *Service) collectPayment(ctx context.Context, ride *models.Ride) *models.Ride {
	if s.payments == nil {
		return ride
	}
	status, err := s.payments.Collect(ctx, ride)
	if err != nil {
		s.log.Error().Err(err).Str("ride_id", ride.ID).Msg("payment collection failed")
	}
	if status == "" {
		return ride
	}
	updated, err := s.ledger.SetPaymentStatus(ctx, ride.ID, status)
	if err != nil {
		s.log.Error().Err(err).Str("ride_id", ride.ID).Msg("could not record payment status")
		return ride
	}
	return updated
}

type CancelledPayload struct {
	RideID      string      `json:"ride_id"`
	CancelledBy models.Role `json:"cancelled_by"`
	Reason      string      `json:"reason,omitempty"`
}

// CancelRide cancels a requested or accepted ride on behalf of its rider or
// assigned driver and tells the other side.
func (s *Service) CancelRide(ctx context.Context, rideID string, actor models.Actor, reason string) (*models.Ride, error) {
	ch, err := s.ledger.Transition(ctx, rideID, models.StatusCancelled, actor, ledger.Extra{
		Reason: reason,
		Guard: func(r *models.Ride) error {
			if !r.Involves(actor) {
				return fmt.Errorf("%w: %s is not a party to ride %s", models.ErrUnauthorized, actor, r.ID)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	ride := ch.Ride
	if ch.PrevDriverID != "" {
		if err := s.drivers.SetAvailable(ctx, ch.PrevDriverID, true); err != nil {
			s.log.Error().Err(err).Str("ride_id", ride.ID).Str("driver_id", ch.PrevDriverID).Msg("could not mark driver available")
		}
	}
	s.publish(ctx, ride, ch.From, actor)

	payload := CancelledPayload{RideID: ride.ID, CancelledBy: actor.Role, Reason: reason}
	switch {
	case actor.Role == models.RoleDriver:
		_ = s.notifier.Notify(models.Rider(ride.RiderID), models.EventRideCancelled, payload)
	case ch.PrevDriverID != "":
		_ = s.notifier.Notify(models.Driver(ch.PrevDriverID), models.EventRideCancelled, payload)
	default:
		// still unassigned: every driver that was offered the ride should drop it
		s.notifier.Broadcast(models.GroupAllDrivers, models.EventRideCancelled, payload)
	}
	s.log.Info().Str("ride_id", ride.ID).Str("by", actor.String()).Str("reason", reason).Msg("ride cancelled")
	return ride, nil
}

type LocationPayload struct {
	RideID   string       `json:"ride_id"`
	DriverID string       `json:"driver_id"`
	Loc      models.Coord `json:"loc"`
	At       time.Time    `json:"at"`
}

// UpdateLocation records a driver position and, while the driver is on a
// ride, forwards it to the rider.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, lon, lat float64) error {
	loc := models.Coord{Lat: lat, Lon: lon}
	if driverID == "" || !loc.Valid() {
		return fmt.Errorf("%w: driver id and a valid location are required", models.ErrValidation)
	}
	d, err := s.drivers.UpdateLocation(ctx, driverID, loc)
	if err != nil {
		return err
	}
	observability.LocationUpdates.Inc()
	now := time.Now()
	if s.events != nil {
		if err := s.events.PublishLocation(ctx, models.DriverLocation{DriverID: driverID, Loc: loc, At: now}); err != nil {
			s.log.Warn().Err(err).Str("driver_id", driverID).Msg("location publish failed")
		}
	}
	if d.Available {
		return nil
	}
	ride, err := s.ledger.ActiveForDriver(ctx, driverID)
	if ledger.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	_ = s.notifier.Notify(models.Rider(ride.RiderID), models.EventDriverLocation, LocationPayload{
		RideID: ride.ID, DriverID: driverID, Loc: loc, At: now,
	})
	return nil
}

type RideDetails struct {
	Ride   *models.Ride    `json:"ride"`
	Rider  *models.Profile `json:"rider,omitempty"`
	Driver *models.Profile `json:"driver,omitempty"`
}

// GetRideDetails returns the ride with both parties' profiles. The ride's
// parties may read it, and so may any driver while it is still requested.
func (s *Service) GetRideDetails(ctx context.Context, actor models.Actor, rideID string) (*RideDetails, error) {
	ride, err := s.ledger.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	openOffer := ride.Status == models.StatusRequested && actor.Role == models.RoleDriver
	if !ride.Involves(actor) && !openOffer {
		return nil, fmt.Errorf("%w: %s may not view ride %s", models.ErrUnauthorized, actor, rideID)
	}
	out := &RideDetails{Ride: ride, Rider: s.profile(ctx, models.Rider(ride.RiderID))}
	if ride.DriverID != "" {
		out.Driver = s.profile(ctx, models.Driver(ride.DriverID))
	}
	return out, nil
}

func (s *Service) GetActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	return s.ledger.ActiveForRider(ctx, riderID)
}

func (s *Service) GetHistory(ctx context.Context, partyID string, role models.Role) ([]*models.Ride, error) {
	if partyID == "" || !role.Valid() {
		return nil, fmt.Errorf("%w: party id and role are required", models.ErrValidation)
	}
	return s.ledger.History(ctx, models.Actor{Role: role, ID: partyID})
}

// RegisterDriver creates or refreshes a directory record. Availability and
// verification are never taken from the caller: new drivers start available
// and unverified, existing drivers keep both flags.
func (s *Service) RegisterDriver(ctx context.Context, d models.Driver) (models.Driver, error) {
	if d.ID == "" || !d.Loc.Valid() {
		return models.Driver{}, fmt.Errorf("%w: driver id and a valid location are required", models.ErrValidation)
	}
	d.VehicleClass = normalizeClass(d.VehicleClass)
	return s.drivers.Register(ctx, d)
}

// VerifyDriver records the outcome of the external onboarding checks. Only
// verified drivers receive offers or may accept.
func (s *Service) VerifyDriver(ctx context.Context, driverID string, verified bool) (models.Driver, error) {
	if driverID == "" {
		return models.Driver{}, fmt.Errorf("%w: driver id is required", models.ErrValidation)
	}
	if err := s.drivers.SetVerified(ctx, driverID, verified); err != nil {
		return models.Driver{}, err
	}
	s.log.Info().Str("driver_id", driverID).Bool("verified", verified).Msg("driver verification changed")
	return s.drivers.Get(ctx, driverID)
}

func (s *Service) driverInfo(ctx context.Context, d models.Driver) DriverInfo {
	info := DriverInfo{ID: d.ID, VehicleClass: d.VehicleClass, Capacity: d.Capacity, Loc: d.Loc}
	if p := s.profile(ctx, models.Driver(d.ID)); p != nil {
		info.Name, info.Phone = p.Name, p.Phone
	}
	return info
}

func (s *Service) profile(ctx context.Context, party models.Actor) *models.Profile {
	if s.profiles == nil {
		return nil
	}
	p, err := s.profiles.Profile(ctx, party)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.log.Warn().Err(err).Str("party", party.String()).Msg("profile lookup failed")
		}
		return nil
	}
	return &p
}

func (s *Service) publish(ctx context.Context, ride *models.Ride, from models.Status, actor models.Actor) {
	if s.events == nil {
		return
	}
	ev := models.RideEvent{
		RideID:   ride.ID,
		From:     from,
		To:       ride.Status,
		Actor:    actor,
		RiderID:  ride.RiderID,
		DriverID: ride.DriverID,
		At:       ride.UpdatedAt,
	}
	if err := s.events.PublishRideEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("ride_id", ride.ID).Msg("ride event publish failed")
	}
}

func assignedDriver(actor models.Actor) func(*models.Ride) error {
	return func(r *models.Ride) error {
		if actor.Role != models.RoleDriver || r.DriverID != actor.ID {
			// an unassigned ride has no driver to match; report the state
			// problem rather than an authorization one
			if r.DriverID == "" && actor.Role == models.RoleDriver {
				return nil
			}
			return fmt.Errorf("%w: %s is not the driver of ride %s", models.ErrUnauthorized, actor, r.ID)
		}
		return nil
	}
}

func summarize(r *models.Ride, pickupKm float64) models.RideSummary {
	return models.RideSummary{
		RideID:         r.ID,
		Pickup:         r.Pickup,
		Drop:           r.Drop,
		DistanceKm:     r.DistanceKm,
		DurationMin:    r.DurationMin,
		Fare:           r.Fare,
		VehicleClass:   r.VehicleClass,
		PickupDistance: fare.Round2(pickupKm),
	}
}

func validateRequest(req *RideRequest) error {
	var problems []string
	if req.RiderID == "" {
		problems = append(problems, "rider id is required")
	}
	if !req.Pickup.Coord.Valid() {
		problems = append(problems, "pickup is out of range")
	}
	if !req.Drop.Coord.Valid() {
		problems = append(problems, "drop is out of range")
	}
	switch req.PaymentMethod {
	case "":
		req.PaymentMethod = models.PaymentCash
	case models.PaymentCash, models.PaymentCard, models.PaymentWallet:
	default:
		problems = append(problems, fmt.Sprintf("unknown payment method %q", req.PaymentMethod))
	}
	req.VehicleClass = normalizeClass(req.VehicleClass)
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// normalizeClass maps anything outside the fare table to car, matching the
// estimator's fallback tier.
func normalizeClass(c models.VehicleClass) models.VehicleClass {
	switch c {
	case models.VehicleBike, models.VehicleAuto, models.VehicleCar:
		return c
	}
	return models.VehicleCar
}
