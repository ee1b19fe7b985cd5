// Package ledger owns ride records and the lifecycle state machine. Every
// status change goes through Transition, which writes only if the stored
// status still matches the status it read.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// AllowedTransitions is the lifecycle as code.
var AllowedTransitions = map[models.Status][]models.Status{
	models.StatusRequested:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted},
}

func CanTransition(from, to models.Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Extra carries transition-specific data.
type Extra struct {
	Reason string
	// Guard, when set, runs against the record read before the write. The
	// fields a guard inspects (rider id, driver id) cannot change without a
	// status change, so the conditioned write keeps the check valid.
	Guard func(*models.Ride) error
}

// Change describes a successful transition.
type Change struct {
	From models.Status
	// PrevDriverID is the driver assigned before the transition; cancelling
	// clears the ride's driver id.
	PrevDriverID string
	Ride         *models.Ride
}

type Ledger struct {
	store storage.TripStore
	now   func() time.Time
}

func New(store storage.TripStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Create persists a new ride in the requested state. The id, status and
// timestamps on r are overwritten.
func (l *Ledger) Create(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	rec := r.Clone()
	now := l.now()
	rec.ID = uuid.NewString()
	rec.Status = models.StatusRequested
	rec.DriverID = ""
	rec.RequestedAt = now
	rec.UpdatedAt = now
	rec.AcceptedAt, rec.StartedAt, rec.CompletedAt, rec.CancelledAt = nil, nil, nil, nil
	if rec.PaymentStatus == "" {
		rec.PaymentStatus = models.PaymentPending
	}
	if err := l.store.SaveRide(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.Ride, error) {
	return l.store.GetRide(ctx, id)
}

// Transition moves a ride to target on behalf of actor. For target accepted the
// actor must be the driver taking the ride. Losing a concurrent accept yields
// models.ErrAlreadyTaken.
func (l *Ledger) Transition(ctx context.Context, rideID string, target models.Status, actor models.Actor, extra Extra) (*Change, error) {
	cur, err := l.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if extra.Guard != nil {
		if err := extra.Guard(cur); err != nil {
			return nil, err
		}
	}
	if !CanTransition(cur.Status, target) {
		observability.RideTransitions.WithLabelValues(string(target), "invalid").Inc()
		if target == models.StatusAccepted && cur.Status.HasDriver() {
			return nil, fmt.Errorf("%w: ride %s is %s", models.ErrAlreadyTaken, rideID, cur.Status)
		}
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, cur.Status, target)
	}

	next := l.apply(cur, target, actor, extra)
	ok, err := l.store.UpdateRideIf(ctx, next, cur.Status)
	if err != nil {
		observability.RideTransitions.WithLabelValues(string(target), "error").Inc()
		return nil, err
	}
	if !ok {
		observability.RideTransitions.WithLabelValues(string(target), "conflict").Inc()
		if target == models.StatusAccepted {
			return nil, fmt.Errorf("%w: ride %s", models.ErrAlreadyTaken, rideID)
		}
		return nil, fmt.Errorf("%w: ride %s changed from %s concurrently", models.ErrInvalidTransition, rideID, cur.Status)
	}
	observability.RideTransitions.WithLabelValues(string(target), "ok").Inc()
	return &Change{From: cur.Status, PrevDriverID: cur.DriverID, Ride: next}, nil
}

func (l *Ledger) apply(cur *models.Ride, target models.Status, actor models.Actor, extra Extra) *models.Ride {
	next := cur.Clone()
	now := l.now()
	next.Status = target
	next.UpdatedAt = now
	switch target {
	case models.StatusAccepted:
		next.DriverID = actor.ID
		next.AcceptedAt = &now
	case models.StatusInProgress:
		next.StartedAt = &now
	case models.StatusCompleted:
		next.CompletedAt = &now
	case models.StatusCancelled:
		next.CancelledAt = &now
		next.CancelledBy = actor.Role
		next.CancelReason = extra.Reason
		next.DriverID = ""
	}
	return next
}

// SetPaymentStatus records the payment outcome without changing the lifecycle status.
func (l *Ledger) SetPaymentStatus(ctx context.Context, rideID string, status models.PaymentStatus) (*models.Ride, error) {
	cur, err := l.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	next.PaymentStatus = status
	next.UpdatedAt = l.now()
	ok, err := l.store.UpdateRideIf(ctx, next, cur.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: ride %s changed while recording payment", models.ErrConflict, rideID)
	}
	return next, nil
}

// ActiveForRider returns the rider's non-terminal ride or models.ErrNotFound.
func (l *Ledger) ActiveForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	return l.store.ActiveByRider(ctx, riderID)
}

// ActiveForDriver returns the driver's accepted or in-progress ride or models.ErrNotFound.
func (l *Ledger) ActiveForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return l.store.ActiveByDriver(ctx, driverID)
}

// History lists the party's rides, newest first.
func (l *Ledger) History(ctx context.Context, party models.Actor) ([]*models.Ride, error) {
	switch party.Role {
	case models.RoleRider:
		return l.store.ListByRider(ctx, party.ID)
	case models.RoleDriver:
		return l.store.ListByDriver(ctx, party.ID)
	}
	return nil, fmt.Errorf("%w: unknown role %q", models.ErrValidation, party.Role)
}

// IsNotFound reports whether err means the ride or party has no record.
func IsNotFound(err error) bool { return errors.Is(err, models.ErrNotFound) }
