// Package reconcile repairs driver availability flags that drifted from the
// ledger. The orchestrator flips availability after its ledger write, so a
// crash or store error between the two leaves a driver stuck either way.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ActiveRides is the slice of the ledger the sweep needs.
type ActiveRides interface {
	ActiveForDriver(ctx context.Context, driverID string) (*models.Ride, error)
}

type Reconciler struct {
	drivers  geo.Directory
	rides    ActiveRides
	interval time.Duration
	log      zerolog.Logger
}

func New(drivers geo.Directory, rides ActiveRides, interval time.Duration, log zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		drivers:  drivers,
		rides:    rides,
		interval: interval,
		log:      log.With().Str("component", "reconcile").Logger(),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep makes one pass over the directory. A driver with an accepted or
// in-progress ride must be unavailable and every other driver available.
// Each driver is re-read before its ride lookup and the repair only lands if
// the record is still unchanged, so a concurrent accept or completion wins.
// It returns the number of flags it changed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	drivers, err := r.drivers.List(ctx)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, listed := range drivers {
		d, err := r.drivers.Get(ctx, listed.ID)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				r.log.Warn().Err(err).Str("driver_id", listed.ID).Msg("driver lookup failed")
			}
			continue
		}
		ride, err := r.rides.ActiveForDriver(ctx, d.ID)
		busy := err == nil
		if err != nil && !ledger.IsNotFound(err) {
			r.log.Warn().Err(err).Str("driver_id", d.ID).Msg("active ride lookup failed")
			continue
		}
		if d.Available != busy {
			continue
		}
		ok, err := r.drivers.SetAvailableIf(ctx, d.ID, !busy, d.Updated)
		if err != nil {
			r.log.Warn().Err(err).Str("driver_id", d.ID).Msg("availability repair failed")
			continue
		}
		if !ok {
			r.log.Debug().Str("driver_id", d.ID).Msg("driver changed during sweep; left for the next pass")
			continue
		}
		direction := "to_available"
		ev := r.log.Info().Str("driver_id", d.ID)
		if busy {
			direction = "to_busy"
			ev = ev.Str("ride_id", ride.ID)
		}
		observability.AvailabilityRepairs.WithLabelValues(direction).Inc()
		ev.Str("direction", direction).Msg("availability repaired")
		repaired++
	}
	return repaired, nil
}
