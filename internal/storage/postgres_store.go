package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const rideColumns = `id, rider_id, driver_id, status,
	pickup_address, pickup_lat, pickup_lon, drop_address, drop_lat, drop_lon,
	distance_km, duration_min, fare, vehicle_class, payment_method, payment_status,
	requested_at, accepted_at, started_at, completed_at, cancelled_at,
	cancelled_by, cancel_reason, updated_at`

const activeStatuses = `('requested','accepted','in_progress')`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Migrate applies the rides schema. It is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		r.ID, r.RiderID, nullString(r.DriverID), string(r.Status),
		r.Pickup.Address, r.Pickup.Lat, r.Pickup.Lon, r.Drop.Address, r.Drop.Lat, r.Drop.Lon,
		r.DistanceKm, r.DurationMin, r.Fare, string(r.VehicleClass), string(r.PaymentMethod), string(r.PaymentStatus),
		r.RequestedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		nullString(string(r.CancelledBy)), nullString(r.CancelReason), r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ride %s", models.ErrNotFound, id)
	}
	return r, err
}

// UpdateRideIf is the conditioned write: the WHERE clause re-checks the status
// so two concurrent writers from the same source state cannot both succeed.
func (p *PostgresStore) UpdateRideIf(ctx context.Context, r *models.Ride, expected models.Status) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
		driver_id = $1, status = $2, payment_status = $3,
		accepted_at = $4, started_at = $5, completed_at = $6, cancelled_at = $7,
		cancelled_by = $8, cancel_reason = $9, updated_at = $10
		WHERE id = $11 AND status = $12`,
		nullString(r.DriverID), string(r.Status), string(r.PaymentStatus),
		r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		nullString(string(r.CancelledBy)), nullString(r.CancelReason), r.UpdatedAt,
		r.ID, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides WHERE rider_id = $1 ORDER BY requested_at DESC, id`, riderID)
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides WHERE driver_id = $1 ORDER BY requested_at DESC, id`, driverID)
}

func (p *PostgresStore) ActiveByRider(ctx context.Context, riderID string) (*models.Ride, error) {
	return p.first(ctx, `SELECT `+rideColumns+` FROM rides WHERE rider_id = $1 AND status IN `+activeStatuses+` ORDER BY requested_at DESC LIMIT 1`, riderID)
}

func (p *PostgresStore) ActiveByDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return p.first(ctx, `SELECT `+rideColumns+` FROM rides WHERE driver_id = $1 AND status IN `+activeStatuses+` ORDER BY requested_at DESC LIMIT 1`, driverID)
}

func (p *PostgresStore) first(ctx context.Context, q string, arg string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, q, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active ride for %s", models.ErrNotFound, arg)
	}
	return r, err
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                          models.Ride
		driverID, cancelledBy, cancelReason        sql.NullString
		status, class, method, payStatus           string
		acceptedAt, startedAt, completedAt, cancAt sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &driverID, &status,
		&r.Pickup.Address, &r.Pickup.Lat, &r.Pickup.Lon, &r.Drop.Address, &r.Drop.Lat, &r.Drop.Lon,
		&r.DistanceKm, &r.DurationMin, &r.Fare, &class, &method, &payStatus,
		&r.RequestedAt, &acceptedAt, &startedAt, &completedAt, &cancAt,
		&cancelledBy, &cancelReason, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.Status = models.Status(status)
	r.VehicleClass = models.VehicleClass(class)
	r.PaymentMethod = models.PaymentMethod(method)
	r.PaymentStatus = models.PaymentStatus(payStatus)
	r.AcceptedAt = timePtr(acceptedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancAt)
	r.CancelledBy = models.Role(cancelledBy.String)
	r.CancelReason = cancelReason.String
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
