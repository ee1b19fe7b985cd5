package storage

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/example/ride-dispatch/internal/models"
)

var bucketRides = []byte("rides")

// BoltStore keeps rides in an embedded bbolt file for single-node deployments.
// bbolt serialises write transactions, which makes UpdateRideIf atomic.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRides)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) SaveRide(_ context.Context, r *models.Ride) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRides)
		if b.Get([]byte(r.ID)) != nil {
			return fmt.Errorf("%w: ride %s exists", models.ErrConflict, r.ID)
		}
		return putRide(b, r)
	})
}

func (s *BoltStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	var r *models.Ride
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRides).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: ride %s", models.ErrNotFound, id)
		}
		r = &models.Ride{}
		return json.Unmarshal(data, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *BoltStore) UpdateRideIf(_ context.Context, r *models.Ride, expected models.Status) (bool, error) {
	updated := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRides)
		data := b.Get([]byte(r.ID))
		if data == nil {
			return fmt.Errorf("%w: ride %s", models.ErrNotFound, r.ID)
		}
		var cur models.Ride
		if err := json.Unmarshal(data, &cur); err != nil {
			return err
		}
		if cur.Status != expected {
			return nil
		}
		updated = true
		return putRide(b, r)
	})
	return updated, err
}

// The list queries scan the bucket; bolt deployments are expected to be small.
func (s *BoltStore) ListByRider(_ context.Context, riderID string) ([]*models.Ride, error) {
	return s.scan(func(r *models.Ride) bool { return r.RiderID == riderID })
}

func (s *BoltStore) ListByDriver(_ context.Context, driverID string) ([]*models.Ride, error) {
	return s.scan(func(r *models.Ride) bool { return r.DriverID == driverID })
}

func (s *BoltStore) ActiveByRider(_ context.Context, riderID string) (*models.Ride, error) {
	rides, err := s.scan(func(r *models.Ride) bool { return r.RiderID == riderID && r.Status.Active() })
	if err != nil {
		return nil, err
	}
	if len(rides) == 0 {
		return nil, fmt.Errorf("%w: no active ride for rider %s", models.ErrNotFound, riderID)
	}
	return rides[0], nil
}

func (s *BoltStore) ActiveByDriver(_ context.Context, driverID string) (*models.Ride, error) {
	rides, err := s.scan(func(r *models.Ride) bool { return r.DriverID == driverID && r.Status.Active() })
	if err != nil {
		return nil, err
	}
	if len(rides) == 0 {
		return nil, fmt.Errorf("%w: no active ride for driver %s", models.ErrNotFound, driverID)
	}
	return rides[0], nil
}

func (s *BoltStore) scan(keep func(*models.Ride) bool) ([]*models.Ride, error) {
	out := make([]*models.Ride, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRides).ForEach(func(_, v []byte) error {
			var r models.Ride
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if keep(&r) {
				out = append(out, &r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func putRide(b *bolt.Bucket, r *models.Ride) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.Put([]byte(r.ID), data)
}
