package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// radiusSlackKm widens the GEOSEARCH query because Redis uses a slightly
// different Earth radius; results are re-checked with WithinRadius.
const radiusSlackKm = 0.05

// RedisDirectory implements Directory using Redis GEO commands for positions
// and one hash per driver for metadata.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisDirectory(client *redis.Client, key string) *RedisDirectory {
	return &RedisDirectory{client: client, key: key}
}

func (r *RedisDirectory) Upsert(ctx context.Context, d models.Driver) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"vehicle_class": string(d.VehicleClass),
		"capacity":      strconv.Itoa(d.Capacity),
		"available":     strconv.FormatBool(d.Available),
		"verified":      strconv.FormatBool(d.Verified),
		"updated":       time.Now().Format(time.RFC3339Nano),
	})
	_, err := pipe.Exec(ctx)
	return err
}

// Register leaves the availability and verification fields alone when they
// already exist, so a refresh never races the ride flow.
func (r *RedisDirectory) Register(ctx context.Context, d models.Driver) (models.Driver, error) {
	key := metaKey(d.ID)
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, key,
		"vehicle_class", string(d.VehicleClass),
		"capacity", strconv.Itoa(d.Capacity),
		"updated", time.Now().Format(time.RFC3339Nano))
	pipe.HSetNX(ctx, key, "available", "true")
	pipe.HSetNX(ctx, key, "verified", "false")
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Driver{}, err
	}
	return r.Get(ctx, d.ID)
}

func (r *RedisDirectory) Get(ctx context.Context, id string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if len(m) == 0 {
		return models.Driver{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	d := driverFromMeta(id, m)
	pos, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return d, nil
}

func (r *RedisDirectory) UpdateLocation(ctx context.Context, id string, loc models.Coord) (models.Driver, error) {
	n, err := r.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if n == 0 {
		return models.Driver{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: id})
	pipe.HSet(ctx, metaKey(id), "updated", time.Now().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Driver{}, err
	}
	return r.Get(ctx, id)
}

func (r *RedisDirectory) SetAvailable(ctx context.Context, id string, available bool) error {
	n, err := r.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	return r.client.HSet(ctx, metaKey(id),
		"available", strconv.FormatBool(available),
		"updated", time.Now().Format(time.RFC3339Nano)).Err()
}

// SetAvailableIf compares the stored updated stamp under WATCH, so a write
// from the ride flow between the read and the write aborts the transaction.
func (r *RedisDirectory) SetAvailableIf(ctx context.Context, id string, available bool, seen time.Time) (bool, error) {
	key := metaKey(id)
	written := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(m) == 0 {
			return fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
		}
		if !driverFromMeta(id, m).Updated.Equal(seen) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"available", strconv.FormatBool(available),
				"updated", time.Now().Format(time.RFC3339Nano))
			return nil
		})
		if err == nil {
			written = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return written, err
}

func (r *RedisDirectory) SetVerified(ctx context.Context, id string, verified bool) error {
	n, err := r.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	return r.client.HSet(ctx, metaKey(id),
		"verified", strconv.FormatBool(verified),
		"updated", time.Now().Format(time.RFC3339Nano)).Err()
}

func (r *RedisDirectory) Within(ctx context.Context, center models.Coord, radiusKm float64) ([]models.Driver, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm + radiusSlackKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		loc := models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		if !WithinRadius(center, loc, radiusKm) {
			continue
		}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			continue
		}
		d := driverFromMeta(g.Name, m)
		d.Loc = loc
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisDirectory) List(ctx context.Context) ([]models.Driver, error) {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(ids))
	for _, id := range ids {
		d, err := r.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id, VehicleClass: models.VehicleClass(m["vehicle_class"])}
	if v, err := strconv.Atoi(m["capacity"]); err == nil {
		d.Capacity = v
	}
	d.Available = m["available"] == "true"
	d.Verified = m["verified"] == "true"
	if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		d.Updated = t
	}
	return d
}

func metaKey(id string) string { return "driver:meta:" + id }
