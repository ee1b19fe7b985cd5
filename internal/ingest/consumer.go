package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// LocationSink is the subset of the driver directory the consumer writes to.
type LocationSink interface {
	UpdateLocation(ctx context.Context, id string, loc models.Coord) (models.Driver, error)
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

var errInvalidLocation = errors.New("invalid location message")

// DecodeLocation parses and validates one driver-location message.
func DecodeLocation(b []byte) (models.DriverLocation, error) {
	var loc models.DriverLocation
	if err := json.Unmarshal(b, &loc); err != nil {
		return loc, fmt.Errorf("%w: %v", errInvalidLocation, err)
	}
	if loc.DriverID == "" || !loc.Loc.Valid() {
		return loc, fmt.Errorf("%w: driver=%q loc=%+v", errInvalidLocation, loc.DriverID, loc.Loc)
	}
	return loc, nil
}

// ApplyWithRetry writes the location, retrying transient failures with
// doubling backoff. Unknown drivers are not retried.
func ApplyWithRetry(ctx context.Context, sink LocationSink, loc models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = sink.UpdateLocation(ctx, loc.DriverID, loc.Loc); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrNotFound) || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

type Consumer struct {
	Reader MessageReader
	Sink   LocationSink
	Log    zerolog.Logger
}

// Run consumes until ctx is cancelled. Read errors back off up to 30s.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Log.Warn().Err(err).Dur("backoff", backoff).Msg("kafka read error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		loc, err := DecodeLocation(m.Value)
		if err != nil {
			c.Log.Warn().Err(err).Msg("skipping message")
			continue
		}
		if err := ApplyWithRetry(ctx, c.Sink, loc, 3, 200*time.Millisecond); err != nil {
			c.Log.Error().Err(err).Str("driver_id", loc.DriverID).Msg("location update failed")
			continue
		}
		observability.LocationUpdates.Inc()
	}
}
