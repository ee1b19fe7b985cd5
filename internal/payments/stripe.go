package payments

import (
	"context"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// StripeClient opens a PaymentIntent for the final fare of a completed ride.
// The intent is left unconfirmed: the rider's app attaches a payment method
// and confirms it, so a fresh intent is recorded as pending. Cash rides are
// settled with the driver and never reach Stripe.
type StripeClient struct {
	currency string
}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = "inr"
	}
	return &StripeClient{currency: strings.ToLower(currency)}
}

// Collect implements the dispatcher's payment collaborator.
func (s *StripeClient) Collect(ctx context.Context, ride *models.Ride) (models.PaymentStatus, error) {
	if ride.PaymentMethod == models.PaymentCash {
		return models.PaymentCompleted, nil
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(MinorUnits(ride.Fare)),
		Currency: stripe.String(s.currency),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", ride.ID)
	params.AddMetadata("rider_id", ride.RiderID)
	params.SetIdempotencyKey("ride-" + ride.ID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return models.PaymentFailed, err
	}
	return StatusOf(pi), nil
}

// StatusOf maps a PaymentIntent's state onto the ride's payment status.
func StatusOf(pi *stripe.PaymentIntent) models.PaymentStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		return models.PaymentCompleted
	case stripe.PaymentIntentStatusProcessing:
		return models.PaymentProcessing
	case stripe.PaymentIntentStatusCanceled:
		return models.PaymentFailed
	default:
		return models.PaymentPending
	}
}

// MinorUnits converts a fare to the smallest currency unit.
func MinorUnits(fare float64) int64 {
	return int64(math.Round(fare * 100))
}
