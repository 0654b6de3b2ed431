package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/stepup/internal/logging"
)

// StripeReleaser captures authorised PaymentIntents.
type StripeReleaser struct {
	api *client.API
}

// NewStripeReleaser creates a releaser using secretKey. backends may be
// nil to talk to Stripe itself.
func NewStripeReleaser(secretKey string, backends *stripe.Backends) *StripeReleaser {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeReleaser{api: api}
}

func (s *StripeReleaser) Release(ctx context.Context, req Request) (*Receipt, error) {
	p, err := ParsePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	intent, err := stripeIntent(p)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("stepup-capture-" + req.Path + "-" + idempotencySuffix(req.Key))
	params.AddMetadata("stepup_path", req.Path)
	if len(p.OrderIDs) > 0 {
		params.AddMetadata("order_ids", strings.Join(p.OrderIDs, ","))
	}

	pi, err := s.api.PaymentIntents.Capture(intent, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 {
			return nil, fmt.Errorf("%w: %s", ErrDeclined, serr.Code)
		}
		return nil, fmt.Errorf("stripe capture: %w", err)
	}

	logging.L(ctx).Info("payment intent captured",
		"payment_intent", pi.ID, "status", string(pi.Status), "path", req.Path)
	return &Receipt{
		PaymentIntentID: pi.ID,
		Status:          string(pi.Status),
		AmountCaptured:  pi.AmountReceived,
		Currency:        strings.ToUpper(string(pi.Currency)),
	}, nil
}

// CheckPayload requires a Stripe PaymentIntent id.
func (s *StripeReleaser) CheckPayload(p *Payload) error {
	_, err := stripeIntent(p)
	return err
}

// Tokens are bearer secrets, so only a fingerprint goes to Stripe.
func idempotencySuffix(key string) string {
	if strings.HasPrefix(key, "vt_") {
		return logging.TokenRef(key)
	}
	return key
}
