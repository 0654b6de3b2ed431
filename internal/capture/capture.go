// Package capture hands released payment payloads to the payment
// processor. Releasing is the only side effect of a successful step-up.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/stepup/internal/logging"
)

// Capture paths, used as metric labels.
const (
	PathAllow    = "allow"
	PathVerified = "verified"
)

var (
	ErrInvalidPayload = errors.New("payment payload is not a JSON object")
	ErrMissingIntent  = errors.New("payment payload is missing a payment intent")
	ErrDeclined       = errors.New("payment processor declined capture")
)

// Request is a payload released for capture.
type Request struct {
	// Path is PathAllow or PathVerified.
	Path string
	// Key identifies the release for idempotency: the assessment id on the
	// allow path, the challenge token on the verified path.
	Key     string
	UserID  string
	Payload json.RawMessage
}

// Receipt describes a completed capture.
type Receipt struct {
	PaymentIntentID string `json:"paymentIntentId"`
	Status          string `json:"status"`
	AmountCaptured  int64  `json:"amountCaptured,omitempty"`
	Currency        string `json:"currency,omitempty"`
}

// Releaser captures a released payment.
type Releaser interface {
	Release(ctx context.Context, req Request) (*Receipt, error)
}

// PayloadChecker is implemented by releasers that can reject a payload
// before it is escrowed, so a shopper is never asked to verify a payment
// that cannot be captured.
type PayloadChecker interface {
	CheckPayload(p *Payload) error
}

// Payload is the part of an escrowed payment payload capture understands.
// Everything else is passed through untouched.
type Payload struct {
	PaymentIntentID string   `json:"paymentIntentId"`
	OrderIDs        []string `json:"orderIds,omitempty"`
}

// ParsePayload extracts the capture fields from a payload. Both fields
// are optional here; releasers decide what they need.
func ParsePayload(raw json.RawMessage) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &p, nil
}

// stripeIntent returns the payload's PaymentIntent id, which must look
// like one Stripe issued.
func stripeIntent(p *Payload) (string, error) {
	if !strings.HasPrefix(p.PaymentIntentID, "pi_") {
		return "", ErrMissingIntent
	}
	return p.PaymentIntentID, nil
}

// LogReleaser records releases without charging anyone. For development
// and deployments where the checkout backend captures on its own.
type LogReleaser struct {
	logger *slog.Logger
}

// NewLogReleaser creates a log-only releaser.
func NewLogReleaser(logger *slog.Logger) *LogReleaser {
	return &LogReleaser{logger: logger}
}

func (l *LogReleaser) Release(ctx context.Context, req Request) (*Receipt, error) {
	p, err := ParsePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	l.logger.Info("payment released for capture",
		"request_id", logging.RequestID(ctx),
		"path", req.Path,
		"user_id", req.UserID,
		"payment_intent", p.PaymentIntentID,
		"order_ids", len(p.OrderIDs),
	)
	return &Receipt{PaymentIntentID: p.PaymentIntentID, Status: "released"}, nil
}
