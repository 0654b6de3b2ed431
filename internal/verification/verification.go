// Package verification owns the lifecycle of step-up verification challenges.
//
// A challenge escrows a payment payload behind a bearer token until the
// owning user proves possession of a one-time code. Status moves from
// pending to exactly one of verified or expired; both are terminal.
// Expiry is enforced lazily on every read, so a challenge past its deadline
// behaves as expired whether or not the background sweep has run.
//
// Every operation is scoped to the owning user. A token that exists but
// belongs to someone else is indistinguishable from one that does not exist.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/stepup/internal/risk"
)

// Status is the lifecycle state of a challenge.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusExpired  Status = "expired"
)

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusVerified || s == StatusExpired
}

var (
	ErrNotFound   = errors.New("verification challenge not found")
	ErrExpired    = errors.New("verification challenge expired")
	ErrConflict   = errors.New("verification challenge already completed")
	ErrValidation = errors.New("invalid verification request")
	// ErrStaleWrite reports an optimistic-concurrency miss on the payload.
	ErrStaleWrite = errors.New("verification challenge modified concurrently")
)

// Challenge is a single step-up verification record.
type Challenge struct {
	Token        string `json:"token"`
	UserID       string `json:"userId"`
	AssessmentID string `json:"assessmentId,omitempty"`
	Status       Status `json:"status"`

	// The one-time code lives in its own field and never serialises.
	OTPCode     string     `json:"-"`
	OTPIssuedAt *time.Time `json:"-"`

	EscrowedPayload json.RawMessage `json:"escrowedPayload"`
	RiskScore       int             `json:"riskScore"`
	RiskFactors     []risk.Factor   `json:"riskFactors"`

	Attempts int `json:"attempts"`
	Version  int `json:"-"`

	ExpiresAt   time.Time  `json:"expiresAt"`
	EmailSent   bool       `json:"emailSent"`
	EmailSentAt *time.Time `json:"emailSentAt,omitempty"`
	VerifiedAt  *time.Time `json:"verifiedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ExpiredAt reports whether the challenge is past its deadline at now.
func (c *Challenge) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Clone returns a deep copy. Callers never share a record's payload.
func (c *Challenge) Clone() *Challenge {
	if c == nil {
		return nil
	}
	out := *c
	if c.EscrowedPayload != nil {
		out.EscrowedPayload = append(json.RawMessage(nil), c.EscrowedPayload...)
	}
	out.RiskFactors = risk.CloneFactors(c.RiskFactors)
	out.OTPIssuedAt = cloneTime(c.OTPIssuedAt)
	out.EmailSentAt = cloneTime(c.EmailSentAt)
	out.VerifiedAt = cloneTime(c.VerifiedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ExpiredRef identifies a challenge flipped to expired by a sweep.
type ExpiredRef struct {
	Token  string
	UserID string
}

// Store persists challenges. Conditional methods succeed only while the
// record is pending (and, where noted, unexpired at now). When no row
// matches they report why: ErrNotFound, ErrConflict (already verified),
// ErrExpired (expired or past deadline) or ErrStaleWrite (version moved).
type Store interface {
	Create(ctx context.Context, c *Challenge) error
	Get(ctx context.Context, token, userID string) (*Challenge, error)

	// Transition moves a pending record to verified or expired. A move to
	// verified additionally requires the record to be unexpired at now.
	Transition(ctx context.Context, token, userID string, to Status, now time.Time) (*Challenge, error)

	// AttachCode stores a fresh code on a pending, unexpired record and
	// clears emailSent. A non-nil expiresAt replaces the deadline.
	AttachCode(ctx context.Context, token, userID, code string, expiresAt *time.Time, now time.Time) (*Challenge, error)

	// MarkEmailSent records delivery of the current code.
	MarkEmailSent(ctx context.Context, token, userID string, now time.Time) (*Challenge, error)

	// RecordFailedAttempt increments the attempt counter and expires the
	// record once the counter reaches maxAttempts.
	RecordFailedAttempt(ctx context.Context, token, userID string, maxAttempts int, now time.Time) (*Challenge, error)

	// UpdatePayload replaces the escrowed payload if version still matches.
	UpdatePayload(ctx context.Context, token, userID string, payload json.RawMessage, version int, now time.Time) (*Challenge, error)

	// ExpireStale flips up to limit pending records whose deadline is
	// before now to expired.
	ExpireStale(ctx context.Context, now time.Time, limit int) ([]ExpiredRef, error)
}

// EventType names a challenge lifecycle event.
type EventType string

const (
	EventCreated        EventType = "challenge.created"
	EventCodeSent       EventType = "challenge.code_sent"
	EventVerified       EventType = "challenge.verified"
	EventExpired        EventType = "challenge.expired"
	EventPayloadUpdated EventType = "challenge.payload_updated"
)

// Event is published to the owning user when a challenge changes.
type Event struct {
	Type      EventType `json:"type"`
	Token     string    `json:"token"`
	Status    Status    `json:"status"`
	ExpiresAt time.Time `json:"expiresAt"`
	At        time.Time `json:"at"`
}

// Notifier receives challenge events. Implementations must not block.
type Notifier interface {
	NotifyChallenge(userID string, ev Event)
}

// Notifiers fans each event out to every notifier in order.
type Notifiers []Notifier

func (ns Notifiers) NotifyChallenge(userID string, ev Event) {
	for _, n := range ns {
		n.NotifyChallenge(userID, ev)
	}
}
