package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/stepup/internal/idgen"
	"github.com/mbd888/stepup/internal/logging"
	"github.com/mbd888/stepup/internal/metrics"
	"github.com/mbd888/stepup/internal/risk"
)

const (
	maxOrderIDs     = 50
	maxOrderIDLen   = 128
	mergeRetries    = 3
	orderIDsKey     = "orderIds"
	maxPayloadBytes = 64 << 10
)

// CreateParams describes a new challenge.
type CreateParams struct {
	UserID       string
	AssessmentID string
	Payload      json.RawMessage
	RiskScore    int
	RiskFactors  []risk.Factor
	// TTL overrides the deployment default when positive.
	TTL time.Duration
}

// TokenStore is the service layer over a Store: it issues tokens, applies
// lazy expiry, and publishes lifecycle events.
type TokenStore struct {
	store    Store
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	notifier Notifier
}

// NewTokenStore creates a token store issuing challenges that live for ttl.
func NewTokenStore(store Store, ttl time.Duration) *TokenStore {
	return &TokenStore{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// WithClock overrides the time source (tests).
func (s *TokenStore) WithClock(now func() time.Time) *TokenStore {
	s.now = now
	return s
}

// WithLogger sets the logger.
func (s *TokenStore) WithLogger(logger *slog.Logger) *TokenStore {
	s.logger = logger
	return s
}

// WithNotifier publishes lifecycle events to n.
func (s *TokenStore) WithNotifier(n Notifier) *TokenStore {
	s.notifier = n
	return s
}

// TTL returns the default challenge lifetime.
func (s *TokenStore) TTL() time.Duration { return s.ttl }

// Now returns the store's current time in UTC.
func (s *TokenStore) Now() time.Time { return s.now().UTC() }

// Create escrows a payload behind a new pending challenge.
func (s *TokenStore) Create(ctx context.Context, p CreateParams) (*Challenge, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if err := validatePayload(p.Payload); err != nil {
		return nil, err
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrValidation)
	}

	now := s.Now()
	c := &Challenge{
		Token:           idgen.Token(),
		UserID:          p.UserID,
		AssessmentID:    p.AssessmentID,
		Status:          StatusPending,
		EscrowedPayload: append(json.RawMessage(nil), p.Payload...),
		RiskScore:       p.RiskScore,
		RiskFactors:     risk.CloneFactors(p.RiskFactors),
		Version:         1,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}

	metrics.ChallengesTotal.WithLabelValues("created").Inc()
	logging.L(ctx).Info("verification challenge created",
		"token", logging.TokenRef(c.Token),
		"user_id", c.UserID,
		"risk_score", c.RiskScore,
		"expires_at", c.ExpiresAt,
	)
	s.publish(c, EventCreated)
	return c.Clone(), nil
}

// Get returns the owned challenge, flipping it to expired first if its
// deadline has passed.
func (s *TokenStore) Get(ctx context.Context, token, userID string) (*Challenge, error) {
	c, err := s.store.Get(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	if c.Status == StatusPending && c.ExpiredAt(now) {
		return s.forceExpire(ctx, c, now)
	}
	return c, nil
}

// Transition moves a pending challenge to verified or expired. Exactly one
// of several concurrent callers succeeds; the rest observe ErrConflict (or
// ErrExpired when the challenge expired instead).
func (s *TokenStore) Transition(ctx context.Context, token, userID string, from, to Status) (*Challenge, error) {
	if from != StatusPending || (to != StatusVerified && to != StatusExpired) {
		return nil, fmt.Errorf("%w: illegal transition %s -> %s", ErrValidation, from, to)
	}

	c, err := s.Live(ctx, token, userID)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	updated, err := s.store.Transition(ctx, token, userID, to, now)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			s.bestEffortExpire(ctx, c, now)
		}
		return nil, err
	}

	switch to {
	case StatusVerified:
		metrics.ChallengesTotal.WithLabelValues("verified").Inc()
		metrics.ChallengeDuration.Observe(now.Sub(updated.CreatedAt).Seconds())
		s.publish(updated, EventVerified)
	case StatusExpired:
		metrics.ChallengesTotal.WithLabelValues("expired").Inc()
		s.publish(updated, EventExpired)
	}
	logging.L(ctx).Info("verification challenge transitioned",
		"token", logging.TokenRef(token), "to", string(to))
	return updated, nil
}

// Live returns the owned challenge only if it is pending and unexpired.
func (s *TokenStore) Live(ctx context.Context, token, userID string) (*Challenge, error) {
	c, err := s.Get(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	return c, StateError(c.Status)
}

// AttachCode stores a freshly generated code. extendTo, when set, moves
// the deadline of this same challenge; a new token is never issued.
func (s *TokenStore) AttachCode(ctx context.Context, token, userID, code string, extendTo *time.Time) (*Challenge, error) {
	c, err := s.Live(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	updated, err := s.store.AttachCode(ctx, token, userID, code, extendTo, now)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			s.bestEffortExpire(ctx, c, now)
		}
		return nil, err
	}
	return updated, nil
}

// MarkEmailSent records that the current code was handed to the mailer.
func (s *TokenStore) MarkEmailSent(ctx context.Context, token, userID string) (*Challenge, error) {
	updated, err := s.store.MarkEmailSent(ctx, token, userID, s.Now())
	if err != nil {
		return nil, err
	}
	s.publish(updated, EventCodeSent)
	return updated, nil
}

// RecordFailedAttempt counts a wrong code. When the count reaches
// maxAttempts the challenge is expired early and returned with that status.
func (s *TokenStore) RecordFailedAttempt(ctx context.Context, token, userID string, maxAttempts int) (*Challenge, error) {
	updated, err := s.store.RecordFailedAttempt(ctx, token, userID, maxAttempts, s.Now())
	if err != nil {
		return nil, err
	}
	if updated.Status == StatusExpired {
		metrics.ChallengesTotal.WithLabelValues("locked_out").Inc()
		logging.L(ctx).Warn("verification challenge locked after failed attempts",
			"token", logging.TokenRef(token), "attempts", updated.Attempts)
		s.publish(updated, EventExpired)
	}
	return updated, nil
}

// MergeOrderIDs adds order ids to the escrowed payload's "orderIds" list.
// Only pending challenges accept merges; merging ids already present is a
// no-op that leaves the stored bytes untouched.
func (s *TokenStore) MergeOrderIDs(ctx context.Context, token, userID string, orderIDs []string) (*Challenge, error) {
	if err := validateOrderIDs(orderIDs); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < mergeRetries; attempt++ {
		c, err := s.Live(ctx, token, userID)
		if err != nil {
			return nil, err
		}

		merged, changed, err := mergeOrderIDs(c.EscrowedPayload, orderIDs)
		if err != nil {
			return nil, err
		}
		if !changed {
			return c, nil
		}

		updated, err := s.store.UpdatePayload(ctx, token, userID, merged, c.Version, s.Now())
		if errors.Is(err, ErrStaleWrite) {
			continue
		}
		if err != nil {
			return nil, err
		}
		logging.L(ctx).Info("order ids merged into escrowed payload",
			"token", logging.TokenRef(token), "order_ids", len(orderIDs))
		s.publish(updated, EventPayloadUpdated)
		return updated, nil
	}
	return nil, fmt.Errorf("merge order ids: %w", ErrStaleWrite)
}

// ExpireStale flips overdue pending challenges to expired. It exists for
// audit tidiness; reads already apply expiry lazily.
func (s *TokenStore) ExpireStale(ctx context.Context, limit int) ([]ExpiredRef, error) {
	now := s.Now()
	refs, err := s.store.ExpireStale(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		metrics.ChallengesTotal.WithLabelValues("swept").Inc()
		s.notify(ref.UserID, Event{Type: EventExpired, Token: ref.Token, Status: StatusExpired, At: now})
	}
	return refs, nil
}

// StateError maps a status to the error a state-changing caller should see.
func StateError(status Status) error {
	switch status {
	case StatusVerified:
		return ErrConflict
	case StatusExpired:
		return ErrExpired
	default:
		return nil
	}
}

func (s *TokenStore) forceExpire(ctx context.Context, c *Challenge, now time.Time) (*Challenge, error) {
	updated, err := s.store.Transition(ctx, c.Token, c.UserID, StatusExpired, now)
	switch {
	case err == nil:
		metrics.ChallengesTotal.WithLabelValues("expired").Inc()
		s.publish(updated, EventExpired)
		return updated, nil
	case errors.Is(err, ErrConflict), errors.Is(err, ErrExpired):
		// Someone else reached a terminal state first; report what they wrote.
		return s.store.Get(ctx, c.Token, c.UserID)
	default:
		return nil, err
	}
}

func (s *TokenStore) bestEffortExpire(ctx context.Context, c *Challenge, now time.Time) {
	if _, err := s.forceExpire(ctx, c, now); err != nil {
		s.logger.Warn("failed to persist lazy expiry", "token", logging.TokenRef(c.Token), "error", err)
	}
}

func (s *TokenStore) publish(c *Challenge, t EventType) {
	s.notify(c.UserID, Event{
		Type:      t,
		Token:     c.Token,
		Status:    c.Status,
		ExpiresAt: c.ExpiresAt,
		At:        c.UpdatedAt,
	})
}

func (s *TokenStore) notify(userID string, ev Event) {
	if s.notifier != nil {
		s.notifier.NotifyChallenge(userID, ev)
	}
}

func validatePayload(p json.RawMessage) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: escrowed payload is required", ErrValidation)
	}
	if len(p) > maxPayloadBytes {
		return fmt.Errorf("%w: escrowed payload exceeds %d bytes", ErrValidation, maxPayloadBytes)
	}
	if !json.Valid(p) {
		return fmt.Errorf("%w: escrowed payload is not valid JSON", ErrValidation)
	}
	if trimmed := bytes.TrimSpace(p); len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: escrowed payload must be a JSON object", ErrValidation)
	}
	return nil
}

func validateOrderIDs(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: at least one order id is required", ErrValidation)
	}
	if len(ids) > maxOrderIDs {
		return fmt.Errorf("%w: at most %d order ids per request", ErrValidation, maxOrderIDs)
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" || len(id) > maxOrderIDLen {
			return fmt.Errorf("%w: order ids must be non-empty and at most %d characters", ErrValidation, maxOrderIDLen)
		}
	}
	return nil
}

// mergeOrderIDs unions ids into payload["orderIds"], keeping existing
// order and appending new ids in the order given. Only the orderIds member
// is rewritten; every other byte of the payload is kept as stored.
func mergeOrderIDs(payload json.RawMessage, ids []string) (json.RawMessage, bool, error) {
	span, err := scanObject(payload)
	if err != nil {
		return nil, false, err
	}

	var existing []string
	if span.found {
		raw := payload[span.valueStart:span.valueEnd]
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &existing); err != nil {
				return nil, false, fmt.Errorf("%w: escrowed orderIds is not a list of strings", ErrValidation)
			}
		}
	}

	seen := make(map[string]bool, len(existing)+len(ids))
	for _, id := range existing {
		seen[id] = true
	}
	merged := existing
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			merged = append(merged, id)
		}
	}
	if len(merged) == len(existing) {
		return payload, false, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(merged); err != nil {
		return nil, false, err
	}
	list := bytes.TrimRight(buf.Bytes(), "\n")

	out := make([]byte, 0, len(payload)+len(list)+len(orderIDsKey)+4)
	switch {
	case span.found:
		out = append(out, payload[:span.valueStart]...)
		out = append(out, list...)
		out = append(out, payload[span.valueEnd:]...)
	default:
		at := span.closeBrace
		if span.members > 0 {
			at = span.lastEnd
		}
		out = append(out, payload[:at]...)
		if span.members > 0 {
			out = append(out, ',')
		}
		out = append(out, '"')
		out = append(out, orderIDsKey...)
		out = append(out, '"', ':')
		out = append(out, list...)
		out = append(out, payload[at:]...)
	}
	return out, true, nil
}

// objectSpan locates byte offsets inside a top-level JSON object.
type objectSpan struct {
	members    int
	lastEnd    int // end of the last member's value
	closeBrace int
	found      bool
	valueStart int // orderIds value, when found
	valueEnd   int
}

// scanObject walks the top-level members of payload and records where the
// orderIds value sits. A repeated key resolves to its last occurrence, the
// same member json.Unmarshal would read.
func scanObject(payload []byte) (objectSpan, error) {
	notObject := fmt.Errorf("%w: escrowed payload is not a JSON object", ErrValidation)
	var span objectSpan

	dec := json.NewDecoder(bytes.NewReader(payload))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return span, notObject
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return span, notObject
		}
		key, ok := tok.(string)
		if !ok {
			return span, notObject
		}
		start := int(dec.InputOffset())
		for start < len(payload) && (isJSONSpace(payload[start]) || payload[start] == ':') {
			start++
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return span, notObject
		}
		end := int(dec.InputOffset())
		span.members++
		span.lastEnd = end
		if key == orderIDsKey {
			span.found = true
			span.valueStart, span.valueEnd = start, end
		}
	}
	if tok, err := dec.Token(); err != nil || tok != json.Delim('}') {
		return span, notObject
	}
	span.closeBrace = int(dec.InputOffset()) - 1
	return span, nil
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
