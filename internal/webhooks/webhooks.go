// Package webhooks tells the checkout backend when a step-up challenge
// changes state, so it can finalise or abandon the held order without
// polling.
//
// Deliveries are signed with HMAC-SHA256 over "<timestamp>.<body>" and
// carried in the X-Stepup-Signature header as "sha256=<hex>". Delivery is
// at-most-once per process: events still queued when the process stops
// are lost.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mbd888/stepup/internal/circuitbreaker"
	"github.com/mbd888/stepup/internal/idgen"
	"github.com/mbd888/stepup/internal/logging"
	"github.com/mbd888/stepup/internal/metrics"
	"github.com/mbd888/stepup/internal/retry"
	"github.com/mbd888/stepup/internal/verification"
)

const (
	HeaderEvent     = "X-Stepup-Event"
	HeaderDelivery  = "X-Stepup-Delivery"
	HeaderTimestamp = "X-Stepup-Timestamp"
	HeaderSignature = "X-Stepup-Signature"

	DefaultQueueSize = 256
	breakerKey       = "checkout-webhook"
)

// DefaultEvents are the transitions the checkout backend acts on.
var DefaultEvents = []verification.EventType{
	verification.EventVerified,
	verification.EventExpired,
	verification.EventPayloadUpdated,
}

// Delivery is the JSON body posted to the endpoint.
type Delivery struct {
	ID        string                 `json:"id"`
	Type      verification.EventType `json:"type"`
	UserID    string                 `json:"userId"`
	Token     string                 `json:"token"`
	Status    verification.Status    `json:"status"`
	ExpiresAt time.Time              `json:"expiresAt"`
	At        time.Time              `json:"at"`
}

// Config configures the dispatcher.
type Config struct {
	URL    string
	Secret string
	// Events restricts which event types are delivered. Empty means
	// DefaultEvents.
	Events    []verification.EventType
	QueueSize int
	Timeout   time.Duration
}

// Dispatcher queues challenge events and posts them to one endpoint from
// a single worker.
type Dispatcher struct {
	cfg     Config
	events  map[verification.EventType]bool
	queue   chan Delivery
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
	now     func() time.Time

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher creates a dispatcher. Call Run to start delivering.
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultEvents
	}
	events := make(map[verification.EventType]bool, len(cfg.Events))
	for _, t := range cfg.Events {
		events[t] = true
	}
	return &Dispatcher{
		cfg:     cfg,
		events:  events,
		queue:   make(chan Delivery, cfg.QueueSize),
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.Policy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		logger:  logger,
		now:     time.Now,
	}
}

// WithRetryPolicy overrides the retry policy (tests).
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithClient overrides the HTTP client (tests).
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// NotifyChallenge queues an event for delivery. It never blocks; when the
// queue is full the event is dropped and counted.
func (d *Dispatcher) NotifyChallenge(userID string, ev verification.Event) {
	if !d.events[ev.Type] {
		return
	}
	del := Delivery{
		ID:        idgen.WithPrefix("whd_"),
		Type:      ev.Type,
		UserID:    userID,
		Token:     ev.Token,
		Status:    ev.Status,
		ExpiresAt: ev.ExpiresAt.UTC(),
		At:        ev.At.UTC(),
	}
	select {
	case d.queue <- del:
	default:
		d.dropped.Add(1)
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(ev.Type), "dropped").Inc()
		d.logger.Warn("webhook queue full, event dropped",
			"event", ev.Type,
			"token_ref", logging.TokenRef(ev.Token),
		)
	}
}

// Run delivers queued events until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case del := <-d.queue:
			d.deliver(ctx, del)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, del Delivery) {
	err := d.Send(ctx, del)
	result := "delivered"
	if err != nil {
		result = "failed"
		d.failed.Add(1)
		d.logger.Error("webhook delivery failed",
			"delivery_id", del.ID,
			"event", del.Type,
			"token_ref", logging.TokenRef(del.Token),
			"error", err,
		)
	} else {
		d.delivered.Add(1)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(del.Type), result).Inc()
}

// Send posts one delivery synchronously, retrying transient failures.
func (d *Dispatcher) Send(ctx context.Context, del Delivery) error {
	body, err := json.Marshal(del)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	err = d.breaker.Execute(breakerKey, isTransient, func() error {
		return retry.Do(ctx, d.policy, func(ctx context.Context) error {
			return d.post(ctx, del, body)
		})
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("endpoint unavailable: %w", err)
	}
	return err
}

// transientError marks failures worth retrying and counting against the
// breaker.
type transientError struct {
	msg string
}

func (e *transientError) Error() string { return e.msg }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

func (d *Dispatcher) post(ctx context.Context, del Delivery, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(del.Type))
	req.Header.Set(HeaderDelivery, del.ID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, "sha256="+Sign(d.cfg.Secret, ts, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return &transientError{msg: "request failed: " + err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &transientError{msg: fmt.Sprintf("endpoint status %d", resp.StatusCode)}
	default:
		return retry.Permanent(fmt.Errorf("endpoint rejected delivery: status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value produced by Sign. Receivers
// should also reject timestamps outside their tolerance window.
func Verify(secret, timestamp string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, timestamp, body))
	return hmac.Equal(got, want)
}

// Stats reports delivery counters.
func (d *Dispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"delivered": d.delivered.Load(),
		"failed":    d.failed.Load(),
		"dropped":   d.dropped.Load(),
		"queued":    len(d.queue),
	}
}
