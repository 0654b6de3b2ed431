package otp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/stepup/internal/logging"
	"github.com/mbd888/stepup/internal/metrics"
	"github.com/mbd888/stepup/internal/ratelimit"
	"github.com/mbd888/stepup/internal/syncutil"
	"github.com/mbd888/stepup/internal/traces"
	"github.com/mbd888/stepup/internal/verification"
)

const defaultMaxAttempts = 5

// Service sends, resends and verifies codes for pending challenges.
type Service struct {
	tokens      *verification.TokenStore
	mailer      Mailer
	locks       *syncutil.KeyLock
	cooldown    ratelimit.Cooldown
	window      time.Duration
	maxAttempts int
	extend      bool
	devExpose   bool
	generate    func() (string, error)
	logger      *slog.Logger
}

// NewService creates an OTP service over tokens, delivering through mailer.
func NewService(tokens *verification.TokenStore, mailer Mailer) *Service {
	return &Service{
		tokens:      tokens,
		mailer:      mailer,
		locks:       syncutil.NewKeyLock(0),
		cooldown:    ratelimit.NewMemoryCooldown(),
		window:      30 * time.Second,
		maxAttempts: defaultMaxAttempts,
		generate:    GenerateCode,
		logger:      slog.Default(),
	}
}

// WithCooldown sets the resend cooldown store and window.
func (s *Service) WithCooldown(cd ratelimit.Cooldown, window time.Duration) *Service {
	s.cooldown = cd
	s.window = window
	return s
}

// WithMaxAttempts sets how many wrong codes expire a challenge.
func (s *Service) WithMaxAttempts(n int) *Service {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// WithResendExtendsExpiry makes a resend push the same token's deadline
// out by the store TTL.
func (s *Service) WithResendExtendsExpiry(extend bool) *Service {
	s.extend = extend
	return s
}

// WithDevExpose returns codes in SendResult. Development only.
func (s *Service) WithDevExpose(expose bool) *Service {
	s.devExpose = expose
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithGenerator overrides code generation (tests).
func (s *Service) WithGenerator(gen func() (string, error)) *Service {
	s.generate = gen
	return s
}

// MaxAttempts returns the configured attempt limit.
func (s *Service) MaxAttempts() int { return s.maxAttempts }

// Send issues a fresh code for a pending challenge and dispatches it.
func (s *Service) Send(ctx context.Context, token, userID string) (*SendResult, error) {
	unlock, err := s.locks.Lock(ctx, token)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.tokens.Live(ctx, token, userID)
	if err != nil {
		metrics.OTPSendsTotal.WithLabelValues("send", sendOutcome(err)).Inc()
		return nil, err
	}
	// A repeated send is a resend and shares its cooldown.
	if c.EmailSent {
		if err := s.throttle(ctx, token); err != nil {
			metrics.OTPSendsTotal.WithLabelValues("send", "throttled").Inc()
			return nil, err
		}
	}

	res, err := s.send(ctx, token, userID, nil, c.EmailSent)
	if err != nil {
		if c.EmailSent {
			s.releaseCooldown(ctx, token)
		}
		metrics.OTPSendsTotal.WithLabelValues("send", sendOutcome(err)).Inc()
		return nil, err
	}
	if !c.EmailSent {
		// Start the resend window so an immediate resend is throttled.
		if _, _, err := s.cooldown.Acquire(ctx, cooldownKey(token), s.window); err != nil {
			s.logger.Warn("failed to start resend cooldown", "token", logging.TokenRef(token), "error", err)
		}
	}
	metrics.OTPSendsTotal.WithLabelValues("send", "ok").Inc()
	return res, nil
}

// Resend replaces the code on the same token. The deadline is kept unless
// the service was built WithResendExtendsExpiry.
func (s *Service) Resend(ctx context.Context, token, userID string) (*SendResult, error) {
	unlock, err := s.locks.Lock(ctx, token)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// State errors win over throttling so an expired token reads as expired.
	if _, err := s.tokens.Live(ctx, token, userID); err != nil {
		metrics.OTPSendsTotal.WithLabelValues("resend", sendOutcome(err)).Inc()
		return nil, err
	}

	if err := s.throttle(ctx, token); err != nil {
		metrics.OTPSendsTotal.WithLabelValues("resend", "throttled").Inc()
		return nil, err
	}

	var extendTo *time.Time
	if s.extend {
		t := s.tokens.Now().Add(s.tokens.TTL())
		extendTo = &t
	}

	res, err := s.send(ctx, token, userID, extendTo, true)
	if err != nil {
		s.releaseCooldown(ctx, token)
		metrics.OTPSendsTotal.WithLabelValues("resend", sendOutcome(err)).Inc()
		return nil, err
	}
	metrics.OTPSendsTotal.WithLabelValues("resend", "ok").Inc()
	return res, nil
}

// throttle claims the resend window for token or reports how long to wait.
func (s *Service) throttle(ctx context.Context, token string) error {
	ok, wait, err := s.cooldown.Acquire(ctx, cooldownKey(token), s.window)
	if err != nil {
		// Fail open: a cooldown outage only loses throttling.
		s.logger.Warn("resend cooldown unavailable", "token", logging.TokenRef(token), "error", err)
		return nil
	}
	if !ok {
		return &CooldownError{RetryAfter: wait}
	}
	return nil
}

// releaseCooldown frees the window after a failed delivery so the buyer
// can retry at once.
func (s *Service) releaseCooldown(ctx context.Context, token string) {
	if err := s.cooldown.Release(ctx, cooldownKey(token)); err != nil {
		s.logger.Warn("failed to release resend cooldown", "token", logging.TokenRef(token), "error", err)
	}
}

// cooldownKey keeps bearer tokens out of the cooldown store's keyspace.
func cooldownKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *Service) send(ctx context.Context, token, userID string, extendTo *time.Time, resend bool) (*SendResult, error) {
	code, err := s.generate()
	if err != nil {
		return nil, err
	}

	c, err := s.tokens.AttachCode(ctx, token, userID, code, extendTo)
	if err != nil {
		return nil, err
	}

	if err := s.mailer.SendCode(ctx, Message{
		UserID:    userID,
		Token:     token,
		Code:      code,
		ExpiresAt: c.ExpiresAt,
		Resend:    resend,
	}); err != nil {
		logging.L(ctx).Error("verification code delivery failed",
			"token", logging.TokenRef(token), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	c, err = s.tokens.MarkEmailSent(ctx, token, userID)
	if err != nil {
		return nil, err
	}

	res := &SendResult{Sent: true, ExpiresAt: c.ExpiresAt}
	if c.EmailSentAt != nil {
		res.EmailSentAt = *c.EmailSentAt
	}
	if s.devExpose {
		res.DevCode = code
	}
	return res, nil
}

// Verify checks code against the challenge. A wrong code leaves the
// challenge pending (and returns ErrInvalidCode with the attempts left)
// until the attempt limit, which expires it. The right code moves the
// challenge to verified and returns a copy of the escrowed payload.
func (s *Service) Verify(ctx context.Context, token, userID, code string) (result *VerifyResult, err error) {
	ctx, span := traces.StartSpan(ctx, "otp.Verify", traces.TokenRef(token), traces.UserID(userID))
	defer func() {
		metrics.OTPVerificationsTotal.WithLabelValues(verifyOutcome(err)).Inc()
		traces.End(span, err)
	}()

	if !WellFormed(code) {
		return nil, fmt.Errorf("%w: code must be %d digits", verification.ErrValidation, CodeLength)
	}

	unlock, err := s.locks.Lock(ctx, token)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.tokens.Live(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	if c.OTPCode == "" {
		return nil, ErrCodeNotSent
	}

	if !Equal(c.OTPCode, code) {
		updated, err := s.tokens.RecordFailedAttempt(ctx, token, userID, s.maxAttempts)
		if err != nil {
			return nil, err
		}
		if updated.Status == verification.StatusExpired {
			return nil, ErrAttemptsExhausted
		}
		logging.L(ctx).Info("verification code mismatch",
			"token", logging.TokenRef(token), "attempts", updated.Attempts)
		return &VerifyResult{AttemptsRemaining: remaining(s.maxAttempts, updated.Attempts)}, ErrInvalidCode
	}

	verified, err := s.tokens.Transition(ctx, token, userID, verification.StatusPending, verification.StatusVerified)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{
		Verified:          true,
		AttemptsRemaining: remaining(s.maxAttempts, verified.Attempts),
		EscrowedPayload:   append([]byte(nil), verified.EscrowedPayload...),
	}, nil
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

func sendOutcome(err error) string {
	switch {
	case errors.Is(err, ErrSendFailed):
		return "delivery_failed"
	case errors.Is(err, verification.ErrExpired):
		return "expired"
	case errors.Is(err, verification.ErrConflict):
		return "conflict"
	case errors.Is(err, verification.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func verifyOutcome(err error) string {
	switch {
	case err == nil:
		return "verified"
	case errors.Is(err, ErrInvalidCode):
		return "invalid"
	case errors.Is(err, ErrAttemptsExhausted):
		return "exhausted"
	case errors.Is(err, verification.ErrExpired):
		return "expired"
	case errors.Is(err, verification.ErrConflict):
		return "conflict"
	case errors.Is(err, verification.ErrNotFound):
		return "not_found"
	case errors.Is(err, verification.ErrValidation), errors.Is(err, ErrCodeNotSent):
		return "rejected"
	default:
		return "error"
	}
}
