// Package otp issues and checks the one-time codes that complete a step-up
// verification challenge.
package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// CodeLength is the number of decimal digits in a code.
const CodeLength = 6

var codeSpace = big.NewInt(1_000_000)

var (
	ErrInvalidCode       = errors.New("invalid verification code")
	ErrCodeNotSent       = errors.New("no verification code has been sent")
	ErrAttemptsExhausted = errors.New("too many failed verification attempts")
	ErrResendTooSoon     = errors.New("verification code resent too recently")
	ErrSendFailed        = errors.New("failed to deliver verification code")
)

// CooldownError reports how long a caller must wait before resending.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrResendTooSoon, e.RetryAfter.Round(time.Second))
}

func (e *CooldownError) Unwrap() error { return ErrResendTooSoon }

// GenerateCode returns a uniformly random 6-digit code. Leading zeros are
// kept, so every value from 000000 to 999999 is possible.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

// WellFormed reports whether s is exactly six ASCII digits.
func WellFormed(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Equal compares two codes in constant time.
func Equal(stored, presented string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// SendResult describes a delivered code.
type SendResult struct {
	Sent        bool      `json:"sent"`
	ExpiresAt   time.Time `json:"expiresAt"`
	EmailSentAt time.Time `json:"emailSentAt"`
	// DevCode carries the code only when development exposure is on.
	DevCode string `json:"devCode,omitempty"`
}

// VerifyResult describes the outcome of a verify call.
type VerifyResult struct {
	Verified          bool   `json:"verified"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
	EscrowedPayload   []byte `json:"-"`
}
