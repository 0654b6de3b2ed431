package otp

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/stepup/internal/logging"
)

// Message is a code delivery request.
type Message struct {
	UserID    string
	Token     string
	Code      string
	ExpiresAt time.Time
	Resend    bool
}

// Mailer delivers codes to the challenge owner.
type Mailer interface {
	SendCode(ctx context.Context, msg Message) error
}

// LogMailer writes deliveries to the log instead of sending email. The
// code itself is logged only when exposeCode is set.
type LogMailer struct {
	logger     *slog.Logger
	exposeCode bool
}

// NewLogMailer creates a log-only mailer.
func NewLogMailer(logger *slog.Logger, exposeCode bool) *LogMailer {
	return &LogMailer{logger: logger, exposeCode: exposeCode}
}

func (m *LogMailer) SendCode(ctx context.Context, msg Message) error {
	attrs := []any{
		"request_id", logging.RequestID(ctx),
		"user_id", msg.UserID,
		"token", logging.TokenRef(msg.Token),
		"expires_at", msg.ExpiresAt.UTC().Format(time.RFC3339),
		"resend", msg.Resend,
	}
	if m.exposeCode {
		attrs = append(attrs, "code", msg.Code)
	}
	m.logger.Info("verification code dispatched", attrs...)
	return nil
}

// MailerFunc adapts a function to Mailer.
type MailerFunc func(ctx context.Context, msg Message) error

func (f MailerFunc) SendCode(ctx context.Context, msg Message) error { return f(ctx, msg) }
