// Package gate orchestrates a checkout attempt: it scores the transaction,
// records the assessment, and then releases the payment payload, refuses
// it, or holds it in escrow behind a one-time passcode challenge.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/stepup/internal/capture"
	"github.com/mbd888/stepup/internal/logging"
	"github.com/mbd888/stepup/internal/metrics"
	"github.com/mbd888/stepup/internal/otp"
	"github.com/mbd888/stepup/internal/risk"
	"github.com/mbd888/stepup/internal/traces"
	"github.com/mbd888/stepup/internal/verification"
)

var (
	ErrTransactionDenied = errors.New("transaction denied by risk policy")
	ErrCaptureFailed     = errors.New("payment capture failed")
)

// CheckoutRequest is what the checkout backend submits for a decision.
type CheckoutRequest struct {
	UserID          string                  `json:"userId" binding:"required,max=128"`
	OrderID         string                  `json:"orderId,omitempty" binding:"omitempty,max=128"`
	PaymentIntentID string                  `json:"paymentIntentId,omitempty" binding:"omitempty,max=255"`
	Transaction     risk.TransactionContext `json:"transaction"`
	// Payload is escrowed verbatim on the warn path and released verbatim
	// on the allow path.
	Payload json.RawMessage `json:"paymentPayload" binding:"required"`
}

// Outcome is the gate's answer for one checkout attempt.
type Outcome struct {
	AssessmentID string        `json:"assessmentId"`
	Decision     risk.Decision `json:"decision"`
	RiskScore    int           `json:"riskScore"`
	RiskFactors  []risk.Factor `json:"riskFactors"`
	Confidence   float64       `json:"confidence"`

	// Allow path.
	Receipt *capture.Receipt `json:"receipt,omitempty"`

	// Warn path.
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	EmailSent bool       `json:"emailSent"`
	DevCode   string     `json:"devCode,omitempty"`
}

// VerifyOutcome is the result of a step-up verification.
type VerifyOutcome struct {
	Verified          bool             `json:"verified"`
	AttemptsRemaining int              `json:"attemptsRemaining"`
	Receipt           *capture.Receipt `json:"receipt,omitempty"`
}

// Gate wires the risk engine, the challenge store, the OTP service and
// the capture collaborator together.
type Gate struct {
	engine      *risk.Engine
	assessments risk.Store
	tokens      *verification.TokenStore
	otp         *otp.Service
	releaser    capture.Releaser
}

// NewGate creates a payment gate.
func NewGate(engine *risk.Engine, assessments risk.Store, tokens *verification.TokenStore, otpSvc *otp.Service, releaser capture.Releaser) *Gate {
	return &Gate{
		engine:      engine,
		assessments: assessments,
		tokens:      tokens,
		otp:         otpSvc,
		releaser:    releaser,
	}
}

// Evaluate decides a checkout attempt. Every evaluation is recorded.
// Allow releases the payload for capture at once; deny returns
// ErrTransactionDenied alongside the outcome; warn escrows the payload
// under a new challenge and sends the first code. A warn outcome whose
// code could not be delivered is still returned: the buyer can resend.
func (g *Gate) Evaluate(ctx context.Context, req CheckoutRequest) (out *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "gate.Evaluate", traces.UserID(req.UserID))
	defer func() { traces.End(span, err) }()

	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", risk.ErrValidation)
	}
	p, err := capture.ParsePayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", risk.ErrValidation, err)
	}
	intent := req.PaymentIntentID
	switch {
	case intent == "":
		intent = p.PaymentIntentID
	case p.PaymentIntentID != "" && p.PaymentIntentID != intent:
		return nil, fmt.Errorf("%w: paymentIntentId does not match the payment payload", risk.ErrValidation)
	}
	if req.OrderID == "" && intent == "" {
		return nil, fmt.Errorf("%w: an order id or payment intent id is required", risk.ErrValidation)
	}
	if pc, ok := g.releaser.(capture.PayloadChecker); ok {
		if err := pc.CheckPayload(p); err != nil {
			return nil, fmt.Errorf("%w: %v", risk.ErrValidation, err)
		}
	}

	eval, err := g.engine.Evaluate(&req.Transaction)
	if err != nil {
		return nil, err
	}

	a := risk.NewAssessment(req.UserID, req.OrderID, intent, &req.Transaction, eval, g.tokens.Now())
	if err := g.assessments.Record(ctx, a); err != nil {
		return nil, fmt.Errorf("record assessment: %w", err)
	}
	metrics.RiskDecisionsTotal.WithLabelValues(string(eval.Decision)).Inc()
	metrics.RiskScore.Observe(float64(eval.RiskScore))
	span.SetAttributes(traces.AssessmentID(a.ID), traces.Decision(string(eval.Decision)), traces.Score(eval.RiskScore))

	out = &Outcome{
		AssessmentID: a.ID,
		Decision:     eval.Decision,
		RiskScore:    eval.RiskScore,
		RiskFactors:  risk.CloneFactors(eval.Factors),
		Confidence:   eval.Confidence,
	}
	log := logging.L(ctx).With("assessment_id", a.ID, "score", eval.RiskScore, "decision", eval.Decision)

	switch eval.Decision {
	case risk.DecisionDeny:
		log.Info("checkout denied")
		return out, ErrTransactionDenied

	case risk.DecisionAllow:
		receipt, err := g.release(ctx, capture.PathAllow, a.ID, req.UserID, req.Payload)
		if err != nil {
			return out, err
		}
		out.Receipt = receipt
		log.Info("checkout allowed")
		return out, nil

	default:
		c, err := g.tokens.Create(ctx, verification.CreateParams{
			UserID:       req.UserID,
			AssessmentID: a.ID,
			Payload:      req.Payload,
			RiskScore:    eval.RiskScore,
			RiskFactors:  eval.Factors,
		})
		if err != nil {
			return nil, fmt.Errorf("create challenge: %w", err)
		}
		out.Token = c.Token
		expires := c.ExpiresAt.UTC()
		out.ExpiresAt = &expires

		sent, err := g.otp.Send(ctx, c.Token, req.UserID)
		if err != nil {
			log.Warn("initial verification code not delivered",
				"token", logging.TokenRef(c.Token), "error", err)
			return out, nil
		}
		out.EmailSent = sent.Sent
		out.DevCode = sent.DevCode
		log.Info("checkout held for verification", "token", logging.TokenRef(c.Token))
		return out, nil
	}
}

// Status returns the challenge with lazy expiry applied.
func (g *Gate) Status(ctx context.Context, token, userID string) (*verification.Challenge, error) {
	return g.tokens.Get(ctx, token, userID)
}

// Send issues the first code for a challenge.
func (g *Gate) Send(ctx context.Context, token, userID string) (*otp.SendResult, error) {
	return g.otp.Send(ctx, token, userID)
}

// Resend issues a fresh code subject to the resend cooldown.
func (g *Gate) Resend(ctx context.Context, token, userID string) (*otp.SendResult, error) {
	return g.otp.Resend(ctx, token, userID)
}

// Verify checks the code and, on success, forwards the escrowed payload
// unmodified to the capture collaborator. The risk score is not
// recomputed. A capture failure after a successful verify returns the
// outcome together with ErrCaptureFailed; the challenge stays verified
// and its payload remains available through PaymentData.
func (g *Gate) Verify(ctx context.Context, token, userID, code string) (*VerifyOutcome, error) {
	res, err := g.otp.Verify(ctx, token, userID, code)
	if err != nil {
		if res != nil {
			return &VerifyOutcome{AttemptsRemaining: res.AttemptsRemaining}, err
		}
		return nil, err
	}

	out := &VerifyOutcome{Verified: true, AttemptsRemaining: res.AttemptsRemaining}
	receipt, err := g.release(ctx, capture.PathVerified, token, userID, res.EscrowedPayload)
	if err != nil {
		return out, err
	}
	out.Receipt = receipt
	return out, nil
}

// MergeOrderIDs adds late-arriving order ids to a pending challenge's
// payload and returns the merged list.
func (g *Gate) MergeOrderIDs(ctx context.Context, token, userID string, orderIDs []string) ([]string, error) {
	c, err := g.tokens.MergeOrderIDs(ctx, token, userID, orderIDs)
	if err != nil {
		return nil, err
	}
	var p struct {
		OrderIDs []string `json:"orderIds"`
	}
	if err := json.Unmarshal(c.EscrowedPayload, &p); err != nil {
		return nil, fmt.Errorf("decode merged payload: %w", err)
	}
	return p.OrderIDs, nil
}

// PaymentData returns the escrowed payload of a verified challenge. Any
// other state is reported as not found.
func (g *Gate) PaymentData(ctx context.Context, token, userID string) (*verification.Challenge, error) {
	c, err := g.tokens.Get(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	if c.Status != verification.StatusVerified {
		return nil, verification.ErrNotFound
	}
	return c, nil
}

// MaxAttempts is the per-challenge verification attempt limit.
func (g *Gate) MaxAttempts() int { return g.otp.MaxAttempts() }

func (g *Gate) release(ctx context.Context, path, key, userID string, payload json.RawMessage) (*capture.Receipt, error) {
	receipt, err := g.releaser.Release(ctx, capture.Request{
		Path:    path,
		Key:     key,
		UserID:  userID,
		Payload: append(json.RawMessage(nil), payload...),
	})
	if err != nil {
		metrics.CapturesTotal.WithLabelValues(path, "error").Inc()
		logging.L(ctx).Error("payment capture failed", "path", path, "error", err)
		return nil, errors.Join(ErrCaptureFailed, err)
	}
	metrics.CapturesTotal.WithLabelValues(path, "ok").Inc()
	return receipt, nil
}
