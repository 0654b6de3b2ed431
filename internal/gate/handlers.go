package gate

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stepup/internal/auth"
	"github.com/mbd888/stepup/internal/capture"
	"github.com/mbd888/stepup/internal/logging"
	"github.com/mbd888/stepup/internal/otp"
	"github.com/mbd888/stepup/internal/risk"
	"github.com/mbd888/stepup/internal/validation"
	"github.com/mbd888/stepup/internal/verification"
)

// Handler provides HTTP endpoints for checkout decisions and step-up
// verification.
type Handler struct {
	gate *Gate
}

// NewHandler creates a new gate handler.
func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

// RegisterInternalRoutes sets up routes called by the checkout backend.
// The group must be guarded by the internal secret.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/internal/checkout/evaluate", h.Evaluate)
}

// RegisterProtectedRoutes sets up session-authenticated verification routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	v := r.Group("/verification")
	v.GET("/status", h.Status)
	v.POST("/send", h.Send)
	v.POST("/resend-otp", h.Resend)
	v.POST("/verify-otp", h.Verify)
	v.POST("/update-payment-data", h.UpdatePaymentData)
	v.GET("/payment-data", h.PaymentData)
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

type verifyRequest struct {
	Token string `json:"token" binding:"required"`
	OTP   string `json:"otp" binding:"required,len=6,numeric"`
}

type mergeRequest struct {
	Token    string   `json:"token" binding:"required"`
	OrderIDs []string `json:"orderIds" binding:"required,min=1,max=50,dive,required,max=128"`
}

// Evaluate handles POST /internal/checkout/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, validation.FromBinding(err))
		return
	}

	out, err := h.gate.Evaluate(c.Request.Context(), req)
	if err != nil {
		if out == nil {
			writeError(c, err)
			return
		}
		body := outcomeBody(out)
		switch {
		case errors.Is(err, ErrTransactionDenied):
			body["error"] = "transaction_denied"
			body["message"] = "This transaction cannot be completed"
			c.JSON(http.StatusUnprocessableEntity, body)
		default:
			status, code, msg := captureError(err)
			body["error"] = code
			body["message"] = msg
			c.JSON(status, body)
		}
		return
	}

	status := http.StatusOK
	if out.Decision == risk.DecisionWarn {
		status = http.StatusAccepted
	}
	c.JSON(status, outcomeBody(out))
}

// Status handles GET /verification/status?token=
func (h *Handler) Status(c *gin.Context) {
	token, ok := queryToken(c)
	if !ok {
		return
	}
	ch, err := h.gate.Status(c.Request.Context(), token, auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	remaining := h.gate.MaxAttempts() - ch.Attempts
	if remaining < 0 || ch.Status != verification.StatusPending {
		remaining = 0
	}
	c.JSON(http.StatusOK, gin.H{
		"token":             ch.Token,
		"status":            ch.Status,
		"expiresAt":         timestamp(ch.ExpiresAt),
		"emailSent":         ch.EmailSent,
		"emailSentAt":       optionalTimestamp(ch.EmailSentAt),
		"verifiedAt":        optionalTimestamp(ch.VerifiedAt),
		"riskScore":         ch.RiskScore,
		"riskFactors":       nonNilFactors(ch.RiskFactors),
		"attemptsRemaining": remaining,
		"createdAt":         timestamp(ch.CreatedAt),
	})
}

// Send handles POST /verification/send
func (h *Handler) Send(c *gin.Context) {
	h.send(c, h.gate.Send)
}

// Resend handles POST /verification/resend-otp
func (h *Handler) Resend(c *gin.Context) {
	h.send(c, h.gate.Resend)
}

func (h *Handler) send(c *gin.Context, fn func(ctx context.Context, token, userID string) (*otp.SendResult, error)) {
	var req tokenRequest
	if !bindToken(c, &req, &req.Token) {
		return
	}
	res, err := fn(c.Request.Context(), req.Token, auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	body := gin.H{
		"sent":        res.Sent,
		"expiresAt":   timestamp(res.ExpiresAt),
		"emailSentAt": timestamp(res.EmailSentAt),
	}
	if res.DevCode != "" {
		body["devCode"] = res.DevCode
	}
	c.JSON(http.StatusOK, body)
}

// Verify handles POST /verification/verify-otp
func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if !bindToken(c, &req, &req.Token) {
		return
	}

	out, err := h.gate.Verify(c.Request.Context(), req.Token, auth.UserID(c), req.OTP)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, verifyBody(out))
	case errors.Is(err, otp.ErrInvalidCode):
		remaining := 0
		if out != nil {
			remaining = out.AttemptsRemaining
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_code",
			"message":           "The verification code is incorrect",
			"verified":          false,
			"attemptsRemaining": remaining,
		})
	case errors.Is(err, ErrCaptureFailed) && out != nil:
		status, code, msg := captureError(err)
		body := verifyBody(out)
		body["error"] = code
		body["message"] = msg
		c.JSON(status, body)
	default:
		writeError(c, err)
	}
}

// UpdatePaymentData handles POST /verification/update-payment-data
func (h *Handler) UpdatePaymentData(c *gin.Context) {
	var req mergeRequest
	if !bindToken(c, &req, &req.Token) {
		return
	}
	ids, err := h.gate.MergeOrderIDs(c.Request.Context(), req.Token, auth.UserID(c), req.OrderIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"updated":  true,
		"orderIds": ids,
	})
}

// PaymentData handles GET /verification/payment-data?token=
func (h *Handler) PaymentData(c *gin.Context) {
	token, ok := queryToken(c)
	if !ok {
		return
	}
	ch, err := h.gate.PaymentData(c.Request.Context(), token, auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":       ch.Token,
		"status":      ch.Status,
		"verifiedAt":  optionalTimestamp(ch.VerifiedAt),
		"paymentData": json.RawMessage(ch.EscrowedPayload),
	})
}

// bindToken binds the body and checks the token's shape.
func bindToken(c *gin.Context, req any, token *string) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		validation.BadRequest(c, validation.FromBinding(err))
		return false
	}
	if errs := validation.Validate(validation.ValidToken("token", *token)); len(errs) > 0 {
		validation.BadRequest(c, errs)
		return false
	}
	return true
}

func queryToken(c *gin.Context) (string, bool) {
	token := c.Query("token")
	if errs := validation.Validate(validation.ValidToken("token", token)); len(errs) > 0 {
		validation.BadRequest(c, errs)
		return "", false
	}
	return token, true
}

// writeError maps domain errors onto the JSON error envelope. Wrong-owner
// and unknown tokens are both plain not-found.
func writeError(c *gin.Context, err error) {
	var cooldown *otp.CooldownError
	switch {
	case errors.Is(err, verification.ErrValidation), errors.Is(err, risk.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, otp.ErrCodeNotSent):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "code_not_sent",
			"message": "No verification code has been sent yet",
		})
	case errors.Is(err, otp.ErrSendFailed):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "send_failed",
			"message": "Failed to send the verification code. Try again.",
		})
	case errors.Is(err, verification.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Verification not found",
		})
	case errors.Is(err, verification.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_verified",
			"message": "This verification has already been completed",
		})
	case errors.Is(err, otp.ErrAttemptsExhausted):
		c.JSON(http.StatusGone, gin.H{
			"error":   "attempts_exhausted",
			"message": "Too many incorrect codes. Start checkout again.",
		})
	case errors.Is(err, verification.ErrExpired):
		c.JSON(http.StatusGone, gin.H{
			"error":   "expired",
			"message": "This verification has expired. Start checkout again.",
		})
	case errors.As(err, &cooldown):
		secs := int(math.Ceil(cooldown.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      "resend_too_soon",
			"message":    "Please wait before requesting another code",
			"retryAfter": secs,
		})
	case errors.Is(err, ErrCaptureFailed):
		status, code, msg := captureError(err)
		c.JSON(status, gin.H{"error": code, "message": msg})
	default:
		logging.L(c.Request.Context()).Error("verification request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}

func captureError(err error) (int, string, string) {
	if errors.Is(err, capture.ErrDeclined) {
		return http.StatusPaymentRequired, "payment_declined", "The payment was declined"
	}
	return http.StatusBadGateway, "capture_failed", "Payment could not be captured. Try again later."
}

func outcomeBody(out *Outcome) gin.H {
	body := gin.H{
		"assessmentId": out.AssessmentID,
		"decision":     out.Decision,
		"riskScore":    out.RiskScore,
		"riskFactors":  nonNilFactors(out.RiskFactors),
		"confidence":   out.Confidence,
	}
	if out.Receipt != nil {
		body["receipt"] = out.Receipt
	}
	if out.Token != "" {
		body["token"] = out.Token
		body["expiresAt"] = optionalTimestamp(out.ExpiresAt)
		body["emailSent"] = out.EmailSent
	}
	if out.DevCode != "" {
		body["devCode"] = out.DevCode
	}
	return body
}

func verifyBody(out *VerifyOutcome) gin.H {
	body := gin.H{
		"verified":          out.Verified,
		"attemptsRemaining": out.AttemptsRemaining,
	}
	if out.Receipt != nil {
		body["receipt"] = out.Receipt
	}
	return body
}

func nonNilFactors(f []risk.Factor) []risk.Factor {
	if f == nil {
		return []risk.Factor{}
	}
	return f
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optionalTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timestamp(*t)
	return &s
}
