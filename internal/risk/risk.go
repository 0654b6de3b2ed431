// Package risk scores checkout attempts and keeps the audit trail of every
// evaluation.
//
// Scoring is a pure function of the transaction context: a baseline of 10
// plus the signed impact of each triggered factor, clamped to 0..100. The
// decision is derived from the score alone using fixed thresholds, so an
// assessment can be replayed from its stored inputs at any time.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/stepup/internal/pagination"
)

// Decision represents the risk engine's verdict on a checkout attempt.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionWarn  Decision = "warn"
	DecisionDeny  Decision = "deny"
)

// Scoring policy. These are fixed at build time and not runtime-configurable.
const (
	Baseline   = 10
	MinScore   = 0
	MaxScore   = 100
	AllowBelow = 30 // score < AllowBelow → allow
	DenyAbove  = 70 // score > DenyAbove → deny; everything between is warn
)

var (
	ErrValidation         = errors.New("invalid transaction context")
	ErrAssessmentNotFound = errors.New("risk assessment not found")
)

// DecisionFor maps a score to its decision.
func DecisionFor(score int) Decision {
	switch {
	case score < AllowBelow:
		return DecisionAllow
	case score > DenyAbove:
		return DecisionDeny
	default:
		return DecisionWarn
	}
}

// Factor is one named, signed contribution to a risk score.
type Factor struct {
	Factor      string  `json:"factor"`
	Impact      float64 `json:"impact"`
	Description string  `json:"description"`
}

// Shipping is the destination of the order being paid for.
type Shipping struct {
	Country string `json:"country,omitempty" validate:"omitempty,iso3166_1_alpha2"`
	State   string `json:"state,omitempty"`
	City    string `json:"city,omitempty"`
}

// TransactionContext carries everything the engine looks at. Only the amount
// and currency are mandatory; missing optional signals lower confidence
// instead of failing the evaluation.
type TransactionContext struct {
	AmountMinor int64  `json:"amount" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,iso4217"`
	ItemCount   int    `json:"itemCount" validate:"gte=0"`
	StoreCount  int    `json:"storeCount" validate:"gte=0"`

	AccountAgeDays        *int `json:"accountAgeDays,omitempty" validate:"omitempty,gte=0"`
	PriorOrders           *int `json:"priorOrders,omitempty" validate:"omitempty,gte=0"`
	FailedPaymentsLast24h int  `json:"failedPaymentsLast24h,omitempty" validate:"gte=0"`

	BillingCountry string   `json:"billingCountry,omitempty" validate:"omitempty,iso3166_1_alpha2"`
	IPCountry      string   `json:"ipCountry,omitempty" validate:"omitempty,iso3166_1_alpha2"`
	IPAddress      string   `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	UserAgent      string   `json:"userAgent,omitempty"`
	Shipping       Shipping `json:"shipping"`
}

// Evaluation is the engine output for a single transaction context.
type Evaluation struct {
	RiskScore  int      `json:"riskScore"`
	Factors    []Factor `json:"riskFactors"`
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
}

// RequestContext is the client context retained on an assessment.
type RequestContext struct {
	UserAgent string   `json:"userAgent,omitempty"`
	IPAddress string   `json:"ipAddress,omitempty"`
	Shipping  Shipping `json:"shipping"`
}

// Assessment is the persisted record of one evaluation. Only the
// justification fields change after creation.
type Assessment struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	OrderID         string `json:"orderId,omitempty"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`

	RiskScore   int      `json:"riskScore"`
	Decision    Decision `json:"decision"`
	Confidence  float64  `json:"confidence"`
	RiskFactors []Factor `json:"riskFactors"`

	TransactionAmount int64  `json:"transactionAmount"`
	Currency          string `json:"currency"`
	ItemCount         int    `json:"itemCount"`
	StoreCount        int    `json:"storeCount"`

	AIJustification          *string    `json:"aiJustification"`
	JustificationGeneratedAt *time.Time `json:"justificationGeneratedAt"`

	Context   RequestContext `json:"context"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Clone returns a deep copy.
func (a *Assessment) Clone() *Assessment {
	if a == nil {
		return nil
	}
	out := *a
	out.RiskFactors = CloneFactors(a.RiskFactors)
	if a.AIJustification != nil {
		s := *a.AIJustification
		out.AIJustification = &s
	}
	if a.JustificationGeneratedAt != nil {
		t := *a.JustificationGeneratedAt
		out.JustificationGeneratedAt = &t
	}
	return &out
}

// CloneFactors copies a factor list; nil stays nil.
func CloneFactors(in []Factor) []Factor {
	if in == nil {
		return nil
	}
	out := make([]Factor, len(in))
	copy(out, in)
	return out
}

// Store persists assessments. Assessments are append-only: there is no delete.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	Get(ctx context.Context, id string) (*Assessment, error)
	// SetJustification overwrites the justification fields. Last writer wins.
	SetJustification(ctx context.Context, id, text string, at time.Time) error
	// ListByUser returns up to limit assessments older than before,
	// newest first. A nil cursor starts from the newest.
	ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Assessment, error)
}
