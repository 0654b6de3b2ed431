package risk

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Factor weights and bands. Amount bands are in major currency units.
const (
	impactHighAmount       = 15
	impactVeryHighAmount   = 20
	impactMultiStore       = 10
	impactManyStores       = 15
	impactBulkQuantity     = 10
	impactNewAccount       = 15
	impactEstablished      = -10
	impactFailedPayment    = 10
	maxFailedPayments      = 3
	impactBillingMismatch  = 10
	impactIPMismatch       = 10
	impactMissingUserAgent = 5
	impactMissingShipping  = 5

	multiStoreMin   = 3
	manyStoresMin   = 6
	bulkItemsAbove  = 20
	newAccountDays  = 7
	establishedMin  = 5
	boundaryMargin  = 5
	optionalSignals = 7
)

var (
	highAmountBand     = decimal.NewFromInt(500)
	veryHighAmountBand = decimal.NewFromInt(2000)
)

// Engine is a deterministic, rule-based risk scorer. It holds no state
// between calls and performs no I/O.
type Engine struct {
	validate *validator.Validate
}

// NewEngine creates a risk scoring engine.
func NewEngine() *Engine {
	return &Engine{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Evaluate scores a transaction. The input is not modified.
func (e *Engine) Evaluate(tx *TransactionContext) (*Evaluation, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction context is required", ErrValidation)
	}
	in := normalize(*tx)
	if err := e.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, describe(err))
	}

	factors := collectFactors(&in)

	score := Baseline
	for _, f := range factors {
		score += int(f.Impact)
	}
	score = clamp(score, MinScore, MaxScore)

	return &Evaluation{
		RiskScore:  score,
		Factors:    factors,
		Decision:   DecisionFor(score),
		Confidence: confidence(&in, score),
	}, nil
}

// NewAssessment builds the audit record for an evaluation.
func NewAssessment(userID, orderID, paymentIntentID string, tx *TransactionContext, eval *Evaluation, now time.Time) *Assessment {
	return &Assessment{
		ID:                uuid.NewString(),
		UserID:            userID,
		OrderID:           orderID,
		PaymentIntentID:   paymentIntentID,
		RiskScore:         eval.RiskScore,
		Decision:          eval.Decision,
		Confidence:        eval.Confidence,
		RiskFactors:       CloneFactors(eval.Factors),
		TransactionAmount: tx.AmountMinor,
		Currency:          strings.ToUpper(tx.Currency),
		ItemCount:         tx.ItemCount,
		StoreCount:        tx.StoreCount,
		Context: RequestContext{
			UserAgent: tx.UserAgent,
			IPAddress: tx.IPAddress,
			Shipping:  tx.Shipping,
		},
		CreatedAt: now.UTC(),
	}
}

func normalize(tx TransactionContext) TransactionContext {
	tx.Currency = strings.ToUpper(strings.TrimSpace(tx.Currency))
	tx.BillingCountry = strings.ToUpper(strings.TrimSpace(tx.BillingCountry))
	tx.IPCountry = strings.ToUpper(strings.TrimSpace(tx.IPCountry))
	tx.Shipping.Country = strings.ToUpper(strings.TrimSpace(tx.Shipping.Country))
	tx.UserAgent = strings.TrimSpace(tx.UserAgent)
	return tx
}

func collectFactors(tx *TransactionContext) []Factor {
	factors := make([]Factor, 0, 8)
	add := func(name string, impact int, desc string) {
		if impact == 0 {
			return
		}
		factors = append(factors, Factor{Factor: name, Impact: float64(impact), Description: desc})
	}

	amount := MajorUnits(tx.AmountMinor, tx.Currency)
	if amount.GreaterThan(highAmountBand) {
		add("high_amount", impactHighAmount,
			fmt.Sprintf("Order total %s exceeds %s", FormatAmount(tx.AmountMinor, tx.Currency), highAmountBand.String()))
	}
	if amount.GreaterThan(veryHighAmountBand) {
		add("very_high_amount", impactVeryHighAmount,
			fmt.Sprintf("Order total exceeds %s", veryHighAmountBand.String()))
	}

	switch {
	case tx.StoreCount >= manyStoresMin:
		add("many_stores", impactManyStores, fmt.Sprintf("Order spans %d sellers", tx.StoreCount))
	case tx.StoreCount >= multiStoreMin:
		add("multi_store", impactMultiStore, fmt.Sprintf("Order spans %d sellers", tx.StoreCount))
	}

	if tx.ItemCount > bulkItemsAbove {
		add("bulk_quantity", impactBulkQuantity, fmt.Sprintf("Order contains %d items", tx.ItemCount))
	}

	if tx.AccountAgeDays != nil && *tx.AccountAgeDays < newAccountDays {
		add("new_account", impactNewAccount, fmt.Sprintf("Account created %d day(s) ago", *tx.AccountAgeDays))
	}
	if tx.PriorOrders != nil && *tx.PriorOrders >= establishedMin {
		add("established_customer", impactEstablished, fmt.Sprintf("%d prior completed orders", *tx.PriorOrders))
	}

	if n := tx.FailedPaymentsLast24h; n > 0 {
		if n > maxFailedPayments {
			n = maxFailedPayments
		}
		add("recent_payment_failures", n*impactFailedPayment,
			fmt.Sprintf("%d failed payment attempt(s) in the last 24 hours", tx.FailedPaymentsLast24h))
	}

	if tx.BillingCountry != "" && tx.Shipping.Country != "" && tx.BillingCountry != tx.Shipping.Country {
		add("billing_shipping_mismatch", impactBillingMismatch,
			fmt.Sprintf("Billing country %s differs from shipping country %s", tx.BillingCountry, tx.Shipping.Country))
	}
	if tx.IPCountry != "" && tx.Shipping.Country != "" && tx.IPCountry != tx.Shipping.Country {
		add("ip_location_mismatch", impactIPMismatch,
			fmt.Sprintf("Request originates from %s but ships to %s", tx.IPCountry, tx.Shipping.Country))
	}

	if tx.UserAgent == "" {
		add("missing_user_agent", impactMissingUserAgent, "Client did not identify its user agent")
	}
	if tx.Shipping.Country == "" {
		add("missing_shipping_address", impactMissingShipping, "No shipping destination supplied")
	}

	return factors
}

// confidence grows with signal coverage and drops near a decision threshold.
func confidence(tx *TransactionContext, score int) float64 {
	present := 0
	for _, ok := range []bool{
		tx.AccountAgeDays != nil,
		tx.PriorOrders != nil,
		tx.BillingCountry != "",
		tx.IPCountry != "",
		tx.IPAddress != "",
		tx.UserAgent != "",
		tx.Shipping.Country != "",
	} {
		if ok {
			present++
		}
	}

	c := 0.5 + 0.45*float64(present)/optionalSignals

	dist := min(abs(score-AllowBelow), abs(score-DenyAbove))
	if dist < boundaryMargin {
		c -= 0.02 * float64(boundaryMargin-dist)
	}

	c = math.Max(0, math.Min(1, c))
	return math.Round(c*100) / 100
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
