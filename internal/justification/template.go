package justification

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mbd888/stepup/internal/risk"
)

// TemplateGenerator builds an explanation locally from the assessment's
// factors. Output is a pure function of the assessment.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(_ context.Context, a *risk.Assessment) (string, error) {
	var b strings.Builder

	amount := risk.FormatAmount(a.TransactionAmount, a.Currency)
	fmt.Fprintf(&b, "This %s checkout scored %d out of 100 and was rated %s risk, so it was %s.",
		amount, a.RiskScore, band(a.RiskScore), outcome(a.Decision))

	factors := risk.CloneFactors(a.RiskFactors)
	sort.SliceStable(factors, func(i, j int) bool {
		return math.Abs(factors[i].Impact) > math.Abs(factors[j].Impact)
	})

	var raised, lowered []string
	for _, f := range factors {
		desc := strings.TrimRight(f.Description, ".")
		if desc == "" {
			desc = strings.ReplaceAll(f.Factor, "_", " ")
		}
		switch {
		case f.Impact > 0:
			raised = append(raised, fmt.Sprintf("%s (+%g)", lowerFirst(desc), f.Impact))
		case f.Impact < 0:
			lowered = append(lowered, fmt.Sprintf("%s (%g)", lowerFirst(desc), f.Impact))
		}
	}
	if len(raised) > 0 {
		fmt.Fprintf(&b, " Risk was raised by %s.", joinList(raised))
	} else {
		b.WriteString(" No risk signals were triggered beyond the baseline.")
	}
	if len(lowered) > 0 {
		fmt.Fprintf(&b, " It was reduced by %s.", joinList(lowered))
	}
	fmt.Fprintf(&b, " Confidence in this assessment is %.0f%%.", a.Confidence*100)
	return b.String(), nil
}

func band(score int) string {
	switch risk.DecisionFor(score) {
	case risk.DecisionAllow:
		return "low"
	case risk.DecisionWarn:
		return "elevated"
	default:
		return "high"
	}
}

func outcome(d risk.Decision) string {
	switch d {
	case risk.DecisionAllow:
		return "approved without additional checks"
	case risk.DecisionWarn:
		return "held for one-time passcode verification"
	default:
		return "declined"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
