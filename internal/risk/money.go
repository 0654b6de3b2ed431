package risk

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnitExponent lists ISO 4217 currencies whose minor unit is not 1/100.
var minorUnitExponent = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(currency string) int32 {
	if exp, ok := minorUnitExponent[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// MajorUnits converts an integer minor-unit amount to a decimal in major units.
func MajorUnits(amountMinor int64, currency string) decimal.Decimal {
	return decimal.New(amountMinor, -Exponent(currency))
}

// FormatAmount renders an amount for humans, e.g. "29.99 AUD".
func FormatAmount(amountMinor int64, currency string) string {
	exp := Exponent(currency)
	return MajorUnits(amountMinor, currency).StringFixed(exp) + " " + strings.ToUpper(currency)
}
