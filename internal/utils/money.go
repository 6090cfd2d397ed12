package utils

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Amounts are stored as kopecks; rubles only exist at the API and gateway edges.
const minorUnitsExp = 2

var (
	ErrAmountPrecision = errors.New("amount has more than two decimal places")
	ErrAmountRange     = errors.New("amount is out of range")
)

var maxRubles = decimal.NewFromInt(1_000_000_000)

// ToMinor converts rubles to kopecks, rejecting fractional kopecks.
func ToMinor(rub decimal.Decimal) (int64, error) {
	if rub.Abs().GreaterThan(maxRubles) {
		return 0, ErrAmountRange
	}
	scaled := rub.Shift(minorUnitsExp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrAmountPrecision
	}
	return scaled.IntPart(), nil
}

// FromMinor converts kopecks to rubles.
func FromMinor(kopecks int64) decimal.Decimal {
	return decimal.New(kopecks, -minorUnitsExp)
}

// FormatRub renders kopecks as "1 234.50 ₽" for chat messages.
func FormatRub(kopecks int64) string {
	rub := FromMinor(kopecks)
	whole := rub.Truncate(0).Abs().String()

	var grouped []byte
	for i := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			grouped = append(grouped, ' ')
		}
		grouped = append(grouped, whole[i])
	}

	out := string(grouped)
	if frac := kopecks % 100; frac != 0 {
		if frac < 0 {
			frac = -frac
		}
		out += "." + string(rune('0'+frac/10)) + string(rune('0'+frac%10))
	}
	if kopecks < 0 {
		out = "-" + out
	}
	return out + " ₽"
}
