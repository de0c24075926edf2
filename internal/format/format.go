// Package format renders fixed-point market figures for logs and
// human-facing output. Prices and percentages are stored ×100, turnover
// in the smallest currency unit; everything here is display only.
package format

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Price renders a ×100 fixed-point price with thousands separators,
// e.g. 1650025 -> "16,500.25".
func Price(v int64) string {
	return humanize.CommafWithDigits(float64(v)/100, 2)
}

// ChangePoints renders a signed ×100 point change, e.g. -12345 -> "-123.45".
func ChangePoints(v int64) string {
	s := humanize.CommafWithDigits(float64(v)/100, 2)
	if v > 0 {
		return "+" + s
	}
	return s
}

// ChangePct renders a signed ×100 percentage, e.g. 123 -> "+1.23%".
func ChangePct(v int64) string {
	if v > 0 {
		return fmt.Sprintf("+%.2f%%", float64(v)/100)
	}
	return fmt.Sprintf("%.2f%%", float64(v)/100)
}

// Turnover renders an amount in the smallest currency unit with a scale
// suffix, e.g. 123_450_000_000 -> "123.45B HKD".
func Turnover(amount int64, currency string) string {
	var s string
	switch {
	case amount >= 1_000_000_000 || amount <= -1_000_000_000:
		s = humanize.CommafWithDigits(float64(amount)/1_000_000_000, 2) + "B"
	case amount >= 1_000_000 || amount <= -1_000_000:
		s = humanize.CommafWithDigits(float64(amount)/1_000_000, 2) + "M"
	default:
		s = humanize.Comma(amount)
	}
	if currency == "" {
		return s
	}
	return s + " " + currency
}
