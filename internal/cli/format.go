// Package cli provides the command-line interface for the trading application.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"INR": "₹",
	"JPY": "¥",
}

// FormatMoney formats an amount with two decimals and digit grouping. INR uses
// the Indian system (1,00,000); everything else groups by thousands. Known
// currencies get their symbol as a prefix, others the code as a suffix.
func FormatMoney(amount float64, currency string) string {
	currency = strings.ToUpper(currency)
	d := decimal.NewFromFloat(amount).Round(2)
	negative := d.IsNegative()
	parts := strings.SplitN(d.Abs().StringFixed(2), ".", 2)

	var grouped string
	if currency == "INR" {
		grouped = groupIndian(parts[0])
	} else {
		grouped = groupThousands(parts[0])
	}
	num := grouped + "." + parts[1]

	sign := ""
	if negative {
		sign = "-"
	}
	if sym, ok := currencySymbols[currency]; ok {
		return sign + sym + num
	}
	if currency == "" {
		return sign + num
	}
	return sign + num + " " + currency
}

// groupThousands inserts a comma every three digits from the right.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// groupIndian groups the last three digits, then pairs: 1,00,00,000.
func groupIndian(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	result := s[n-3:]
	s = s[:n-3]
	for len(s) > 2 {
		result = s[len(s)-2:] + "," + result
		s = s[:len(s)-2]
	}
	return s + "," + result
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats P&L with a leading + when positive.
func FormatPnL(pnl float64, currency string) string {
	formatted := FormatMoney(pnl, currency)
	if pnl > 0 && formatted != FormatMoney(0, currency) {
		return "+" + formatted
	}
	return formatted
}

// FormatPrice picks decimals by magnitude: FX quotes need five, equities two.
func FormatPrice(price float64) string {
	switch {
	case price == 0:
		return "-"
	case price >= 100:
		return fmt.Sprintf("%.2f", price)
	case price >= 10:
		return fmt.Sprintf("%.3f", price)
	}
	return fmt.Sprintf("%.5f", price)
}

// FormatOptionalPrice formats a price that may be absent.
func FormatOptionalPrice(p *float64) string {
	if p == nil {
		return "-"
	}
	return FormatPrice(*p)
}

// FormatSize trims trailing zeros from a position or order size.
func FormatSize(size float64) string {
	return decimal.NewFromFloat(size).String()
}

// FormatDateTime formats a timestamp in local time.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// FormatRiskReward formats a risk-reward ratio.
func FormatRiskReward(rr *float64) string {
	if rr == nil {
		return "-"
	}
	return fmt.Sprintf("1:%.2f", *rr)
}

// FormatConfidence formats a confidence percentage.
func FormatConfidence(conf float64) string {
	return fmt.Sprintf("%.0f%%", conf)
}

// TruncateString truncates a string to max runes with an ellipsis.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
