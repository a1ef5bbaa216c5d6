package notifier

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02 15:04:05"

var satsPerBTC = decimal.New(1, 8)

// formatNumber groups digits in thousands: 180000 -> "180,000".
func formatNumber(n uint64) string {
	s := strconv.FormatUint(n, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func formatSats(n uint64) string {
	return formatNumber(n) + " SAT"
}

// formatBTC renders a BTC amount in whole satoshis, truncated.
func formatBTC(amount decimal.Decimal) string {
	sats := amount.Mul(satsPerBTC).Truncate(0)
	if sats.IsNegative() {
		return "-" + formatSats(uint64(sats.Neg().IntPart()))
	}
	return formatSats(uint64(sats.IntPart()))
}

// formatHashrate renders Gh/s as whole Th/s, truncated.
func formatHashrate(ghs float64) string {
	if math.IsNaN(ghs) || ghs <= 0 {
		return "0 Th/s"
	}
	return formatNumber(uint64(ghs/1000)) + " Th/s"
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(dateLayout) + " UTC"
}
