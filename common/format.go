package common

import (
	"fmt"
	"math/big"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	Day  int64 = 24 * 60 * 60
	Week int64 = 7 * Day
)

// DateLayout is the human-readable UTC format stored next to every
// timestamp and used in notifications.
const DateLayout = "2006-01-02 15:04 UTC"

// DateString formats a unix timestamp with DateLayout.
func DateString(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(DateLayout)
}

// WholeNumber formats a float with thousands separators and no decimals.
func WholeNumber(v float64) string {
	return humanize.FormatFloat("#,###.", v)
}

// Decimal2 formats a float with thousands separators and two decimals.
func Decimal2(v float64) string {
	return humanize.FormatFloat("#,###.##", v)
}

// BigComma formats an integer with thousands separators.
func BigComma(v *big.Int) string {
	return humanize.BigComma(v)
}

// Percent formats a ratio already multiplied by 100.
func Percent(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}
