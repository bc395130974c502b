// Package duration implements the human-readable duration grammar used by
// Sleep, SleepUntil, and flow-control periods (spec.md §4.2 "Duration
// formatting contract"): days, hours, minutes, and seconds suffixed
// "d h m s", largest unit first, omitting zero components, collapsing to
// "0s" when every component is zero.
package duration

import (
	"fmt"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// Format renders d using the SDK's wire grammar. Sub-second precision is
// truncated away: the grammar is second-resolution by contract.
func Format(d time.Duration) string {
	if d < 0 {
		return "-" + Format(-d)
	}

	d = d.Truncate(time.Second)

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dm", minutes)
	}
	if seconds > 0 || b.Len() == 0 {
		fmt.Fprintf(&b, "%ds", seconds)
	}
	return b.String()
}

// Parse reads the wire grammar (and the handful of extra layouts
// str2duration accepts, e.g. "1w") back into a time.Duration.
func Parse(s string) (time.Duration, error) {
	return str2duration.ParseDuration(s)
}

// FormatInstant renders t as an ISO-8601 UTC instant, the alternate form
// Sleep/SleepUntil accept for an absolute wake time.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
