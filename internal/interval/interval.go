// Package interval translates human check intervals ("10m", "1hr 30m") into
// five-field cron expressions.
//
// The translation works on whole minutes and is lossy once an hour component
// appears: "1h 37m" becomes "37 */1 * * *", which fires hourly at minute 37
// rather than every 97 minutes. The arithmetic is kept as-is for compatibility
// with schedules that already exist; callers can use Effective to report the
// cadence a spec really produces. Steps that do not divide the hour or the day
// drift as well: "45m" fires at :00 and :45.
package interval

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/robfig/cron/v3"
)

// ErrInvalidIntervalFormat is returned when an interval cannot be turned into
// a positive whole number of minutes.
var ErrInvalidIntervalFormat = errors.New("invalid interval format")

var units = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// Parse converts an interval such as "10m", "1hr 30m" or "2 hours" into a
// duration. Components are summed; a bare number means minutes.
func Parse(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("%w: empty interval", ErrInvalidIntervalFormat)
	}

	var total time.Duration
	rest := s
	for rest != "" {
		rest = strings.TrimLeft(rest, " \t,")
		if rest == "" {
			break
		}

		i := 0
		for i < len(rest) && (unicode.IsDigit(rune(rest[i])) || rest[i] == '.') {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidIntervalFormat, s)
		}
		num, err := strconv.ParseFloat(rest[:i], 64)
		if err != nil || num < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidIntervalFormat, s)
		}
		rest = strings.TrimLeft(rest[i:], " \t")

		j := 0
		for j < len(rest) && unicode.IsLetter(rune(rest[j])) {
			j++
		}
		unit := time.Minute
		if j > 0 {
			u, ok := units[rest[:j]]
			if !ok {
				return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidIntervalFormat, rest[:j])
			}
			unit = u
		}
		rest = rest[j:]
		total += time.Duration(num * float64(unit))
	}
	return total, nil
}

// ToSchedule translates a human interval into a cron expression. Sub-minute
// intervals are rejected with ErrInvalidIntervalFormat.
func ToSchedule(s string) (string, error) {
	d, err := Parse(s)
	if err != nil {
		return "", err
	}
	minutes := int(d / time.Minute)
	if minutes <= 0 {
		return "", fmt.Errorf("%w: %q is shorter than one minute", ErrInvalidIntervalFormat, s)
	}

	hours := minutes / 60
	remainder := minutes % 60
	switch {
	case hours == 0:
		return fmt.Sprintf("*/%d * * * *", remainder), nil
	case remainder == 0:
		return fmt.Sprintf("0 */%d * * *", hours), nil
	default:
		return fmt.Sprintf("%d */%d * * *", remainder, hours), nil
	}
}

// effectiveWindow covers two days so that daily schedules, which is what
// any interval of 24 hours or more becomes, fire at least twice.
const effectiveWindow = 48 * time.Hour

// Effective reports the average period a spec really fires at, so a caller
// can tell the user when it differs from what they asked for. "*/45 * * * *"
// fires at :00 and :45 and so reports 30m; "0 */48 * * *" fires daily.
func Effective(spec string) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidIntervalFormat, spec, err)
	}
	start := time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)
	end := start.Add(effectiveWindow)
	fires := 0
	for t := sched.Next(start.Add(-time.Second)); !t.IsZero() && t.Before(end); t = sched.Next(t) {
		fires++
	}
	if fires == 0 {
		return 0, fmt.Errorf("%w: %q never fires within %s", ErrInvalidIntervalFormat, spec, effectiveWindow)
	}
	return effectiveWindow / time.Duration(fires), nil
}
