// Package datekey formats and resolves the YYYY-MM-DD keys that partition
// date-keyed collections.
package datekey

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Layout is the key layout for date-keyed collections.
const Layout = "2006-01-02"

// Format returns t as a date key in t's own location.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// Parse parses a date key into midnight in loc.
func Parse(key string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(Layout, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date key %q: %w", key, err)
	}
	return t, nil
}

// IsKey reports whether s is a well-formed date key.
func IsKey(s string) bool {
	_, err := time.Parse(Layout, s)
	return err == nil
}

// Lookback returns the key for now minus days. A negative day count is
// treated as zero.
func Lookback(now time.Time, days int) string {
	if days < 0 {
		days = 0
	}
	return Format(now.AddDate(0, 0, -days))
}

// Resolve turns user input into a date key relative to now.
//
// Supported formats:
//   - Exact dates: "2026-03-01"
//   - Keywords: "today", "yesterday", "tomorrow"
//   - Relative days: "-3d", "+1d"
func Resolve(input string, now time.Time) (string, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return Format(now), nil
	}

	if t, err := time.Parse(Layout, input); err == nil {
		return Format(t), nil
	}

	switch input {
	case "today":
		return Format(now), nil
	case "yesterday":
		return Format(now.AddDate(0, 0, -1)), nil
	case "tomorrow":
		return Format(now.AddDate(0, 0, 1)), nil
	}

	if (input[0] == '+' || input[0] == '-') && strings.HasSuffix(input, "d") && len(input) >= 3 {
		n, err := strconv.Atoi(input[1 : len(input)-1])
		if err != nil || n < 0 {
			return "", fmt.Errorf("invalid relative date %q", input)
		}
		if input[0] == '-' {
			n = -n
		}
		return Format(now.AddDate(0, 0, n)), nil
	}

	return "", fmt.Errorf("unrecognized date format: %q", input)
}
