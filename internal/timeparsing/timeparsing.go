// Package timeparsing converts the duration and time spellings trak accepts
// on the command line into concrete values.
package timeparsing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var parser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseDurationish parses "30m", "1h30m", "90s", or a bare integer of seconds.
func ParseDurationish(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// ParseRelativeTime parses natural-language or absolute times relative to base:
// "in 2 hours", "tomorrow", "+1h", "2026-01-15", "2026-01-15 09:00:00".
func ParseRelativeTime(s string, base time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}

	// +<duration> shorthand
	if strings.HasPrefix(s, "+") {
		d, err := ParseDurationish(strings.TrimPrefix(s, "+"))
		if err != nil {
			return time.Time{}, err
		}
		return base.Add(d), nil
	}

	// Absolute formats
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}

	// Natural language ("tomorrow", "in 5 minutes", "next monday")
	r, err := parser.Parse(s, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}
