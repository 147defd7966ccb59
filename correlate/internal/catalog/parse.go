package catalog

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultThreshold applies when a trigger condition carries no number.
	DefaultThreshold = 3

	// DefaultWindow applies when a correlation window carries no number.
	DefaultWindow = 60 * time.Minute
)

var (
	firstNumber = regexp.MustCompile(`(\d+)`)
	numberUnit  = regexp.MustCompile(`(\d+)\s*([a-z]*)`)
)

// ParseThreshold extracts the phase-count threshold from trigger-condition text
// such as "≥ 3 correlated phases". ok is false when the default was used.
func ParseThreshold(text string) (threshold int, ok bool) {
	m := firstNumber.FindStringSubmatch(text)
	if m == nil {
		return DefaultThreshold, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return DefaultThreshold, false
	}
	return n, true
}

// ParseWindow converts correlation-window text to a duration.
// Accepts Go duration syntax ("90m", "1h30m") and prose ("0-60 minutes", "6 hours").
// The last number counts; a missing unit means minutes. ok is false when the default was used.
func ParseWindow(text string) (window time.Duration, ok bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return DefaultWindow, false
	}
	if d, err := time.ParseDuration(text); err == nil && d > 0 {
		return d, true
	}

	matches := numberUnit.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return DefaultWindow, false
	}
	last := matches[len(matches)-1]
	value, err := strconv.Atoi(last[1])
	if err != nil || value <= 0 {
		return DefaultWindow, false
	}

	unit := last[2]
	switch {
	case strings.HasPrefix(unit, "d"):
		return time.Duration(value) * 24 * time.Hour, true
	case strings.HasPrefix(unit, "h"):
		return time.Duration(value) * time.Hour, true
	case strings.HasPrefix(unit, "s"):
		minutes := value / 60
		if minutes < 1 {
			minutes = 1
		}
		return time.Duration(minutes) * time.Minute, true
	default:
		return time.Duration(value) * time.Minute, true
	}
}
