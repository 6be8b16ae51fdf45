package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative duration. Empty is zero. Errors
// carry the field path, e.g. "scheduler.sweep_timeout".
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// ParseSignedDuration allows negative values, which some fields use to mean
// "disabled". Empty yields def.
func ParseSignedDuration(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return parseDuration(path, raw)
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	return d, nil
}
