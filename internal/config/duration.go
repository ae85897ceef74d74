package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// parseDuration reads a non-negative Go duration. Blank means zero.
func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, errors.New("duration must be >= 0")
	}
	return d, nil
}

// ParseDurationField is parseDuration with errors reported as *FieldError.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, err := parseDuration(raw)
	if err != nil {
		return 0, &FieldError{Field: path, Err: err}
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseDurationOptional is like ParseDurationOrDefault but keeps an explicit
// zero ("0s") instead of replacing it with def. Only a blank value uses def.
func ParseDurationOptional(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return ParseDurationField(path, raw)
}
