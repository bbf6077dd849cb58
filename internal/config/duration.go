package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField reads a duration setting. Empty means zero, and a bare
// integer is taken as seconds. Negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if n, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Durations parses a run of fields and keeps the first error.
//
//	var d config.Durations
//	out := X{Timeout: d.Get("x.timeout", c.Timeout)}
//	return out, d.Err
type Durations struct{ Err error }

func (d *Durations) Get(path, raw string) time.Duration {
	if d.Err != nil {
		return 0
	}
	v, err := ParseDurationField(path, raw)
	d.Err = err
	return v
}
