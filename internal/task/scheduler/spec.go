package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field cron specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// parseSweep accepts a Go duration ("1m", "30s") or a cron spec
// ("@every 1m", "*/5 * * * *").
func parseSweep(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("reconcile schedule required")
	}
	if !strings.ContainsAny(s, " \t@*") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid reconcile interval %q: %w", raw, err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("reconcile interval must be >= 1s")
		}
		return cron.Every(d), nil
	}
	sched, err := specParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile spec %q: %w", raw, err)
	}
	return sched, nil
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// ValidateReconcile reports whether raw is usable as Config.Reconcile.
// An empty value is valid and disables the sweep.
func ValidateReconcile(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	_, err := parseSweep(raw)
	return err
}
