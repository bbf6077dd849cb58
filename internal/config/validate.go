package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"timerquiz/internal/task/scheduler"
)

// Validate rejects configs that would fail at wiring time. It runs on
// Load and before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		check(errors.New("telegram.token is required"))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			check(errors.New("storage.path is required for sqlite"))
		}
	case "":
		check(errors.New("storage.driver is required"))
	default:
		check(fmt.Errorf("storage.driver: unsupported %q", d))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		check(errors.New("task_engine: workers, queue_size, history_size and retry_max must be >= 0"))
	}
	dur("task_engine.default_timeout", te.DefaultTimeout)
	dur("task_engine.retry_base", te.RetryBase)
	dur("task_engine.retry_max_delay", te.RetryMaxDelay)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	dur("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace)
	if err := scheduler.ValidateReconcile(cfg.Scheduler.Reconcile); err != nil {
		check(fmt.Errorf("scheduler.reconcile: %w", err))
	}

	ob := cfg.Outbound
	if ob.Attempts < 0 || ob.RatePerSec < 0 {
		check(errors.New("outbound: attempts and rate_per_sec must be >= 0"))
	}
	dur("outbound.timeout", ob.Timeout)
	dur("outbound.timeout_step", ob.TimeoutStep)
	dur("outbound.poll_timeout", ob.PollTimeout)
	dur("outbound.poll_timeout_step", ob.PollTimeoutStep)
	dur("outbound.backoff_base", ob.BackoffBase)
	dur("outbound.backoff_max", ob.BackoffMax)

	dv := cfg.Delivery
	dur("delivery.settle_buffer", dv.SettleBuffer)
	dur("delivery.announce_pause", dv.AnnouncePause)
	dur("delivery.question_pause", dv.QuestionPause)
	dur("delivery.question_gap", dv.QuestionGap)

	dur("sequence.pause_poll", cfg.Sequence.PausePoll)
	dur("sequence.warning_lead", cfg.Sequence.WarningLead)
	if cfg.Sequence.Prefetch < 0 {
		check(errors.New("sequence.prefetch must be >= 0"))
	}

	switch src := strings.ToLower(strings.TrimSpace(cfg.Content.Source)); src {
	case "", "dir":
		if strings.TrimSpace(cfg.Content.Dir) == "" {
			check(errors.New("content.dir is required for source dir"))
		}
	case "drive":
		if cfg.Content.Drive.RefreshToken == "" || cfg.Content.Drive.ClientID == "" {
			check(errors.New("content.drive: client_id and refresh_token are required"))
		}
	default:
		check(fmt.Errorf("content.source: unsupported %q", src))
	}

	if cfg.Scoreboard.RedisDB < 0 {
		check(errors.New("scoreboard.redis_db must be >= 0"))
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			check(errors.New("notifier: numeric fields must be >= 0"))
		}
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	dur("status.read_timeout", cfg.Status.ReadTimeout)
	dur("status.idle_timeout", cfg.Status.IdleTimeout)

	return errors.Join(errs...)
}
