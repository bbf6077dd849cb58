package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"timerquiz/internal/config"
	"timerquiz/internal/content"
	"timerquiz/internal/delivery"
	"timerquiz/internal/notifier"
	"timerquiz/internal/outbound"
	"timerquiz/internal/planner"
	"timerquiz/internal/scoreboard"
	"timerquiz/internal/sequence"
	"timerquiz/internal/status"
	"timerquiz/internal/storage"
	"timerquiz/internal/task/engine"
	"timerquiz/internal/task/scheduler"
	logx "timerquiz/pkg/logx"
)

const (
	defaultEngineWorkers = 20
	defaultReconcile     = "@every 1m"
	defaultRedisPrefix   = "timerquiz"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// groupLogChat parses telegram.group_log. ok is false when unset or invalid.
func groupLogChat(cfg *config.Config) (int64, bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	var d config.Durations
	out := engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: d.Get("task_engine.default_timeout", te.DefaultTimeout),
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
		RetryBase:      d.Get("task_engine.retry_base", te.RetryBase),
		RetryMaxDelay:  d.Get("task_engine.retry_max_delay", te.RetryMaxDelay),
	}
	if out.Workers <= 0 {
		out.Workers = defaultEngineWorkers
	}
	return out, d.Err
}

// mapPlanner takes the delivery retry policy from task_engine.
func mapPlanner(cfg *config.Config) (planner.Config, error) {
	ec, err := mapTaskEngine(cfg)
	if err != nil {
		return planner.Config{}, err
	}
	return planner.Config{RetryMax: ec.RetryMax, RetryBase: ec.RetryBase, RetryMaxDelay: ec.RetryMaxDelay}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	grace, err := config.ParseDurationOrDefault("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace, scheduler.DefaultMisfireGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	rec := strings.TrimSpace(cfg.Scheduler.Reconcile)
	if rec == "" {
		rec = defaultReconcile
	}
	if err := scheduler.ValidateReconcile(rec); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.reconcile: %w", err)
	}
	return scheduler.Config{Timezone: cfg.Scheduler.Timezone, MisfireGrace: grace, Reconcile: rec}, nil
}

func mapOutbound(cfg *config.Config) (outbound.Config, error) {
	ob := cfg.Outbound
	var d config.Durations
	out := outbound.Config{
		Attempts:        ob.Attempts,
		Timeout:         d.Get("outbound.timeout", ob.Timeout),
		TimeoutStep:     d.Get("outbound.timeout_step", ob.TimeoutStep),
		PollTimeout:     d.Get("outbound.poll_timeout", ob.PollTimeout),
		PollTimeoutStep: d.Get("outbound.poll_timeout_step", ob.PollTimeoutStep),
		BackoffBase:     d.Get("outbound.backoff_base", ob.BackoffBase),
		BackoffMax:      d.Get("outbound.backoff_max", ob.BackoffMax),
		RatePerSec:      ob.RatePerSec,
	}
	return out, d.Err
}

func mapDelivery(cfg *config.Config) (delivery.Config, error) {
	dv := cfg.Delivery
	var d config.Durations
	out := delivery.Config{
		SettleBuffer:  d.Get("delivery.settle_buffer", dv.SettleBuffer),
		AnnouncePause: d.Get("delivery.announce_pause", dv.AnnouncePause),
		QuestionPause: d.Get("delivery.question_pause", dv.QuestionPause),
		QuestionGap:   d.Get("delivery.question_gap", dv.QuestionGap),
	}
	return out, d.Err
}

func mapSequence(cfg *config.Config) (sequence.Config, error) {
	var d config.Durations
	out := sequence.Config{
		PausePoll:   d.Get("sequence.pause_poll", cfg.Sequence.PausePoll),
		WarningLead: d.Get("sequence.warning_lead", cfg.Sequence.WarningLead),
		Prefetch:    cfg.Sequence.Prefetch,
	}
	return out, d.Err
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	var d config.Durations
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       d.Get("notifier.retry_base", n.RetryBase),
		RetryMaxDelay:   d.Get("notifier.retry_max_delay", n.RetryMaxDelay),
		DedupWindow:     d.Get("notifier.dedup_window", n.DedupWindow),
		DedupMaxEntries: n.DedupMaxEntries,
	}
	return out, d.Err
}

func mapStatus(cfg *config.Config) (status.Config, error) {
	st := cfg.Status
	var d config.Durations
	out := status.Config{
		Enabled:       st.Enabled,
		Addr:          strings.TrimSpace(st.Addr),
		Token:         strings.TrimSpace(st.Token),
		AllowInsecure: st.AllowInsecure,
		Profiling:     st.Profiling,
		ReadTimeout:   d.Get("status.read_timeout", st.ReadTimeout),
		IdleTimeout:   d.Get("status.idle_timeout", st.IdleTimeout),
	}
	return out, d.Err
}

// openContent builds the cached content fetcher for the configured source.
func openContent(ctx context.Context, cfg *config.Config, log logx.Logger) (*content.Cache, error) {
	cc := cfg.Content
	var src content.Source
	switch strings.ToLower(strings.TrimSpace(cc.Source)) {
	case "", "dir":
		src = content.DirSource{Root: cc.Dir}
	case "drive":
		ds, err := content.NewDriveSource(ctx, content.DriveConfig{
			ClientID:     cc.Drive.ClientID,
			ClientSecret: cc.Drive.ClientSecret,
			RefreshToken: cc.Drive.RefreshToken,
		})
		if err != nil {
			return nil, err
		}
		src = ds
	default:
		return nil, fmt.Errorf("content.source: unsupported %q", cc.Source)
	}
	return content.NewCache(cc.CacheDir, src, log)
}

// openScoreboard returns a nil sink when no redis addr is configured.
func openScoreboard(cfg *config.Config) (*redis.Client, *scoreboard.RedisSink) {
	sc := cfg.Scoreboard
	if strings.TrimSpace(sc.RedisAddr) == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(sc.RedisAddr),
		Password: sc.RedisPassword,
		DB:       sc.RedisDB,
	})
	prefix := strings.TrimSpace(sc.KeyPrefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return rdb, scoreboard.NewRedisSink(rdb, prefix)
}
