package config

import (
	"reflect"
	"sort"
	"strings"

	logx "timerquiz/pkg/logx"
)

// Sections that only take effect on restart.
var restartSections = map[string]bool{
	"storage": true, "content": true, "scoreboard": true, "task_engine": true,
	"scheduler": true, "outbound": true, "delivery": true, "sequence": true,
}

// RestartRequired reports which of sections cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange returns the changed section names, sorted, and
// log fields describing the new values. Secrets are never included; only
// whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.Token != nt.Token {
		mark("telegram",
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oldSt, newSt := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oldSt.Driver) != strings.TrimSpace(newSt.Driver) ||
		strings.TrimSpace(oldSt.Path) != strings.TrimSpace(newSt.Path) ||
		strings.TrimSpace(oldSt.BusyTimeout) != strings.TrimSpace(newSt.BusyTimeout) {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(newSt.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newSt.Path) != ""),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		te := newCfg.TaskEngine
		mark("task_engine",
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.Int("task_engine.retry_max", te.RetryMax),
			logx.String("task_engine.retry_base", te.RetryBase),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.misfire_grace", newCfg.Scheduler.MisfireGrace),
			logx.String("scheduler.reconcile", newCfg.Scheduler.Reconcile),
		)
	}

	if oldCfg.Outbound != newCfg.Outbound {
		mark("outbound",
			logx.Int("outbound.attempts", newCfg.Outbound.Attempts),
			logx.Any("outbound.rate_per_sec", newCfg.Outbound.RatePerSec),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		mark("delivery",
			logx.Int64("delivery.target_chat_id", newCfg.Delivery.TargetChatID),
			logx.String("delivery.settle_buffer", newCfg.Delivery.SettleBuffer),
		)
	}

	if oldCfg.Sequence != newCfg.Sequence {
		mark("sequence",
			logx.String("sequence.pause_poll", newCfg.Sequence.PausePoll),
			logx.String("sequence.warning_lead", newCfg.Sequence.WarningLead),
		)
	}

	oc, nc := oldCfg.Content, newCfg.Content
	if oc.Source != nc.Source || oc.Dir != nc.Dir || oc.CacheDir != nc.CacheDir || oc.Drive != nc.Drive {
		mark("content",
			logx.String("content.source", nc.Source),
			logx.Bool("content.drive_token_set", nc.Drive.RefreshToken != ""),
		)
	}

	if oldCfg.Scoreboard != newCfg.Scoreboard {
		mark("scoreboard",
			logx.Bool("scoreboard.redis_set", newCfg.Scoreboard.RedisAddr != ""),
			logx.String("scoreboard.key_prefix", newCfg.Scoreboard.KeyPrefix),
		)
	}

	// nil means defaults, so compare against those.
	oldN, newN := notifierOrDefault(oldCfg.Notifier), notifierOrDefault(newCfg.Notifier)
	if oldN != newN {
		mark("notifier",
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	ost, nst := oldCfg.Status, newCfg.Status
	if ost.Enabled != nst.Enabled || ost.Addr != nst.Addr || ost.AllowInsecure != nst.AllowInsecure || ost.Profiling != nst.Profiling ||
		ost.ReadTimeout != nst.ReadTimeout || ost.IdleTimeout != nst.IdleTimeout || ost.Token != nst.Token {
		mark("status",
			logx.Bool("status.enabled", nst.Enabled),
			logx.String("status.addr", nst.Addr),
			logx.Bool("status.token_set", nst.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

func notifierOrDefault(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}
