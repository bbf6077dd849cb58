package app

import (
	"context"
	"strings"
	"time"

	"timerquiz/internal/config"
	logx "timerquiz/pkg/logx"
)

// reloadLoop applies hot-reloaded configs. Sections that cannot change
// live are reported and keep their startup values.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	if prev.Telegram.Token != next.Telegram.Token {
		a.log.Warn("telegram.token changed; restart required")
	}

	if chatID, ok := groupLogChat(next); ok {
		a.logs.SetTelegramTarget(chatID, next.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogging(next))
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	if nc, err := mapNotifier(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasOn && !nc.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !wasOn && nc.Enabled:
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}

	if sc, err := mapStatus(next); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else if a.status != nil {
		a.status.Reconfigure(ctx, sc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
