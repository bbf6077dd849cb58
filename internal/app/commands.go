package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"timerquiz/internal/config"
	"timerquiz/internal/planner"
	"timerquiz/internal/scoreboard"
	"timerquiz/internal/storage"
	"timerquiz/internal/transport/telegram/router"
	"timerquiz/pkg/tgui"
)

const (
	listPageSize      = 15
	defaultGapMinutes = 1
	maxMessageRunes   = 4000
	timeLayout        = "02 Jan 2006, 03:04 PM MST"
)

// commands builds the chat command set. Everything that plans or controls
// deliveries is owner-only.
func (a *App) commands(p *planner.Planner) []router.Command {
	owner := func(c router.Command) router.Command {
		c.Access = router.AccessOwnerOnly
		if c.Timeout == 0 {
			c.Timeout = 20 * time.Second
		}
		return c
	}
	return []router.Command{
		owner(router.Command{
			Route:       "schedule",
			Description: "schedule a quiz",
			Usage:       "/schedule <ref> <DD-MM-YYYY> <HH:MM> [--timer=10] [--chat=<id>]",
			Handle: func(ctx context.Context, req *router.Request) error {
				if len(req.Args) < 3 {
					return req.Reply(ctx, "Usage: /schedule <ref> <DD-MM-YYYY> <HH:MM> [--timer=10] [--chat=<id>]")
				}
				at, err := planner.ParseWhen(req.Args[1], strings.Join(req.Args[2:], " "), a.location())
				if err != nil {
					return req.Reply(ctx, "❌ "+err.Error())
				}
				timer, err := intFlag(req, "timer", planner.DefaultTimerSeconds)
				if err != nil {
					return req.Reply(ctx, "❌ "+err.Error())
				}
				target, err := a.targetFor(req)
				if err != nil {
					return req.Reply(ctx, "❌ "+err.Error())
				}
				s, err := p.Add(ctx, planner.AddRequest{
					ContentRef: req.Args[0], Owner: req.FromID, Target: target, At: at, TimerSeconds: timer,
				})
				if err != nil {
					return replyPlanError(ctx, req, err)
				}
				return req.ReplyHTML(ctx, fmt.Sprintf("✅ Scheduled %s\n🆔 %s\n🕒 %s\n⏰ %ds per question",
					tgui.B(s.ContentRef), tgui.Code(s.ID), tgui.Esc(a.formatTime(s.ScheduledAt)), s.TimerSeconds))
			},
		}),
		owner(router.Command{
			Route:       "schedules",
			Description: "list your pending quizzes",
			Usage:       "/schedules [page]",
			Handle: func(ctx context.Context, req *router.Request) error {
				list, err := p.List(ctx, req.FromID)
				if err != nil {
					return err
				}
				return req.ReplyHTML(ctx, a.formatSchedules(list, pageArg(req)))
			},
		}),
		owner(router.Command{
			Route:       "cancel",
			Description: "cancel a scheduled quiz",
			Usage:       "/cancel <id>",
			Handle: func(ctx context.Context, req *router.Request) error {
				if len(req.Args) != 1 {
					return req.Reply(ctx, "Usage: /cancel <id>")
				}
				if err := p.Cancel(ctx, req.Args[0]); err != nil {
					return err
				}
				return req.Reply(ctx, "🗑️ Schedule "+req.Args[0]+" cancelled.")
			},
		}),
		owner(router.Command{
			Route:       "reschedule",
			Description: "move a scheduled quiz",
			Usage:       "/reschedule <id> <DD-MM-YYYY> <HH:MM>",
			Handle: func(ctx context.Context, req *router.Request) error {
				if len(req.Args) < 3 {
					return req.Reply(ctx, "Usage: /reschedule <id> <DD-MM-YYYY> <HH:MM>")
				}
				at, err := planner.ParseWhen(req.Args[1], strings.Join(req.Args[2:], " "), a.location())
				if err != nil {
					return req.Reply(ctx, "❌ "+err.Error())
				}
				s, err := p.Reschedule(ctx, req.Args[0], at)
				if err != nil {
					return replyPlanError(ctx, req, err)
				}
				return req.Reply(ctx, fmt.Sprintf("🔁 %s moved to %s", s.ID, a.formatTime(s.ScheduledAt)))
			},
		}),
		owner(router.Command{
			Route:       "sequence",
			Description: "schedule several quizzes back to back",
			Usage:       "/sequence <DD-MM-YYYY> <HH:MM> <ref[:timer[:gap_min]]>... [--name=...] [--chat=<id>]",
			Handle: func(ctx context.Context, req *router.Request) error {
				if len(req.Args) < 3 {
					return req.Reply(ctx, "Usage: /sequence <DD-MM-YYYY> <HH:MM> <ref[:timer[:gap_min]]>... [--name=...]")
				}
				at, err := planner.ParseWhen(req.Args[0], req.Args[1], a.location())
				if err != nil {
					return req.Reply(ctx, "❌ "+err.Error())
				}
				quizzes := make([]planner.QuizSpec, 0, len(req.Args)-2)
				for _, raw := range req.Args[2:] {
					q, err := parseQuizArg(raw)
					if err != nil {
						return req.Reply(ctx, "❌ "+err.Error())
					}
					quizzes = append(quizzes, q)
				}
				target, err := a.targetFor(req)
				if err != nil {
					return req.Reply(ctx, "❌ "+err.Error())
				}
				seq, err := p.AddSequence(ctx, planner.SequenceRequest{
					Owner: req.FromID, Name: req.Flag("name", ""), Target: target, At: at, Quizzes: quizzes,
				})
				if err != nil {
					return replyPlanError(ctx, req, err)
				}
				return req.ReplyHTML(ctx, a.formatSequence(seq))
			},
		}),
		owner(router.Command{
			Route:       "sequences",
			Description: "list active sequences",
			Usage:       "/sequences",
			Handle: func(ctx context.Context, req *router.Request) error {
				list, err := p.ListSequences(ctx, req.FromID)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					return req.Reply(ctx, "📭 No active sequences.")
				}
				parts := make([]string, 0, len(list))
				for _, s := range list {
					parts = append(parts, a.formatSequence(s))
				}
				return req.ReplyHTML(ctx, tgui.TruncRunes(strings.Join(parts, "\n\n"), maxMessageRunes))
			},
		}),
		owner(router.Command{
			Route:       "pause",
			Aliases:     []string{"pause_sequence"},
			Description: "pause a sequence before its next quiz",
			Usage:       "/pause <sequence id>",
			Handle:      sequenceAction(p.PauseSequence, "⏸️ Sequence paused. The current quiz will finish first."),
		}),
		owner(router.Command{
			Route:       "resume",
			Aliases:     []string{"resume_sequence"},
			Description: "resume a paused sequence",
			Usage:       "/resume <sequence id>",
			Handle:      sequenceAction(p.ResumeSequence, "▶️ Sequence resumed."),
		}),
		owner(router.Command{
			Route:       "stopseq",
			Aliases:     []string{"cancel_sequence"},
			Description: "cancel a sequence",
			Usage:       "/stopseq <sequence id>",
			Handle:      sequenceAction(p.CancelSequence, "⏹️ Sequence cancelled."),
		}),
		owner(router.Command{
			Route:       "deadletters",
			Aliases:     []string{"failed"},
			Description: "show deliveries that gave up",
			Usage:       "/deadletters [limit]",
			Handle: func(ctx context.Context, req *router.Request) error {
				limit := 10
				if len(req.Args) > 0 {
					if n, err := strconv.Atoi(req.Args[0]); err == nil && n > 0 {
						limit = n
					}
				}
				list, err := p.DeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				return req.ReplyHTML(ctx, a.formatDeadLetters(list))
			},
		}),
		owner(router.Command{
			Route:       "top",
			Description: "all-time leaderboard",
			Usage:       "/top [n]",
			Handle: func(ctx context.Context, req *router.Request) error {
				if a.top == nil {
					return req.Reply(ctx, "Scoreboard storage is not configured.")
				}
				n := 10
				if len(req.Args) > 0 {
					if v, err := strconv.Atoi(req.Args[0]); err == nil && v > 0 {
						n = min(v, 50)
					}
				}
				entries, err := a.top.Top(ctx, n)
				if err != nil {
					return err
				}
				text := scoreboard.FormatTop(entries)
				if players, err := a.top.RosterSize(ctx); err == nil && players > 0 {
					text += fmt.Sprintf("\n\n👥 %d players so far", players)
				}
				return req.ReplyHTML(ctx, text)
			},
		}),
		{
			Route:       "chatid",
			Description: "show this chat's id",
			Usage:       "/chatid",
			Access:      router.AccessEveryone,
			Handle: func(ctx context.Context, req *router.Request) error {
				msg := fmt.Sprintf("🆔 Chat ID: %s", tgui.Code(strconv.FormatInt(req.Chat.ChatID, 10)))
				if req.Chat.ThreadID != 0 {
					msg += fmt.Sprintf("\n🧵 Thread ID: %s", tgui.Code(strconv.Itoa(req.Chat.ThreadID)))
				}
				return req.ReplyHTML(ctx, msg)
			},
		},
	}
}

func sequenceAction(fn func(ctx context.Context, id string) error, ok string) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if len(req.Args) != 1 {
			return req.Reply(ctx, "Usage: /"+req.Command+" <sequence id>")
		}
		if err := fn(ctx, req.Args[0]); err != nil {
			return replyPlanError(ctx, req, err)
		}
		return req.Reply(ctx, ok)
	}
}

// replyPlanError answers user mistakes in chat; anything else goes back to
// the router's error middleware.
func replyPlanError(ctx context.Context, req *router.Request, err error) error {
	switch {
	case errors.Is(err, planner.ErrInvalid), errors.Is(err, planner.ErrNotPending):
		return req.Reply(ctx, "❌ "+err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return req.Reply(ctx, "❓ Not found.")
	case errors.Is(err, storage.ErrInvalidTransition):
		return req.Reply(ctx, "⚠️ "+err.Error())
	}
	return err
}

// targetFor picks --chat, then delivery.target_chat_id, then the chat the
// command came from.
func (a *App) targetFor(req *router.Request) (int64, error) {
	if raw := req.Flag("chat", ""); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid --chat %q", raw)
		}
		return id, nil
	}
	if a.cfgm != nil {
		if cfg := a.cfgm.Get(); cfg != nil && cfg.Delivery.TargetChatID != 0 {
			return cfg.Delivery.TargetChatID, nil
		}
	}
	return req.Chat.ChatID, nil
}

func (a *App) location() *time.Location {
	if a.cfgm == nil {
		return time.Local
	}
	return locationOf(a.cfgm.Get())
}

// locationOf is scheduler.timezone, falling back to the host zone.
func locationOf(cfg *config.Config) *time.Location {
	if cfg == nil {
		return time.Local
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

func (a *App) formatTime(t time.Time) string {
	return t.In(a.location()).Format(timeLayout)
}

func intFlag(req *router.Request, name string, def int) (int, error) {
	raw := req.Flag(name, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("--%s must be a number", name)
	}
	return v, nil
}

func pageArg(req *router.Request) int {
	if len(req.Args) == 0 {
		return 1
	}
	n, err := strconv.Atoi(req.Args[0])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// parseQuizArg reads "ref", "ref:timer" or "ref:timer:gap_minutes".
func parseQuizArg(raw string) (planner.QuizSpec, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	q := planner.QuizSpec{TimerSeconds: planner.DefaultTimerSeconds, GapSeconds: defaultGapMinutes * 60}
	nums := 0
	for nums < 2 && len(parts)-nums > 1 {
		if _, err := strconv.Atoi(parts[len(parts)-1-nums]); err != nil {
			break
		}
		nums++
	}
	q.ContentRef = strings.Join(parts[:len(parts)-nums], ":")
	if q.ContentRef == "" {
		return q, fmt.Errorf("quiz %q: missing ref", raw)
	}
	tail := parts[len(parts)-nums:]
	if len(tail) > 0 {
		q.TimerSeconds, _ = strconv.Atoi(tail[0])
	}
	if len(tail) > 1 {
		gap, _ := strconv.Atoi(tail[1])
		q.GapSeconds = gap * 60
	}
	return q, nil
}

func (a *App) formatSchedules(list []storage.Schedule, page int) string {
	if len(list) == 0 {
		return "📭 No schedules found."
	}
	items, more := tgui.Page(list, page-1, listPageSize)
	if len(items) == 0 {
		return "📭 No schedules on this page."
	}
	var b strings.Builder
	b.WriteString("📅 <b>Your Scheduled Quizzes</b>\n\n")
	for i, s := range items {
		fmt.Fprintf(&b, "%d. 📁 %s\n   🆔 %s · 🕒 %s · ⏰ %ds\n\n",
			(page-1)*listPageSize+i+1, tgui.B(s.ContentRef), tgui.Code(s.ID),
			tgui.I(a.formatTime(s.ScheduledAt)), s.TimerSeconds)
	}
	if more {
		fmt.Fprintf(&b, "➡️ /schedules %d", page+1)
	}
	return tgui.TruncRunes(b.String(), maxMessageRunes)
}

func (a *App) formatSequence(s storage.Sequence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎯 %s (%s)\n🆔 %s\n🕒 %s\n",
		tgui.B(s.Name), tgui.Esc(string(s.Status)), tgui.Code(s.ID), tgui.Esc(a.formatTime(s.ScheduledAt)))
	for i, q := range s.Quizzes {
		name := q.Name
		if name == "" {
			name = q.ContentRef
		}
		marker := "▫️"
		switch q.Status {
		case storage.QuizRunning:
			marker = "▶️"
		case storage.QuizCompleted:
			marker = "✅"
		case storage.QuizFailed:
			marker = "❌"
		}
		fmt.Fprintf(&b, "%s %d. %s · ⏰ %ds", marker, i+1, tgui.Esc(name), q.TimerSeconds)
		if i < len(s.Quizzes)-1 {
			fmt.Fprintf(&b, " · ⏳ %s", gapText(q.GapSeconds))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func gapText(sec int) string {
	if sec%60 == 0 {
		return fmt.Sprintf("%d min", sec/60)
	}
	return (time.Duration(sec) * time.Second).String()
}

func (a *App) formatDeadLetters(list []storage.DeadLetter) string {
	if len(list) == 0 {
		return "✅ No failed deliveries."
	}
	var b strings.Builder
	b.WriteString("❌ <b>Failed deliveries</b>\n\n")
	for _, d := range list {
		fmt.Fprintf(&b, "• %s %s\n   🕒 %s · 🔁 %d · 📝 %s\n",
			tgui.Code(d.ScheduleID), tgui.B(d.ContentRef), tgui.Esc(a.formatTime(d.IntendedAt)),
			d.Attempts, tgui.Esc(tgui.TruncRunes(d.Reason, 200)))
	}
	return tgui.TruncRunes(b.String(), maxMessageRunes)
}
