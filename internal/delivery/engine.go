package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"timerquiz/internal/content"
	"timerquiz/internal/eventbus"
	"timerquiz/internal/notifier"
	"timerquiz/internal/polls"
	"timerquiz/internal/scoreboard"
	kit "timerquiz/internal/transport"
	logx "timerquiz/pkg/logx"
	"timerquiz/pkg/tgui"
)

var ErrNothingPosted = errors.New("no question could be posted")

var htmlOpt = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

// Deps are the collaborators of an Engine. Notifier and Bus are optional.
type Deps struct {
	Content    content.Fetcher
	Sender     Sender
	Polls      *polls.Tracker
	Scoreboard *scoreboard.Aggregator
	Notifier   Notifier
	Bus        eventbus.Bus
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

type Engine struct {
	cfg   Config
	d     Deps
	log   logx.Logger
	clock clockwork.Clock
}

func New(cfg Config, d Deps, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{cfg: cfg.withDefaults(), d: d, log: log, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run delivers one session and blocks until it is over. It never panics;
// failures are reported in the Result.
func (e *Engine) Run(ctx context.Context, req Request) (res Result) {
	if req.TimerSeconds <= 0 {
		req.TimerSeconds = DefaultTimerSeconds
	}
	log := e.log.With(logx.String("ref", req.ContentRef), logx.Int64("chat_id", req.Target.ChatID))
	if req.Label != "" {
		log = log.With(logx.String("label", req.Label))
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("delivery panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res.OK = false
			res.Err = fmt.Errorf("delivery panic: %v", r)
			if res.SessionKey != "" {
				e.d.Scoreboard.Finish(context.WithoutCancel(ctx), res.SessionKey)
			}
		}
		e.publishResult(req, res)
	}()

	path, err := e.d.Content.Fetch(ctx, req.ContentRef)
	if err != nil {
		log.Warn("content fetch failed", logx.Err(err))
		return Result{Err: fmt.Errorf("fetch content: %w", err)}
	}
	defer func() {
		if err := e.d.Content.Release(req.ContentRef); err != nil {
			log.Warn("content release failed", logx.Err(err))
		}
	}()

	quiz, err := content.Load(path, log)
	if errors.Is(err, content.ErrNoQuestions) {
		_, _ = e.d.Sender.SendText(ctx, req.Target, "❌ No questions found in this quiz.", nil)
	}
	if err != nil {
		log.Warn("content unusable", logx.Err(err))
		return Result{Title: quiz.Title, Err: fmt.Errorf("load content: %w", err)}
	}

	res = Result{
		SessionKey: strconv.FormatInt(req.Target.ChatID, 10) + ":" + uuid.NewString(),
		Title:      quiz.Title,
		Total:      len(quiz.Questions),
	}
	log = log.With(logx.String("session", res.SessionKey))
	e.d.Scoreboard.StartSession(res.SessionKey, quiz.Title, res.Total)
	defer e.d.Polls.ForgetSession(res.SessionKey)
	eventbus.Publish(e.d.Bus, eventbus.DeliveryStarted, e.info(req, res))

	announce := fmt.Sprintf("🎯 %s\n\n📊 Total Questions: %d\n⏰ Timer: %d seconds per question\n🎮 Let's begin!",
		quiz.Title, res.Total, req.TimerSeconds)
	if _, err := e.d.Sender.SendText(ctx, req.Target, announce, nil); err != nil {
		log.Warn("announcement failed", logx.Err(err))
	}
	e.noticeOwner(ctx, log, req, quiz)

	if err := e.sleep(ctx, e.cfg.AnnouncePause); err == nil {
		for i, q := range quiz.Questions {
			if ctx.Err() != nil {
				break
			}
			if e.deliverQuestion(ctx, log, res.SessionKey, i, res.Total, q, req) {
				res.Posted++
			} else {
				res.Skipped++
			}
		}
	}

	if ctx.Err() == nil {
		if sum, ok := e.d.Scoreboard.Summary(res.SessionKey); ok {
			e.sendScoreboard(ctx, log, req.Target, sum)
		}
	}
	sum, _ := e.d.Scoreboard.Finish(context.WithoutCancel(ctx), res.SessionKey)
	res.Participants = len(sum.Standings)

	res.OK = res.Posted > 0
	switch {
	case ctx.Err() != nil:
		res.Err = ctx.Err()
	case !res.OK:
		res.Err = ErrNothingPosted
	}
	log.Info("delivery finished",
		logx.Bool("ok", res.OK),
		logx.Int("posted", res.Posted),
		logx.Int("skipped", res.Skipped),
		logx.Int("participants", res.Participants),
	)
	return res
}

func (e *Engine) noticeOwner(ctx context.Context, log logx.Logger, req Request, quiz content.Quiz) {
	if e.d.Notifier == nil || req.Owner == 0 || req.Owner == req.Target.ChatID {
		return
	}
	text := fmt.Sprintf("🎯 Your scheduled quiz '%s' has started in the group!\n\n📊 Questions: %d\n⏰ Timer: %ds per question",
		quiz.Title, len(quiz.Questions), req.TimerSeconds)
	if err := e.d.Notifier.Notify(ctx, notifier.Notice{ChatID: req.Owner, Text: text}); err != nil {
		log.Debug("owner notice not queued", logx.Err(err))
	}
}

// deliverQuestion reports whether the question and its poll went out.
func (e *Engine) deliverQuestion(ctx context.Context, log logx.Logger, key string, i, total int, q content.Question, req Request) bool {
	n := i + 1
	log = log.With(logx.Int("question", n))
	if !q.Valid() {
		log.Warn("skipping invalid question", logx.Int("options", len(q.Options)))
		return false
	}

	body := questionHTML(n, total, q)
	ref, err := e.d.Sender.SendText(ctx, req.Target, body, htmlOpt)
	if err != nil {
		log.Warn("question send failed, skipping", logx.Err(err))
		return false
	}
	if e.sleep(ctx, e.cfg.QuestionPause) != nil {
		return false
	}

	letters := make([]string, len(q.Options))
	for j := range q.Options {
		letters[j] = tgui.Letter(j)
	}
	pr, err := e.d.Sender.SendPoll(ctx, req.Target, kit.Poll{
		Question:         fmt.Sprintf("Q%d: Choose your answer", n),
		Options:          letters,
		CorrectOption:    q.Correct,
		OpenPeriod:       req.TimerSeconds,
		Explanation:      pollExplanation,
		FallbackQuestion: q.Text,
		FallbackOptions:  q.Options,
	})
	if err != nil {
		log.Warn("poll and text fallback failed, skipping", logx.Err(err))
		return false
	}
	pollID := ""
	if !pr.Fallback {
		pollID = pr.Ref.PollID
		e.d.Polls.Register(pollID, polls.Entry{SessionKey: key, QuestionIndex: i, CorrectOption: q.Correct})
	}

	waitErr := e.sleep(ctx, secs(req.TimerSeconds)+e.cfg.SettleBuffer)
	e.d.Polls.Unregister(pollID)
	if waitErr != nil {
		return true
	}

	e.reveal(ctx, log, req.Target, ref, body, n, q)
	_ = e.sleep(ctx, e.cfg.QuestionGap)
	return true
}

func (e *Engine) reveal(ctx context.Context, log logx.Logger, to kit.ChatTarget, ref kit.MessageRef, body string, n int, q content.Question) {
	expl := q.Explanation
	if strings.TrimSpace(expl) == "" {
		expl = noExplanation
	}
	edited := body + "\n\n💡 <b>Explanation:</b>\n" + tgui.Esc(expl).String()
	err := e.d.Sender.EditText(ctx, ref, edited, htmlOpt)
	if err == nil {
		return
	}
	log.Debug("explanation edit failed, sending new message", logx.Err(err))
	text := fmt.Sprintf("💡 <b>Explanation for Question %d:</b>\n%s", n, tgui.Esc(expl))
	if _, err := e.d.Sender.SendText(ctx, to, text, htmlOpt); err != nil {
		log.Warn("explanation send failed", logx.Err(err))
	}
}

// sendScoreboard walks down the tiers until one is accepted.
func (e *Engine) sendScoreboard(ctx context.Context, log logx.Logger, to kit.ChatTarget, sum scoreboard.Summary) {
	tiers := []struct {
		text string
		opt  *kit.SendOptions
	}{
		{scoreboard.FormatHTML(sum), htmlOpt},
		{scoreboard.FormatPlain(sum), nil},
		{scoreboard.FormatMinimal(sum), nil},
	}
	for i, t := range tiers {
		_, err := e.d.Sender.SendText(ctx, to, t.text, t.opt)
		if err == nil || ctx.Err() != nil {
			return
		}
		log.Warn("scoreboard send failed", logx.Int("tier", i+1), logx.Err(err))
	}
	log.Error("scoreboard could not be delivered")
}

// HandleAnswer scores a poll answer. Answers to polls that are not live
// are dropped.
func (e *Engine) HandleAnswer(a kit.PollAnswer) {
	entry, ok := e.d.Polls.Resolve(a.PollID)
	if !ok {
		e.log.Debug("answer for unknown poll", logx.String("poll_id", a.PollID))
		return
	}
	if len(a.Options) == 0 {
		return
	}
	p := scoreboard.Participant{ID: a.UserID, Name: a.DisplayName(), Username: a.Username}
	if !e.d.Scoreboard.RecordAnswer(entry.SessionKey, p, a.Options[0] == entry.CorrectOption) {
		e.log.Warn("answer for finished session", logx.String("session", entry.SessionKey))
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := e.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) info(req Request, res Result) eventbus.DeliveryInfo {
	info := eventbus.DeliveryInfo{
		SessionKey:   res.SessionKey,
		ContentRef:   req.ContentRef,
		ChatID:       req.Target.ChatID,
		Title:        res.Title,
		Questions:    res.Total,
		Posted:       res.Posted,
		Skipped:      res.Skipped,
		Participants: res.Participants,
	}
	if res.Err != nil {
		info.Error = res.Err.Error()
	}
	return info
}

func (e *Engine) publishResult(req Request, res Result) {
	typ := eventbus.DeliveryFinished
	if !res.OK {
		typ = eventbus.DeliveryFailed
	}
	eventbus.Publish(e.d.Bus, typ, e.info(req, res))
}

func questionHTML(n, total int, q content.Question) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Question %d/%d</b>\n\n%s\n", n, total, tgui.Esc(q.Text))
	for j, o := range q.Options {
		fmt.Fprintf(&b, "\n<b>%s.</b> %s", tgui.Letter(j), tgui.Esc(o))
	}
	return b.String()
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
