package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "timerquiz/internal/transport"
	logx "timerquiz/pkg/logx"

	rtsup "timerquiz/internal/runtime/supervisor"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// HTTPTimeout bounds a single Bot API request.
	HTTPTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 2 * time.Minute
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		Poller: &tele.LongPoller{
			Timeout:        cfg.PollTimeout,
			AllowedUpdates: []string{"message", "poll_answer"},
		},
		Client: &http.Client{Timeout: cfg.HTTPTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram.adapter")), bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
			ID:       m.ID,
			ChatID:   m.Chat.ID,
			ThreadID: m.ThreadID,
			Text:     m.Text,
			IsGroup:  m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		}}
		if s := m.Sender; s != nil {
			up.Message.FromID = s.ID
			up.Message.FromUsername = s.Username
			up.Message.FromName = strings.TrimSpace(s.FirstName + " " + s.LastName)
		}
		a.sendUpdate(up)
		return nil
	})

	a.bot.Handle(tele.OnPollAnswer, func(c tele.Context) error {
		pa := c.PollAnswer()
		if pa == nil {
			return nil
		}
		ans := &kit.PollAnswer{PollID: pa.PollID, Options: append([]int(nil), pa.Options...)}
		if u := pa.Sender; u != nil {
			ans.UserID = u.ID
			ans.Username = u.Username
			ans.FirstName = u.FirstName
			ans.LastName = u.LastName
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdatePollAnswer, PollAnswer: ans})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	// Adapter errors should not take down the app.
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; restart it if it returns early.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	// Keep shutdown snappy even if getUpdates is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// call runs a Bot API request, giving up when ctx ends. telebot has no
// per-request context; the request keeps running in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type res struct {
		v   T
		err error
	}
	ch := make(chan res, 1)
	go func() {
		v, err := fn()
		ch <- res{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, apiError(r.err)
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		so := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview, ThreadID: to.ThreadID}
		msg, err := call(ctx, func() (*tele.Message, error) { return a.bot.Send(chat, chunk, so) })
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) SendPoll(ctx context.Context, to kit.ChatTarget, p kit.Poll) (kit.PollRef, error) {
	poll := &tele.Poll{
		Type:        tele.PollRegular,
		Question:    p.Question,
		Anonymous:   p.Anonymous,
		OpenPeriod:  p.OpenPeriod,
		Explanation: p.Explanation,
	}
	if p.CorrectOption >= 0 {
		poll.Type = tele.PollQuiz
		poll.CorrectOption = p.CorrectOption
	}
	for _, o := range p.Options {
		poll.Options = append(poll.Options, tele.PollOption{Text: o})
	}
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	msg, err := call(ctx, func() (*tele.Message, error) { return a.bot.Send(&tele.Chat{ID: to.ChatID}, poll, so) })
	if err != nil {
		return kit.PollRef{}, err
	}
	ref := kit.PollRef{MessageRef: kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}}
	if msg.Poll != nil {
		ref.PollID = msg.Poll.ID
	}
	if ref.PollID == "" {
		return ref, kit.Permanent(errors.New("telegram returned a poll message without poll id"))
	}
	return ref, nil
}

// EditText edits the first chunk in place; overflow goes out as new messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	so := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
	if _, err := call(ctx, func() (*tele.Message, error) { return a.bot.Edit(m, chunks[0], so) }); err != nil {
		return err
	}
	if len(chunks) > 1 {
		rest := strings.Join(chunks[1:], "\n")
		if _, err := a.SendText(ctx, kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, rest, opt); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMenuCommands calls setMyCommands when the list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	var sb strings.Builder
	tc := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		tc = append(tc, tele.Command{Text: c.Command, Description: c.Description})
		sb.WriteString(c.Command + "\x00" + c.Description + "\x00")
	}
	if sb.String() == a.menuHash {
		return nil
	}
	if _, err := call(ctx, func() (struct{}, error) { return struct{}{}, a.bot.SetCommands(tc) }); err != nil {
		return err
	}
	a.menuHash = sb.String()
	a.log.Info("menu commands updated", logx.Int("count", len(tc)))
	return nil
}
