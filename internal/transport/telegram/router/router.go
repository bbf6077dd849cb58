package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	kit "timerquiz/internal/transport"
	logx "timerquiz/pkg/logx"

	rtsup "timerquiz/internal/runtime/supervisor"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "schedule" or "seq pause".
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Sender is what the router needs to answer in chat.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	FromName string
	Path     []string
	Command  string
	Args     []string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Logger logx.Logger
	sender Sender
}

// Reply sends plain text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends HTML-formatted text back to the chat.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// Flag returns a --flag value or def.
func (r *Request) Flag(name, def string) string {
	if v, ok := r.Flags[name]; ok && v != "" {
		return v
	}
	return def
}

// PollAnswerFunc consumes inbound poll answers.
type PollAnswerFunc func(a kit.PollAnswer)

type Option func(*CommandManager)

// WithMenuUpdater publishes the command list to the platform menu.
func WithMenuUpdater(u kit.CommandMenuUpdater) Option {
	return func(m *CommandManager) { m.menu = u }
}

// WithWorkers overrides the command worker count.
func WithWorkers(n int) Option {
	return func(m *CommandManager) {
		if n > 0 {
			m.workers = n
		}
	}
}

type CommandManager struct {
	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode
	owners []int64

	answersMu sync.RWMutex
	answers   PollAnswerFunc

	log     logx.Logger
	sender  Sender
	menu    kit.CommandMenuUpdater
	workers int

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, sender Sender, owners []int64, opts ...Option) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CommandManager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  append([]int64(nil), owners...),
		log:     log.With(logx.String("comp", "telegram.router")),
		sender:  sender,
		workers: max(runtime.NumCPU(), 2),
		jobs:    make(chan func(), 256),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners replaces the owner list used for AccessOwnerOnly. Safe during
// hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// OnPollAnswer sets the consumer of poll answer updates.
func (m *CommandManager) OnPollAnswer(fn PollAnswerFunc) {
	m.answersMu.Lock()
	m.answers = fn
	m.answersMu.Unlock()
}

// SetRegistry installs the command set. /help is always added.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"start"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(req.Args))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	leaves := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		root.add(route, c)
		leaves = append(leaves, c)

		leaf := root.find(route)
		// Multi-token routes also answer to /a_b for the Telegram menu.
		if len(route) > 1 {
			if menu, ok := telegramCommandNameFromRoute(route); ok {
				if _, exists := alias[menu]; !exists {
					alias[menu] = leaf
				}
			}
		}
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	if m.menu == nil {
		return
	}
	menu := buildTelegramMenuCommands(root, leaves)
	go func() {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.menu.UpdateMenuCommands(cctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	}()
}

// DispatchLoop routes updates until ctx ends or updates is closed.
// Commands run on a bounded worker pool; poll answers are handled inline.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	jobs := m.jobs
	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdatePollAnswer:
		if up.PollAnswer == nil {
			return
		}
		m.answersMu.RLock()
		fn := m.answers
		m.answersMu.RUnlock()
		if fn != nil {
			fn(*up.PollAnswer)
		}
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		m.enqueueCommand(ctx, up, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		// Groups see every slash command; stay quiet there.
		if !msg.IsGroup {
			_, _ = m.sender.SendText(ctx, chat, "Unknown command. Try /help", nil)
		}
		return
	}
	path := []string{word}
	for len(args) > 0 {
		child, ok := cur.child(strings.ToLower(args[0]))
		if !ok {
			break
		}
		cur = child
		path = append(path, child.name)
		args = args[1:]
	}

	if cur.cmd == nil {
		_, _ = m.sender.SendText(ctx, chat, m.helpText(path), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		return
	}
	m.enqueueCommand(ctx, up, *cur.cmd, path, args)
}

func (m *CommandManager) enqueueCommand(ctx context.Context, up kit.Update, cmd Command, path []string, raw []string) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, m.ownersSnapshot()) {
		_, _ = m.sender.SendText(ctx, chat, "⛔ This command is only available to the bot owner.", nil)
		return
	}

	rid := newReqID()
	pos, flags, bools := parseFlags(raw)
	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		FromName:  msg.FromName,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
		sender: m.sender,
	}

	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWReplyError(),
		MWTimeout(cmd.Timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.sender.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
