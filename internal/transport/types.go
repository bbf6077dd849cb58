package transport

import "context"

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdatePollAnswer UpdateKind = "poll_answer"
)

type Update struct {
	Kind       UpdateKind
	Message    *Message
	PollAnswer *PollAnswer
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsGroup      bool
}

// PollAnswer is a participant's vote on a non-anonymous poll.
// An empty Options slice means the vote was retracted.
type PollAnswer struct {
	PollID    string
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	Options   []int
}

// DisplayName is the best human-readable name for the answerer.
func (a PollAnswer) DisplayName() string {
	name := a.FirstName
	if a.LastName != "" {
		if name != "" {
			name += " "
		}
		name += a.LastName
	}
	if name == "" {
		name = a.Username
	}
	return name
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string // "HTML" or "" for plain text
	DisablePreview bool
}

// Poll is a quiz poll request. CorrectOption < 0 sends a regular poll.
type Poll struct {
	Question      string
	Options       []string
	CorrectOption int
	Anonymous     bool
	OpenPeriod    int // seconds, 0 = no auto close
	Explanation   string

	// FallbackQuestion and FallbackOptions replace Question and Options
	// when the poll degrades to a plain message.
	FallbackQuestion string
	FallbackOptions  []string
}

// PollRef identifies a posted poll. PollID is the platform id that
// answer updates refer to.
type PollRef struct {
	MessageRef
	PollID string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPoll(ctx context.Context, to ChatTarget, p Poll) (PollRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
