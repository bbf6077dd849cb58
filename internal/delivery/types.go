// Package delivery runs one quiz session end to end: announce, post each
// question with its poll, reveal explanations, and publish the ranking.
package delivery

import (
	"context"
	"time"

	"timerquiz/internal/notifier"
	"timerquiz/internal/outbound"
	kit "timerquiz/internal/transport"
)

const (
	DefaultTimerSeconds = 10
	noExplanation       = "No explanation provided"
	pollExplanation     = "Answer revealed after timer!"
)

type Config struct {
	// SettleBuffer is added to the poll timer before the poll is retired.
	SettleBuffer time.Duration
	// AnnouncePause follows the opening announcement.
	AnnouncePause time.Duration
	// QuestionPause separates a question message from its poll.
	QuestionPause time.Duration
	// QuestionGap follows each revealed explanation.
	QuestionGap time.Duration
}

func (c Config) withDefaults() Config {
	if c.SettleBuffer <= 0 {
		c.SettleBuffer = 2 * time.Second
	}
	if c.AnnouncePause <= 0 {
		c.AnnouncePause = 2 * time.Second
	}
	if c.QuestionPause <= 0 {
		c.QuestionPause = time.Second
	}
	if c.QuestionGap <= 0 {
		c.QuestionGap = 3 * time.Second
	}
	return c
}

// Request describes one session. Owner receives a private notice when it
// differs from the target chat.
type Request struct {
	ContentRef   string
	Target       kit.ChatTarget
	Owner        int64
	TimerSeconds int
	Label        string
}

// Result is the outcome of Run. OK means at least one question was posted.
type Result struct {
	OK           bool
	SessionKey   string
	Title        string
	Total        int
	Posted       int
	Skipped      int
	Participants int
	Err          error
}

// Sender is satisfied by outbound.Sender.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendPoll(ctx context.Context, to kit.ChatTarget, p kit.Poll) (outbound.PollResult, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
}

type Notifier interface {
	Notify(ctx context.Context, n notifier.Notice) error
}
