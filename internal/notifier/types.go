package notifier

import (
	"context"
	"time"

	kit "timerquiz/internal/transport"
)

// Config controls the async notice pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Notice is a message for one chat. Key overrides the dedup key, which
// otherwise derives from the chat and text.
type Notice struct {
	ChatID    int64
	ThreadID  int
	Text      string
	ParseMode string
	Key       string
}

func (n Notice) target() kit.ChatTarget {
	return kit.ChatTarget{ChatID: n.ChatID, ThreadID: n.ThreadID}
}

// TextSender is satisfied by outbound.Sender.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}

// NoticeEvent is published on the bus for notice lifecycle events.
type NoticeEvent struct {
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
