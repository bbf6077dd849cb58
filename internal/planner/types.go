package planner

import (
	"context"
	"errors"
	"time"

	"timerquiz/internal/delivery"
	"timerquiz/internal/storage"
	"timerquiz/internal/task/scheduler"
)

// Job kinds handled by the scheduler.
const (
	KindDelivery = "delivery"
	KindSequence = "sequence"
)

const (
	MinTimerSeconds     = 5
	MaxTimerSeconds     = 300
	DefaultTimerSeconds = 10
)

// ReasonMissed marks dead letters for jobs that fired after the grace window.
const ReasonMissed = "missed"

var (
	ErrInvalid    = errors.New("invalid request")
	ErrNotPending = errors.New("schedule is no longer pending")
)

type Config struct {
	// RetryMax is how many times a delivery that posted nothing is retried.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	return c
}

// AddRequest plans a single quiz delivery.
type AddRequest struct {
	ContentRef   string
	Owner        int64
	Target       int64
	At           time.Time
	TimerSeconds int
}

type QuizSpec struct {
	ContentRef   string
	Name         string
	TimerSeconds int
	GapSeconds   int
}

// SequenceRequest plans several quizzes run back to back.
type SequenceRequest struct {
	Owner   int64
	Name    string
	Target  int64
	At      time.Time
	Quizzes []QuizSpec
}

// Timers is the slice of the scheduler the planner drives.
type Timers interface {
	Handle(kind string, h scheduler.Handler)
	Schedule(job scheduler.Job) error
	Reschedule(id string, at time.Time) error
	Cancel(id string) bool
	Restore(ctx context.Context, l scheduler.Loader) (int, error)
}

// Sequences is the slice of the orchestrator the planner drives.
type Sequences interface {
	Execute(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Recover(ctx context.Context) ([]storage.Sequence, error)
}

// Runner delivers one quiz.
type Runner interface {
	Run(ctx context.Context, req delivery.Request) delivery.Result
}
