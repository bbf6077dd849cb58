package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled          = errors.New("storage disabled")
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ScheduleStatus is the lifecycle state of a one-off delivery.
// pending moves to completed or failed exactly once.
type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
)

func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleCompleted || s == ScheduleFailed
}

// Schedule is a single quiz delivery planned for a wall-clock instant.
type Schedule struct {
	ID           string
	ContentRef   string
	Owner        int64
	TargetChatID int64
	ScheduledAt  time.Time
	CreatedAt    time.Time
	Status       ScheduleStatus
	TimerSeconds int
	LastError    string
}

type ScheduleFilter struct {
	Owner  int64          // 0 = any
	Status ScheduleStatus // "" = any
	Before time.Time      // zero = any
	Limit  int
}

type SequenceStatus string

const (
	SequenceScheduled SequenceStatus = "scheduled"
	SequenceRunning   SequenceStatus = "running"
	SequencePaused    SequenceStatus = "paused"
	SequenceCompleted SequenceStatus = "completed"
	SequenceCancelled SequenceStatus = "cancelled"
)

func (s SequenceStatus) Terminal() bool {
	return s == SequenceCompleted || s == SequenceCancelled
}

// CanTransition reports whether from -> to is a legal sequence move.
func CanTransition(from, to SequenceStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case SequenceScheduled:
		return to == SequenceRunning || to == SequenceCancelled
	case SequenceRunning:
		return to == SequencePaused || to == SequenceCompleted || to == SequenceCancelled
	case SequencePaused:
		// A pause that lands during the last quiz has no boundary left to
		// hold at, so the sequence completes.
		return to == SequenceRunning || to == SequenceCompleted || to == SequenceCancelled
	default:
		return false
	}
}

type QuizStatus string

const (
	QuizPending   QuizStatus = "pending"
	QuizRunning   QuizStatus = "running"
	QuizCompleted QuizStatus = "completed"
	QuizFailed    QuizStatus = "failed"
)

func (s QuizStatus) Terminal() bool {
	return s == QuizCompleted || s == QuizFailed
}

// SequenceQuiz is one entry of a sequence. It is stored inline as JSON.
type SequenceQuiz struct {
	ContentRef   string     `json:"content_ref"`
	Name         string     `json:"name,omitempty"`
	TimerSeconds int        `json:"timer_seconds"`
	GapSeconds   int        `json:"gap_seconds"`
	Status       QuizStatus `json:"status"`
}

// Gap is the idle time after this quiz completes.
func (q SequenceQuiz) Gap() time.Duration {
	if q.GapSeconds <= 0 {
		return 0
	}
	return time.Duration(q.GapSeconds) * time.Second
}

type Sequence struct {
	ID           string
	Owner        int64
	Name         string
	TargetChatID int64
	ScheduledAt  time.Time
	CreatedAt    time.Time
	Status       SequenceStatus
	CurrentIndex int
	Quizzes      []SequenceQuiz
}

type SequenceFilter struct {
	Owner    int64 // 0 = any
	Statuses []SequenceStatus
}

// DeadLetter records a delivery that exhausted every retry.
type DeadLetter struct {
	ID         int64
	ScheduleID string
	Target     int64
	ContentRef string
	IntendedAt time.Time
	FailedAt   time.Time
	Attempts   int
	Reason     string
}

type DeadLetterFilter struct {
	Since time.Time
	Limit int // 0 = 50
}
