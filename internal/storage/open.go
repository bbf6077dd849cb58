package storage

import (
	"context"
	"errors"
	"strings"
	logx "timerquiz/pkg/logx"
)

// ScheduleStore persists one-off deliveries.
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, s Schedule) error
	LoadSchedule(ctx context.Context, id string) (Schedule, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	UpdateScheduleStatus(ctx context.Context, id string, status ScheduleStatus, lastErr string) error
}

// SequenceStore persists multi-quiz sequences together with per-quiz state.
type SequenceStore interface {
	SaveSequence(ctx context.Context, s Sequence) error
	LoadSequence(ctx context.Context, id string) (Sequence, error)
	ListSequences(ctx context.Context, f SequenceFilter) ([]Sequence, error)
	DeleteSequence(ctx context.Context, id string) error
	UpdateSequenceStatus(ctx context.Context, id string, status SequenceStatus) error
	// UpdateSequenceProgress writes the cursor and per-quiz state without touching status.
	UpdateSequenceProgress(ctx context.Context, id string, currentIndex int, quizzes []SequenceQuiz) error
}

// DeadLetterLog is append-only.
type DeadLetterLog interface {
	AppendDeadLetter(ctx context.Context, d DeadLetter) error
	ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]DeadLetter, error)
}

// Store is the persistence API used by the planner and orchestrator.
type Store interface {
	ScheduleStore
	SequenceStore
	DeadLetterLog
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
