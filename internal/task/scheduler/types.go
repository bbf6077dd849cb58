package scheduler

import (
	"context"
	"errors"
	"time"

	"timerquiz/internal/task/engine"
)

var (
	ErrUnknownKind = errors.New("no handler for job kind")
	ErrUnknownJob  = errors.New("job is not armed")
)

const DefaultMisfireGrace = 300 * time.Second

// Config controls the scheduler.
type Config struct {
	Timezone     string // IANA TZ used for display and cron specs
	MisfireGrace time.Duration
	Reconcile    string // cron spec or interval, "" disables the sweep
}

// Job is a single armed timer. Kind selects the handler.
type Job struct {
	ID     string
	Kind   string
	FireAt time.Time
}

// Handler executes fired jobs of one kind on the task engine.
type Handler struct {
	Run     func(ctx context.Context, job Job) error
	Timeout time.Duration // 0 = engine default, <0 = none
	Opt     engine.TaskOptions
	// Done runs once after the final attempt.
	Done func(job Job, err error, attempts int)
}

// Loader lists every job the store considers pending.
type Loader interface {
	PendingJobs(ctx context.Context) ([]Job, error)
}

type LoaderFunc func(ctx context.Context) ([]Job, error)

func (f LoaderFunc) PendingJobs(ctx context.Context) ([]Job, error) { return f(ctx) }

// Submitter is the slice of the task engine the scheduler needs.
type Submitter interface {
	Enqueue(t engine.Task) error
}
