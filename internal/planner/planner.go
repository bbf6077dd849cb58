// Package planner is the boundary the chat commands, CLI and status API
// use to plan, inspect and control deliveries.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"timerquiz/internal/delivery"
	"timerquiz/internal/eventbus"
	"timerquiz/internal/storage"
	"timerquiz/internal/task/scheduler"
	logx "timerquiz/pkg/logx"

	rtsup "timerquiz/internal/runtime/supervisor"
)

// Deps are the collaborators of a Planner. Notifier and Bus are optional.
type Deps struct {
	Store     storage.Store
	Timers    Timers
	Runner    Runner
	Sequences Sequences
	Notifier  delivery.Notifier
	Bus       eventbus.Bus
}

type Option func(*Planner)

func WithClock(c clockwork.Clock) Option {
	return func(p *Planner) { p.clock = c }
}

type Planner struct {
	cfg   Config
	d     Deps
	log   logx.Logger
	clock clockwork.Clock
	sup   *rtsup.Supervisor
}

// New registers the job handlers on d.Timers. Sequence runs live on
// their own goroutines under a supervisor bound to ctx.
func New(ctx context.Context, cfg Config, d Deps, log logx.Logger, opts ...Option) *Planner {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Planner{
		cfg:   cfg.withDefaults(),
		d:     d,
		log:   log.With(logx.String("comp", "planner")),
		clock: clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(p)
	}
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))
	p.registerHandlers()
	return p
}

// Supervisor exposes the goroutines running sequences.
func (p *Planner) Supervisor() *rtsup.Supervisor { return p.sup }

// Stop cancels running sequences and waits for them to unwind. Their
// stored state is left for Restore.
func (p *Planner) Stop(ctx context.Context) error {
	return p.sup.Stop(ctx)
}

func (p *Planner) Add(ctx context.Context, req AddRequest) (storage.Schedule, error) {
	if req.TimerSeconds == 0 {
		req.TimerSeconds = DefaultTimerSeconds
	}
	if err := p.validate(req.ContentRef, req.At, req.TimerSeconds); err != nil {
		return storage.Schedule{}, err
	}
	if req.Target == 0 {
		return storage.Schedule{}, fmt.Errorf("%w: target chat required", ErrInvalid)
	}
	s := storage.Schedule{
		ID:           uuid.NewString()[:8],
		ContentRef:   strings.TrimSpace(req.ContentRef),
		Owner:        req.Owner,
		TargetChatID: req.Target,
		ScheduledAt:  req.At.UTC(),
		CreatedAt:    p.clock.Now().UTC(),
		Status:       storage.SchedulePending,
		TimerSeconds: req.TimerSeconds,
	}
	if err := p.d.Store.SaveSchedule(ctx, s); err != nil {
		return storage.Schedule{}, err
	}
	if err := p.d.Timers.Schedule(scheduler.Job{ID: s.ID, Kind: KindDelivery, FireAt: s.ScheduledAt}); err != nil {
		return s, fmt.Errorf("arm schedule %s: %w", s.ID, err)
	}
	p.publishSchedule(s, "")
	p.log.Info("schedule added", logx.String("id", s.ID), logx.String("ref", s.ContentRef), logx.Time("at", s.ScheduledAt))
	return s, nil
}

// Cancel drops a schedule. Unknown ids succeed.
func (p *Planner) Cancel(ctx context.Context, id string) error {
	p.d.Timers.Cancel(id)
	if err := p.d.Store.DeleteSchedule(ctx, id); err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	p.log.Info("schedule cancelled", logx.String("id", id))
	return nil
}

// List returns pending schedules; owner 0 lists all of them.
func (p *Planner) List(ctx context.Context, owner int64) ([]storage.Schedule, error) {
	return p.d.Store.ListSchedules(ctx, storage.ScheduleFilter{Owner: owner, Status: storage.SchedulePending})
}

func (p *Planner) Reschedule(ctx context.Context, id string, at time.Time) (storage.Schedule, error) {
	s, err := p.d.Store.LoadSchedule(ctx, id)
	if err != nil {
		return storage.Schedule{}, err
	}
	if s.Status != storage.SchedulePending {
		return s, fmt.Errorf("%w: %s", ErrNotPending, s.Status)
	}
	if err := p.validate(s.ContentRef, at, s.TimerSeconds); err != nil {
		return s, err
	}
	s.ScheduledAt = at.UTC()
	if err := p.d.Store.SaveSchedule(ctx, s); err != nil {
		return s, err
	}
	// A schedule written by the CLI is only armed on the next reconcile.
	err = p.d.Timers.Reschedule(s.ID, s.ScheduledAt)
	if errors.Is(err, scheduler.ErrUnknownJob) {
		err = p.d.Timers.Schedule(scheduler.Job{ID: s.ID, Kind: KindDelivery, FireAt: s.ScheduledAt})
	}
	if err != nil {
		return s, fmt.Errorf("arm schedule %s: %w", s.ID, err)
	}
	p.log.Info("schedule moved", logx.String("id", s.ID), logx.Time("at", s.ScheduledAt))
	return s, nil
}

func (p *Planner) AddSequence(ctx context.Context, req SequenceRequest) (storage.Sequence, error) {
	if len(req.Quizzes) == 0 {
		return storage.Sequence{}, fmt.Errorf("%w: at least one quiz required", ErrInvalid)
	}
	if req.Target == 0 {
		return storage.Sequence{}, fmt.Errorf("%w: target chat required", ErrInvalid)
	}
	quizzes := make([]storage.SequenceQuiz, 0, len(req.Quizzes))
	for i, q := range req.Quizzes {
		if q.TimerSeconds == 0 {
			q.TimerSeconds = DefaultTimerSeconds
		}
		if err := p.validate(q.ContentRef, req.At, q.TimerSeconds); err != nil {
			return storage.Sequence{}, fmt.Errorf("quiz %d: %w", i+1, err)
		}
		if q.GapSeconds < 0 {
			return storage.Sequence{}, fmt.Errorf("quiz %d: %w: gap must be >= 0", i+1, ErrInvalid)
		}
		quizzes = append(quizzes, storage.SequenceQuiz{
			ContentRef:   strings.TrimSpace(q.ContentRef),
			Name:         q.Name,
			TimerSeconds: q.TimerSeconds,
			GapSeconds:   q.GapSeconds,
			Status:       storage.QuizPending,
		})
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Quiz Sequence"
	}
	seq := storage.Sequence{
		ID:           uuid.NewString(),
		Owner:        req.Owner,
		Name:         name,
		TargetChatID: req.Target,
		ScheduledAt:  req.At.UTC(),
		CreatedAt:    p.clock.Now().UTC(),
		Status:       storage.SequenceScheduled,
		Quizzes:      quizzes,
	}
	if err := p.d.Store.SaveSequence(ctx, seq); err != nil {
		return storage.Sequence{}, err
	}
	if err := p.d.Timers.Schedule(scheduler.Job{ID: seq.ID, Kind: KindSequence, FireAt: seq.ScheduledAt}); err != nil {
		return seq, fmt.Errorf("arm sequence %s: %w", seq.ID, err)
	}
	p.log.Info("sequence added", logx.String("id", seq.ID), logx.Int("quizzes", len(quizzes)), logx.Time("at", seq.ScheduledAt))
	return seq, nil
}

// ListSequences returns sequences that have not finished.
func (p *Planner) ListSequences(ctx context.Context, owner int64) ([]storage.Sequence, error) {
	return p.d.Store.ListSequences(ctx, storage.SequenceFilter{
		Owner:    owner,
		Statuses: []storage.SequenceStatus{storage.SequenceScheduled, storage.SequenceRunning, storage.SequencePaused},
	})
}

func (p *Planner) PauseSequence(ctx context.Context, id string) error {
	return p.d.Sequences.Pause(ctx, id)
}

func (p *Planner) ResumeSequence(ctx context.Context, id string) error {
	return p.d.Sequences.Resume(ctx, id)
}

func (p *Planner) CancelSequence(ctx context.Context, id string) error {
	p.d.Timers.Cancel(id)
	return p.d.Sequences.Cancel(ctx, id)
}

func (p *Planner) DeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	return p.d.Store.ListDeadLetters(ctx, storage.DeadLetterFilter{Limit: limit})
}

// Restore picks up sequences interrupted by a restart and arms every
// pending job. It returns the number of armed jobs.
func (p *Planner) Restore(ctx context.Context) (int, error) {
	seqs, err := p.d.Sequences.Recover(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover sequences: %w", err)
	}
	for _, s := range seqs {
		p.log.Info("resuming sequence", logx.String("id", s.ID), logx.String("status", string(s.Status)), logx.Int("index", s.CurrentIndex))
		p.launch(s.ID)
	}
	return p.d.Timers.Restore(ctx, p.Loader())
}

// Loader lists pending schedules and scheduled sequences as jobs.
func (p *Planner) Loader() scheduler.Loader {
	return scheduler.LoaderFunc(func(ctx context.Context) ([]scheduler.Job, error) {
		var (
			scheds []storage.Schedule
			seqs   []storage.Sequence
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			scheds, err = p.d.Store.ListSchedules(gctx, storage.ScheduleFilter{Status: storage.SchedulePending})
			return err
		})
		g.Go(func() error {
			var err error
			seqs, err = p.d.Store.ListSequences(gctx, storage.SequenceFilter{Statuses: []storage.SequenceStatus{storage.SequenceScheduled}})
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		jobs := make([]scheduler.Job, 0, len(scheds)+len(seqs))
		for _, s := range scheds {
			jobs = append(jobs, scheduler.Job{ID: s.ID, Kind: KindDelivery, FireAt: s.ScheduledAt})
		}
		for _, s := range seqs {
			jobs = append(jobs, scheduler.Job{ID: s.ID, Kind: KindSequence, FireAt: s.ScheduledAt})
		}
		return jobs, nil
	})
}

func (p *Planner) validate(ref string, at time.Time, timer int) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: content ref required", ErrInvalid)
	}
	if timer < MinTimerSeconds || timer > MaxTimerSeconds {
		return fmt.Errorf("%w: timer must be between %d and %d seconds", ErrInvalid, MinTimerSeconds, MaxTimerSeconds)
	}
	if !at.After(p.clock.Now()) {
		return fmt.Errorf("%w: time must be in the future", ErrInvalid)
	}
	return nil
}

func (p *Planner) publishSchedule(s storage.Schedule, reason string) {
	eventbus.Publish(p.d.Bus, eventbus.ScheduleStatus, eventbus.ScheduleInfo{
		ID:     s.ID,
		Owner:  s.Owner,
		Status: string(s.Status),
		Reason: reason,
	})
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled)
}
