package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"timerquiz/internal/task/engine"
	logx "timerquiz/pkg/logx"
)

// firedRetention is how long a fired instant is remembered for coalescing.
const firedRetention = time.Hour

type Service struct {
	cfg   Config
	log   logx.Logger
	eng   Submitter
	clock clockwork.Clock

	mu       sync.Mutex
	handlers map[string]Handler
	armed    map[string]*armedJob
	fired    map[string]firedRec
	running  map[string]struct{}
	ver      uint64
	loader   Loader
	onMissed func(job Job, late time.Duration)
	c        *cron.Cron

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type armedJob struct {
	job   Job
	timer clockwork.Timer
	ver   uint64
}

type firedRec struct {
	fireAt time.Time
	at     time.Time
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// OnMissed is called for jobs whose fire time passed more than
// MisfireGrace ago. It runs outside the scheduler lock.
func OnMissed(fn func(job Job, late time.Duration)) Option {
	return func(s *Service) { s.onMissed = fn }
}

func New(cfg Config, eng Submitter, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	s := &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "scheduler")),
		eng:         eng,
		clock:       clockwork.NewRealClock(),
		handlers:    map[string]Handler{},
		armed:       map[string]*armedJob{},
		fired:       map[string]firedRec{},
		running:     map[string]struct{}{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle registers the handler for a job kind. Later calls replace it.
func (s *Service) Handle(kind string, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// Start begins the reconcile sweep. Timers armed before Start are live
// already; Start only adds the periodic store comparison.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc := loadLocation(s.cfg.Timezone)
	s.c = cron.New(cron.WithLocation(loc), cron.WithParser(specParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if s.cfg.Reconcile != "" {
		sched, err := parseSweep(s.cfg.Reconcile)
		if err != nil {
			s.c = nil
			return err
		}
		s.c.Schedule(sched, cron.FuncJob(func() {
			if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("reconcile failed", logx.Err(err))
			}
		}))
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("armed", len(s.armed)), logx.String("reconcile", s.cfg.Reconcile))
	return nil
}

// Stop halts the sweep and disarms every timer. Pending jobs stay in the
// store and are re-armed by the next Restore.
func (s *Service) Stop(ctx context.Context) {
	start := s.clock.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for id, a := range s.armed {
		a.timer.Stop()
		delete(s.armed, id)
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", s.clock.Since(start)))
}

// Schedule arms or re-arms job. A job already fired at the same instant,
// or currently running, is left alone.
func (s *Service) Schedule(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id required")
	}
	missed, late, err := s.arm(job)
	if err != nil {
		return err
	}
	if missed {
		s.miss(job, late)
	}
	return nil
}

func (s *Service) arm(job Job) (missed bool, late time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[job.Kind]; !ok {
		return false, 0, fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}
	if _, ok := s.running[job.ID]; ok {
		return false, 0, nil
	}
	if rec, ok := s.fired[job.ID]; ok && rec.fireAt.Equal(job.FireAt) {
		return false, 0, nil
	}
	s.disarmLocked(job.ID)

	now := s.clock.Now()
	late = now.Sub(job.FireAt)
	if late > s.cfg.MisfireGrace {
		return true, late, nil
	}
	s.ver++
	v := s.ver
	delay := max(job.FireAt.Sub(now), 0)
	id := job.ID
	s.armed[id] = &armedJob{
		job:   job,
		ver:   v,
		timer: s.clock.AfterFunc(delay, func() { s.fire(id, v) }),
	}
	s.log.Debug("job armed", logx.String("job", id), logx.String("kind", job.Kind), logx.Duration("in", delay))
	return false, 0, nil
}

func (s *Service) miss(job Job, late time.Duration) {
	s.log.Warn("job missed", logx.String("job", job.ID), logx.String("kind", job.Kind), logx.Duration("late", late))
	s.mu.Lock()
	fn := s.onMissed
	s.mu.Unlock()
	if fn != nil {
		fn(job, late)
	}
}

func (s *Service) disarmLocked(id string) bool {
	a, ok := s.armed[id]
	if !ok {
		return false
	}
	a.timer.Stop()
	delete(s.armed, id)
	return true
}

// Cancel disarms id. Unknown ids are a no-op.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disarmLocked(id)
}

// Reschedule moves an armed job to a new instant.
func (s *Service) Reschedule(id string, at time.Time) error {
	s.mu.Lock()
	a, ok := s.armed[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	job := a.job
	s.mu.Unlock()

	job.FireAt = at
	return s.Schedule(job)
}

// Pending lists armed jobs by fire time.
func (s *Service) Pending() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.armed))
	for _, a := range s.armed {
		out = append(out, a.job)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// Restore arms every pending job from l and keeps l for the reconcile
// sweep. It returns how many jobs were armed; missed ones are not counted.
func (s *Service) Restore(ctx context.Context, l Loader) (int, error) {
	s.mu.Lock()
	s.loader = l
	s.mu.Unlock()

	jobs, err := l.PendingJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending jobs: %w", err)
	}
	var errs []error
	n := 0
	for _, j := range jobs {
		missed, late, err := s.arm(j)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
		case missed:
			s.miss(j, late)
		default:
			n++
		}
	}
	s.log.Info("jobs restored", logx.Int("loaded", len(jobs)), logx.Int("armed", n))
	return n, errors.Join(errs...)
}

// Reconcile compares armed timers with the store: pending jobs without a
// timer are armed, timers for jobs no longer pending are dropped.
func (s *Service) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	l := s.loader
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	jobs, err := l.PendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}

	want := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		want[j.ID] = j
	}

	var toArm []Job
	s.mu.Lock()
	for id := range s.armed {
		if _, ok := want[id]; !ok {
			s.disarmLocked(id)
			s.log.Debug("job disarmed by reconcile", logx.String("job", id))
		}
	}
	for id, j := range want {
		if _, ok := s.running[id]; ok {
			continue
		}
		if a, ok := s.armed[id]; ok && a.job.FireAt.Equal(j.FireAt) {
			continue
		}
		toArm = append(toArm, j)
	}
	now := s.clock.Now()
	for id, rec := range s.fired {
		if now.Sub(rec.at) > max(firedRetention, s.cfg.MisfireGrace) {
			delete(s.fired, id)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, j := range toArm {
		if err := s.Schedule(j); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) fire(id string, ver uint64) {
	s.mu.Lock()
	a, ok := s.armed[id]
	if !ok || a.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.armed, id)
	job := a.job
	now := s.clock.Now()
	if _, busy := s.running[id]; busy {
		s.mu.Unlock()
		return
	}
	if rec, ok := s.fired[id]; ok && now.Sub(rec.at) < s.cfg.MisfireGrace {
		s.mu.Unlock()
		s.log.Debug("duplicate fire coalesced", logx.String("job", id))
		return
	}
	h, ok := s.handlers[job.Kind]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("job fired without handler", logx.String("job", id), logx.String("kind", job.Kind))
		return
	}
	s.fired[id] = firedRec{fireAt: job.FireAt, at: now}
	s.running[id] = struct{}{}
	s.mu.Unlock()

	s.log.Info("job fired", logx.String("job", id), logx.String("kind", job.Kind), logx.Duration("late", now.Sub(job.FireAt)))

	opt := h.Opt
	opt.Overlap = engine.OverlapSkipIfRunning
	err := s.eng.Enqueue(engine.Task{
		Name:    "job:" + id,
		Timeout: h.Timeout,
		Opt:     opt,
		Run:     func(ctx context.Context) error { return h.Run(ctx, job) },
		OnDone: func(err error, attempts int) {
			defer s.finish(id)
			if h.Done != nil {
				h.Done(job, err, attempts)
			}
		},
	})
	if err != nil {
		s.mu.Lock()
		delete(s.running, id)
		delete(s.fired, id)
		s.mu.Unlock()
		s.reportEnqueueError(job, err)
	}
}

func (s *Service) finish(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// Running lists fired jobs that are still executing, sorted by id.
func (s *Service) Running() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}
