// Package sequence runs multi-quiz sequences one quiz at a time, with
// gaps between quizzes and pause/resume at quiz boundaries.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"timerquiz/internal/content"
	"timerquiz/internal/delivery"
	"timerquiz/internal/eventbus"
	"timerquiz/internal/notifier"
	"timerquiz/internal/storage"
	kit "timerquiz/internal/transport"
	logx "timerquiz/pkg/logx"
)

var (
	ErrAlreadyRunning = errors.New("sequence already running")
	ErrNotRunning     = errors.New("sequence is not running")
	ErrNotPaused      = errors.New("sequence is not paused")
)

type Config struct {
	// PausePoll is how often a paused sequence checks for resume.
	PausePoll time.Duration
	// WarningLead is how long before the next quiz the owner is warned.
	WarningLead time.Duration
	// Prefetch bounds concurrent content downloads.
	Prefetch int
}

func (c Config) withDefaults() Config {
	if c.PausePoll <= 0 {
		c.PausePoll = 5 * time.Second
	}
	if c.WarningLead <= 0 {
		c.WarningLead = 30 * time.Second
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 4
	}
	return c
}

// Runner delivers one quiz and blocks until it is over.
type Runner interface {
	Run(ctx context.Context, req delivery.Request) delivery.Result
}

// Deps are the collaborators of an Orchestrator. Content, Notifier and
// Bus are optional.
type Deps struct {
	Store    storage.SequenceStore
	Runner   Runner
	Content  content.Fetcher
	Notifier delivery.Notifier
	Registry *Registry
	Bus      eventbus.Bus
}

type Option func(*Orchestrator)

func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

type Orchestrator struct {
	cfg   Config
	d     Deps
	log   logx.Logger
	clock clockwork.Clock
}

func New(cfg Config, d Deps, log logx.Logger, opts ...Option) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	o := &Orchestrator{cfg: cfg.withDefaults(), d: d, log: log, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Registry() *Registry { return o.d.Registry }

// Execute runs the sequence from its current index until every quiz is
// terminal or the sequence is cancelled. Quiz i+1 never starts before
// quiz i is terminal. A cancelled ctx (shutdown) leaves the sequence
// running in the store so Recover picks it up later.
func (o *Orchestrator) Execute(ctx context.Context, id string) error {
	seq, err := o.d.Store.LoadSequence(ctx, id)
	if err != nil {
		return fmt.Errorf("load sequence %s: %w", id, err)
	}
	if seq.Status.Terminal() {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !o.d.Registry.Begin(id, cancel) {
		return ErrAlreadyRunning
	}
	defer o.d.Registry.End(id)

	log := o.log.With(logx.String("sequence", id))
	held := o.prefetch(ctx, log, seq)
	defer o.release(log, held)

	switch seq.Status {
	case storage.SequenceScheduled:
		if err := o.setStatus(ctx, &seq, storage.SequenceRunning); err != nil {
			return err
		}
	case storage.SequencePaused:
		o.d.Registry.Pause(id)
	}
	log.Info("sequence started", logx.Int("from", seq.CurrentIndex), logx.Int("quizzes", len(seq.Quizzes)))

	for i := seq.CurrentIndex; i < len(seq.Quizzes); i++ {
		if seq.Quizzes[i].Status.Terminal() {
			continue
		}
		if err := o.waitWhilePaused(runCtx, id); err != nil {
			break
		}

		seq.CurrentIndex = i
		seq.Quizzes[i].Status = storage.QuizRunning
		if err := o.saveProgress(ctx, seq, i); err != nil {
			return err
		}

		q := seq.Quizzes[i]
		// Pause and cancel never interrupt a quiz that has started; only
		// shutdown does.
		res := o.d.Runner.Run(ctx, delivery.Request{
			ContentRef:   q.ContentRef,
			Target:       kit.ChatTarget{ChatID: seq.TargetChatID},
			Owner:        seq.Owner,
			TimerSeconds: q.TimerSeconds,
			Label:        fmt.Sprintf("%s #%d", seq.Name, i+1),
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if res.OK {
			seq.Quizzes[i].Status = storage.QuizCompleted
		} else {
			seq.Quizzes[i].Status = storage.QuizFailed
			log.Warn("quiz failed", logx.Int("index", i), logx.String("ref", q.ContentRef), logx.Err(res.Err))
		}
		if err := o.saveProgress(ctx, seq, i); err != nil {
			return err
		}

		// A failed quiz moves straight on to the next one.
		if res.OK && i < len(seq.Quizzes)-1 {
			if err := o.gap(runCtx, seq, i); err != nil {
				break
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runCtx.Err() != nil {
		// Cancel already persisted the terminal status.
		log.Info("sequence cancelled", logx.Int("index", seq.CurrentIndex))
		return nil
	}
	if err := o.setStatus(ctx, &seq, storage.SequenceCompleted); err != nil {
		return err
	}
	log.Info("sequence completed")
	return nil
}

// gap waits out the idle time after quiz i, warning the owner shortly
// before the next quiz when the gap is long enough.
func (o *Orchestrator) gap(ctx context.Context, seq storage.Sequence, i int) error {
	gap := seq.Quizzes[i].Gap()
	lead := o.cfg.WarningLead
	if gap <= lead {
		return o.sleep(ctx, gap)
	}
	if err := o.sleep(ctx, gap-lead); err != nil {
		return err
	}
	next := seq.Quizzes[i+1]
	name := next.Name
	if name == "" {
		name = next.ContentRef
	}
	text := fmt.Sprintf("⚠️ Next quiz starts in %d seconds!\n\n🎯 Quiz %d: %s\n⏰ Timer: %ds per question",
		int(lead/time.Second), i+2, name, next.TimerSeconds)
	if o.d.Notifier != nil {
		if err := o.d.Notifier.Notify(ctx, notifier.Notice{ChatID: seq.Owner, Text: text}); err != nil {
			o.log.Debug("gap warning not queued", logx.String("sequence", seq.ID), logx.Err(err))
		}
	}
	return o.sleep(ctx, lead)
}

func (o *Orchestrator) waitWhilePaused(ctx context.Context, id string) error {
	for o.d.Registry.IsPaused(id) {
		if err := o.sleep(ctx, o.cfg.PausePoll); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Pause stops the sequence before its next quiz. A quiz in flight runs
// to completion.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	seq, err := o.d.Store.LoadSequence(ctx, id)
	if err != nil {
		return err
	}
	if seq.Status != storage.SequenceRunning && seq.Status != storage.SequencePaused {
		return fmt.Errorf("%w: %s", ErrNotRunning, seq.Status)
	}
	if err := o.setStatus(ctx, &seq, storage.SequencePaused); err != nil {
		return err
	}
	o.d.Registry.Pause(id)
	return nil
}

func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	seq, err := o.d.Store.LoadSequence(ctx, id)
	if err != nil {
		return err
	}
	if seq.Status != storage.SequencePaused {
		return fmt.Errorf("%w: %s", ErrNotPaused, seq.Status)
	}
	if err := o.setStatus(ctx, &seq, storage.SequenceRunning); err != nil {
		return err
	}
	o.d.Registry.Resume(id)
	return nil
}

// Cancel marks the sequence cancelled and stops a running execution at
// its next boundary.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	seq, err := o.d.Store.LoadSequence(ctx, id)
	if err != nil {
		return err
	}
	if err := o.setStatus(ctx, &seq, storage.SequenceCancelled); err != nil {
		return err
	}
	o.d.Registry.Cancel(id)
	return nil
}

// Recover prepares sequences that were running or paused when the
// process stopped. The quiz that was in flight lost its scoring state and
// is marked failed; paused sequences come back paused. The caller runs
// Execute for each returned sequence.
func (o *Orchestrator) Recover(ctx context.Context) ([]storage.Sequence, error) {
	seqs, err := o.d.Store.ListSequences(ctx, storage.SequenceFilter{
		Statuses: []storage.SequenceStatus{storage.SequenceRunning, storage.SequencePaused},
	})
	if err != nil {
		return nil, err
	}
	for i := range seqs {
		seq := &seqs[i]
		changed := false
		for j := range seq.Quizzes {
			if seq.Quizzes[j].Status == storage.QuizRunning {
				seq.Quizzes[j].Status = storage.QuizFailed
				changed = true
				o.log.Warn("quiz interrupted by restart, marked failed",
					logx.String("sequence", seq.ID), logx.Int("index", j))
			}
		}
		if changed {
			if err := o.d.Store.UpdateSequenceProgress(ctx, seq.ID, seq.CurrentIndex, seq.Quizzes); err != nil {
				return nil, err
			}
		}
		if seq.Status == storage.SequencePaused {
			o.d.Registry.Pause(seq.ID)
		}
	}
	return seqs, nil
}

// prefetch downloads the remaining quizzes ahead of time and returns the
// refs it holds a cache reference on.
func (o *Orchestrator) prefetch(ctx context.Context, log logx.Logger, seq storage.Sequence) []string {
	if o.d.Content == nil {
		return nil
	}
	var (
		mu   sync.Mutex
		held []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Prefetch)
	for _, q := range seq.Quizzes[seq.CurrentIndex:] {
		if q.Status.Terminal() {
			continue
		}
		ref := q.ContentRef
		g.Go(func() error {
			if _, err := o.d.Content.Fetch(gctx, ref); err != nil {
				// The quiz itself reports the failure when it runs.
				log.Warn("prefetch failed", logx.String("ref", ref), logx.Err(err))
				return nil
			}
			mu.Lock()
			held = append(held, ref)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return held
}

func (o *Orchestrator) release(log logx.Logger, refs []string) {
	for _, ref := range refs {
		if err := o.d.Content.Release(ref); err != nil {
			log.Warn("release failed", logx.String("ref", ref), logx.Err(err))
		}
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, seq *storage.Sequence, st storage.SequenceStatus) error {
	if err := o.d.Store.UpdateSequenceStatus(ctx, seq.ID, st); err != nil {
		return fmt.Errorf("sequence %s -> %s: %w", seq.ID, st, err)
	}
	seq.Status = st
	o.publishStatus(*seq, st)
	return nil
}

func (o *Orchestrator) saveProgress(ctx context.Context, seq storage.Sequence, i int) error {
	if err := o.d.Store.UpdateSequenceProgress(ctx, seq.ID, seq.CurrentIndex, seq.Quizzes); err != nil {
		return fmt.Errorf("sequence %s progress: %w", seq.ID, err)
	}
	eventbus.Publish(o.d.Bus, eventbus.SequenceQuiz, eventbus.SequenceQuizInfo{
		SequenceID: seq.ID,
		Index:      i,
		ContentRef: seq.Quizzes[i].ContentRef,
		Status:     string(seq.Quizzes[i].Status),
	})
	return nil
}

func (o *Orchestrator) publishStatus(seq storage.Sequence, st storage.SequenceStatus) {
	eventbus.Publish(o.d.Bus, eventbus.SequenceStatus, eventbus.SequenceInfo{
		ID:     seq.ID,
		Owner:  seq.Owner,
		Status: string(st),
		Index:  seq.CurrentIndex,
		Total:  len(seq.Quizzes),
	})
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := o.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
