package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"timerquiz/internal/delivery"
	"timerquiz/internal/notifier"
	"timerquiz/internal/sequence"
	"timerquiz/internal/storage"
	"timerquiz/internal/task/engine"
	"timerquiz/internal/task/scheduler"
	kit "timerquiz/internal/transport"
	logx "timerquiz/pkg/logx"
)

const bookkeepingTimeout = 10 * time.Second

func (p *Planner) registerHandlers() {
	p.d.Timers.Handle(KindDelivery, scheduler.Handler{
		Run: p.runDelivery,
		// A delivery lasts as long as its questions; the engine must not cut it.
		Timeout: -1,
		Opt: engine.TaskOptions{
			RetryMax:      p.cfg.RetryMax,
			RetryBase:     p.cfg.RetryBase,
			RetryMaxDelay: p.cfg.RetryMaxDelay,
		},
		Done: p.deliveryDone,
	})
	p.d.Timers.Handle(KindSequence, scheduler.Handler{
		Run: func(ctx context.Context, job scheduler.Job) error {
			p.launch(job.ID)
			return nil
		},
		Opt: engine.TaskOptions{RetryMax: -1},
	})
}

func (p *Planner) runDelivery(ctx context.Context, job scheduler.Job) error {
	s, err := p.d.Store.LoadSchedule(ctx, job.ID)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("load schedule %s: %w", job.ID, err))
	}
	if s.Status != storage.SchedulePending {
		p.log.Debug("schedule already settled", logx.String("id", s.ID), logx.String("status", string(s.Status)))
		return nil
	}
	res := p.d.Runner.Run(ctx, delivery.Request{
		ContentRef:   s.ContentRef,
		Target:       kit.ChatTarget{ChatID: s.TargetChatID},
		Owner:        s.Owner,
		TimerSeconds: s.TimerSeconds,
		Label:        "schedule " + s.ID,
	})
	if res.OK {
		return nil
	}
	if ctx.Err() != nil {
		return engine.NoRetry(ctx.Err())
	}
	if res.Err == nil {
		res.Err = delivery.ErrNothingPosted
	}
	return fmt.Errorf("delivery %s: %w", s.ID, res.Err)
}

// deliveryDone settles a schedule after its final attempt.
func (p *Planner) deliveryDone(job scheduler.Job, runErr error, attempts int) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	s, err := p.d.Store.LoadSchedule(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.log.Warn("schedule lookup failed", logx.String("id", job.ID), logx.Err(err))
		}
		return
	}
	if s.Status.Terminal() {
		return
	}
	if runErr == nil {
		p.settle(ctx, s, storage.ScheduleCompleted, "")
		return
	}
	if isShutdown(runErr) {
		// Left pending; the next start decides whether it is still in grace.
		p.log.Info("delivery interrupted by shutdown", logx.String("id", s.ID))
		return
	}
	p.deadLetter(ctx, s, attempts, runErr.Error())
}

// Missed handles jobs that fired after the grace window.
func (p *Planner) Missed(job scheduler.Job, late time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	switch job.Kind {
	case KindDelivery:
		s, err := p.d.Store.LoadSchedule(ctx, job.ID)
		if err != nil || s.Status.Terminal() {
			return
		}
		p.deadLetter(ctx, s, 0, ReasonMissed)
	case KindSequence:
		seq, err := p.d.Store.LoadSequence(ctx, job.ID)
		if err != nil || seq.Status != storage.SequenceScheduled {
			return
		}
		if err := p.d.Sequences.Cancel(ctx, seq.ID); err != nil {
			p.log.Warn("missed sequence cancel failed", logx.String("id", seq.ID), logx.Err(err))
			return
		}
		p.notifyOwner(ctx, seq.Owner, fmt.Sprintf("⚠️ Your sequence '%s' missed its start time by %s and was cancelled.",
			seq.Name, late.Round(time.Second)))
	}
}

func (p *Planner) deadLetter(ctx context.Context, s storage.Schedule, attempts int, reason string) {
	err := p.d.Store.AppendDeadLetter(ctx, storage.DeadLetter{
		ScheduleID: s.ID,
		Target:     s.TargetChatID,
		ContentRef: s.ContentRef,
		IntendedAt: s.ScheduledAt,
		FailedAt:   p.clock.Now().UTC(),
		Attempts:   attempts,
		Reason:     reason,
	})
	if err != nil {
		p.log.Error("dead letter append failed", logx.String("id", s.ID), logx.Err(err))
	}
	p.settle(ctx, s, storage.ScheduleFailed, reason)
	p.log.Error("delivery dead-lettered", logx.String("id", s.ID), logx.String("ref", s.ContentRef), logx.Int("attempts", attempts), logx.String("reason", reason))

	text := fmt.Sprintf("❌ Your scheduled quiz '%s' could not be delivered.\n\n🆔 %s\n🔁 Attempts: %d\n📝 Reason: %s",
		s.ContentRef, s.ID, attempts, reason)
	if reason == ReasonMissed {
		text = fmt.Sprintf("⚠️ Your scheduled quiz '%s' missed its start time and was not delivered.\n\n🆔 %s", s.ContentRef, s.ID)
	}
	p.notifyOwner(ctx, s.Owner, text)
}

func (p *Planner) settle(ctx context.Context, s storage.Schedule, st storage.ScheduleStatus, reason string) {
	if err := p.d.Store.UpdateScheduleStatus(ctx, s.ID, st, reason); err != nil {
		p.log.Warn("schedule status update failed", logx.String("id", s.ID), logx.String("status", string(st)), logx.Err(err))
		return
	}
	s.Status = st
	p.publishSchedule(s, reason)
}

func (p *Planner) notifyOwner(ctx context.Context, owner int64, text string) {
	if p.d.Notifier == nil || owner == 0 {
		return
	}
	if err := p.d.Notifier.Notify(ctx, notifier.Notice{ChatID: owner, Text: text}); err != nil {
		p.log.Debug("owner notice not queued", logx.Int64("owner", owner), logx.Err(err))
	}
}

// launch runs a sequence on its own goroutine. A second launch of the
// same id while it runs is refused by the orchestrator.
func (p *Planner) launch(id string) {
	p.sup.Go("sequence:"+id, func(ctx context.Context) error {
		err := p.d.Sequences.Execute(ctx, id)
		switch {
		case err == nil, isShutdown(err):
		case errors.Is(err, sequence.ErrAlreadyRunning):
			p.log.Debug("sequence already running", logx.String("id", id))
		default:
			p.log.Error("sequence stopped", logx.String("id", id), logx.Err(err))
		}
		return nil
	})
}
