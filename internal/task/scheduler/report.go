package scheduler

import (
	"errors"
	"time"

	"timerquiz/internal/task/engine"
	logx "timerquiz/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(job Job, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("job fire skipped", logx.String("job", job.ID), logx.Err(err))
		return
	}

	now := s.clock.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[job.Kind]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[job.Kind] = now
	s.enqMu.Unlock()

	// The reconcile sweep re-arms the job while it is still inside grace.
	s.log.Warn("job failed to enqueue", logx.String("job", job.ID), logx.String("kind", job.Kind), logx.Err(err))
}
