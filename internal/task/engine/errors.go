package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
	// ErrOverlapSkip is returned by Enqueue while a task with the same name
	// is still running.
	ErrOverlapSkip = errors.New("task already running")
)

// permanent stops the retry loop. Deliveries use it for failures another
// attempt cannot fix (schedule gone, shutdown).
type permanent struct{ err error }

func (p permanent) Error() string { return "permanent: " + p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// NoRetry marks err as permanent.
//
//	return engine.NoRetry(fmt.Errorf("load schedule %s: %w", id, err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

func IsNoRetry(err error) bool {
	return errors.As(err, new(permanent))
}

// RetryAfterError carries the delay a failed attempt asks for.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type delayed struct {
	err   error
	after time.Duration
}

func (d delayed) Error() string             { return fmt.Sprintf("%v (retry in %s)", d.err, d.after) }
func (d delayed) Unwrap() error             { return d.err }
func (d delayed) RetryAfter() time.Duration { return d.after }

// RetryAfter asks for the next attempt after the given delay instead of the
// exponential backoff. The delay is still capped by RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return delayed{err: err, after: max(after, 0)}
}
