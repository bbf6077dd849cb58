// Package outbound wraps a transport adapter with bounded retries,
// pacing and plain-text fallbacks.
package outbound

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	kit "timerquiz/internal/transport"
	logx "timerquiz/pkg/logx"
	"timerquiz/pkg/tgui"
)

type Config struct {
	Attempts int

	// Attempt n (0-based) gets Timeout + n*TimeoutStep.
	Timeout     time.Duration
	TimeoutStep time.Duration

	PollTimeout     time.Duration
	PollTimeoutStep time.Duration

	// Wait before retry n is BackoffBase * 2^n, capped at BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	RatePerSec float64 // <=0 disables pacing
	Burst      int
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.TimeoutStep < 0 {
		c.TimeoutStep = 0
	} else if c.TimeoutStep == 0 {
		c.TimeoutStep = 15 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 40 * time.Second
	}
	if c.PollTimeoutStep < 0 {
		c.PollTimeoutStep = 0
	} else if c.PollTimeoutStep == 0 {
		c.PollTimeoutStep = 20 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Transport is the part of kit.Adapter the sender drives.
type Transport interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendPoll(ctx context.Context, to kit.ChatTarget, p kit.Poll) (kit.PollRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
}

// PollResult reports how a poll went out. When Fallback is set the poll
// could not be posted and FallbackRef points at the text rendering.
type PollResult struct {
	Ref         kit.PollRef
	Fallback    bool
	FallbackRef kit.MessageRef
}

type Option func(*Sender)

func WithClock(c clockwork.Clock) Option {
	return func(s *Sender) { s.clock = c }
}

// Sender is safe for concurrent use.
type Sender struct {
	cfg   Config
	tr    Transport
	log   logx.Logger
	clock clockwork.Clock
	lim   *rate.Limiter
}

func New(cfg Config, tr Transport, log logx.Logger, opts ...Option) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	lim := rate.NewLimiter(rate.Inf, cfg.Burst)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	s := &Sender{
		cfg:   cfg,
		tr:    tr,
		log:   log,
		clock: clockwork.NewRealClock(),
		lim:   lim,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SendText posts text with retries. A formatted message that still fails
// gets one more attempt as plain text with the markup stripped.
func (s *Sender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var ref kit.MessageRef
	err := s.retry(ctx, "send text", s.cfg.Timeout, s.cfg.TimeoutStep, func(actx context.Context) error {
		r, err := s.tr.SendText(actx, to, text, opt)
		if err == nil {
			ref = r
		}
		return err
	})
	if err == nil || opt == nil || opt.ParseMode == "" || ctx.Err() != nil {
		return ref, err
	}

	s.log.Warn("formatted send failed, trying plain text", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	plain := &kit.SendOptions{DisablePreview: opt.DisablePreview}
	actx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	ref, perr := s.tr.SendText(actx, to, tgui.Strip(text), plain)
	if perr != nil {
		return kit.MessageRef{}, fmt.Errorf("%w (plain text: %v)", err, perr)
	}
	return ref, nil
}

// SendPoll posts a poll with retries. If every attempt fails, or the
// platform rejects the poll, the question is sent as text instead and
// the result has Fallback set.
func (s *Sender) SendPoll(ctx context.Context, to kit.ChatTarget, p kit.Poll) (PollResult, error) {
	var ref kit.PollRef
	err := s.retry(ctx, "send poll", s.cfg.PollTimeout, s.cfg.PollTimeoutStep, func(actx context.Context) error {
		r, err := s.tr.SendPoll(actx, to, p)
		if err == nil {
			ref = r
		}
		return err
	})
	if err == nil {
		return PollResult{Ref: ref}, nil
	}
	if ctx.Err() != nil {
		return PollResult{}, err
	}

	s.log.Warn("poll failed, sending text fallback", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	mref, ferr := s.SendText(ctx, to, FallbackText(p), nil)
	if ferr != nil {
		return PollResult{}, fmt.Errorf("%w (fallback: %v)", err, ferr)
	}
	return PollResult{Fallback: true, FallbackRef: mref}, nil
}

// EditText makes a single bounded attempt. Callers post a new message
// when it fails.
func (s *Sender) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := s.lim.Wait(ctx); err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.tr.EditText(actx, ref, text, opt)
}

func (s *Sender) retry(ctx context.Context, op string, timeout, step time.Duration, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt < s.cfg.Attempts; attempt++ {
		if err := s.lim.Wait(ctx); err != nil {
			return err
		}
		actx, cancel := context.WithTimeout(ctx, timeout+time.Duration(attempt)*step)
		err := fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}

		kind := kit.Classify(err)
		if kind == kit.KindSemantic {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempt == s.cfg.Attempts-1 {
			break
		}
		wait := s.backoff(attempt)
		if kind == kit.KindFlood {
			wait = max(wait, kit.RetryAfter(err))
		}
		s.log.Debug(op+" failed, retrying",
			logx.Int("attempt", attempt+1),
			logx.String("kind", kind.String()),
			logx.Duration("wait", wait),
			logx.Err(err),
		)
		if err := s.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, s.cfg.Attempts, last)
}

func (s *Sender) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	return d
}

func (s *Sender) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
