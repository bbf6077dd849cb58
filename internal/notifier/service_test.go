package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	kit "timerquiz/internal/transport"
	logx "timerquiz/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	calls int
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("timeout")
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), f.calls
}

func start(t *testing.T, cfg Config, sender TextSender, opts ...Option) *Service {
	t.Helper()
	s := New(cfg, sender, logx.Nop(), nil, opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitSent(t *testing.T, f *fakeSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sent, _ := f.snapshot(); len(sent) >= n {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
	sent, _ := f.snapshot()
	t.Fatalf("sent %d notices, want %d", len(sent), n)
	return nil
}

func TestNotifySends(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s := start(t, Config{Enabled: true, RatePerSec: 100}, f)

	if err := s.Notify(context.Background(), Notice{ChatID: 42, Text: "quiz started"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	sent := waitSent(t, f, 1)
	if sent[0] != "quiz started" {
		t.Fatalf("sent = %q", sent)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].ChatID != 42 {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notice{ChatID: 1, Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifyDedup(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	f := &fakeSender{}
	s := start(t, Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, f, WithClock(fc))

	n := Notice{ChatID: 7, Text: "⚠️ Next quiz starts in 30 seconds!"}
	_ = s.Notify(context.Background(), n)
	_ = s.Notify(context.Background(), n)
	waitSent(t, f, 1)

	fc.Advance(2 * time.Minute)
	_ = s.Notify(context.Background(), n)
	if sent := waitSent(t, f, 2); len(sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(sent))
	}
}

func TestNotifyRetries(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	f := &fakeSender{fails: 2}
	s := start(t, Config{Enabled: true, RatePerSec: 100, RetryMax: 3, RetryBase: time.Second}, f, WithClock(fc))

	_ = s.Notify(context.Background(), Notice{ChatID: 1, Text: "hello"})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			if sent, _ := f.snapshot(); len(sent) > 0 {
				return
			}
			fc.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}()
	<-done
	sent, calls := f.snapshot()
	if len(sent) != 1 || calls != 3 {
		t.Fatalf("sent=%d calls=%d, want 1 and 3", len(sent), calls)
	}
}

func TestNotifyAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &fakeSender{}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), Notice{ChatID: 1, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
