package outbound

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	kit "timerquiz/internal/transport"
	logx "timerquiz/pkg/logx"
)

type sentText struct {
	text string
	opt  *kit.SendOptions
}

// fakeTransport fails the first N calls of each kind with the scripted errors.
type fakeTransport struct {
	mu       sync.Mutex
	textErrs []error
	pollErrs []error
	texts    []sentText
	polls    int
}

func (f *fakeTransport) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.textErrs) > 0 {
		err := f.textErrs[0]
		f.textErrs = f.textErrs[1:]
		if err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.texts = append(f.texts, sentText{text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeTransport) SendPoll(ctx context.Context, to kit.ChatTarget, p kit.Poll) (kit.PollRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		if err != nil {
			return kit.PollRef{}, err
		}
	}
	return kit.PollRef{MessageRef: kit.MessageRef{ChatID: to.ChatID, MessageID: 99}, PollID: "p-1"}, nil
}

func (f *fakeTransport) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return errors.New("message can't be edited")
}

type advancer interface{ Advance(time.Duration) }

func pump(t *testing.T, c advancer) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				c.Advance(time.Second)
				time.Sleep(time.Millisecond)
			}
		}
	}()
}

func newSender(t *testing.T, tr Transport) *Sender {
	t.Helper()
	fc := clockwork.NewFakeClock()
	pump(t, fc)
	return New(Config{Attempts: 5}, tr, logx.Nop(), WithClock(fc))
}

var errNetwork = errors.New("connection reset by peer")

func TestSendPollRetriesTransient(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{pollErrs: []error{errNetwork, &kit.APIError{Code: 502}}}
	s := newSender(t, tr)

	res, err := s.SendPoll(context.Background(), kit.ChatTarget{ChatID: -100}, kit.Poll{Question: "Q1", Options: []string{"A", "B"}})
	if err != nil {
		t.Fatalf("SendPoll: %v", err)
	}
	if res.Fallback || res.Ref.PollID != "p-1" {
		t.Fatalf("result = %+v, want real poll", res)
	}
	if tr.polls != 3 {
		t.Fatalf("poll attempts = %d, want 3", tr.polls)
	}
}

func TestSendPollFallsBackAfterExhaustion(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{pollErrs: []error{errNetwork, errNetwork, errNetwork, errNetwork, errNetwork}}
	s := newSender(t, tr)

	p := kit.Poll{
		Question:         "Q1: Choose your answer",
		Options:          []string{"A", "B", "C"},
		OpenPeriod:       15,
		FallbackQuestion: "Capital of France?",
		FallbackOptions:  []string{"Paris", "Rome", "Berlin"},
	}
	res, err := s.SendPoll(context.Background(), kit.ChatTarget{ChatID: -100}, p)
	if err != nil {
		t.Fatalf("SendPoll: %v", err)
	}
	if !res.Fallback || res.FallbackRef.MessageID == 0 {
		t.Fatalf("result = %+v, want fallback", res)
	}
	if tr.polls != 5 {
		t.Fatalf("poll attempts = %d, want 5", tr.polls)
	}
	if len(tr.texts) != 1 {
		t.Fatalf("texts = %d, want 1", len(tr.texts))
	}
	text := tr.texts[0].text
	for _, want := range []string{"❓ Capital of France?", "A. Paris", "B. Rome", "C. Berlin", "⏰ Timer: 15 seconds"} {
		if strings.Count(text, want) != 1 {
			t.Fatalf("fallback text missing %q exactly once:\n%s", want, text)
		}
	}
}

func TestSendPollSemanticFallsBackImmediately(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{pollErrs: []error{&kit.APIError{Code: 400, Description: "Bad Request: poll can't have more than 10 options"}}}
	s := newSender(t, tr)

	res, err := s.SendPoll(context.Background(), kit.ChatTarget{ChatID: 1}, kit.Poll{Question: "q", Options: []string{"x", "y"}})
	if err != nil {
		t.Fatalf("SendPoll: %v", err)
	}
	if !res.Fallback || tr.polls != 1 {
		t.Fatalf("fallback=%v polls=%d, want true 1", res.Fallback, tr.polls)
	}
}

func TestSendTextPlainFallback(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{textErrs: []error{&kit.APIError{Code: 400, Description: "Bad Request: can't parse entities"}}}
	s := newSender(t, tr)

	_, err := s.SendText(context.Background(), kit.ChatTarget{ChatID: 1}, "<b>Top</b> &amp; more", &kit.SendOptions{ParseMode: "HTML"})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(tr.texts) != 1 {
		t.Fatalf("texts = %d, want 1", len(tr.texts))
	}
	got := tr.texts[0]
	if got.text != "Top & more" || got.opt.ParseMode != "" {
		t.Fatalf("plain fallback = %q (%q), want %q without parse mode", got.text, got.opt.ParseMode, "Top & more")
	}
}

func TestSendTextPlainHasNoFallback(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{textErrs: []error{&kit.APIError{Code: 403, Description: "Forbidden: bot was blocked by the user"}}}
	s := newSender(t, tr)

	if _, err := s.SendText(context.Background(), kit.ChatTarget{ChatID: 1}, "hello", nil); err == nil {
		t.Fatal("SendText succeeded, want error")
	}
	if len(tr.texts) != 0 {
		t.Fatalf("texts = %d, want 0", len(tr.texts))
	}
}

func TestRetryHonoursContext(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{textErrs: []error{errNetwork, errNetwork, errNetwork, errNetwork, errNetwork}}
	// Real-time backoff that will never elapse during the test.
	s := New(Config{Attempts: 5, BackoffBase: time.Hour}, tr, logx.Nop(), WithClock(clockwork.NewFakeClock()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.SendText(ctx, kit.ChatTarget{ChatID: 1}, "x", nil)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendText did not return after cancel")
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	s := New(Config{BackoffBase: time.Second, BackoffMax: 5 * time.Second}, &fakeTransport{}, logx.Nop())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := s.backoff(i); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestFallbackTextWithoutTimer(t *testing.T) {
	t.Parallel()
	got := FallbackText(kit.Poll{Question: "Pick", Options: []string{"one", "two"}})
	want := "❓ Pick\n\nOptions:\nA. one\nB. two\n\n⚠️ Poll failed due to server issues - please answer in chat."
	if got != want {
		t.Fatalf("FallbackText = %q, want %q", got, want)
	}
}
