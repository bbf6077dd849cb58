package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"timerquiz/internal/content"
	"timerquiz/internal/notifier"
	"timerquiz/internal/outbound"
	"timerquiz/internal/polls"
	"timerquiz/internal/scoreboard"
	kit "timerquiz/internal/transport"
	logx "timerquiz/pkg/logx"
)

const twoQuestions = `{
  "title": "Capitals",
  "questions": [
    {"question": "Capital of France?", "options": ["Paris", "Rome", "Oslo"], "correct": 0, "explanation": "Paris."},
    {"question": "Capital of Italy?", "options": ["Paris", "Rome"], "correct": 1}
  ]
}`

type call struct {
	kind string // text, poll, edit
	text string
}

type fakeSender struct {
	mu        sync.Mutex
	calls     []call
	polls     int
	failText  func(text string) bool
	pollFalls bool
	editErr   error
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failText != nil && f.failText(text) {
		return kit.MessageRef{}, errors.New("send failed")
	}
	f.calls = append(f.calls, call{"text", text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.calls)}, nil
}

func (f *fakeSender) SendPoll(ctx context.Context, to kit.ChatTarget, p kit.Poll) (outbound.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollFalls {
		f.calls = append(f.calls, call{"text", outbound.FallbackText(p)})
		return outbound.PollResult{Fallback: true, FallbackRef: kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.calls)}}, nil
	}
	f.calls = append(f.calls, call{"poll", p.Question + " " + strings.Join(p.Options, ",")})
	return outbound.PollResult{Ref: kit.PollRef{PollID: fmt.Sprintf("poll-%d", f.polls)}}, nil
}

func (f *fakeSender) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.calls = append(f.calls, call{"edit", text})
	return nil
}

func (f *fakeSender) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notifier.Notice
}

func (f *fakeNotifier) Notify(ctx context.Context, n notifier.Notice) error {
	f.mu.Lock()
	f.notices = append(f.notices, n)
	f.mu.Unlock()
	return nil
}

type harness struct {
	eng    *Engine
	sender *fakeSender
	notes  *fakeNotifier
	polls  *polls.Tracker
	board  *scoreboard.Aggregator
	cache  *content.Cache
}

func newHarness(t *testing.T, quizJSON string, answers map[string][]kit.PollAnswer) *harness {
	t.Helper()
	lib := t.TempDir()
	if err := os.WriteFile(filepath.Join(lib, "quiz.json"), []byte(quizJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	cache, err := content.NewCache(t.TempDir(), content.DirSource{Root: lib}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		sender: &fakeSender{},
		notes:  &fakeNotifier{},
		polls:  polls.NewTracker(),
		board:  scoreboard.New(logx.Nop()),
		cache:  cache,
	}
	fc := clockwork.NewFakeClock()
	h.eng = New(Config{}, Deps{
		Content:    cache,
		Sender:     h.sender,
		Polls:      h.polls,
		Scoreboard: h.board,
		Notifier:   h.notes,
	}, logx.Nop(), WithClock(fc))
	drive(t, fc, h.polls, h.eng, answers)
	return h
}

// drive advances the fake clock and delivers scripted answers as soon as
// their poll is live. Answers are handed over before the clock moves on,
// so they always land inside the poll window.
func drive(t *testing.T, fc *clockwork.FakeClock, tr *polls.Tracker, eng *Engine, answers map[string][]kit.PollAnswer) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	pending := map[string][]kit.PollAnswer{}
	for id, as := range answers {
		pending[id] = as
	}
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			for id, as := range pending {
				if _, ok := tr.Resolve(id); ok {
					for _, a := range as {
						eng.HandleAnswer(a)
					}
					delete(pending, id)
				}
			}
			fc.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}()
}

func answer(poll string, user int64, name string, opt int) kit.PollAnswer {
	return kit.PollAnswer{PollID: poll, UserID: user, FirstName: name, Options: []int{opt}}
}

func run(t *testing.T, h *harness, req Request) Result {
	t.Helper()
	done := make(chan Result, 1)
	go func() { done <- h.eng.Run(context.Background(), req) }()
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not finish")
		return Result{}
	}
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, twoQuestions, map[string][]kit.PollAnswer{
		"poll-1": {answer("poll-1", 1, "Ada", 0), answer("poll-1", 2, "Grace", 0)},
		"poll-2": {answer("poll-2", 1, "Ada", 1), answer("poll-2", 2, "Grace", 0)},
	})

	res := run(t, h, Request{ContentRef: "quiz.json", Target: kit.ChatTarget{ChatID: -100}, Owner: 7, TimerSeconds: 10})
	if !res.OK || res.Posted != 2 || res.Skipped != 0 || res.Participants != 2 || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}

	calls := h.sender.snapshot()
	var kinds []string
	for _, c := range calls {
		kinds = append(kinds, c.kind)
	}
	want := []string{"text", "text", "poll", "edit", "text", "poll", "edit", "text"}
	if strings.Join(kinds, " ") != strings.Join(want, " ") {
		t.Fatalf("call kinds = %v, want %v", kinds, want)
	}
	if !strings.HasPrefix(calls[0].text, "🎯 Capitals\n\n📊 Total Questions: 2\n⏰ Timer: 10 seconds per question") {
		t.Fatalf("announcement = %q", calls[0].text)
	}
	if !strings.Contains(calls[1].text, "<b>Question 1/2</b>") || !strings.Contains(calls[1].text, "<b>C.</b> Oslo") {
		t.Fatalf("question message = %q", calls[1].text)
	}
	if calls[2].text != "Q1: Choose your answer A,B,C" {
		t.Fatalf("poll = %q", calls[2].text)
	}
	if !strings.Contains(calls[3].text, "💡 <b>Explanation:</b>\nParis.") {
		t.Fatalf("edit = %q", calls[3].text)
	}
	if !strings.Contains(calls[6].text, "No explanation provided") {
		t.Fatalf("second edit = %q", calls[6].text)
	}

	board := calls[7].text
	ada, grace := strings.Index(board, "Ada"), strings.Index(board, "Grace")
	if ada < 0 || grace < 0 || ada > grace {
		t.Fatalf("scoreboard order wrong:\n%s", board)
	}
	for _, s := range []string{"2/2 correct", "1/2 correct"} {
		if !strings.Contains(board, s) {
			t.Fatalf("scoreboard missing %q:\n%s", s, board)
		}
	}

	if len(h.notes.notices) != 1 || h.notes.notices[0].ChatID != 7 {
		t.Fatalf("owner notices = %+v", h.notes.notices)
	}
	if h.polls.Len() != 0 {
		t.Fatalf("polls still tracked: %d", h.polls.Len())
	}
	if _, ok := h.board.Summary(res.SessionKey); ok {
		t.Fatal("session not finished")
	}
}

func TestRunPollFallbackIsNotTracked(t *testing.T) {
	t.Parallel()
	h := newHarness(t, twoQuestions, nil)
	h.sender.pollFalls = true

	res := run(t, h, Request{ContentRef: "quiz.json", Target: kit.ChatTarget{ChatID: 5}, Owner: 5})
	if !res.OK || res.Posted != 2 || res.Participants != 0 {
		t.Fatalf("result = %+v", res)
	}
	calls := h.sender.snapshot()
	if !strings.Contains(calls[2].text, "A. Paris\nB. Rome\nC. Oslo") {
		t.Fatalf("fallback text = %q", calls[2].text)
	}
	if last := calls[len(calls)-1].text; !strings.Contains(last, "No participants found") {
		t.Fatalf("scoreboard = %q", last)
	}
	if len(h.notes.notices) != 0 {
		t.Fatal("owner noticed although owner is the target")
	}
}

func TestRunSkipsBadQuestions(t *testing.T) {
	t.Parallel()
	quiz := `{"title":"Mixed","questions":[
		{"question":"Only one option","options":["x"]},
		{"question":"Unlucky","options":["a","b"]},
		{"question":"Fine","options":["a","b"]}
	]}`
	h := newHarness(t, quiz, nil)
	h.sender.failText = func(text string) bool { return strings.Contains(text, "Unlucky") }
	h.sender.editErr = errors.New("message to edit not found")

	res := run(t, h, Request{ContentRef: "quiz.json", Target: kit.ChatTarget{ChatID: 5}})
	if !res.OK || res.Posted != 1 || res.Skipped != 2 {
		t.Fatalf("result = %+v", res)
	}
	found := false
	for _, c := range h.sender.snapshot() {
		if strings.Contains(c.text, "💡 <b>Explanation for Question 3:</b>") {
			found = true
		}
	}
	if !found {
		t.Fatal("explanation was not sent as a new message after edit failure")
	}
}

func TestRunEmptyQuiz(t *testing.T) {
	t.Parallel()
	h := newHarness(t, `{"title":"Empty","questions":[]}`, nil)
	res := run(t, h, Request{ContentRef: "quiz.json", Target: kit.ChatTarget{ChatID: 5}})
	if res.OK || !errors.Is(res.Err, content.ErrNoQuestions) {
		t.Fatalf("result = %+v", res)
	}
	calls := h.sender.snapshot()
	if len(calls) != 1 || calls[0].text != "❌ No questions found in this quiz." {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestRunMissingContent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, twoQuestions, nil)
	res := run(t, h, Request{ContentRef: "nope.json", Target: kit.ChatTarget{ChatID: 5}})
	if res.OK || !errors.Is(res.Err, content.ErrNotFound) {
		t.Fatalf("result = %+v", res)
	}
	if len(h.sender.snapshot()) != 0 {
		t.Fatal("messages sent for missing content")
	}
}

func TestHandleAnswer(t *testing.T) {
	t.Parallel()
	tr := polls.NewTracker()
	board := scoreboard.New(logx.Nop())
	eng := New(Config{}, Deps{Polls: tr, Scoreboard: board}, logx.Nop())

	board.StartSession("a", "A", 1)
	board.StartSession("b", "B", 1)
	tr.Register("p-a", polls.Entry{SessionKey: "a", CorrectOption: 2})

	eng.HandleAnswer(answer("p-a", 1, "Ada", 2))
	eng.HandleAnswer(kit.PollAnswer{PollID: "p-a", UserID: 2})
	eng.HandleAnswer(answer("unknown", 3, "Eve", 0))

	a, _ := board.Summary("a")
	if len(a.Standings) != 1 || a.Standings[0].Correct != 1 {
		t.Fatalf("session a = %+v", a.Standings)
	}
	b, _ := board.Summary("b")
	if len(b.Standings) != 0 {
		t.Fatalf("session b touched: %+v", b.Standings)
	}
}

func TestScoreboardFallsBackThroughTiers(t *testing.T) {
	t.Parallel()
	sum := scoreboard.Summary{
		Title:     "Capitals",
		Questions: 2,
		Average:   75,
		Standings: []scoreboard.Standing{
			{Participant: scoreboard.Participant{ID: 1, Name: "Ada"}, Correct: 2, Answered: 2},
			{Participant: scoreboard.Participant{ID: 2, Name: "Grace"}, Correct: 1, Answered: 2},
		},
	}
	isHTML := func(text string) bool { return strings.Contains(text, "<b>") }
	isPlain := func(text string) bool { return strings.Contains(text, "Final Results") }

	tests := []struct {
		name string
		fail func(text string) bool
		want string
	}{
		{"html accepted", nil, scoreboard.FormatHTML(sum)},
		{"html rejected", isHTML, scoreboard.FormatPlain(sum)},
		{"html and plain rejected", func(text string) bool { return isHTML(text) || isPlain(text) }, scoreboard.FormatMinimal(sum)},
	}
	for _, tt := range tests {
		sender := &fakeSender{failText: tt.fail}
		eng := New(Config{}, Deps{Sender: sender}, logx.Nop())
		eng.sendScoreboard(context.Background(), logx.Nop(), kit.ChatTarget{ChatID: -100}, sum)

		calls := sender.snapshot()
		if len(calls) != 1 || calls[0].text != tt.want {
			t.Fatalf("%s: sent %+v, want one message %q", tt.name, calls, tt.want)
		}
	}

	// Every tier rejected: nothing is sent and nothing panics.
	sender := &fakeSender{failText: func(string) bool { return true }}
	eng := New(Config{}, Deps{Sender: sender}, logx.Nop())
	eng.sendScoreboard(context.Background(), logx.Nop(), kit.ChatTarget{ChatID: -100}, sum)
	if n := len(sender.snapshot()); n != 0 {
		t.Fatalf("sent %d messages, want 0", n)
	}
}
