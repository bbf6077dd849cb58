package sequence

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"timerquiz/internal/delivery"
	"timerquiz/internal/notifier"
	"timerquiz/internal/storage"
	logx "timerquiz/pkg/logx"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	block   map[string]chan struct{}
	fail    map[string]bool
	started chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{block: map[string]chan struct{}{}, fail: map[string]bool{}, started: make(chan string, 16)}
}

func (f *fakeRunner) Run(ctx context.Context, req delivery.Request) delivery.Result {
	f.mu.Lock()
	f.calls = append(f.calls, req.ContentRef)
	ch := f.block[req.ContentRef]
	failed := f.fail[req.ContentRef]
	f.mu.Unlock()
	f.started <- req.ContentRef
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return delivery.Result{Err: ctx.Err()}
		}
	}
	if failed {
		return delivery.Result{Err: delivery.ErrNothingPosted}
	}
	return delivery.Result{OK: true, Posted: 1}
}

func (f *fakeRunner) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
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

func (f *fakeNotifier) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.notices))
	for _, n := range f.notices {
		out = append(out, n.Text)
	}
	return out
}

// heldContent counts outstanding cache references per ref.
type heldContent struct {
	mu   sync.Mutex
	held map[string]int
	bad  string
}

func (c *heldContent) Fetch(ctx context.Context, ref string) (string, error) {
	if ref == c.bad {
		return "", errors.New("not found")
	}
	c.mu.Lock()
	c.held[ref]++
	c.mu.Unlock()
	return "/tmp/" + ref, nil
}

func (c *heldContent) Release(ref string) error {
	c.mu.Lock()
	c.held[ref]--
	c.mu.Unlock()
	return nil
}

type harness struct {
	store  storage.Store
	runner *fakeRunner
	notes  *fakeNotifier
	orch   *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "seq.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClock()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			clock.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}()
	t.Cleanup(func() { close(stop) })

	h := &harness{store: st, runner: newFakeRunner(), notes: &fakeNotifier{}}
	h.orch = New(Config{}, Deps{
		Store:    st,
		Runner:   h.runner,
		Notifier: h.notes,
	}, logx.Nop(), WithClock(clock))
	return h
}

func (h *harness) save(t *testing.T, id string, quizzes ...storage.SequenceQuiz) {
	t.Helper()
	err := h.store.SaveSequence(context.Background(), storage.Sequence{
		ID:           id,
		Owner:        7,
		Name:         "Weekly",
		TargetChatID: -100,
		ScheduledAt:  time.Now(),
		Quizzes:      quizzes,
	})
	if err != nil {
		t.Fatalf("SaveSequence: %v", err)
	}
}

func (h *harness) execute(id string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.orch.Execute(context.Background(), id) }()
	return done
}

func (h *harness) load(t *testing.T, id string) storage.Sequence {
	t.Helper()
	seq, err := h.store.LoadSequence(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadSequence: %v", err)
	}
	return seq
}

func quiz(ref string, gap int) storage.SequenceQuiz {
	return storage.SequenceQuiz{ContentRef: ref, TimerSeconds: 10, GapSeconds: gap, Status: storage.QuizPending}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return")
		return nil
	}
}

func waitStarted(t *testing.T, r *fakeRunner, want string) {
	t.Helper()
	select {
	case got := <-r.started:
		if got != want {
			t.Fatalf("started %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%q never started", want)
	}
}

func TestExecuteRunsInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.fail["b.json"] = true
	h.save(t, "s1", quiz("a.json", 5), quiz("b.json", 60), quiz("c.json", 0))

	if err := waitDone(t, h.execute("s1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.Join(h.runner.called(), ","); got != "a.json,b.json,c.json" {
		t.Fatalf("run order = %s", got)
	}
	seq := h.load(t, "s1")
	if seq.Status != storage.SequenceCompleted {
		t.Fatalf("status = %s, want completed", seq.Status)
	}
	want := []storage.QuizStatus{storage.QuizCompleted, storage.QuizFailed, storage.QuizCompleted}
	for i, q := range seq.Quizzes {
		if q.Status != want[i] {
			t.Fatalf("quiz %d status = %s, want %s", i, q.Status, want[i])
		}
	}
	// b failed, so its long gap was skipped and no warning went out.
	if n := len(h.notes.texts()); n != 0 {
		t.Fatalf("notices = %d, want 0", n)
	}

	// Running a terminal sequence again does nothing.
	if err := h.orch.Execute(context.Background(), "s1"); err != nil {
		t.Fatalf("Execute completed: %v", err)
	}
	if n := len(h.runner.called()); n != 3 {
		t.Fatalf("runs = %d, want 3", n)
	}
}

func TestExecuteWarnsBeforeLongGap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	next := quiz("b.json", 0)
	next.Name = "Geography"
	next.TimerSeconds = 20
	h.save(t, "s2", quiz("a.json", 45), next)

	if err := waitDone(t, h.execute("s2")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	texts := h.notes.texts()
	if len(texts) != 1 {
		t.Fatalf("notices = %v, want one warning", texts)
	}
	for _, want := range []string{"Next quiz starts in 30 seconds", "Quiz 2: Geography", "Timer: 20s"} {
		if !strings.Contains(texts[0], want) {
			t.Fatalf("warning %q missing %q", texts[0], want)
		}
	}
}

func TestPauseHoldsNextQuiz(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	h.runner.block["a.json"] = release
	h.save(t, "s3", quiz("a.json", 0), quiz("b.json", 0))
	ctx := context.Background()

	done := h.execute("s3")
	waitStarted(t, h.runner, "a.json")
	if err := h.orch.Pause(ctx, "s3"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)

	// The in-flight quiz finishes; the next one waits.
	deadline := time.Now().Add(5 * time.Second)
	for h.load(t, "s3").Quizzes[0].Status != storage.QuizCompleted {
		if time.Now().After(deadline) {
			t.Fatal("in-flight quiz did not complete while paused")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := h.runner.called(); len(got) != 1 {
		t.Fatalf("runs while paused = %v", got)
	}
	if st := h.load(t, "s3").Status; st != storage.SequencePaused {
		t.Fatalf("status = %s, want paused", st)
	}
	if err := h.orch.Resume(ctx, "s3"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if st := h.load(t, "s3").Status; st != storage.SequenceCompleted {
		t.Fatalf("status = %s, want completed", st)
	}
	if err := h.orch.Resume(ctx, "s3"); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("Resume completed err = %v, want ErrNotPaused", err)
	}
}

func TestPauseDuringLastQuizCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	h.runner.block["a.json"] = release
	h.save(t, "s8", quiz("a.json", 0))
	ctx := context.Background()

	done := h.execute("s8")
	waitStarted(t, h.runner, "a.json")
	if err := h.orch.Pause(ctx, "s8"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	seq := h.load(t, "s8")
	if seq.Status != storage.SequenceCompleted {
		t.Fatalf("status = %s, want completed", seq.Status)
	}
	if seq.Quizzes[0].Status != storage.QuizCompleted {
		t.Fatalf("quiz status = %s, want completed", seq.Quizzes[0].Status)
	}
	if h.orch.Registry().IsPaused("s8") || h.orch.Registry().IsActive("s8") {
		t.Fatal("registry still tracks a finished sequence")
	}
	if err := h.orch.Resume(ctx, "s8"); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("Resume completed err = %v, want ErrNotPaused", err)
	}
}

func TestCancelStopsSequence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	h.runner.block["a.json"] = release
	h.save(t, "s4", quiz("a.json", 0), quiz("b.json", 0))
	ctx := context.Background()

	done := h.execute("s4")
	waitStarted(t, h.runner, "a.json")
	if !h.orch.Registry().IsActive("s4") {
		t.Fatal("sequence not registered as active")
	}
	if err := h.orch.Cancel(ctx, "s4"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	seq := h.load(t, "s4")
	if seq.Status != storage.SequenceCancelled {
		t.Fatalf("status = %s, want cancelled", seq.Status)
	}
	if seq.Quizzes[0].Status != storage.QuizCompleted || seq.Quizzes[1].Status != storage.QuizPending {
		t.Fatalf("quizzes = %+v", seq.Quizzes)
	}
	if got := h.runner.called(); len(got) != 1 {
		t.Fatalf("runs = %v, want only a.json", got)
	}
	if h.orch.Registry().IsActive("s4") {
		t.Fatal("sequence still active after return")
	}
	if err := h.orch.Pause(ctx, "s4"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Pause cancelled err = %v, want ErrNotRunning", err)
	}
}

func TestRecoverResumesAfterInterruptedQuiz(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	a, b, c := quiz("a.json", 0), quiz("b.json", 0), quiz("c.json", 0)
	a.Status = storage.QuizCompleted
	b.Status = storage.QuizRunning
	h.save(t, "s5", a, b, c)
	if err := h.store.UpdateSequenceStatus(ctx, "s5", storage.SequenceRunning); err != nil {
		t.Fatalf("UpdateSequenceStatus: %v", err)
	}
	if err := h.store.UpdateSequenceProgress(ctx, "s5", 1, []storage.SequenceQuiz{a, b, c}); err != nil {
		t.Fatalf("UpdateSequenceProgress: %v", err)
	}
	h.save(t, "done", quiz("x.json", 0))

	seqs, err := h.orch.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(seqs) != 1 || seqs[0].ID != "s5" {
		t.Fatalf("recovered = %+v, want only s5", seqs)
	}
	if st := h.load(t, "s5").Quizzes[1].Status; st != storage.QuizFailed {
		t.Fatalf("interrupted quiz = %s, want failed", st)
	}

	if err := waitDone(t, h.execute("s5")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.Join(h.runner.called(), ","); got != "c.json" {
		t.Fatalf("runs after recover = %s, want c.json", got)
	}
	if st := h.load(t, "s5").Status; st != storage.SequenceCompleted {
		t.Fatalf("status = %s, want completed", st)
	}
}

func TestExecuteRejectsDoubleRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	h.runner.block["a.json"] = release
	h.save(t, "s6", quiz("a.json", 0))

	done := h.execute("s6")
	waitStarted(t, h.runner, "a.json")
	if err := h.orch.Execute(context.Background(), "s6"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Execute err = %v, want ErrAlreadyRunning", err)
	}
	close(release)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	cancelled := false
	if !r.Begin("a", func() { cancelled = true }) {
		t.Fatal("Begin a = false")
	}
	if r.Begin("a", nil) {
		t.Fatal("second Begin a = true")
	}
	r.Begin("b", nil)
	r.Pause("a")
	if !r.IsPaused("a") {
		t.Fatal("a not paused")
	}
	if got := strings.Join(r.Active(), ","); got != "a,b" {
		t.Fatalf("Active = %s", got)
	}
	if !r.Cancel("a") || !cancelled {
		t.Fatal("Cancel a did not call cancel")
	}
	if r.IsPaused("a") {
		t.Fatal("cancel left a paused")
	}
	if r.Resume("b") {
		t.Fatal("Resume b = true, want false")
	}
	r.End("a")
	if r.IsActive("a") || r.Cancel("zzz") {
		t.Fatal("unexpected active state")
	}
}

func TestExecuteReleasesOnlyWhatItFetched(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := &heldContent{held: map[string]int{}, bad: "missing.json"}
	h.orch.d.Content = c

	done := quiz("done.json", 0)
	done.Status = storage.QuizCompleted
	h.save(t, "s9", done, quiz("a.json", 0), quiz("a.json", 0), quiz("missing.json", 0))
	if err := waitDone(t, h.execute("s9")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, n := range c.held {
		if n != 0 {
			t.Fatalf("held[%s] = %d after Execute, want 0", ref, n)
		}
	}
	if _, ok := c.held["done.json"]; ok {
		t.Fatal("released a ref that was never fetched")
	}
}
