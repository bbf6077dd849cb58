package app

import (
	"strings"
	"testing"
	"time"

	"timerquiz/internal/config"
	"timerquiz/internal/planner"
	"timerquiz/internal/storage"
	kit "timerquiz/internal/transport"
	"timerquiz/internal/transport/telegram/router"
)

func TestParseQuizArg(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    planner.QuizSpec
		wantErr bool
	}{
		{in: "maths.json", want: planner.QuizSpec{ContentRef: "maths.json", TimerSeconds: 10, GapSeconds: 60}},
		{in: "maths.json:30", want: planner.QuizSpec{ContentRef: "maths.json", TimerSeconds: 30, GapSeconds: 60}},
		{in: "maths.json:30:3", want: planner.QuizSpec{ContentRef: "maths.json", TimerSeconds: 30, GapSeconds: 180}},
		{in: "drive:abc:15", want: planner.QuizSpec{ContentRef: "drive:abc", TimerSeconds: 15, GapSeconds: 60}},
		{in: "42", want: planner.QuizSpec{ContentRef: "42", TimerSeconds: 10, GapSeconds: 60}},
		{in: ":30", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseQuizArg(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseQuizArg(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("parseQuizArg(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestTargetFor(t *testing.T) {
	t.Parallel()

	cfgm := config.NewConfigManager("")
	cfgm.Commit(&config.Config{Delivery: config.DeliveryConfig{TargetChatID: -100}})
	a := &App{cfgm: cfgm}

	req := &router.Request{Chat: kit.ChatTarget{ChatID: 7}, Flags: map[string]string{}}
	if got, _ := a.targetFor(req); got != -100 {
		t.Fatalf("targetFor = %d, want -100", got)
	}
	req.Flags["chat"] = "-555"
	if got, _ := a.targetFor(req); got != -555 {
		t.Fatalf("targetFor(--chat) = %d, want -555", got)
	}
	req.Flags["chat"] = "nope"
	if _, err := a.targetFor(req); err == nil {
		t.Fatalf("targetFor(--chat=nope) err = nil, want error")
	}

	bare := &App{}
	req = &router.Request{Chat: kit.ChatTarget{ChatID: 7}}
	if got, _ := bare.targetFor(req); got != 7 {
		t.Fatalf("targetFor without config = %d, want 7", got)
	}
}

func TestFormatSchedules(t *testing.T) {
	t.Parallel()

	a := &App{}
	if got := a.formatSchedules(nil, 1); got != "📭 No schedules found." {
		t.Fatalf("empty = %q", got)
	}

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	list := make([]storage.Schedule, listPageSize+2)
	for i := range list {
		list[i] = storage.Schedule{ID: "id" + string(rune('a'+i)), ContentRef: "q<" + string(rune('a'+i)) + ">", ScheduledAt: at, TimerSeconds: 10}
	}
	first := a.formatSchedules(list, 1)
	if !strings.Contains(first, "q&lt;a&gt;") {
		t.Fatalf("ref not escaped: %q", first)
	}
	if !strings.Contains(first, "/schedules 2") {
		t.Fatalf("missing next page hint: %q", first)
	}
	second := a.formatSchedules(list, 2)
	if !strings.HasPrefix(strings.SplitN(second, "\n\n", 2)[1], "16.") {
		t.Fatalf("page 2 numbering: %q", second)
	}
	if strings.Contains(second, "/schedules 3") {
		t.Fatalf("unexpected next page hint on last page")
	}
}

func TestFormatSequenceMarkers(t *testing.T) {
	t.Parallel()

	a := &App{}
	out := a.formatSequence(storage.Sequence{
		ID: "s1", Name: "Evening", Status: storage.SequenceRunning,
		Quizzes: []storage.SequenceQuiz{
			{ContentRef: "a.json", TimerSeconds: 10, GapSeconds: 120, Status: storage.QuizCompleted},
			{ContentRef: "b.json", TimerSeconds: 20, GapSeconds: 90, Status: storage.QuizRunning},
			{ContentRef: "c.json", TimerSeconds: 30, Status: storage.QuizPending},
		},
	})
	for _, want := range []string{"✅ 1. a.json", "⏳ 2 min", "▶️ 2. b.json", "⏳ 1m30s", "▫️ 3. c.json · ⏰ 30s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("formatSequence missing %q in:\n%s", want, out)
		}
	}
	if strings.HasSuffix(out, "\n") {
		t.Fatalf("trailing newline")
	}
}

func TestMapSchedulerDefaults(t *testing.T) {
	t.Parallel()

	sc, err := mapScheduler(&config.Config{})
	if err != nil {
		t.Fatalf("mapScheduler: %v", err)
	}
	if sc.Reconcile != defaultReconcile {
		t.Fatalf("Reconcile = %q, want %q", sc.Reconcile, defaultReconcile)
	}
	if _, err := mapScheduler(&config.Config{Scheduler: config.SchedulerConfig{Reconcile: "every now and then"}}); err == nil {
		t.Fatalf("bad reconcile accepted")
	}
}

func TestMapDurations(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		TaskEngine: config.TaskEngineConfig{RetryMax: 4, RetryBase: "3s"},
		Outbound:   config.OutboundConfig{Attempts: 2, Timeout: "5s", BackoffMax: "bogus"},
	}
	ec, err := mapTaskEngine(cfg)
	if err != nil {
		t.Fatalf("mapTaskEngine: %v", err)
	}
	if ec.Workers != defaultEngineWorkers || ec.RetryBase != 3*time.Second {
		t.Fatalf("engine = %+v", ec)
	}
	pc, err := mapPlanner(cfg)
	if err != nil || pc.RetryMax != 4 {
		t.Fatalf("mapPlanner = %+v, %v", pc, err)
	}
	if _, err := mapOutbound(cfg); err == nil || !strings.Contains(err.Error(), "outbound.backoff_max") {
		t.Fatalf("mapOutbound err = %v, want backoff_max error", err)
	}
}

func TestGroupLogChat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{"", 0, false},
		{"  -1001234 ", -1001234, true},
		{"@channel", 0, false},
	}
	for _, tt := range tests {
		id, ok := groupLogChat(&config.Config{Telegram: config.TelegramConfig{GroupLog: tt.raw}})
		if id != tt.want || ok != tt.ok {
			t.Fatalf("groupLogChat(%q) = %d, %v, want %d, %v", tt.raw, id, ok, tt.want, tt.ok)
		}
	}
}

func TestOpenScoreboardDisabled(t *testing.T) {
	t.Parallel()

	rdb, sink := openScoreboard(&config.Config{})
	if rdb != nil || sink != nil {
		t.Fatalf("openScoreboard without addr = %v, %v, want nil", rdb, sink)
	}
}
