package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"timerquiz/internal/storage"
)

func TestWriteSchedules(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeSchedules(&buf, nil, nil, time.UTC)
	if got := strings.TrimSpace(buf.String()); got != "nothing scheduled" {
		t.Fatalf("empty = %q, want %q", got, "nothing scheduled")
	}

	buf.Reset()
	at := time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC)
	writeSchedules(&buf,
		[]storage.Schedule{{ID: "ab12cd34", ContentRef: "geo.json", ScheduledAt: at, TargetChatID: -100, TimerSeconds: 15}},
		[]storage.Sequence{{ID: "seq-1", Name: "Night", Status: storage.SequencePaused, ScheduledAt: at, TargetChatID: -100,
			Quizzes: []storage.SequenceQuiz{{ContentRef: "a.json"}, {ContentRef: "b.json"}}}},
		time.UTC)
	out := buf.String()
	for _, want := range []string{"ab12cd34", "2026-05-02 18:00 UTC", "geo.json (15s)", "sequence/paused", "Night: a.json, b.json"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteDeadLetters(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeDeadLetters(&buf, []storage.DeadLetter{{ScheduleID: "x1", ContentRef: "q.json", Attempts: 4, Reason: "missed"}}, time.UTC)
	if out := buf.String(); !strings.Contains(out, "x1") || !strings.Contains(out, "missed") {
		t.Fatalf("output = %q", out)
	}
}

func TestCheckCmd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	cfg := `{"telegram":{"token":"t"},"storage":{"driver":"sqlite","path":"` + filepath.Join(dir, "q.db") + `"},"content":{"source":"dir","dir":"` + dir + `"}}`
	if err := os.WriteFile(good, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"telegram":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path    string
		wantErr bool
	}{
		{good, false},
		{bad, true},
		{filepath.Join(dir, "missing.json"), true},
	}
	for _, tt := range tests {
		path := tt.path
		cmd := NewCheckCmd(&path)
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(nil)
		err := cmd.Execute()
		if (err != nil) != tt.wantErr {
			t.Fatalf("check %s err = %v, wantErr %v", filepath.Base(tt.path), err, tt.wantErr)
		}
		if !tt.wantErr && !strings.Contains(out.String(), "config ok") {
			t.Fatalf("check output = %q", out.String())
		}
	}
}
