package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "timerquiz/internal/transport"
)

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"2026-01-01T00:00:00Z","message":"question skipped","comp":"delivery","index":3}` + "\n")
	got := formatChatLine(line)
	want := "[WARN] question skipped\n- comp=delivery\n- index=3"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
	if got := formatChatLine([]byte("not json")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 2), Err(nil))

	out := buf.String()
	for _, want := range []string{`"comp":"test"`, `"n":2`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
	if strings.Contains(out, `"err"`) {
		t.Fatalf("nil error should not be logged: %q", out)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop should not report IsZero")
	}
}

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func TestChatSinkMinLevel(t *testing.T) {
	t.Parallel()
	snd := &captureSender{}
	svc, log := New(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}}, snd)
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetTelegramTarget(-1001, 0)

	log.Info("quiet")
	log.Warn("loud")

	deadline := time.Now().Add(2 * time.Second)
	for snd.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := snd.count(); n != 1 {
		t.Fatalf("sent %d lines, want 1", n)
	}
}
