package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"timerquiz/internal/eventbus"
	"timerquiz/internal/scoreboard"
	"timerquiz/internal/storage"
	"timerquiz/internal/task/scheduler"
	logx "timerquiz/pkg/logx"
)

type fakeSource struct {
	owner int64
	limit int
}

func (f *fakeSource) List(ctx context.Context, owner int64) ([]storage.Schedule, error) {
	f.owner = owner
	return []storage.Schedule{{ID: "abc12345", ContentRef: "cells.json", Owner: owner, Status: storage.SchedulePending, TimerSeconds: 15}}, nil
}

func (f *fakeSource) ListSequences(ctx context.Context, owner int64) ([]storage.Sequence, error) {
	return nil, errors.New("db locked")
}

func (f *fakeSource) DeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	f.limit = limit
	return []storage.DeadLetter{{ID: 1, ScheduleID: "abc12345", Attempts: 4, Reason: "missed"}}, nil
}

func newServer(t *testing.T, token string) (*httptest.Server, *fakeSource, eventbus.Bus) {
	t.Helper()
	src := &fakeSource{}
	bus := eventbus.New()
	s := New(Config{}, src, bus, logx.Nop())
	ts := httptest.NewServer(s.Handler(token, true))
	t.Cleanup(ts.Close)
	return ts, src, bus
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAPI(t *testing.T) {
	t.Parallel()
	ts, src, _ := newServer(t, "secret")

	tests := []struct {
		path  string
		token string
		want  int
	}{
		{"/healthz", "", http.StatusOK},
		{"/api/schedules", "", http.StatusUnauthorized},
		{"/api/schedules", "wrong", http.StatusUnauthorized},
		{"/api/schedules?owner=42", "secret", http.StatusOK},
		{"/api/schedules?owner=abc", "secret", http.StatusBadRequest},
		{"/api/sequences", "secret", http.StatusInternalServerError},
		{"/api/deadletters?limit=5", "secret", http.StatusOK},
		{"/api/deadletters?token=secret", "", http.StatusOK},
		{"/debug/pprof/cmdline", "", http.StatusUnauthorized},
		{"/debug/pprof/cmdline", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		resp := get(t, ts.URL+tt.path, tt.token)
		if resp.StatusCode != tt.want {
			t.Fatalf("GET %s status = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
	if src.owner != 42 {
		t.Fatalf("owner filter = %d, want 42", src.owner)
	}

	resp := get(t, ts.URL+"/api/schedules?owner=7", "secret")
	var out []scheduleView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].ID != "abc12345" || out[0].Status != "pending" || out[0].Owner != 7 {
		t.Fatalf("schedules = %+v", out)
	}
}

type fakeTimers struct{}

func (fakeTimers) Pending() []scheduler.Job {
	return []scheduler.Job{{ID: "abc12345", Kind: "delivery", FireAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}}
}

func (fakeTimers) Running() []string { return []string{"seq:s1"} }

type fakeHistory struct{ n int }

func (f *fakeHistory) Recent(ctx context.Context, n int) ([]scoreboard.Summary, error) {
	f.n = n
	return []scoreboard.Summary{{Key: "abc12345", Title: "Rivers", Questions: 3}}, nil
}

func TestRuntimeAndSessions(t *testing.T) {
	t.Parallel()

	bare := httptest.NewServer(New(Config{}, &fakeSource{}, nil, logx.Nop()).Handler("", false))
	t.Cleanup(bare.Close)
	for _, path := range []string{"/api/runtime", "/api/sessions"} {
		if resp := get(t, bare.URL+path, ""); resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("GET %s without source = %d, want 503", path, resp.StatusCode)
		}
	}

	hist := &fakeHistory{}
	s := New(Config{}, &fakeSource{}, nil, logx.Nop(),
		WithTimers(fakeTimers{}, func() []string { return []string{"s1"} }),
		WithHistory(hist))
	ts := httptest.NewServer(s.Handler("secret", false))
	t.Cleanup(ts.Close)

	var rt runtimeView
	if err := json.NewDecoder(get(t, ts.URL+"/api/runtime", "secret").Body).Decode(&rt); err != nil {
		t.Fatalf("decode runtime: %v", err)
	}
	if len(rt.Armed) != 1 || rt.Armed[0].ID != "abc12345" || rt.Armed[0].Kind != "delivery" {
		t.Fatalf("armed = %+v", rt.Armed)
	}
	if len(rt.Firing) != 1 || len(rt.Sequences) != 1 || rt.Sequences[0] != "s1" {
		t.Fatalf("runtime = %+v", rt)
	}

	var sums []scoreboard.Summary
	if err := json.NewDecoder(get(t, ts.URL+"/api/sessions?limit=3", "secret").Body).Decode(&sums); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sums) != 1 || sums[0].Title != "Rivers" || hist.n != 3 {
		t.Fatalf("sessions = %+v, limit = %d", sums, hist.n)
	}
	if resp := get(t, ts.URL+"/debug/pprof/cmdline", "secret"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof with profiling off = %d, want 404", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	ts, _, bus := newServer(t, "secret")

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?prefix=sequence.&token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until one lands.
	got := make(chan eventbus.Event, 1)
	go func() {
		var ev eventbus.Event
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
		close(got)
	}()
	deadline := time.After(5 * time.Second)
	for {
		eventbus.Publish(bus, eventbus.DeliveryStarted, eventbus.DeliveryInfo{ContentRef: "skip.json"})
		eventbus.Publish(bus, eventbus.SequenceStatus, eventbus.SequenceInfo{ID: "seq-1", Status: "running"})
		select {
		case ev, ok := <-got:
			if !ok {
				t.Fatal("no event received")
			}
			if ev.Type != eventbus.SequenceStatus {
				t.Fatalf("event type = %q, want %q", ev.Type, eventbus.SequenceStatus)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for event")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, &fakeSource{}, nil, logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("Start err = %v, want ErrInsecureBind", err)
	}

	s = New(Config{Enabled: true, Addr: "127.0.0.1:0"}, &fakeSource{}, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start loopback: %v", err)
	}
	if s.Addr() == "" {
		t.Fatal("no bound addr")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("still bound after Stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:8086": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8086":          false,
		"0.0.0.0:80":     false,
		"10.0.0.5:80":    false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
