package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 10s
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/quiz.db
scheduler:
  timezone: UTC
  reconcile: "@every 1m"
content:
  source: dir
  dir: ./quizzes
`

func TestDecode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		file    string
		data    string
		wantErr string
	}{
		{"yaml", "c.yaml", validYAML, ""},
		{"json", "c.json", `{"telegram":{"token":"x"},"storage":{"driver":"sqlite","path":"a.db"}}`, ""},
		{"unknown key", "c.json", `{"telegram":{"tokn":"x"}}`, "unknown field"},
		{"trailing data", "c.json", `{"telegram":{}} {}`, "trailing data"},
		{"bad yaml", "c.yml", "telegram: [", "yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tt.file, []byte(tt.data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Decode err = %v, want nil", err)
				}
				if cfg.Telegram.Token == "" {
					t.Fatalf("token not decoded")
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Decode err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		cfg, err := Decode("c.yaml", []byte(validYAML))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "file" }, "storage.driver"},
		{"bad duration", func(c *Config) { c.Outbound.BackoffBase = "soon" }, "outbound.backoff_base"},
		{"negative duration", func(c *Config) { c.Sequence.WarningLead = "-1s" }, "sequence.warning_lead"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad reconcile", func(c *Config) { c.Scheduler.Reconcile = "every minute" }, "scheduler.reconcile"},
		{"short reconcile", func(c *Config) { c.Scheduler.Reconcile = "100ms" }, "scheduler.reconcile"},
		{"drive without token", func(c *Config) { c.Content.Source = "drive" }, "content.drive"},
		{"negative redis db", func(c *Config) { c.Scoreboard.RedisDB = -1 }, "scoreboard.redis_db"},
		{"negative workers", func(c *Config) { c.TaskEngine.Workers = -1 }, "task_engine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate err = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a, _ := Decode("c.yaml", []byte(validYAML))
	b, _ := Decode("c.yaml", []byte(validYAML))

	if got, _ := SummarizeConfigChange(a, b); len(got) != 0 {
		t.Fatalf("sections = %v, want none", got)
	}

	b.Telegram.OwnerUserIDs = []int64{42, 43}
	b.Storage.Path = "./other.db"
	b.Status.Token = "s3cret"
	got, attrs := SummarizeConfigChange(a, b)
	want := []string{"status", "storage", "telegram"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", got, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if r := RestartRequired(got); len(r) != 1 || r[0] != "storage" {
		t.Fatalf("RestartRequired = %v, want [storage]", r)
	}

	// An omitted notifier equals the explicit defaults.
	n := DefaultNotifier()
	b2, _ := Decode("c.yaml", []byte(validYAML))
	b2.Notifier = &n
	if got, _ := SummarizeConfigChange(a, b2); len(got) != 0 {
		t.Fatalf("sections = %v, want none", got)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, false},
		{"0s", 5 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{" 2m ", 2 * time.Minute, false},
		{"45", 45 * time.Second, false},
		{"-1s", 0, true},
		{"nope", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, 5*time.Second)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationOrDefault(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Keep rewriting until the watcher is up and picks a change up.
	invalid := strings.Replace(validYAML, "token: \"123:abc\"", "token: \"\"", 1)
	changed := strings.Replace(validYAML, "level: info", "level: debug", 1)
	deadline := time.After(10 * time.Second)
	for {
		_ = os.WriteFile(path, []byte(invalid), 0o600)
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte(changed), 0o600)
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level = %q, want debug", cfg.Logging.Level)
			}
			if m.Get().Logging.Level != "debug" {
				t.Fatalf("committed level = %q, want debug", m.Get().Logging.Level)
			}
			cancel()
			<-done
			return
		case <-deadline:
			t.Fatal("no config published")
		case <-time.After(500 * time.Millisecond):
		}
	}
}
