package config

// Config is the root of the bot config file (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m") or bare integer
// seconds. Omitted or zero values fall back to the component defaults.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	TaskEngine TaskEngineConfig `json:"task_engine"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Outbound   OutboundConfig   `json:"outbound"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Sequence   SequenceConfig   `json:"sequence"`
	Content    ContentConfig    `json:"content"`

	Scoreboard ScoreboardConfig `json:"scoreboard"`

	// Notifier may be omitted, in which case owner notices are enabled
	// with defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Status   StatusConfig    `json:"status"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
//	"storage": { "driver": "sqlite", "path": "./data/timerquiz.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs fired jobs.
//
// Defaults: workers 20, queue_size 256, retry_max 3, retry_base "2s",
// retry_max_delay "1m". default_timeout "0s" disables the global deadline.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

// SchedulerConfig controls job timers.
//
// Reconcile is a cron spec or Go duration; it re-arms jobs written by the
// admin CLI while the bot runs. Defaults to "@every 1m".
type SchedulerConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	MisfireGrace string `json:"misfire_grace,omitempty"`
	Reconcile    string `json:"reconcile,omitempty"`
}

// OutboundConfig tunes retries and pacing of Bot API sends.
type OutboundConfig struct {
	Attempts        int     `json:"attempts,omitempty"`
	Timeout         string  `json:"timeout,omitempty"`
	TimeoutStep     string  `json:"timeout_step,omitempty"`
	PollTimeout     string  `json:"poll_timeout,omitempty"`
	PollTimeoutStep string  `json:"poll_timeout_step,omitempty"`
	BackoffBase     string  `json:"backoff_base,omitempty"`
	BackoffMax      string  `json:"backoff_max,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
}

// DeliveryConfig sets the default target chat and the pacing of a session.
type DeliveryConfig struct {
	TargetChatID   int64  `json:"target_chat_id"`
	SettleBuffer   string `json:"settle_buffer,omitempty"`
	AnnouncePause  string `json:"announce_pause,omitempty"`
	QuestionPause  string `json:"question_pause,omitempty"`
	QuestionGap    string `json:"question_gap,omitempty"`
}

type SequenceConfig struct {
	PausePoll   string `json:"pause_poll,omitempty"`
	WarningLead string `json:"warning_lead,omitempty"`
	Prefetch    int    `json:"prefetch,omitempty"`
}

// ContentConfig selects where quiz files come from.
//
// source "dir" reads <dir>/<ref>. source "drive" treats refs as Drive file
// ids and needs the oauth client plus a refresh token. Downloads are
// cached under cache_dir.
type ContentConfig struct {
	Source   string      `json:"source"`
	Dir      string      `json:"dir,omitempty"`
	CacheDir string      `json:"cache_dir,omitempty"`
	Drive    DriveConfig `json:"drive,omitempty"`
}

type DriveConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// ScoreboardConfig enables the Redis hand-off of session results. An empty
// addr keeps results in the chat only.
type ScoreboardConfig struct {
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
}

type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StatusConfig controls the read-only HTTP status API.
//
// Prefer a loopback addr. A non-loopback addr needs a token or
// allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Profiling     bool   `json:"profiling,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
