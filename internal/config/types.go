package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Data     DataConfig     `json:"data"`
	API      APIConfig      `json:"api,omitempty"`
	AI       AIConfig       `json:"ai,omitempty"`

	// Scheduler controls the due-task polling loop.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Workers declared here are started at boot; the same shape is accepted
	// over the HTTP control surface for workers started at runtime.
	Workers []WorkerConfig `json:"workers,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is a Go duration string for the long-poll window.
	PollTimeout string `json:"poll_timeout,omitempty"`

	// RatePerSec caps outbound sends across the whole adapter.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	// Stickers lists Telegram sticker file IDs addressable by 1-based index
	// from "sticker:" reply directives.
	Stickers []string `json:"stickers,omitempty"`
}

// DataConfig points at the data directory. Layout inside it:
//
//	tasks.json     task store
//	rules.json     reply rules
//	quota.json     daily send quota
//	history.db     sqlite audit trail
//	group_data/    per-group message/collection logs
type DataConfig struct {
	Dir string `json:"dir"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
}

// AIConfig configures the completion client used when no rule matches.
// Model "disabled" (or an empty endpoint) turns the fallback off.
type AIConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
	Timeout  string `json:"timeout,omitempty"` // Go duration string
}

type SchedulerConfig struct {
	// Autostart starts the polling loop at boot even before any task exists.
	// The loop self-stops when the pending set is empty either way.
	Autostart bool `json:"autostart"`
}

// WorkerConfig is the wire shape for starting a worker. Durations are Go
// duration strings.
type WorkerConfig struct {
	// Contacts holds one or more listener targets split on ";" (ASCII or
	// full-width).
	Contacts string `json:"contacts"`

	// Model tags the worker's purpose and doubles as the AI model name;
	// "disabled" keeps the worker rules-only.
	Model   string `json:"model,omitempty"`
	Persona string `json:"persona,omitempty"`

	OnlyWhenMentioned bool `json:"only_when_mentioned,omitempty"`
	MentionBack       bool `json:"mention_back,omitempty"`

	ReplyDelay       string `json:"reply_delay,omitempty"`
	MinReplyInterval string `json:"min_reply_interval,omitempty"`

	// GroupWatch selects the log-only variant: record and extract only,
	// never reply.
	GroupWatch      bool     `json:"group_watch,omitempty"`
	SensitiveWords  []string `json:"sensitive_words,omitempty"`
	ExtractPatterns []string `json:"extract_patterns,omitempty"`
}
