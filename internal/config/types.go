package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "3s", "1m"). Omitted or
// zero values fall back to the component defaults.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Stream    StreamConfig    `json:"stream"`
	Progress  ProgressConfig  `json:"progress"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Logging   LoggingConfig   `json:"logging"`

	// Optional sections; omitted means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`
	History *HistoryConfig `json:"history,omitempty"`
	Notify  *NotifyConfig  `json:"notify,omitempty"`
	HTTP    *HTTPConfig    `json:"http,omitempty"`
}

// ServerConfig points at the report server.
//
// Example:
//
//	"server": { "base_url": "http://localhost:3000" }
type ServerConfig struct {
	BaseURL        string            `json:"base_url" validate:"required,http_url"`
	EventsPath     string            `json:"events_path,omitempty"` // default: "/events"
	ListPath       string            `json:"list_path,omitempty"`   // default: "/request"
	RequestTimeout string            `json:"request_timeout,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

type StreamConfig struct {
	ReconnectDelay string `json:"reconnect_delay,omitempty"` // default: "3s"
	MaxFrameBytes  int    `json:"max_frame_bytes,omitempty" validate:"gte=0"`
	// DecodeLogEvery throttles malformed-frame warnings ("0s" logs each one).
	DecodeLogEvery string `json:"decode_log_every,omitempty"`
}

type ProgressConfig struct {
	Retention string `json:"retention,omitempty"` // default: "5s"
}

// ReconcileConfig controls re-fetching the job list.
//
// Enabled is a pointer so an omitted section defaults to on.
type ReconcileConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Debounce string `json:"debounce,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	// Schedule is an optional cron spec ("0 */5 * * * *", "@every 5m").
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

func (r ReconcileConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// Alerts forwards error lines to notify.telegram (applied live).
	Alerts LoggingAlerts `json:"alerts"`
}

type LoggingAlerts struct {
	Enabled    bool    `json:"enabled"`
	MinLevel   string  `json:"min_level,omitempty" validate:"omitempty,oneof=warn warning error WARN WARNING ERROR"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reportpulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Keep        int    `json:"keep,omitempty" validate:"gte=0"`
}

// HistoryConfig journals terminal outcomes to storage.
type HistoryConfig struct {
	Enabled     bool   `json:"enabled"`
	QueueSize   int    `json:"queue_size,omitempty" validate:"gte=0"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

// NotifyConfig controls the chat notification pipeline.
type NotifyConfig struct {
	Enabled         bool           `json:"enabled"`
	QueueSize       int            `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec      float64        `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax        int            `json:"retry_max,omitempty" validate:"gte=0"`
	RetryBase       string         `json:"retry_base,omitempty"`
	RetryMaxDelay   string         `json:"retry_max_delay,omitempty"`
	DedupWindow     string         `json:"dedup_window,omitempty"`
	DedupMaxEntries int            `json:"dedup_max_entries,omitempty" validate:"gte=0"`
	PersistDedup    bool           `json:"persist_dedup,omitempty"`
	Statuses        []string       `json:"statuses,omitempty" validate:"dive,oneof=queued sent inprogress completed failed"`
	Telegram        TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token     string `json:"token"` // never logged
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty" validate:"gte=0"`
	ParseMode string `json:"parse_mode,omitempty" validate:"omitempty,oneof=HTML Markdown MarkdownV2"`
	APIURL    string `json:"api_url,omitempty" validate:"omitempty,http_url"`
	Timeout   string `json:"timeout,omitempty"`
}

// HTTPConfig controls the status API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8089").
//   - pprof on a non-loopback address needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled         bool        `json:"enabled"`
	Addr            string      `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	ShutdownTimeout string      `json:"shutdown_timeout,omitempty"`
	Pprof           PprofConfig `json:"pprof"`
	Relay           RelayConfig `json:"relay"`
}

type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty" validate:"gte=0"`
}

type RelayConfig struct {
	Enabled      bool   `json:"enabled"`
	Buffer       int    `json:"buffer,omitempty" validate:"gte=0"`
	MaxClients   int    `json:"max_clients,omitempty" validate:"gte=0"`
	PingInterval string `json:"ping_interval,omitempty"`
}
