package config

// Config is remindd's full configuration.
//
// The file may be JSON or YAML; YAML is coerced to JSON so both formats go
// through the same strict decoder (unknown fields are rejected).
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Sweep   SweepConfig   `json:"sweep"`
	Notify  NotifyConfig  `json:"notify"`
	Pprof   *PprofConfig  `json:"pprof,omitempty"`
}

// ServerConfig controls the HTTP API.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	Addr string `json:"addr"` // default ":8080"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// APITokens maps bearer tokens to caller identities. A request bearing a
	// listed token acts as the mapped caller; anything else is rejected.
	APITokens []APIToken `json:"api_tokens"`
}

type APIToken struct {
	Token  string `json:"token"`
	Caller string `json:"caller"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SweepConfig controls the periodic due-task scan.
//
// Cadence must be at most the finest schedule granularity (one minute);
// correctness does not otherwise depend on it.
type SweepConfig struct {
	Enabled bool `json:"enabled"`

	// Cadence is a Go duration string; default "1m".
	Cadence string `json:"cadence,omitempty"`

	Workers     int `json:"workers,omitempty"`      // default 4
	HistorySize int `json:"history_size,omitempty"` // default 50 ticks

	// TaskTimeout bounds the store/dispatch work for one due task.
	TaskTimeout string `json:"task_timeout,omitempty"` // default "30s"
}

// NotifyConfig controls the async dispatch pipeline.
//
// All durations are Go duration strings.
type NotifyConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures the Telegram delivery sender. The delivery token
// stored on a scheduled task is the recipient chat ID.
type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
}
