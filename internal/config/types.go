package config

type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Relay     RelayConfig     `json:"relay"`
	Transport TransportConfig `json:"transport"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

// ServerConfig controls the HTTPS ingress listener.
//
// When CertFile/KeyFile are both set the server terminates TLS; leaving them
// empty serves plain HTTP (development only).
type ServerConfig struct {
	Addr     string `json:"addr"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`

	// UploadsDir is where message attachments are staged until their
	// dispatch fires. Default "./uploads".
	UploadsDir string `json:"uploads_dir,omitempty"`

	// Timeouts are Go duration strings (e.g. "10s", "1m").
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// IdempotencyWindow bounds how long an Idempotency-Key suppresses
	// re-scheduling. Default "10m".
	IdempotencyWindow string `json:"idempotency_window,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AlertsConfig forwards WARN+ log lines to a Telegram chat so a headless
// gateway has an operator channel. Disabled when the section is omitted.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ScheduleConfig controls the dispatch scheduler.
type ScheduleConfig struct {
	// Timezone is the IANA zone incoming schedule timestamps are interpreted
	// in before normalization to UTC. Default "Asia/Jakarta".
	Timezone    string `json:"timezone,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

type RelayConfig struct {
	// Heartbeat is a Go duration string; subscribers that miss two
	// consecutive heartbeats are evicted. Default "30s".
	Heartbeat string `json:"heartbeat,omitempty"`
}

// TransportConfig points at the wa-multi-session sidecar.
type TransportConfig struct {
	BaseURL   string `json:"base_url"`
	EventsURL string `json:"events_url,omitempty"`
	// RatePerSec paces outbound sends; 0 means unlimited.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// RequestTimeout is a Go duration string. Default "30s".
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./chatgate_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
