package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Config is the full relay configuration. Durations are Go duration strings
// ("500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Ingest   IngestConfig   `json:"ingest"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  StorageConfig  `json:"storage"`
	Debug    DebugConfig    `json:"debug"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id receiving operator log records.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
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

// IngestConfig configures the slave-facing TLS listener.
//
// The TLS identity is either cert_file+key_file (PEM, the key optionally
// encrypted with key_passphrase) or pkcs12_file (with key_passphrase).
type IngestConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	CertFile      string `json:"cert_file,omitempty"`
	KeyFile       string `json:"key_file,omitempty"`
	KeyPassphrase string `json:"key_passphrase,omitempty"`
	PKCS12File    string `json:"pkcs12_file,omitempty"`

	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	// IdleTimeout closes a slave connection silent for this long; "0s" disables.
	IdleTimeout    string `json:"idle_timeout,omitempty"`
	MaxConnections int    `json:"max_connections,omitempty"`
	HeartbeatEvery int    `json:"heartbeat_every,omitempty"`
	ReadBuffer     int    `json:"read_buffer,omitempty"`
}

type DispatchConfig struct {
	// Schedule accepts a duration ("15s"), "@every 15s", HH:MM or a cron
	// expression.
	Schedule    string `json:"schedule"`
	Workers     int    `json:"workers"`
	SendTimeout string `json:"send_timeout"`
	RatePerSec  int    `json:"rate_per_sec"`
	// Placeholder is shown for slaves that never connected; {nickname} is
	// substituted.
	Placeholder string `json:"placeholder"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DebugConfig controls the optional health and pprof HTTP listener. A
// non-loopback addr requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Token   string `json:"token,omitempty"`
}

const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 5000
	DefaultHandshakeTimeout = "10s"
	DefaultMaxConnections   = 256
	DefaultHeartbeatEvery   = 10
	DefaultReadBuffer       = 64 * 1024

	DefaultSchedule    = "15s"
	DefaultWorkers     = 32
	DefaultSendTimeout = "10s"
	DefaultRatePerSec  = 25
	DefaultPlaceholder = "{nickname}: not connected"

	DefaultStorageDriver = "sqlite"
	DefaultStoragePath   = "./overseer.db"
	DefaultBusyTimeout   = "5s"

	DefaultDebugAddr = "127.0.0.1:6060"
)

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}

	in := &c.Ingest
	if strings.TrimSpace(in.Host) == "" {
		in.Host = DefaultHost
	}
	if in.Port == 0 {
		in.Port = DefaultPort
	}
	if strings.TrimSpace(in.HandshakeTimeout) == "" {
		in.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if in.MaxConnections <= 0 {
		in.MaxConnections = DefaultMaxConnections
	}
	if in.HeartbeatEvery <= 0 {
		in.HeartbeatEvery = DefaultHeartbeatEvery
	}
	if in.ReadBuffer <= 0 {
		in.ReadBuffer = DefaultReadBuffer
	}

	d := &c.Dispatch
	if strings.TrimSpace(d.Schedule) == "" {
		d.Schedule = DefaultSchedule
	}
	if d.Workers <= 0 {
		d.Workers = DefaultWorkers
	}
	if strings.TrimSpace(d.SendTimeout) == "" {
		d.SendTimeout = DefaultSendTimeout
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = DefaultRatePerSec
	}
	if d.Placeholder == "" {
		d.Placeholder = DefaultPlaceholder
	}

	s := &c.Storage
	if strings.TrimSpace(s.Driver) == "" {
		s.Driver = DefaultStorageDriver
	}
	if strings.TrimSpace(s.Path) == "" {
		s.Path = DefaultStoragePath
	}
	if strings.TrimSpace(s.BusyTimeout) == "" {
		s.BusyTimeout = DefaultBusyTimeout
	}

	if strings.TrimSpace(c.Debug.Addr) == "" {
		c.Debug.Addr = DefaultDebugAddr
	}
}

// Validate checks field ranges and duration syntax. It does not require the
// Telegram token: CLI management commands run without one.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout)
	add(err)

	in := c.Ingest
	if in.Port < 0 || in.Port > 65535 {
		add(fmt.Errorf("ingest.port: %d out of range", in.Port))
	}
	hasPEM := strings.TrimSpace(in.CertFile) != "" || strings.TrimSpace(in.KeyFile) != ""
	hasP12 := strings.TrimSpace(in.PKCS12File) != ""
	if hasPEM && hasP12 {
		add(errors.New("ingest: set either cert_file/key_file or pkcs12_file, not both"))
	}
	if hasPEM && (strings.TrimSpace(in.CertFile) == "" || strings.TrimSpace(in.KeyFile) == "") {
		add(errors.New("ingest: cert_file and key_file must be set together"))
	}
	_, err = ParseDurationField("ingest.handshake_timeout", in.HandshakeTimeout)
	add(err)
	_, err = ParseDurationField("ingest.idle_timeout", in.IdleTimeout)
	add(err)
	if in.MaxConnections < 0 {
		add(fmt.Errorf("ingest.max_connections: must be >= 0"))
	}

	d := c.Dispatch
	if d.Workers < 0 {
		add(fmt.Errorf("dispatch.workers: must be >= 0"))
	}
	if d.RatePerSec < 0 {
		add(fmt.Errorf("dispatch.rate_per_sec: must be >= 0"))
	}
	_, err = ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite":
	default:
		add(fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)

	if c.Debug.Enabled {
		if _, _, err := net.SplitHostPort(c.Debug.Addr); err != nil {
			add(fmt.Errorf("debug.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}

// HasTLSIdentity reports whether a certificate source is configured.
func (c IngestConfig) HasTLSIdentity() bool {
	return strings.TrimSpace(c.PKCS12File) != "" ||
		(strings.TrimSpace(c.CertFile) != "" && strings.TrimSpace(c.KeyFile) != "")
}

// Addr is the listen address in host:port form.
func (c IngestConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
