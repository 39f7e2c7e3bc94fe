package config

import (
	"strings"
	"time"
)

type Config struct {
	Replication ReplicationConfig `mapstructure:"replication"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast"`
	Media       MediaConfig       `mapstructure:"media"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type ReplicationConfig struct {
	RemoteBaseURL string       `mapstructure:"remote_base_url"`
	Prefix        string       `mapstructure:"prefix"`
	DatabaseName  string       `mapstructure:"database_name"`
	LocalPath     string       `mapstructure:"local_path"`
	Direction     string       `mapstructure:"direction"`
	Live          bool         `mapstructure:"live"`
	Retry         bool         `mapstructure:"retry"`
	AutoStart     bool         `mapstructure:"auto_start"`
	BatchSize     int          `mapstructure:"batch_size"`
	Workers       int          `mapstructure:"workers"`
	PollInterval  string       `mapstructure:"poll_interval"`
	BackoffMin    string       `mapstructure:"backoff_min"`
	BackoffMax    string       `mapstructure:"backoff_max"`
	Binlog        BinlogConfig `mapstructure:"binlog"`
}

// BinlogConfig enables the MySQL binlog change feed for live replication.
// It is ignored for other remote backends.
type BinlogConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	ServerID uint32 `mapstructure:"server_id"`
}

// RemoteEndpoint joins the base connection string with the logical
// database name: <base><prefix>-<database>.
func (r ReplicationConfig) RemoteEndpoint() string {
	name := r.DatabaseName
	if r.Prefix != "" {
		name = r.Prefix + "-" + r.DatabaseName
	}
	return r.RemoteBaseURL + name
}

func (r ReplicationConfig) Bidirectional() bool {
	return strings.EqualFold(strings.TrimSpace(r.Direction), "sync")
}

func (r ReplicationConfig) GetPollInterval() time.Duration {
	return parseDuration(r.PollInterval)
}

func (r ReplicationConfig) GetBackoffMin() time.Duration {
	return parseDuration(r.BackoffMin)
}

func (r ReplicationConfig) GetBackoffMax() time.Duration {
	return parseDuration(r.BackoffMax)
}

type SchedulerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Interval      string `mapstructure:"interval"`
	PruneInterval string `mapstructure:"prune_interval"`
}

type BroadcastConfig struct {
	ChannelName string `mapstructure:"channel_name"`
	RelayURL    string `mapstructure:"relay_url"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	BaseDelay   string `mapstructure:"base_delay"`
	MaxDelay    string `mapstructure:"max_delay"`
	SendBuffer  int    `mapstructure:"send_buffer"`
}

func (b BroadcastConfig) GetBaseDelay() time.Duration {
	return parseDuration(b.BaseDelay)
}

func (b BroadcastConfig) GetMaxDelay() time.Duration {
	return parseDuration(b.MaxDelay)
}

type MediaConfig struct {
	// Desktop reports whether the local caching bridge is available.
	// Without it media URLs pass through unchanged.
	Desktop         bool    `mapstructure:"desktop"`
	CacheDir        string  `mapstructure:"cache_dir"`
	MaxCacheBytes   int64   `mapstructure:"max_cache_bytes"`
	DownloadTimeout string  `mapstructure:"download_timeout"`
	MaxFileBytes    int64   `mapstructure:"max_file_bytes"`
	DownloadsPerSec float64 `mapstructure:"downloads_per_sec"`
	// Slots names the media slots the API may resolve.
	Slots []string `mapstructure:"slots"`
}

func (m MediaConfig) GetDownloadTimeout() time.Duration {
	return parseDuration(m.DownloadTimeout)
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(s.ReadTimeout)
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(s.WriteTimeout)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func parseDuration(raw string) time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(raw))
	return d
}
