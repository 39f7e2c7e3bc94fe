package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "PRESENTER"

// LoadConfig reads path (optional; a missing file is not an error) and
// applies defaults and PRESENTER_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	return Load(viper.New(), path)
}

// Load is LoadConfig on a caller-provided viper instance, so command-line
// flags bound to v take precedence over the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path = strings.TrimSpace(path)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Replication.DatabaseName) == "" {
		return fmt.Errorf("replication.database_name is required")
	}
	if strings.TrimSpace(c.Replication.LocalPath) == "" {
		return fmt.Errorf("replication.local_path is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Replication.Direction)) {
	case "pull", "sync":
	default:
		return fmt.Errorf("replication.direction must be pull or sync, got %q", c.Replication.Direction)
	}
	if c.Broadcast.MaxAttempts <= 0 {
		return fmt.Errorf("broadcast.max_attempts must be positive")
	}
	if c.Media.Desktop && strings.TrimSpace(c.Media.CacheDir) == "" {
		return fmt.Errorf("media.cache_dir is required in desktop mode")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("replication.remote_base_url", "memory://")
	v.SetDefault("replication.prefix", "presenter")
	v.SetDefault("replication.database_name", "presentation")
	v.SetDefault("replication.local_path", "data/presentation.db")
	v.SetDefault("replication.direction", "pull")
	v.SetDefault("replication.live", true)
	v.SetDefault("replication.retry", true)
	v.SetDefault("replication.auto_start", true)
	v.SetDefault("replication.batch_size", 200)
	v.SetDefault("replication.workers", 1)
	v.SetDefault("replication.poll_interval", "10s")
	v.SetDefault("replication.backoff_min", "1s")
	v.SetDefault("replication.backoff_max", "1m")
	v.SetDefault("replication.binlog.enabled", false)
	v.SetDefault("replication.binlog.addr", "")
	v.SetDefault("replication.binlog.user", "")
	v.SetDefault("replication.binlog.password", "")
	v.SetDefault("replication.binlog.server_id", 1001)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "@every 5m")
	v.SetDefault("scheduler.prune_interval", "@every 1h")

	v.SetDefault("broadcast.channel_name", "presentation")
	v.SetDefault("broadcast.relay_url", "")
	v.SetDefault("broadcast.max_attempts", 5)
	v.SetDefault("broadcast.base_delay", "500ms")
	v.SetDefault("broadcast.max_delay", "8s")
	v.SetDefault("broadcast.send_buffer", 32)

	v.SetDefault("media.desktop", false)
	v.SetDefault("media.cache_dir", "")
	v.SetDefault("media.max_cache_bytes", int64(2<<30))
	v.SetDefault("media.download_timeout", "2m")
	v.SetDefault("media.max_file_bytes", int64(512<<20))
	v.SetDefault("media.downloads_per_sec", 4.0)
	v.SetDefault("media.slots", []string{"background", "lower-third", "logo", "video"})

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
