// Package config loads runbox configuration from defaults, an optional
// config file, and RUNBOX_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sandbox configures the remote execution backend. When enabled, commands
// are proxied to a runboxd instance instead of spawned locally.
type Sandbox struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
}

// Config is the full runbox configuration.
type Config struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	AuthToken      string   `mapstructure:"auth_token"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	WorkDir        string   `mapstructure:"work_dir"`
	Shell          string   `mapstructure:"shell"`

	TerminationTimeout time.Duration `mapstructure:"termination_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	KillGrace          time.Duration `mapstructure:"kill_grace"`

	EventBuffer   int           `mapstructure:"event_buffer"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`

	Sandbox Sandbox `mapstructure:"sandbox"`
}

// Load reads configuration. configFile may be empty, in which case only
// defaults and environment variables apply.
func Load(configFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8333")
	v.SetDefault("auth_token", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("work_dir", "/workspace")
	v.SetDefault("shell", "/bin/sh")
	v.SetDefault("termination_timeout", 30*time.Second)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("kill_grace", 500*time.Millisecond)
	v.SetDefault("event_buffer", 64)
	v.SetDefault("retention", time.Hour)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("session_ttl", time.Hour)
	v.SetDefault("sandbox.enabled", false)
	v.SetDefault("sandbox.url", "http://localhost:8333")
	v.SetDefault("sandbox.token", "")

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
