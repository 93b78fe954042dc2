// Package config wraps the viper configuration singleton for trak.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/trakhq/trak/internal/debug"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Explicitly locate config.yaml and use SetConfigFile so we never pick up
	// stray files. Precedence: project .trak/config.yaml > ~/.config/trak/config.yaml
	// > ~/.trak/config.yaml.
	configFileSet := false

	// 1. Walk up from CWD to find the project .trak/config.yaml. This lets
	// commands work from subdirectories.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".trak", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/trak/config.yaml)
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "trak", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory (~/.trak/config.yaml)
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".trak", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g. TRAK_DB, TRAK_AGENT, TRAK_AUTOCOMMIT.
	v.SetEnvPrefix("TRAK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Gateway discovery env vars are not TRAK_-prefixed; bind them explicitly.
	_ = v.BindEnv("gateway.url", "GATEWAY_URL")
	_ = v.BindEnv("gateway.token", "GATEWAY_TOKEN")

	// Defaults for every key trak reads.
	v.SetDefault("json", false)
	v.SetDefault("db", "")
	v.SetDefault("agent", "")
	v.SetDefault("autocommit", false)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry.backoff", []string{"1m", "5m", "15m", "30m", "60m"})
	v.SetDefault("lock.timeout", "30m")
	v.SetDefault("agent.timeout", "900s")
	v.SetDefault("run.max-agents", 3)
	v.SetDefault("run.min-priority", 1)
	v.SetDefault("run.poll-interval", "5s")
	v.SetDefault("heat.trace-depth", 5)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		debug.Logf("loaded config from %s", v.ConfigFileUsed())
	} else {
		debug.Logf("no config.yaml found; using defaults and environment variables")
	}

	return nil
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value.
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	return v.GetStringSlice(key)
}

// IsSet reports whether key has an explicit value (config file or env).
func IsSet(key string) bool {
	if v == nil {
		return false
	}
	return v.IsSet(key)
}

// Set sets a configuration value. Used for flag overrides.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// Backoff returns the retry backoff schedule. Entries that fail to parse are
// skipped; an empty result falls back to the default schedule.
func Backoff() []time.Duration {
	raw := GetStringSlice("retry.backoff")
	var out []time.Duration
	for _, s := range raw {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		out = []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute, 60 * time.Minute}
	}
	return out
}

// Agent resolves the default agent label: TRAK_AGENT / config, then hostname,
// then "human".
func Agent() string {
	if a := GetString("agent"); a != "" {
		return a
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "human"
}
