package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables that override the config file.
const (
	EnvConfigDir    = "KELDRIS_CONFIG_DIR"
	EnvResticBinary = "KELDRIS_RESTIC_BINARY"
	EnvLogLevel     = "KELDRIS_LOG_LEVEL"
	EnvLogFormat    = "KELDRIS_LOG_FORMAT"
	EnvListenAddr   = "KELDRIS_LISTEN_ADDR"
	EnvWatchConfig  = "KELDRIS_WATCH_CONFIG"
	EnvShutdown     = "KELDRIS_SHUTDOWN_TIMEOUT"
)

// ApplyEnv overrides fields from KELDRIS_* environment variables.
func (c *Config) ApplyEnv() {
	c.ConfigDir = getEnvString(EnvConfigDir, c.ConfigDir)
	c.ResticBinary = getEnvString(EnvResticBinary, c.ResticBinary)
	c.LogLevel = getEnvString(EnvLogLevel, c.LogLevel)
	c.LogFormat = getEnvString(EnvLogFormat, c.LogFormat)
	c.ListenAddr = getEnvString(EnvListenAddr, c.ListenAddr)
	c.WatchConfig = getEnvBool(EnvWatchConfig, c.WatchConfig)
	c.ShutdownTimeout = getEnvDuration(EnvShutdown, c.ShutdownTimeout)
}

func getEnvString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return defaultVal
	}
	return d
}
