package cmd

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/chatrelay/internal/log"
)

// Settings resolve as: CLI flag (when set) > RELAY_* environment variable > flag default.

func stringSetting(cmd *cobra.Command, flag, env string) string {
	v, _ := cmd.Flags().GetString(flag)
	if cmd.Flags().Changed(flag) {
		return v
	}
	if e := os.Getenv(env); e != "" {
		return e
	}
	return v
}

func intSetting(cmd *cobra.Command, flag, env string) int {
	v, _ := cmd.Flags().GetInt(flag)
	if cmd.Flags().Changed(flag) {
		return v
	}
	if e := os.Getenv(env); e != "" {
		if n, err := strconv.Atoi(e); err == nil {
			return n
		}
		log.Warn("ignoring invalid integer setting", "env", env, "value", e)
	}
	return v
}

func floatSetting(cmd *cobra.Command, flag, env string) float64 {
	v, _ := cmd.Flags().GetFloat64(flag)
	if cmd.Flags().Changed(flag) {
		return v
	}
	if e := os.Getenv(env); e != "" {
		if f, err := strconv.ParseFloat(e, 64); err == nil {
			return f
		}
		log.Warn("ignoring invalid number setting", "env", env, "value", e)
	}
	return v
}

func durationSetting(cmd *cobra.Command, flag, env string) time.Duration {
	v, _ := cmd.Flags().GetDuration(flag)
	if cmd.Flags().Changed(flag) {
		return v
	}
	if e := os.Getenv(env); e != "" {
		if d, err := time.ParseDuration(e); err == nil {
			return d
		}
		log.Warn("ignoring invalid duration setting", "env", env, "value", e)
	}
	return v
}

func boolSetting(cmd *cobra.Command, flag, env string) bool {
	v, _ := cmd.Flags().GetBool(flag)
	if cmd.Flags().Changed(flag) {
		return v
	}
	if e := os.Getenv(env); e != "" {
		if b, err := strconv.ParseBool(e); err == nil {
			return b
		}
		log.Warn("ignoring invalid boolean setting", "env", env, "value", e)
	}
	return v
}

// buildLogConfig creates a log.Config from the persistent logging flags.
func buildLogConfig(cmd *cobra.Command) *log.Config {
	cfg := log.DefaultConfig()
	cfg.Mode = stringSetting(cmd, "log-mode", "RELAY_LOG_MODE")
	cfg.Level = stringSetting(cmd, "log-level", "RELAY_LOG_LEVEL")
	cfg.Format = stringSetting(cmd, "log-format", "RELAY_LOG_FORMAT")
	cfg.FilePath = stringSetting(cmd, "log-file", "RELAY_LOG_FILE")
	cfg.BufferLines = intSetting(cmd, "log-buffer", "RELAY_LOG_BUFFER")
	return cfg
}

const defaultJWTSecret = "super-secret-jwt-key-please-change-in-production"

// jwtSecret reads RELAY_JWT_SECRET, warning when the development default is used.
func jwtSecret(cmd *cobra.Command) string {
	secret := stringSetting(cmd, "jwt-secret", "RELAY_JWT_SECRET")
	if secret == "" {
		secret = defaultJWTSecret
		log.Warn("using default JWT secret; set RELAY_JWT_SECRET in production")
	}
	return secret
}
