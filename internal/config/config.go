// Package config provides the env-var configuration loader for the OMS
// concurrency spine, in the teacher's own idiom: GetEnv/GetEnvInt/
// GetEnvBool/ParseEnvDuration helpers reading straight from the process
// environment, no config-file library. This core's surface is the
// handful of vars spec.md §6 names, so the teacher's leaf-service
// approach is carried as-is rather than pulling in a parser it would
// barely exercise.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExitCode enumerates the fatal startup outcomes spec.md §6 defines.
type ExitCode int

const (
	ExitOK           ExitCode = 0
	ExitFatalConfig  ExitCode = 2
	ExitFatalSecret  ExitCode = 3
)

// Config is the process-wide configuration this spine reads at startup.
type Config struct {
	JWTSecret               string
	JWTIssuer               string
	JWTAudience             string
	DevelopmentMode         bool
	OutboxRelayShards       int
	LockSweepIntervalS      int
	HeartbeatGraceMultiplier int
	OverrideTTLS            int
}

// GetEnv returns the trimmed value of key, or defaultValue if unset/empty.
func GetEnv(key, defaultValue string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	return v
}

// GetEnvInt returns key parsed as an int, or defaultValue if unset or unparsable.
func GetEnvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns key parsed as a bool, or defaultValue if unset or unparsable.
func GetEnvBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// ParseEnvDuration returns key parsed as a time.Duration, or defaultValue
// if unset or unparsable.
func ParseEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// Load reads the spec.md §6 environment surface. It returns an error with
// ExitFatalSecret when JWT_SECRET is absent outside development mode
// (OMS_DEVELOPMENT_MODE=true), and ExitFatalConfig for any other
// malformed required value.
func Load() (*Config, ExitCode, error) {
	cfg := &Config{
		JWTIssuer:                GetEnv("JWT_ISSUER", ""),
		JWTAudience:              GetEnv("JWT_AUDIENCE", ""),
		DevelopmentMode:          GetEnvBool("OMS_DEVELOPMENT_MODE", false),
		OutboxRelayShards:        GetEnvInt("OUTBOX_RELAY_SHARDS", 1),
		LockSweepIntervalS:       GetEnvInt("LOCK_SWEEP_INTERVAL_S", 10),
		HeartbeatGraceMultiplier: GetEnvInt("HEARTBEAT_GRACE_MULTIPLIER", 3),
		OverrideTTLS:             GetEnvInt("OVERRIDE_TTL_S", 3600),
	}
	cfg.JWTSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))

	if cfg.JWTSecret == "" && !cfg.DevelopmentMode {
		return nil, ExitFatalSecret, fmt.Errorf("config: JWT_SECRET is required outside development mode")
	}
	if cfg.OutboxRelayShards < 1 {
		return nil, ExitFatalConfig, fmt.Errorf("config: OUTBOX_RELAY_SHARDS must be >= 1")
	}
	if cfg.LockSweepIntervalS < 1 {
		return nil, ExitFatalConfig, fmt.Errorf("config: LOCK_SWEEP_INTERVAL_S must be >= 1")
	}
	if cfg.HeartbeatGraceMultiplier < 1 {
		return nil, ExitFatalConfig, fmt.Errorf("config: HEARTBEAT_GRACE_MULTIPLIER must be >= 1")
	}
	if cfg.OverrideTTLS < 1 {
		return nil, ExitFatalConfig, fmt.Errorf("config: OVERRIDE_TTL_S must be >= 1")
	}

	return cfg, ExitOK, nil
}
