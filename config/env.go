package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Recognized environment variables.
const (
	EnvEnabled      = "LLM_WAREHOUSE_ENABLED"
	EnvAPIKey       = "LLM_WAREHOUSE_API_KEY"
	EnvWarehouseURL = "LLM_WAREHOUSE_URL"
	EnvDatabaseURL  = "LLM_WAREHOUSE_DATABASE_URL"
	EnvDatabaseKey  = "LLM_WAREHOUSE_DATABASE_KEY"
	EnvLogFile      = "LLM_WAREHOUSE_LOG_FILE"
	EnvRedisURL     = "LLM_WAREHOUSE_REDIS_URL"
	EnvAMQPURL      = "LLM_WAREHOUSE_AMQP_URL"
	EnvDebug        = "LLM_WAREHOUSE_DEBUG"
	EnvConfigPath   = "LLM_WAREHOUSE_CONFIG"
)

// Env looks up an environment variable. It has the signature of os.LookupEnv
// so tests can substitute a fixed snapshot.
type Env func(key string) (string, bool)

// OSEnv reads the process environment.
func OSEnv() Env {
	return os.LookupEnv
}

// MapEnv serves lookups from m.
func MapEnv(m map[string]string) Env {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// Snapshot copies the LLM_WAREHOUSE_* variables out of env so later changes
// to the process environment do not affect an activation decision.
func Snapshot(env Env) Env {
	snap := make(map[string]string)
	for _, key := range []string{
		EnvEnabled, EnvAPIKey, EnvWarehouseURL, EnvDatabaseURL, EnvDatabaseKey,
		EnvLogFile, EnvRedisURL, EnvAMQPURL, EnvDebug, EnvConfigPath,
	} {
		if v, ok := env(key); ok {
			snap[key] = v
		}
	}
	return MapEnv(snap)
}

// Get returns the trimmed value of key, or "".
func (e Env) Get(key string) string {
	if e == nil {
		return ""
	}
	v, _ := e(key)
	return strings.TrimSpace(v)
}

// AutoActivate reports whether interception should be enabled without an
// explicit call: either LLM_WAREHOUSE_ENABLED is truthy, or both the
// warehouse URL and API key are present.
func AutoActivate(env Env) bool {
	if IsTruthy(env.Get(EnvEnabled)) {
		return true
	}
	return env.Get(EnvWarehouseURL) != "" && env.Get(EnvAPIKey) != ""
}

// IsTruthy treats anything except "", "0", "false", "no" and "off" as true.
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// LoadDotEnv loads variables from .env files that exist, without overriding
// variables already set in the process environment.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}
