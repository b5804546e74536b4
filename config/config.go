package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRedisStream = "llm-logs"
	DefaultAMQPQueue   = "llm-logs"
)

// Options selects the backends that receive call records. Every backend is
// independently optional; any subset may be active at once.
//
// When options are layered an empty string means "not set" and never clears
// a lower layer. Debug is a pointer so an explicit false does override.
type Options struct {
	// Warehouse HTTP backend.
	WarehouseURL string `yaml:"warehouse_url,omitempty" validate:"omitempty,url"`
	APIKey       string `yaml:"api_key,omitempty"`

	// Hosted database backend, e.g. "sqlite3:///var/lib/llm.db" or
	// "mysql://user@tcp(db:3306)/llm". DatabaseKey is the credential.
	DatabaseURL string `yaml:"database_url,omitempty" validate:"omitempty,contains=://"`
	DatabaseKey string `yaml:"database_key,omitempty"`

	// Local newline-delimited JSON log.
	LogFile string `yaml:"log_file,omitempty"`

	// Queue backends.
	RedisURL    string `yaml:"redis_url,omitempty" validate:"omitempty,url"`
	RedisStream string `yaml:"redis_stream,omitempty"`
	AMQPURL     string `yaml:"amqp_url,omitempty" validate:"omitempty,url"`
	AMQPQueue   string `yaml:"amqp_queue,omitempty"`

	Debug *bool `yaml:"debug,omitempty"`
}

// DebugEnabled reports whether the debug channel is on.
func (o Options) DebugEnabled() bool {
	return o.Debug != nil && *o.Debug
}

var validate = validator.New()

// Validate checks field formats and cross-field requirements.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	if o.WarehouseURL != "" && o.APIKey == "" {
		return fmt.Errorf("invalid options: api_key is required when warehouse_url is set")
	}
	return nil
}

// HasBackends reports whether at least one backend is configured.
func (o Options) HasBackends() bool {
	return o.WarehouseURL != "" || o.DatabaseURL != "" || o.LogFile != "" ||
		o.RedisURL != "" || o.AMQPURL != ""
}

// Backends lists the configured backend kinds, in delivery order.
func (o Options) Backends() []string {
	var kinds []string
	if o.WarehouseURL != "" {
		kinds = append(kinds, "warehouse")
	}
	if o.DatabaseURL != "" {
		kinds = append(kinds, "database")
	}
	if o.LogFile != "" {
		kinds = append(kinds, "file")
	}
	if o.RedisURL != "" {
		kinds = append(kinds, "redis")
	}
	if o.AMQPURL != "" {
		kinds = append(kinds, "amqp")
	}
	return kinds
}

// Resolve merges explicit call-site options over the environment (which is
// itself merged over the optional config file). Non-zero explicit values win.
func Resolve(explicit Options, env Env) (Options, error) {
	base, err := FromEnv(env)
	if err != nil {
		return Options{}, err
	}
	if err := overlay(&base, explicit); err != nil {
		return Options{}, fmt.Errorf("failed to merge options: %w", err)
	}
	base.applyDefaults()
	if err := base.Validate(); err != nil {
		return Options{}, err
	}
	return base, nil
}

// FromEnv reads options from the config file named by LLM_WAREHOUSE_CONFIG
// (if any) and overlays the LLM_WAREHOUSE_* variables.
func FromEnv(env Env) (Options, error) {
	var opts Options
	if path := env.Get(EnvConfigPath); path != "" {
		fileOpts, err := LoadFile(path)
		if err != nil {
			return Options{}, err
		}
		opts = *fileOpts
	}

	envOpts := Options{
		WarehouseURL: env.Get(EnvWarehouseURL),
		APIKey:       env.Get(EnvAPIKey),
		DatabaseURL:  env.Get(EnvDatabaseURL),
		DatabaseKey:  env.Get(EnvDatabaseKey),
		LogFile:      expandPath(env.Get(EnvLogFile)),
		RedisURL:     env.Get(EnvRedisURL),
		AMQPURL:      env.Get(EnvAMQPURL),
	}
	if env != nil {
		if v, ok := env(EnvDebug); ok {
			envOpts.Debug = lo.ToPtr(IsTruthy(v))
		}
	}
	if err := overlay(&opts, envOpts); err != nil {
		return Options{}, fmt.Errorf("failed to merge environment: %w", err)
	}
	return opts, nil
}

// overlay merges the set fields of src over dst. mergo skips zero values, so
// the Debug pointer is applied by hand.
func overlay(dst *Options, src Options) error {
	debug := src.Debug
	src.Debug = nil
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return err
	}
	if debug != nil {
		dst.Debug = lo.ToPtr(*debug)
	}
	return nil
}

// LoadFile reads YAML options from path.
func LoadFile(path string) (*Options, error) {
	expandedPath := expandPath(path)
	data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
	}

	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
	}
	opts.LogFile = expandPath(opts.LogFile)
	return &opts, nil
}

// Save writes options as YAML to path.
func Save(opts Options, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Redacted returns a copy safe for logging.
func (o Options) Redacted() Options {
	out := o
	out.APIKey = redact(o.APIKey)
	out.DatabaseKey = redact(o.DatabaseKey)
	return out
}

func (o *Options) applyDefaults() {
	if o.RedisURL != "" && o.RedisStream == "" {
		o.RedisStream = DefaultRedisStream
	}
	if o.AMQPURL != "" && o.AMQPQueue == "" {
		o.AMQPQueue = DefaultAMQPQueue
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
