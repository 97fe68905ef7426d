// Package config loads and validates processor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Summary     SummaryConfig     `mapstructure:"summary"`
	Index       IndexConfig       `mapstructure:"index"`
	Symbols     SymbolsConfig     `mapstructure:"symbols"`
	Stackwalker StackwalkerConfig `mapstructure:"stackwalker"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Signature   SignatureConfig   `mapstructure:"signature"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey guards the /v1 routes when set.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig selects the work queue and sizes the worker pool.
type QueueConfig struct {
	Backend         string `mapstructure:"backend"`
	ProjectID       string `mapstructure:"project_id"`
	Subscription    string `mapstructure:"subscription"`
	InputTopic      string `mapstructure:"input_topic"`
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
	Concurrency     int    `mapstructure:"concurrency"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
	// Lease is renewed every Lease/2 while a run is in flight.
	Lease             time.Duration `mapstructure:"lease"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	Capacity          int           `mapstructure:"capacity"`
}

// StorageConfig selects the artifact store backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	BaseDir      string `mapstructure:"base_dir"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// SummaryConfig selects the relational summary store.
type SummaryConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	Path            string        `mapstructure:"path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// IndexConfig selects the search index.
type IndexConfig struct {
	Backend   string   `mapstructure:"backend"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Prefix    string   `mapstructure:"prefix"`
}

// SymbolsConfig configures the symbol service client and its caches.
type SymbolsConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheDir     string        `mapstructure:"cache_dir"`
	CacheSize    int           `mapstructure:"cache_size"`
	NegativeSize int           `mapstructure:"negative_size"`
	NegativeTTL  time.Duration `mapstructure:"negative_ttl"`
	RPS          float64       `mapstructure:"rps"`
	Burst        int           `mapstructure:"burst"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	L2TTL        time.Duration `mapstructure:"l2_ttl"`
	L2MaxBytes   int           `mapstructure:"l2_max_bytes"`
}

// StackwalkerConfig describes the external stackwalker subprocess.
type StackwalkerConfig struct {
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxOutputBytes int64         `mapstructure:"max_output_bytes"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	TempDir        string        `mapstructure:"temp_dir"`
}

// RulesConfig orders the rule chain and overrides criticality.
type RulesConfig struct {
	// Order lists rule names; empty runs the built-in order.
	Order          []string        `mapstructure:"order"`
	DefaultTimeout time.Duration   `mapstructure:"default_timeout"`
	Critical       map[string]bool `mapstructure:"critical"`
	LookupTables   string          `mapstructure:"lookup_tables"`
}

// SignatureConfig tunes signature generation.
type SignatureConfig struct {
	MaxFrames    int      `mapstructure:"max_frames"`
	MaxLength    int      `mapstructure:"max_length"`
	SkipPatterns []string `mapstructure:"skip_patterns"`
}

// PipelineConfig holds the per-stage deadlines of one run.
type PipelineConfig struct {
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	RulesTimeout  time.Duration `mapstructure:"rules_timeout"`
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
}

// RetryConfig bounds in-process retries of transient store and index errors.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRASHPROC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.subscription", "crash-processing")
	v.SetDefault("queue.input_topic", "crash-processing")
	v.SetDefault("queue.dead_letter_topic", "crash-processing-dead-letter")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.lease", "1m")
	v.SetDefault("queue.shutdown_grace", "30s")
	v.SetDefault("queue.visibility_timeout", "2m")
	v.SetDefault("queue.capacity", 1024)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.base_dir", "data/crashes")

	v.SetDefault("summary.backend", "none")
	v.SetDefault("summary.table", "crash_summaries")
	v.SetDefault("summary.path", "data/summaries.db")
	v.SetDefault("summary.max_conns", 8)
	v.SetDefault("summary.min_conns", 1)
	v.SetDefault("summary.max_conn_lifetime", "30m")

	v.SetDefault("index.backend", "none")
	v.SetDefault("index.prefix", "socorro")

	v.SetDefault("symbols.user_agent", "crash-processor/1.0")
	v.SetDefault("symbols.timeout", "30s")
	v.SetDefault("symbols.cache_dir", "data/symbols")
	v.SetDefault("symbols.cache_size", 512)
	v.SetDefault("symbols.negative_size", 4096)
	v.SetDefault("symbols.negative_ttl", "10m")
	v.SetDefault("symbols.rps", 10.0)
	v.SetDefault("symbols.burst", 20)
	v.SetDefault("symbols.l2_ttl", "24h")
	v.SetDefault("symbols.l2_max_bytes", 4<<20)

	v.SetDefault("stackwalker.command", "minidump-stackwalk")
	v.SetDefault("stackwalker.args", []string{"--json", "{dump}"})
	v.SetDefault("stackwalker.timeout", "2m")
	v.SetDefault("stackwalker.max_output_bytes", 64<<20)
	v.SetDefault("stackwalker.max_parallel", 4)

	v.SetDefault("rules.default_timeout", "10s")

	v.SetDefault("signature.max_frames", 5)
	v.SetDefault("signature.max_length", 255)

	v.SetDefault("pipeline.fetch_timeout", "30s")
	v.SetDefault("pipeline.rules_timeout", "3m")
	v.SetDefault("pipeline.commit_timeout", "1m")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.max_delay", "5s")

	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate performs semantic validation on the loaded config.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if c.Stackwalker.Command == "" {
		return fmt.Errorf("stackwalker.command is required")
	}
	if c.Stackwalker.Timeout <= 0 {
		return fmt.Errorf("stackwalker.timeout must be > 0")
	}
	if c.Symbols.CacheSize <= 0 {
		return fmt.Errorf("symbols.cache_size must be > 0")
	}
	if c.Pipeline.FetchTimeout <= 0 || c.Pipeline.RulesTimeout <= 0 || c.Pipeline.CommitTimeout <= 0 {
		return fmt.Errorf("pipeline timeouts must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	return nil
}

func (c Config) validateQueue() error {
	switch c.Queue.Backend {
	case "memory":
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.Subscription == "" {
			return fmt.Errorf("queue.project_id and queue.subscription are required for pubsub")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.DeadLetterTopic == "" {
		return fmt.Errorf("queue.dead_letter_topic is required")
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for local storage")
		}
	case "gcs", "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for %s storage", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Summary.Backend {
	case "none":
	case "postgres":
		if c.Summary.DSN == "" {
			return fmt.Errorf("summary.dsn is required for postgres")
		}
	case "sqlite":
		if c.Summary.Path == "" {
			return fmt.Errorf("summary.path is required for sqlite")
		}
	default:
		return fmt.Errorf("summary.backend %q is not supported", c.Summary.Backend)
	}
	switch c.Index.Backend {
	case "none":
	case "elastic":
		if len(c.Index.Addresses) == 0 {
			return fmt.Errorf("index.addresses is required for elastic")
		}
	default:
		return fmt.Errorf("index.backend %q is not supported", c.Index.Backend)
	}
	return nil
}

// RetryPolicy returns the configured in-process retry policy.
func (c Config) RetryPolicy() *crash.RetryPolicy {
	return &crash.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}
