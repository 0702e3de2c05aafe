// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures the connection backing the ingestion queue and the
// ledger's fast-claim path. It is not a database backend; it is
// HybridRAG's own operational fabric store.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Ingestion configures the bounded pipeline shared by every registered
// database. These are process-wide settings; a DatabaseEntry carries no
// per-database override of them.
type Ingestion struct {
	QueueCapacity         int           `mapstructure:"queue_capacity"`
	WorkerCount           int           `mapstructure:"worker_count"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	Backoff               Backoff       `mapstructure:"backoff"`
	StopGrace             time.Duration `mapstructure:"stop_grace"`
	QueueKeyPrefix        string        `mapstructure:"queue_key_prefix"`
	ProcessingListPattern string        `mapstructure:"processing_list_pattern"`
	ClaimTokenTTL         time.Duration `mapstructure:"claim_token_ttl"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// Registry locates the registry file; Path may be overridden by the
// HYBRIDRAG_REGISTRY_PATH env var (see internal/registry).
type Registry struct {
	Path        string        `mapstructure:"path"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

type StateDir struct {
	Path string `mapstructure:"path"`
}

// Engine locates the external RAG engine service every insert and query
// is driven through.
type Engine struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Dispatcher struct {
	T2Timeout     time.Duration `mapstructure:"t2_timeout"`
	T3Timeout     time.Duration `mapstructure:"t3_timeout"`
	T4Timeout     time.Duration `mapstructure:"t4_timeout"`
	T2Concurrency int           `mapstructure:"t2_concurrency"`
	T3Concurrency int           `mapstructure:"t3_concurrency"`
	T4Concurrency int           `mapstructure:"t4_concurrency"`
	ListenAddr    string        `mapstructure:"listen_addr"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Ingestion      Ingestion      `mapstructure:"ingestion"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	Registry       Registry       `mapstructure:"registry"`
	StateDir       StateDir       `mapstructure:"state_dir"`
	Engine         Engine         `mapstructure:"engine"`
	Dispatcher     Dispatcher     `mapstructure:"dispatcher"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Ingestion: Ingestion{
			QueueCapacity:         256,
			WorkerCount:           4,
			MaxAttempts:           3,
			Backoff:               Backoff{Base: 1 * time.Second, Max: 16 * time.Second},
			StopGrace:             30 * time.Second,
			QueueKeyPrefix:        "hybridrag:ingest",
			ProcessingListPattern: "hybridrag:ingest:%s:worker:%s:processing",
			ClaimTokenTTL:         24 * time.Hour,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
		Registry: Registry{
			Path:        "./hybridrag-registry.yaml",
			LockTimeout: 5 * time.Second,
		},
		StateDir: StateDir{
			Path: "./hybridrag-state",
		},
		Engine: Engine{
			BaseURL: "http://localhost:9621",
			Timeout: 120 * time.Second,
		},
		Dispatcher: Dispatcher{
			T2Timeout:     30 * time.Second,
			T3Timeout:     180 * time.Second,
			T4Timeout:     900 * time.Second,
			T2Concurrency: 8,
			T3Concurrency: 4,
			T4Concurrency: 2,
			ListenAddr:    ":8088",
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HYBRIDRAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("ingestion.queue_capacity", def.Ingestion.QueueCapacity)
	v.SetDefault("ingestion.worker_count", def.Ingestion.WorkerCount)
	v.SetDefault("ingestion.max_attempts", def.Ingestion.MaxAttempts)
	v.SetDefault("ingestion.backoff.base", def.Ingestion.Backoff.Base)
	v.SetDefault("ingestion.backoff.max", def.Ingestion.Backoff.Max)
	v.SetDefault("ingestion.stop_grace", def.Ingestion.StopGrace)
	v.SetDefault("ingestion.queue_key_prefix", def.Ingestion.QueueKeyPrefix)
	v.SetDefault("ingestion.processing_list_pattern", def.Ingestion.ProcessingListPattern)
	v.SetDefault("ingestion.claim_token_ttl", def.Ingestion.ClaimTokenTTL)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	v.SetDefault("registry.path", def.Registry.Path)
	v.SetDefault("registry.lock_timeout", def.Registry.LockTimeout)

	v.SetDefault("state_dir.path", def.StateDir.Path)

	v.SetDefault("engine.base_url", def.Engine.BaseURL)
	v.SetDefault("engine.timeout", def.Engine.Timeout)

	v.SetDefault("dispatcher.t2_timeout", def.Dispatcher.T2Timeout)
	v.SetDefault("dispatcher.t3_timeout", def.Dispatcher.T3Timeout)
	v.SetDefault("dispatcher.t4_timeout", def.Dispatcher.T4Timeout)
	v.SetDefault("dispatcher.t2_concurrency", def.Dispatcher.T2Concurrency)
	v.SetDefault("dispatcher.t3_concurrency", def.Dispatcher.T3Concurrency)
	v.SetDefault("dispatcher.t4_concurrency", def.Dispatcher.T4Concurrency)
	v.SetDefault("dispatcher.listen_addr", def.Dispatcher.ListenAddr)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Ingestion.WorkerCount < 1 {
		return fmt.Errorf("ingestion.worker_count must be >= 1")
	}
	if cfg.Ingestion.QueueCapacity < 1 {
		return fmt.Errorf("ingestion.queue_capacity must be >= 1")
	}
	if cfg.Ingestion.MaxAttempts < 1 {
		return fmt.Errorf("ingestion.max_attempts must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Registry.Path == "" {
		return fmt.Errorf("registry.path must be set")
	}
	if cfg.Dispatcher.T2Concurrency < 1 || cfg.Dispatcher.T3Concurrency < 1 || cfg.Dispatcher.T4Concurrency < 1 {
		return fmt.Errorf("dispatcher tier concurrency caps must be >= 1")
	}
	return nil
}
