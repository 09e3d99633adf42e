package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every recognized environment override.
const EnvPrefix = "QUOTEGATE_"

// Config is the full gateway configuration. Values are loaded from YAML and
// then overridden from the environment; integer overrides with non-numeric
// values fail startup.
type Config struct {
	TTL      TTLConfig      `yaml:"ttl"`
	Cache    CacheConfig    `yaml:"cache"`
	Redis    RedisConfig    `yaml:"redis"`
	Store    StoreConfig    `yaml:"store"`
	Limits   LimitsConfig   `yaml:"limits"`
	Features FeatureFlags   `yaml:"features"`
	HTTP     HTTPConfig     `yaml:"http"`
	Tasks    TasksConfig    `yaml:"tasks"`
}

// TTLConfig holds cache TTLs by freshness class. Values are seconds unless
// the field name says otherwise.
type TTLConfig struct {
	RealtimeStockQuote    int `yaml:"realtime_stock_quote"`
	RealtimeIndexQuote    int `yaml:"realtime_index_quote"`
	RealtimeMarketStatus  int `yaml:"realtime_market_status"`
	SemiStaticBasicInfo   int `yaml:"semi_static_basic_info"`
	SystemHealthCheck     int `yaml:"system_health_check"`
	SystemDistributedLock int `yaml:"system_distributed_lock"`
	Default               int `yaml:"default"`
	StreamHotMS           int `yaml:"stream_hot_ms"`
	StreamWarm            int `yaml:"stream_warm"`
}

// CacheConfig holds sizing and serialization knobs for the cache tiers.
type CacheConfig struct {
	HotCapacity          int    `yaml:"hot_capacity"`
	CompressionThreshold int    `yaml:"compression_threshold"`
	Serializer           string `yaml:"serializer"` // json | msgpack
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
}

// RedisConfig holds connection settings for the warm cache. BaseDB serves
// request/response entries and the rule cache; StreamDB serves stream
// snapshots.
type RedisConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Password         string `yaml:"password"`
	BaseDB           int    `yaml:"base_db"`
	StreamDB         int    `yaml:"stream_db"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	CommandTimeoutMS int    `yaml:"command_timeout_ms"`
	KeyPrefix        string `yaml:"key_prefix"`
	TLS              bool   `yaml:"tls"`
}

// StoreConfig holds the rule store (Postgres) connection settings.
type StoreConfig struct {
	DSN            string `yaml:"dsn"`
	QueryTimeoutMS int    `yaml:"query_timeout_ms"`
}

// LimitsConfig bounds untrusted request and payload shapes.
type LimitsConfig struct {
	MaxStringLength int `yaml:"max_string_length"`
	MaxObjectDepth  int `yaml:"max_object_depth"`
	MaxObjectFields int `yaml:"max_object_fields"`
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
}

// FeatureFlags toggles optional behavior.
type FeatureFlags struct {
	EnableMsgpack      bool `yaml:"enable_msgpack"`
	EnableMappingDebug bool `yaml:"enable_mapping_debug"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
}

// TasksConfig bounds the async rule-stats updater.
type TasksConfig struct {
	StatsConcurrency int `yaml:"stats_concurrency"`
	StatsQueueSize   int `yaml:"stats_queue_size"`
	StatsTimeoutMS   int `yaml:"stats_timeout_ms"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		TTL: TTLConfig{
			RealtimeStockQuote:    5,
			RealtimeIndexQuote:    5,
			RealtimeMarketStatus:  10,
			SemiStaticBasicInfo:   300,
			SystemHealthCheck:     30,
			SystemDistributedLock: 30,
			Default:               60,
			StreamHotMS:           2000,
			StreamWarm:            10,
		},
		Cache: CacheConfig{
			HotCapacity:          10000,
			CompressionThreshold: 4096,
			Serializer:           "json",
			SweepIntervalSeconds: 60,
		},
		Redis: RedisConfig{
			Host:             "127.0.0.1",
			Port:             6379,
			BaseDB:           0,
			StreamDB:         1,
			ConnectTimeoutMS: 5000,
			CommandTimeoutMS: 3000,
			KeyPrefix:        "quotegate:",
		},
		Store: StoreConfig{
			DSN:            "postgres://localhost:5432/quotegate?sslmode=disable",
			QueryTimeoutMS: 5000,
		},
		Limits: LimitsConfig{
			MaxStringLength: 256,
			MaxObjectDepth:  4,
			MaxObjectFields: 32,
			MaxPayloadBytes: 1 << 20,
		},
		HTTP: HTTPConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeoutSec:  10,
			WriteTimeoutSec: 10,
			IdleTimeoutSec:  60,
		},
		Tasks: TasksConfig{
			StatsConcurrency: 50,
			StatsQueueSize:   1000,
			StatsTimeoutMS:   2000,
		},
	}
}

// Load reads configuration from an optional YAML file and applies environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	intVars := map[string]*int{
		"TTL_REALTIME_STOCK_QUOTE":     &c.TTL.RealtimeStockQuote,
		"TTL_REALTIME_INDEX_QUOTE":     &c.TTL.RealtimeIndexQuote,
		"TTL_REALTIME_MARKET_STATUS":   &c.TTL.RealtimeMarketStatus,
		"TTL_SEMI_STATIC_BASIC_INFO":   &c.TTL.SemiStaticBasicInfo,
		"TTL_SYSTEM_HEALTH_CHECK":      &c.TTL.SystemHealthCheck,
		"TTL_SYSTEM_DISTRIBUTED_LOCK":  &c.TTL.SystemDistributedLock,
		"TTL_DEFAULT":                  &c.TTL.Default,
		"TTL_STREAM_HOT_MS":            &c.TTL.StreamHotMS,
		"TTL_STREAM_WARM":              &c.TTL.StreamWarm,
		"CACHE_HOT_CAPACITY":           &c.Cache.HotCapacity,
		"CACHE_COMPRESSION_THRESHOLD":  &c.Cache.CompressionThreshold,
		"CACHE_SWEEP_INTERVAL_SECONDS": &c.Cache.SweepIntervalSeconds,
		"REDIS_PORT":                   &c.Redis.Port,
		"REDIS_BASE_DB":                &c.Redis.BaseDB,
		"REDIS_STREAM_DB":              &c.Redis.StreamDB,
		"REDIS_CONNECT_TIMEOUT_MS":     &c.Redis.ConnectTimeoutMS,
		"REDIS_COMMAND_TIMEOUT_MS":     &c.Redis.CommandTimeoutMS,
		"STORE_QUERY_TIMEOUT_MS":       &c.Store.QueryTimeoutMS,
		"LIMITS_MAX_STRING_LENGTH":     &c.Limits.MaxStringLength,
		"LIMITS_MAX_OBJECT_DEPTH":      &c.Limits.MaxObjectDepth,
		"LIMITS_MAX_OBJECT_FIELDS":     &c.Limits.MaxObjectFields,
		"LIMITS_MAX_PAYLOAD_BYTES":     &c.Limits.MaxPayloadBytes,
		"HTTP_PORT":                    &c.HTTP.Port,
		"HTTP_READ_TIMEOUT_SEC":        &c.HTTP.ReadTimeoutSec,
		"HTTP_WRITE_TIMEOUT_SEC":       &c.HTTP.WriteTimeoutSec,
		"HTTP_IDLE_TIMEOUT_SEC":        &c.HTTP.IdleTimeoutSec,
		"TASKS_STATS_CONCURRENCY":      &c.Tasks.StatsConcurrency,
		"TASKS_STATS_QUEUE_SIZE":       &c.Tasks.StatsQueueSize,
		"TASKS_STATS_TIMEOUT_MS":       &c.Tasks.StatsTimeoutMS,
	}
	for name, target := range intVars {
		raw, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("environment variable %s%s must be an integer, got %q", EnvPrefix, name, raw)
		}
		*target = v
	}

	stringVars := map[string]*string{
		"REDIS_HOST":       &c.Redis.Host,
		"REDIS_PASSWORD":   &c.Redis.Password,
		"REDIS_KEY_PREFIX": &c.Redis.KeyPrefix,
		"STORE_DSN":        &c.Store.DSN,
		"HTTP_HOST":        &c.HTTP.Host,
		"CACHE_SERIALIZER": &c.Cache.Serializer,
	}
	for name, target := range stringVars {
		if raw, ok := os.LookupEnv(EnvPrefix + name); ok && raw != "" {
			*target = raw
		}
	}

	boolVars := map[string]*bool{
		"REDIS_TLS":            &c.Redis.TLS,
		"ENABLE_MSGPACK":       &c.Features.EnableMsgpack,
		"ENABLE_MAPPING_DEBUG": &c.Features.EnableMappingDebug,
	}
	for name, target := range boolVars {
		raw, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("environment variable %s%s must be a boolean, got %q", EnvPrefix, name, raw)
		}
		*target = v
	}

	return nil
}

func (c *Config) validate() error {
	if c.Cache.Serializer != "json" && c.Cache.Serializer != "msgpack" {
		return fmt.Errorf("cache.serializer must be json or msgpack, got %q", c.Cache.Serializer)
	}
	if c.Cache.HotCapacity <= 0 {
		return fmt.Errorf("cache.hot_capacity must be positive, got %d", c.Cache.HotCapacity)
	}
	if c.Limits.MaxObjectDepth <= 0 || c.Limits.MaxObjectFields <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	if c.Tasks.StatsConcurrency <= 0 {
		return fmt.Errorf("tasks.stats_concurrency must be positive, got %d", c.Tasks.StatsConcurrency)
	}
	return nil
}

// RedisAddr returns host:port for the warm cache connection.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StrategyTTL converts a TTL expressed in seconds to a duration.
func StrategyTTL(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
