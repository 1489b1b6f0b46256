package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"sudooom.im.sync/internal/backoff"
	"sudooom.im.sync/internal/queue"
	"sudooom.im.sync/internal/store"
)

// EnvPrefix 环境变量前缀，例如 SYNC_SERVER_ADDR 覆盖 server.addr
const EnvPrefix = "SYNC"

type Config struct {
	App       AppConfig       `mapstructure:"app" yaml:"app"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	QUIC      QUICConfig      `mapstructure:"quic" yaml:"quic"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Delivery  DeliveryConfig  `mapstructure:"delivery" yaml:"delivery"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Presence  PresenceConfig  `mapstructure:"presence" yaml:"presence"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" yaml:"heartbeat"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

type AppConfig struct {
	Name          string `mapstructure:"name" yaml:"name"`
	Env           string `mapstructure:"env" yaml:"env"`
	NodeID        string `mapstructure:"node_id" yaml:"node_id"`
	SnowflakeNode int64  `mapstructure:"snowflake_node" yaml:"snowflake_node"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	WriteBuffer     int           `mapstructure:"write_buffer" yaml:"write_buffer"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ReadLimit       int64         `mapstructure:"read_limit" yaml:"read_limit"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	WorkerQueue     int           `mapstructure:"worker_queue" yaml:"worker_queue"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type QUICConfig struct {
	Enabled               bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr                  string        `mapstructure:"addr" yaml:"addr"`
	MaxIdleTimeout        time.Duration `mapstructure:"max_idle_timeout" yaml:"max_idle_timeout"`
	KeepAlivePeriod       time.Duration `mapstructure:"keep_alive_period" yaml:"keep_alive_period"`
	MaxIncomingStreams    int64         `mapstructure:"max_incoming_streams" yaml:"max_incoming_streams"`
	MaxIncomingUniStreams int64         `mapstructure:"max_incoming_uni_streams" yaml:"max_incoming_uni_streams"`
	Allow0RTT             bool          `mapstructure:"allow_0rtt" yaml:"allow_0rtt"`
	CertFile              string        `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile               string        `mapstructure:"key_file" yaml:"key_file"`
}

type AuthConfig struct {
	TokenSecret string        `mapstructure:"token_secret" yaml:"token_secret"`
	Issuer      string        `mapstructure:"issuer" yaml:"issuer"`
	TokenExpire time.Duration `mapstructure:"token_expire" yaml:"token_expire"`
}

// StorageConfig driver 取值 memory / sqlite / postgres
type StorageConfig struct {
	Driver     string         `mapstructure:"driver" yaml:"driver"`
	SQLitePath string         `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time" yaml:"max_conn_idle_time"`
}

// RedisConfig Addr 为空时不启用 Redis（单节点内存模式）
type RedisConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	PoolSize    int           `mapstructure:"pool_size" yaml:"pool_size"`
	LocationTTL time.Duration `mapstructure:"location_ttl" yaml:"location_ttl"`
}

// NATSConfig URL 为空时不启用跨节点转发
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
}

// QueueConfig backend 取值 memory / redis
type QueueConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	Capacity      int           `mapstructure:"capacity" yaml:"capacity"`
	MaxAge        time.Duration `mapstructure:"max_age" yaml:"max_age"`
	DrainBatch    int           `mapstructure:"drain_batch" yaml:"drain_batch"`
	DrainAttempts int           `mapstructure:"drain_attempts" yaml:"drain_attempts"`
	DrainRetry    RetryConfig   `mapstructure:"drain_retry" yaml:"drain_retry"`
}

type RetryConfig struct {
	Base   time.Duration `mapstructure:"base" yaml:"base"`
	Cap    time.Duration `mapstructure:"cap" yaml:"cap"`
	Jitter float64       `mapstructure:"jitter" yaml:"jitter"`
}

type DeliveryConfig struct {
	EnqueuePresence bool        `mapstructure:"enqueue_presence" yaml:"enqueue_presence"`
	PersistAttempts int         `mapstructure:"persist_attempts" yaml:"persist_attempts"`
	PersistRetry    RetryConfig `mapstructure:"persist_retry" yaml:"persist_retry"`
}

type SyncConfig struct {
	PageSize    int `mapstructure:"page_size" yaml:"page_size"`
	MaxPageSize int `mapstructure:"max_page_size" yaml:"max_page_size"`
}

type PresenceConfig struct {
	TypingTTL time.Duration `mapstructure:"typing_ttl" yaml:"typing_ttl"`
}

type HeartbeatConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults 注册全部默认值，环境变量覆盖依赖于此
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "syncd")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.node_id", "sync-1")
	v.SetDefault("app.snowflake_node", 1)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.write_buffer", 256)
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.read_limit", 1<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.workers", 16)
	v.SetDefault("server.worker_queue", 1024)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("quic.enabled", false)
	v.SetDefault("quic.addr", ":4433")
	v.SetDefault("quic.max_idle_timeout", "60s")
	v.SetDefault("quic.keep_alive_period", "15s")
	v.SetDefault("quic.max_incoming_streams", 100)
	v.SetDefault("quic.max_incoming_uni_streams", 100)
	v.SetDefault("quic.allow_0rtt", false)
	v.SetDefault("quic.cert_file", "")
	v.SetDefault("quic.key_file", "")

	v.SetDefault("auth.token_secret", "change-me")
	v.SetDefault("auth.issuer", "im-sync")
	v.SetDefault("auth.token_expire", "24h")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.sqlite_path", "data/sync.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 20)
	v.SetDefault("storage.postgres.min_conns", 2)
	v.SetDefault("storage.postgres.max_conn_lifetime", "1h")
	v.SetDefault("storage.postgres.max_conn_idle_time", "10m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.location_ttl", "3m")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.max_age", "168h")
	v.SetDefault("queue.drain_batch", 100)
	v.SetDefault("queue.drain_attempts", 8)
	v.SetDefault("queue.drain_retry.base", "500ms")
	v.SetDefault("queue.drain_retry.cap", "30s")
	v.SetDefault("queue.drain_retry.jitter", 0.2)

	v.SetDefault("delivery.enqueue_presence", false)
	v.SetDefault("delivery.persist_attempts", 3)
	v.SetDefault("delivery.persist_retry.base", "100ms")
	v.SetDefault("delivery.persist_retry.cap", "2s")
	v.SetDefault("delivery.persist_retry.jitter", 0.2)

	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.max_page_size", 500)

	v.SetDefault("presence.typing_ttl", "5s")

	v.SetDefault("heartbeat.timeout", "90s")
	v.SetDefault("heartbeat.check_interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load 从指定路径加载配置，path 为空时只使用默认值与环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查取值组合是否可用
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis queue backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue.backend %q", c.Queue.Backend))
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, errors.New("queue.capacity must be positive"))
	}
	if c.Auth.TokenSecret == "" {
		errs = append(errs, errors.New("auth.token_secret is required"))
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.CheckInterval {
		errs = append(errs, errors.New("heartbeat.timeout must exceed heartbeat.check_interval"))
	}
	return errors.Join(errs...)
}

// YAML 导出生效配置
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Development 是否为开发环境（控制台日志、自签名证书）
func (c *Config) Development() bool {
	return c.App.Env == "development"
}

func (r RetryConfig) Policy() backoff.Policy {
	return backoff.Policy{Base: r.Base, Cap: r.Cap, Jitter: r.Jitter}
}

func (q QueueConfig) Policy() queue.Policy {
	return queue.Policy{Capacity: q.Capacity, MaxAge: q.MaxAge}
}

func (p PostgresConfig) Store() store.PostgresConfig {
	return store.PostgresConfig{
		DSN:             p.DSN,
		MaxConns:        p.MaxConns,
		MinConns:        p.MinConns,
		MaxConnLifetime: p.MaxConnLifetime,
		MaxConnIdleTime: p.MaxConnIdleTime,
	}
}
