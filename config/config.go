package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Mapping    MappingConfig    `mapstructure:"mapping"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Log        LogConfig        `mapstructure:"log"`
	Logger     *logrus.Logger   `mapstructure:"-"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APITokens    []string      `mapstructure:"api_tokens"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

// DatabaseConfig holds the relational store settings. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ServiceBusConfig holds the Azure Service Bus settings for the secondary inbound feed.
type ServiceBusConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	TopicName        string        `mapstructure:"topic_name"`
	SubscriptionName string        `mapstructure:"subscription_name"`
	MaxMessages      int           `mapstructure:"max_messages"`
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// MQTTConfig holds MQTT broker settings for telemetry ingestion
type MQTTConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	BrokerURL            string        `mapstructure:"broker_url"`
	ClientID             string        `mapstructure:"client_id"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	QoS                  byte          `mapstructure:"qos"`
	CleanSession         bool          `mapstructure:"clean_session"`
	Topics               []string      `mapstructure:"topics"`
	DeviceNamespace      string        `mapstructure:"device_namespace"`
	KeepAlive            time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout       time.Duration `mapstructure:"publish_timeout"`
	HandlerTimeout       time.Duration `mapstructure:"handler_timeout"`
	ReconnectPeriod      time.Duration `mapstructure:"reconnect_period"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// IdentityConfig controls how device tokens are pulled out of inbound messages.
type IdentityConfig struct {
	Strategy            string        `mapstructure:"strategy"`
	PayloadPaths        []string      `mapstructure:"payload_paths"`
	TopicSegment        int           `mapstructure:"topic_segment"`
	GatewayPath         string        `mapstructure:"gateway_path"`
	TopicNamespaceDepth int           `mapstructure:"topic_namespace_depth"`
	NamespaceScanLimit  int           `mapstructure:"namespace_scan_limit"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	SpecPathRefresh     time.Duration `mapstructure:"spec_path_refresh"`
}

// ProcessorConfig holds the batch processor schedule.
type ProcessorConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	Concurrency        int           `mapstructure:"concurrency"`
	ClaimTTL           time.Duration `mapstructure:"claim_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	OfflineGraceFactor float64       `mapstructure:"offline_grace_factor"`
}

// MappingConfig holds profile mapping engine limits.
type MappingConfig struct {
	ScriptTimeout    time.Duration `mapstructure:"script_timeout"`
	ProgramCacheSize int           `mapstructure:"program_cache_size"`
}

// StorageConfig holds settings for the local ingest spool
type StorageConfig struct {
	SpoolPath          string        `mapstructure:"spool_path"`
	SpoolMaxBytes      int64         `mapstructure:"spool_max_bytes"`
	SpoolMaxRetries    int           `mapstructure:"spool_max_retries"`
	SpoolDrainInterval time.Duration `mapstructure:"spool_drain_interval"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.api_tokens", []string{})
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("service_bus.enabled", false)
	v.SetDefault("service_bus.max_messages", 20)
	v.SetDefault("service_bus.receive_timeout", "30s")
	v.SetDefault("service_bus.retry_delay", "5s")

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", false)
	v.SetDefault("mqtt.topics", []string{"devices/+/telemetry", "devices/+/event"})
	v.SetDefault("mqtt.device_namespace", "devices")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.publish_timeout", "5s")
	v.SetDefault("mqtt.handler_timeout", "10s")
	v.SetDefault("mqtt.reconnect_period", "5s")
	v.SetDefault("mqtt.max_reconnect_attempts", 10)

	v.SetDefault("identity.strategy", "payload_then_topic")
	v.SetDefault("identity.payload_paths", []string{"deviceId", "device_id", "devEui", "dev_eui"})
	v.SetDefault("identity.topic_segment", 1)
	v.SetDefault("identity.gateway_path", "gatewayId")
	v.SetDefault("identity.topic_namespace_depth", 1)
	v.SetDefault("identity.namespace_scan_limit", 50)
	v.SetDefault("identity.cache_ttl", "5m")
	v.SetDefault("identity.spec_path_refresh", "1m")

	v.SetDefault("processor.enabled", true)
	v.SetDefault("processor.interval", "10s")
	v.SetDefault("processor.batch_size", 200)
	v.SetDefault("processor.concurrency", 8)
	v.SetDefault("processor.claim_ttl", "2m")
	v.SetDefault("processor.sweep_interval", "1m")
	v.SetDefault("processor.offline_grace_factor", 3.0)

	v.SetDefault("mapping.script_timeout", "250ms")
	v.SetDefault("mapping.program_cache_size", 256)

	v.SetDefault("storage.spool_path", "/data/spool/ingest.jsonl")
	v.SetDefault("storage.spool_max_bytes", 100*1024*1024) // 100MB
	v.SetDefault("storage.spool_max_retries", 20)
	v.SetDefault("storage.spool_drain_interval", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Identity.Strategy {
	case "payload", "topic", "payload_then_topic", "topic_then_payload":
	default:
		return fmt.Errorf("unsupported identity strategy %q", c.Identity.Strategy)
	}
	if c.Processor.BatchSize <= 0 {
		return fmt.Errorf("processor.batch_size must be positive")
	}
	if c.Processor.Concurrency <= 0 {
		return fmt.Errorf("processor.concurrency must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Mapping.ScriptTimeout <= 0 {
		return fmt.Errorf("mapping.script_timeout must be positive")
	}
	return nil
}
