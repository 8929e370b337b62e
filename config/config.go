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
	MQTT       *MQTTConfig      `mapstructure:"mqtt"`
	Fiscal     FiscalConfig     `mapstructure:"fiscal"`
	Sessions   SessionConfig    `mapstructure:"sessions"`
	Activation ActivationConfig `mapstructure:"activation"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection settings. DSNTemplate is
// rendered with a tenant id to obtain that tenant's isolated database.
type DatabaseConfig struct {
	DSNTemplate     string        `mapstructure:"dsn_template"`
	Tenants         []string      `mapstructure:"tenants"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ServiceBusConfig holds the Azure Service Bus settings for event export.
type ServiceBusConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	QueueName        string `mapstructure:"queue_name"`
}

// MQTTConfig holds MQTT broker settings for terminal heartbeat ingestion.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	Topics            []string      `mapstructure:"topics"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// FiscalConfig holds the ledger settings. IssuerTaxID goes into every hashed
// record and must match the registration with the fiscal authority.
type FiscalConfig struct {
	IssuerTaxID   string `mapstructure:"issuer_tax_id"`
	DefaultSeries string `mapstructure:"default_series"`
	MaxRetries    int    `mapstructure:"max_retries"`
}

// SessionConfig holds liveness settings.
type SessionConfig struct {
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// ActivationConfig holds activation token settings.
type ActivationConfig struct {
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	TokenRetention time.Duration `mapstructure:"token_retention"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("POS")
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")

	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.keep_alive", "30s")
	viper.SetDefault("mqtt.connect_timeout", "10s")
	viper.SetDefault("mqtt.max_reconnect_delay", "2m")

	viper.SetDefault("fiscal.default_series", "A")
	viper.SetDefault("fiscal.max_retries", 5)

	viper.SetDefault("sessions.liveness_window", "60s")
	viper.SetDefault("sessions.sweep_interval", "30s")

	viper.SetDefault("activation.token_ttl", "24h")
	viper.SetDefault("activation.token_retention", "168h")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if using env vars
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
