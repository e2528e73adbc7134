package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Session      SessionConfig      `mapstructure:"session"`
	Payment      PaymentConfig      `mapstructure:"payment"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	Name            string   `mapstructure:"name"`
	BindAddress     string   `mapstructure:"bind_address"`
	PortalPort      int      `mapstructure:"portal_port"`
	MetricsPort     int      `mapstructure:"metrics_port"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimit       int      `mapstructure:"rate_limit"`
	RateLimitWindow string   `mapstructure:"rate_limit_window"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionConfig defines access window tracking settings
type SessionConfig struct {
	TickInterval   string `mapstructure:"tick_interval"`
	ReapInterval   string `mapstructure:"reap_interval"`
	RestoreOnStart bool   `mapstructure:"restore_on_start"`
}

// PaymentConfig defines checkout settings
type PaymentConfig struct {
	Gateway        string `mapstructure:"gateway"`
	SimulatedDelay string `mapstructure:"simulated_delay"`
	Timeout        string `mapstructure:"timeout"`
	MaxRetries     int    `mapstructure:"max_retries"`
	MinPhoneDigits int    `mapstructure:"min_phone_digits"`
	Currency       string `mapstructure:"currency"`
	DefaultMethod  string `mapstructure:"default_method"`
	CallbackSecret string `mapstructure:"callback_secret"`
}

// CatalogConfig defines package catalog settings
type CatalogConfig struct {
	CacheSize   int  `mapstructure:"cache_size"`
	SeedDefault bool `mapstructure:"seed_default"`
}

// SubscriptionConfig defines operator plan settings
type SubscriptionConfig struct {
	SeedDefault bool `mapstructure:"seed_default"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KPORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration used when no file or environment
// overrides are present.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// UnknownKeys reads the config file at configPath and returns the keys
// kportal does not recognise, sorted.
func UnknownKeys(configPath string) ([]string, error) {
	known := viper.New()
	setDefaults(known)
	valid := make(map[string]bool)
	for _, key := range known.AllKeys() {
		valid[key] = true
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// isNotFound reports whether err means the config file does not exist.
// SetConfigFile surfaces a plain fs error rather than ConfigFileNotFoundError.
func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.name", "kportal.local")
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.portal_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.rate_limit", 60)
	v.SetDefault("server.rate_limit_window", "1m")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Session defaults
	v.SetDefault("session.tick_interval", "1s")
	v.SetDefault("session.reap_interval", "1m")
	v.SetDefault("session.restore_on_start", true)

	// Payment defaults
	v.SetDefault("payment.gateway", "simulated")
	v.SetDefault("payment.simulated_delay", "3s")
	v.SetDefault("payment.timeout", "2m")
	v.SetDefault("payment.max_retries", 3)
	v.SetDefault("payment.min_phone_digits", 9)
	v.SetDefault("payment.currency", "KSH")
	v.SetDefault("payment.default_method", "mpesa")
	v.SetDefault("payment.callback_secret", "")

	// Catalog defaults
	v.SetDefault("catalog.cache_size", 128)
	v.SetDefault("catalog.seed_default", true)

	// Subscription defaults
	v.SetDefault("subscription.seed_default", true)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.PortalPort <= 0 || cfg.Server.PortalPort > 65535 {
		return fmt.Errorf("invalid portal port: %d", cfg.Server.PortalPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}

	for name, value := range map[string]string{
		"server.shutdown_timeout":  cfg.Server.ShutdownTimeout,
		"server.rate_limit_window": cfg.Server.RateLimitWindow,
		"session.tick_interval":    cfg.Session.TickInterval,
		"session.reap_interval":    cfg.Session.ReapInterval,
		"payment.simulated_delay":  cfg.Payment.SimulatedDelay,
		"payment.timeout":          cfg.Payment.Timeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s: must not be negative", name)
		}
	}

	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if cfg.Payment.MinPhoneDigits <= 0 {
		return fmt.Errorf("payment.min_phone_digits must be positive")
	}
	if cfg.Payment.MaxRetries < 0 {
		return fmt.Errorf("payment.max_retries must not be negative")
	}
	if cfg.Catalog.CacheSize <= 0 {
		return fmt.Errorf("catalog.cache_size must be positive")
	}

	return nil
}
