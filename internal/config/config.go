// Package config loads and validates the console configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the CONSOLE_ prefix (e.g.,
// CONSOLE_DATABASE_HOST overrides database.host in the YAML), so the same binary
// runs with a config.yaml locally and with plain environment variables in a
// container.
//
// The ENCRYPTION_KEY and ENCRYPTION_SALT variables have no prefix because they
// are usually injected by secret tooling that does not know the application
// prefix.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Connections ConnectionsConfig `mapstructure:"connections"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Security    SecurityConfig    `mapstructure:"security"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Audit       AuditConfig       `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// BaseURL is the public URL of this API; the default redirect URI is derived from it.
	BaseURL string `mapstructure:"base_url"`
	// FrontendURL is where the browser is sent back to after the callback.
	FrontendURL  string        `mapstructure:"frontend_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the Redis client configuration used by the redis connection backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ConnectionsConfig selects where marketplace connections are persisted
type ConnectionsConfig struct {
	// Backend is one of "postgres", "redis" or "memory"
	Backend        string `mapstructure:"backend"`
	RedisKeyPrefix string `mapstructure:"redis_key_prefix"`
}

// MarketplaceConfig holds the OAuth client and endpoint settings
type MarketplaceConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	AuthURL      string `mapstructure:"auth_url"`
	TokenURL     string `mapstructure:"token_url"`
	APIURL       string `mapstructure:"api_url"`

	// TokenProxyURL, when set, sends code exchanges to a remote token proxy
	// instead of using ClientSecret in this process.
	TokenProxyURL       string `mapstructure:"token_proxy_url"`
	TokenProxyAuthToken string `mapstructure:"token_proxy_auth_token"`

	HTTPTimeout           time.Duration `mapstructure:"http_timeout"`
	RefreshOnUnauthorized bool          `mapstructure:"refresh_on_unauthorized"`

	// Frontend paths the callback redirects to
	SuccessPath string `mapstructure:"success_path"`
	FailurePath string `mapstructure:"failure_path"`
}

// GetRedirectURI returns the registered callback URL. When marketplace.redirect_uri
// is empty it falls back to the callback route under server.base_url.
func (c *Config) GetRedirectURI() string {
	if c.Marketplace.RedirectURI != "" {
		return c.Marketplace.RedirectURI
	}
	return strings.TrimRight(c.Server.BaseURL, "/") + "/api/v1/marketplace/callback"
}

// AuthConfig holds console session configuration
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// Issuer, when set, is required on incoming session tokens
	Issuer string `mapstructure:"issuer"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
	TLS  TLSConfig  `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds the connection audit log configuration
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// LogFailedConnections also records refused or failed authorizations
	LogFailedConnections bool                 `mapstructure:"log_failed_connections"`
	Shippers             []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig configures one audit destination
type AuditShipperConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	Type    string             `mapstructure:"type"` // webhook, file
	Webhook AuditWebhookConfig `mapstructure:"webhook"`
	File    AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.frontend_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Connections
		"connections.backend",
		"connections.redis_key_prefix",

		// Marketplace
		"marketplace.client_id",
		"marketplace.client_secret",
		"marketplace.redirect_uri",
		"marketplace.auth_url",
		"marketplace.token_url",
		"marketplace.api_url",
		"marketplace.token_proxy_url",
		"marketplace.token_proxy_auth_token",
		"marketplace.http_timeout",
		"marketplace.refresh_on_unauthorized",
		"marketplace.success_path",
		"marketplace.failure_path",

		// Auth
		"auth.jwt_secret",
		"auth.issuer",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit
		"audit.enabled",
		"audit.log_failed_connections",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/connect-console")
	}

	v.SetEnvPrefix("CONSOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Marketplace.ClientSecret = expandEnv(cfg.Marketplace.ClientSecret)
	cfg.Marketplace.TokenProxyAuthToken = expandEnv(cfg.Marketplace.TokenProxyAuthToken)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	for _, shipper := range cfg.Audit.Shippers {
		for k, val := range shipper.Webhook.Headers {
			shipper.Webhook.Headers[k] = expandEnv(val)
		}
	}

	return &cfg, nil
}

// Watch re-reads the config file whenever it changes and passes the new,
// validated configuration to onChange. Invalid edits are logged and skipped.
// Only settings that are safe to change at runtime (the log level) should be
// applied by onChange; everything else requires a restart.
func Watch(configPath string, onChange func(*Config)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := bindEnvVars(v); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("config file changed", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.frontend_url", "http://localhost:3000")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "connect_console")
	v.SetDefault("database.user", "console")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Connection store defaults
	v.SetDefault("connections.backend", "postgres")
	v.SetDefault("connections.redis_key_prefix", "connect-console:")

	// Marketplace defaults
	v.SetDefault("marketplace.auth_url", "https://auth.mercadolibre.com.br/authorization")
	v.SetDefault("marketplace.token_url", "https://api.mercadolibre.com/oauth/token")
	v.SetDefault("marketplace.api_url", "https://api.mercadolibre.com")
	v.SetDefault("marketplace.http_timeout", "15s")
	v.SetDefault("marketplace.refresh_on_unauthorized", false)
	v.SetDefault("marketplace.success_path", "/settings/marketplace")
	v.SetDefault("marketplace.failure_path", "/settings/marketplace/error")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "connect-console")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Audit defaults
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.log_failed_connections", true)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration. Missing marketplace credentials are
// not an error here: the console still serves companies and stores, and the
// marketplace routes report the misconfiguration themselves.
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate connection backend
	switch c.Connections.Backend {
	case "postgres", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when using the redis connection backend")
		}
	default:
		return fmt.Errorf("invalid connection backend: %s (must be postgres, redis, or memory)", c.Connections.Backend)
	}

	if c.Marketplace.HTTPTimeout < 0 {
		return fmt.Errorf("marketplace.http_timeout must not be negative")
	}

	if c.Audit.Enabled {
		for i, s := range c.Audit.Shippers {
			if !s.Enabled {
				continue
			}
			switch s.Type {
			case "webhook":
				if s.Webhook.URL == "" {
					return fmt.Errorf("audit.shippers[%d].webhook.url is required", i)
				}
			case "file":
				if s.File.Path == "" {
					return fmt.Errorf("audit.shippers[%d].file.path is required", i)
				}
			default:
				return fmt.Errorf("invalid audit shipper type: %s (must be webhook or file)", s.Type)
			}
		}
	}

	// Validate TLS if enabled
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
