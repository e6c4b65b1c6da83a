// Package config loads and validates the portal configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the PORTAL_ prefix (e.g., PORTAL_AUTH_OIDC_ISSUER_URL
// overrides auth.oidc.issuer_url in the YAML).
//
// Secrets are checked separately from structural validation. In production a missing
// secret is fatal; in every other environment it is logged and, where possible, replaced
// by an ephemeral value so a developer can boot the service without an identity provider.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvironmentProduction is the only environment in which secrets are mandatory and the
// test auth bypass is refused.
const EnvironmentProduction = "production"

// ErrTestBypassInProduction is returned when auth.test_bypass is enabled in a production build.
var ErrTestBypassInProduction = errors.New("auth.test_bypass cannot be enabled when app.environment is production")

// Config holds all application configuration
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Backend       BackendConfig       `mapstructure:"backend"`
	Store         StoreConfig         `mapstructure:"store"`
	Uploads       UploadsConfig       `mapstructure:"uploads"`
	I18n          I18nConfig          `mapstructure:"i18n"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Audit         AuditConfig         `mapstructure:"audit"`
}

// AppConfig describes the deployment the process runs in
type AppConfig struct {
	// Environment is one of development, test, staging or production.
	Environment string `mapstructure:"environment"`
	// FrontendURL is the browser-facing origin of the portal pages. Guard redirects
	// and post-login redirects are resolved against it.
	FrontendURL string `mapstructure:"frontend_url"`
}

// IsProduction reports whether the process runs with production guarantees.
func (a *AppConfig) IsProduction() bool {
	return normalizeEnvironment(a.Environment) == EnvironmentProduction
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration for the audit log
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

// RedisConfig holds the connection settings for the browser-session KV area.
// When disabled, an in-process KV is used and state does not survive a restart.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds identity provider, session and backend-sync settings
type AuthConfig struct {
	OIDC    OIDCConfig    `mapstructure:"oidc"`
	Session SessionConfig `mapstructure:"session"`
	// InternalAPIKey is the pre-shared key sent as X-Internal-API-Key on user sync.
	InternalAPIKey string `mapstructure:"internal_api_key"`
	// TestBypass authorizes every guarded page without a session. Refused in production.
	TestBypass bool `mapstructure:"test_bypass"`
}

// OIDCConfig holds the Auth0 (or any OIDC) client configuration
type OIDCConfig struct {
	IssuerURL    string   `mapstructure:"issuer_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Audience     string   `mapstructure:"audience"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
	// LogoutURL overrides the federated logout endpoint. When empty the discovery
	// end_session_endpoint is used, then the Auth0 /v2/logout convention.
	LogoutURL string `mapstructure:"logout_url"`
}

// SessionConfig controls the signed session cookie
type SessionConfig struct {
	Secret     string        `mapstructure:"secret"`
	CookieName string        `mapstructure:"cookie_name"`
	TTL        time.Duration `mapstructure:"ttl"`
	Secure     bool          `mapstructure:"secure"`
}

// BackendConfig points at the knowledge/RAG backend service
type BackendConfig struct {
	APIURL     string        `mapstructure:"api_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

// StoreConfig holds scoped store settings
type StoreConfig struct {
	// Namespace prefixes every persisted user-store key.
	Namespace string `mapstructure:"namespace"`
	// ChatCapacity bounds the number of mounted chat scopes kept in memory.
	ChatCapacity int `mapstructure:"chat_capacity"`
	// ChatIdleTTL drops a chat scope that has not been touched for this long.
	ChatIdleTTL time.Duration `mapstructure:"chat_idle_ttl"`
	// UserCapacity bounds the number of live user stores kept in memory.
	UserCapacity int `mapstructure:"user_capacity"`
	// UserIdleTTL drops a live user store after this long without a request. It
	// is rehydrated from its snapshot on the next one.
	UserIdleTTL time.Duration `mapstructure:"user_idle_ttl"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// Shippers copy every audit entry to external destinations
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Type is webhook or file
	Type    string              `mapstructure:"type"`
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
	// BatchSize > 0 queues entries and posts them as a JSON array
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// UploadsConfig constrains document uploads
type UploadsConfig struct {
	MaxBytes     int64    `mapstructure:"max_bytes"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

// I18nConfig lists the locales pages may be requested in
type I18nConfig struct {
	Locales       []string `mapstructure:"locales"`
	DefaultLocale string   `mapstructure:"default_locale"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
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
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// NotificationsConfig controls unread-count polling
type NotificationsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"app.environment",
		"app.frontend_url",

		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",

		"auth.oidc.issuer_url",
		"auth.oidc.client_id",
		"auth.oidc.client_secret",
		"auth.oidc.audience",
		"auth.oidc.redirect_url",
		"auth.oidc.scopes",
		"auth.oidc.logout_url",
		"auth.session.secret",
		"auth.session.cookie_name",
		"auth.session.ttl",
		"auth.session.secure",
		"auth.internal_api_key",
		"auth.test_bypass",

		"backend.api_url",
		"backend.timeout",
		"backend.retry_count",

		"store.namespace",
		"store.chat_capacity",
		"store.chat_idle_ttl",
		"store.user_capacity",
		"store.user_idle_ttl",

		"uploads.max_bytes",
		"uploads.allowed_types",

		"i18n.locales",
		"i18n.default_locale",

		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		"logging.level",
		"logging.format",

		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",

		"notifications.poll_interval",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// newViper builds a viper instance with defaults, the optional config file and env bindings.
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/knowledge-portal")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("PORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.App.Environment = normalizeEnvironment(cfg.App.Environment)
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.OIDC.ClientSecret = expandEnv(cfg.Auth.OIDC.ClientSecret)
	cfg.Auth.Session.Secret = expandEnv(cfg.Auth.Session.Secret)
	cfg.Auth.InternalAPIKey = expandEnv(cfg.Auth.InternalAPIKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch re-reads the config file whenever it changes on disk and hands every valid
// result to onChange. Invalid edits are logged and skipped so a typo never tears down
// a running server. Only values that are safe to change live (the log level) should
// be applied by the callback.
func Watch(configPath string, onChange func(*Config)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("config file changed", "file", e.Name, "op", e.Op.String())
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.frontend_url", "http://localhost:3000")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "knowledge_portal")
	v.SetDefault("database.user", "portal")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_idle_connections", 2)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.oidc.scopes", []string{"openid", "email", "profile", "offline_access"})
	v.SetDefault("auth.session.cookie_name", "portal_session")
	v.SetDefault("auth.session.ttl", "24h")
	v.SetDefault("auth.session.secure", true)
	v.SetDefault("auth.test_bypass", false)

	v.SetDefault("backend.api_url", "http://localhost:8000")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.retry_count", 2)

	v.SetDefault("store.namespace", "portal-user-store")
	v.SetDefault("store.chat_capacity", 10000)
	v.SetDefault("store.chat_idle_ttl", "2h")
	v.SetDefault("store.user_capacity", 10000)
	v.SetDefault("store.user_idle_ttl", "2h")

	v.SetDefault("uploads.max_bytes", 20<<20)
	v.SetDefault("uploads.allowed_types", []string{
		"application/pdf",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"text/plain",
		"text/markdown",
		"text/csv",
	})

	v.SetDefault("i18n.locales", []string{"en", "es"})
	v.SetDefault("i18n.default_locale", "en")

	v.SetDefault("security.cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 30)
	v.SetDefault("security.tls.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.service_name", "knowledge-portal")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)

	v.SetDefault("notifications.poll_interval", "30s")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

func normalizeEnvironment(env string) string {
	return strings.ToLower(strings.TrimSpace(env))
}

// ValidateTestBypass refuses the test auth bypass in production. Every other
// environment value is accepted.
func ValidateTestBypass(enabled bool, environment string) error {
	if enabled && normalizeEnvironment(environment) == EnvironmentProduction {
		return ErrTestBypassInProduction
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := ValidateTestBypass(c.Auth.TestBypass, c.App.Environment); err != nil {
		return err
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when Redis is enabled")
	}

	if c.Auth.Session.CookieName == "" {
		return fmt.Errorf("auth.session.cookie_name is required")
	}
	if c.Auth.Session.TTL <= 0 {
		return fmt.Errorf("auth.session.ttl must be positive")
	}

	if c.Store.Namespace == "" {
		return fmt.Errorf("store.namespace is required")
	}
	if c.Store.ChatCapacity < 1 {
		return fmt.Errorf("store.chat_capacity must be at least 1")
	}
	if c.Store.UserCapacity < 1 {
		return fmt.Errorf("store.user_capacity must be at least 1")
	}

	for i, sc := range c.Audit.Shippers {
		if !sc.Enabled {
			continue
		}
		switch sc.Type {
		case "webhook":
			if sc.Webhook == nil || sc.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook.url is required", i)
			}
		case "file":
			if sc.File == nil || sc.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file.path is required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown type %q", i, sc.Type)
		}
	}

	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be positive")
	}
	if len(c.Uploads.AllowedTypes) == 0 {
		return fmt.Errorf("uploads.allowed_types must not be empty")
	}

	if len(c.I18n.Locales) == 0 {
		return fmt.Errorf("i18n.locales must not be empty")
	}
	if !c.I18n.Supports(c.I18n.DefaultLocale) {
		return fmt.Errorf("i18n.default_locale %q is not listed in i18n.locales", c.I18n.DefaultLocale)
	}

	if c.Notifications.PollInterval < time.Second {
		return fmt.Errorf("notifications.poll_interval must be at least 1s")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// CheckSecrets verifies that every secret and integration URL is present. In production
// the first gap is returned as an error. Elsewhere each gap is logged, and a missing
// session secret is replaced with a random one (sessions then do not survive restarts).
func (c *Config) CheckSecrets() error {
	missing := c.missingSecrets()
	if len(missing) == 0 {
		return nil
	}

	if c.App.IsProduction() {
		return fmt.Errorf("SECURITY ERROR: required settings missing in production: %s", strings.Join(missing, ", "))
	}

	for _, key := range missing {
		slog.Warn("required setting missing; continuing because environment is not production",
			"key", key, "environment", c.App.Environment)
	}
	if c.Auth.Session.Secret == "" {
		c.Auth.Session.Secret = generateRandomSecret()
		slog.Warn("auth.session.secret not set; using an auto-generated secret, sessions will not persist across restarts")
	}
	return nil
}

func (c *Config) missingSecrets() []string {
	var missing []string
	if c.Auth.OIDC.IssuerURL == "" {
		missing = append(missing, "auth.oidc.issuer_url")
	}
	if c.Auth.OIDC.ClientID == "" {
		missing = append(missing, "auth.oidc.client_id")
	}
	if c.Auth.OIDC.ClientSecret == "" {
		missing = append(missing, "auth.oidc.client_secret")
	}
	if c.Auth.InternalAPIKey == "" {
		missing = append(missing, "auth.internal_api_key")
	}
	if c.Auth.Session.Secret == "" {
		missing = append(missing, "auth.session.secret")
	}
	if c.Backend.APIURL == "" {
		missing = append(missing, "backend.api_url")
	}
	return missing
}

// OIDCConfigured reports whether enough identity-provider settings exist to start the
// login flow.
func (c *Config) OIDCConfigured() bool {
	return c.Auth.OIDC.IssuerURL != "" && c.Auth.OIDC.ClientID != "" && c.Auth.OIDC.ClientSecret != ""
}

func generateRandomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Supports reports whether locale is one of the configured locales
func (i *I18nConfig) Supports(locale string) bool {
	for _, l := range i.Locales {
		if l == locale {
			return true
		}
	}
	return false
}

// Resolve returns locale when supported and the default locale otherwise
func (i *I18nConfig) Resolve(locale string) string {
	if i.Supports(locale) {
		return locale
	}
	return i.DefaultLocale
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
