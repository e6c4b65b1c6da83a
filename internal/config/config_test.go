package config

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// validConfig returns a config that passes Validate so each case can break one field.
func validConfig() *Config {
	return &Config{
		App:      AppConfig{Environment: "development", FrontendURL: "http://localhost:3000"},
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080, BaseURL: "http://localhost:8080"},
		Database: DatabaseConfig{Host: "localhost", Name: "knowledge_portal", User: "portal"},
		Auth: AuthConfig{
			Session: SessionConfig{CookieName: "portal_session", TTL: time.Hour},
		},
		Store:         StoreConfig{Namespace: "portal-user-store", ChatCapacity: 10, UserCapacity: 10},
		Uploads:       UploadsConfig{MaxBytes: 1024, AllowedTypes: []string{"application/pdf"}},
		I18n:          I18nConfig{Locales: []string{"en", "es"}, DefaultLocale: "en"},
		Logging:       LoggingConfig{Level: "info", Format: "json"},
		Notifications: NotificationsConfig{PollInterval: 30 * time.Second},
	}
}

// ---------------------------------------------------------------------------
// ValidateTestBypass
// ---------------------------------------------------------------------------

func TestValidateTestBypass(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		env     string
		wantErr bool
	}{
		{"bypass in production", true, "production", true},
		{"bypass in production mixed case", true, " Production ", true},
		{"bypass in development", true, "development", false},
		{"bypass in test", true, "test", false},
		{"bypass in staging", true, "staging", false},
		{"bypass with unknown env", true, "qa-cluster-7", false},
		{"bypass with empty env", true, "", false},
		{"no bypass in production", false, "production", false},
		{"no bypass in development", false, "development", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTestBypass(tt.enabled, tt.env)
			if tt.wantErr {
				if !errors.Is(err, ErrTestBypassInProduction) {
					t.Errorf("ValidateTestBypass(%v, %q) = %v, want ErrTestBypassInProduction", tt.enabled, tt.env, err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateTestBypass(%v, %q) unexpected error: %v", tt.enabled, tt.env, err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bypass refused in production", func(c *Config) {
			c.App.Environment = "production"
			c.Auth.TestBypass = true
		}, "test_bypass"},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"missing base url", func(c *Config) { c.Server.BaseURL = "" }, "server.base_url"},
		{"missing db host", func(c *Config) { c.Database.Host = "" }, "database.host"},
		{"redis enabled without addr", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = ""
		}, "redis.addr"},
		{"zero session ttl", func(c *Config) { c.Auth.Session.TTL = 0 }, "auth.session.ttl"},
		{"missing namespace", func(c *Config) { c.Store.Namespace = "" }, "store.namespace"},
		{"zero chat capacity", func(c *Config) { c.Store.ChatCapacity = 0 }, "store.chat_capacity"},
		{"zero user capacity", func(c *Config) { c.Store.UserCapacity = 0 }, "store.user_capacity"},
		{"webhook shipper without url", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "webhook", Webhook: &AuditWebhookConfig{}}}
		}, "webhook.url"},
		{"file shipper without config", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "file"}}
		}, "file.path"},
		{"unknown shipper type", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "syslog"}}
		}, "unknown type"},
		{"disabled shipper not checked", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: false, Type: "syslog"}}
		}, ""},
		{"no upload types", func(c *Config) { c.Uploads.AllowedTypes = nil }, "uploads.allowed_types"},
		{"default locale not listed", func(c *Config) { c.I18n.DefaultLocale = "fr" }, "i18n.default_locale"},
		{"poll interval too short", func(c *Config) { c.Notifications.PollInterval = time.Millisecond }, "poll_interval"},
		{"tls without cert", func(c *Config) {
			c.Security.TLS.Enabled = true
			c.Security.TLS.KeyFile = "key.pem"
		}, "cert_file"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid logging level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// CheckSecrets
// ---------------------------------------------------------------------------

func TestCheckSecrets_ProductionFailsOnMissing(t *testing.T) {
	cfg := validConfig()
	cfg.App.Environment = "production"

	err := cfg.CheckSecrets()
	if err == nil {
		t.Fatal("CheckSecrets() = nil, want error in production with no secrets")
	}
	for _, key := range []string{"auth.oidc.client_secret", "auth.internal_api_key", "auth.session.secret"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestCheckSecrets_DevelopmentWarnsAndGeneratesSessionSecret(t *testing.T) {
	cfg := validConfig()

	if err := cfg.CheckSecrets(); err != nil {
		t.Fatalf("CheckSecrets() in development returned error: %v", err)
	}
	if len(cfg.Auth.Session.Secret) < 32 {
		t.Errorf("generated session secret too short: %q", cfg.Auth.Session.Secret)
	}
}

func TestCheckSecrets_AllPresent(t *testing.T) {
	cfg := validConfig()
	cfg.App.Environment = "production"
	cfg.Auth.OIDC = OIDCConfig{IssuerURL: "https://tenant.auth0.com/", ClientID: "id", ClientSecret: "secret"}
	cfg.Auth.InternalAPIKey = "internal"
	cfg.Auth.Session.Secret = strings.Repeat("s", 32)
	cfg.Backend.APIURL = "http://backend:8000"

	if err := cfg.CheckSecrets(); err != nil {
		t.Fatalf("CheckSecrets() unexpected error: %v", err)
	}
	if !cfg.OIDCConfigured() {
		t.Error("OIDCConfigured() = false, want true")
	}
}

// ---------------------------------------------------------------------------
// I18nConfig
// ---------------------------------------------------------------------------

func TestI18nResolve(t *testing.T) {
	i := I18nConfig{Locales: []string{"en", "es"}, DefaultLocale: "en"}
	tests := map[string]string{
		"es":               "es",
		"en":               "en",
		"fr":               "en",
		"":                 "en",
		"../../etc/passwd": "en",
	}
	for in, want := range tests {
		if got := i.Resolve(in); got != want {
			t.Errorf("Resolve(%q) = %q, want %q", in, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// GetDSN / GetAddress
// ---------------------------------------------------------------------------

func TestGetDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "localhost", Port: 5432, User: "portal", Password: "secret", Name: "knowledge_portal", SSLMode: "require"}
	want := "host=localhost port=5432 user=portal password=secret dbname=knowledge_portal sslmode=require"
	if got := cfg.GetDSN(); got != want {
		t.Errorf("GetDSN() = %q, want %q", got, want)
	}
}

func TestGetAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 8080}, "0.0.0.0:8080"},
		{"empty host", ServerConfig{Host: "", Port: 8080}, ":8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetAddress(); got != tt.want {
				t.Errorf("GetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// writeTempConfig creates a temp YAML file and registers a cleanup to remove it.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "config-test-*.yaml")
	if err != nil {
		t.Fatal("CreateTemp:", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	if _, err := f.WriteString(content); err != nil {
		t.Fatal("WriteString:", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_WithConfigFile(t *testing.T) {
	const content = `
app:
  environment: "Staging"
server:
  port: 9999
auth:
  oidc:
    issuer_url: "https://tenant.auth0.com/"
    audience: "https://api.portal"
  session:
    ttl: "2h"
i18n:
  locales: ["en", "es", "pt"]
  default_locale: "es"
logging:
  level: "debug"
audit:
  shippers:
    - enabled: true
      type: "webhook"
      webhook:
        url: "https://siem.example.com/ingest"
        timeout: "3s"
        batch_size: 20
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if len(cfg.Audit.Shippers) != 1 || cfg.Audit.Shippers[0].Webhook == nil {
		t.Fatalf("Audit.Shippers = %+v, want one webhook shipper", cfg.Audit.Shippers)
	}
	if wh := cfg.Audit.Shippers[0].Webhook; wh.Timeout != 3*time.Second || wh.BatchSize != 20 {
		t.Errorf("Audit.Shippers[0].Webhook = %+v", wh)
	}
	if cfg.Store.UserCapacity != 10000 || cfg.Store.UserIdleTTL != 2*time.Hour {
		t.Errorf("Store = %+v, want user registry defaults", cfg.Store)
	}

	if cfg.App.Environment != "staging" {
		t.Errorf("App.Environment = %q, want staging (normalized)", cfg.App.Environment)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Auth.OIDC.Audience != "https://api.portal" {
		t.Errorf("Auth.OIDC.Audience = %q", cfg.Auth.OIDC.Audience)
	}
	if cfg.Auth.Session.TTL != 2*time.Hour {
		t.Errorf("Auth.Session.TTL = %v, want 2h", cfg.Auth.Session.TTL)
	}
	if cfg.I18n.DefaultLocale != "es" || len(cfg.I18n.Locales) != 3 {
		t.Errorf("I18n = %+v", cfg.I18n)
	}
	// Defaults fill in what the file omitted.
	if cfg.Store.Namespace != "portal-user-store" {
		t.Errorf("Store.Namespace = %q, want default", cfg.Store.Namespace)
	}
	if cfg.Auth.Session.CookieName != "portal_session" {
		t.Errorf("Auth.Session.CookieName = %q, want default", cfg.Auth.Session.CookieName)
	}
}

func TestLoad_BypassInProductionFailsAtStartup(t *testing.T) {
	const content = `
app:
  environment: "production"
auth:
  test_bypass: true
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	if !errors.Is(err, ErrTestBypassInProduction) {
		t.Fatalf("Load() error = %v, want ErrTestBypassInProduction", err)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PORTAL_AUTH_TEST_BYPASS", "true")
	t.Setenv("PORTAL_APP_ENVIRONMENT", "test")
	t.Setenv("PORTAL_TEST_INTERNAL_KEY", "from-env")

	const content = `
auth:
  internal_api_key: "${PORTAL_TEST_INTERNAL_KEY}"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Auth.TestBypass {
		t.Error("Auth.TestBypass = false, want true from env")
	}
	if cfg.Auth.InternalAPIKey != "from-env" {
		t.Errorf("Auth.InternalAPIKey = %q, want from-env", cfg.Auth.InternalAPIKey)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}
