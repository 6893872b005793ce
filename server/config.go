package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session and limiter defaults.
const (
	DefaultSessionTTL    = 12 * time.Hour
	DefaultAuthRequests  = 10
	DefaultAuthWindow    = time.Minute
	DefaultAPIRequests   = 100
	DefaultAPIWindow     = time.Minute
	DefaultLoginRedirect = "/"
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Session   SessionConfig             `yaml:"session"`
	Security  SecurityConfig            `yaml:"security"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
	LoginRedirect   string    `yaml:"login_redirect"`
	ErrorPage       string    `yaml:"error_page"`
	DefaultProvider string    `yaml:"default_provider"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// Duration is a time.Duration that reads from YAML strings like "30s" or
// "12h" (bare integers are taken as nanoseconds).
type Duration time.Duration

// String renders the duration in time.Duration string form.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses either a duration string or an integer scalar.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// SessionConfig controls session lifetime.
type SessionConfig struct {
	TTL Duration `yaml:"ttl"`
}

// SecurityConfig groups the request guards.
type SecurityConfig struct {
	CSRFExemptPaths []string    `yaml:"csrf_exempt_paths"`
	AuthLimit       LimitConfig `yaml:"auth_limit"`
	APILimit        LimitConfig `yaml:"api_limit"`
}

// LimitConfig is a token-bucket quota: requests per window.
type LimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// ProviderConfig is an immutable snapshot of one upstream IdP's settings.
// Reconfiguration replaces the whole snapshot; readers never observe a
// partial mutation.
type ProviderConfig struct {
	Kind                  string   `yaml:"kind"`
	ClientID              string   `yaml:"client_id"`
	ClientSecret          string   `yaml:"client_secret"`
	AuthorizationEndpoint string   `yaml:"authorization_endpoint"`
	TokenEndpoint         string   `yaml:"token_endpoint"`
	JWKSURI               string   `yaml:"jwks_uri"`
	Issuer                string   `yaml:"issuer"`
	RedirectURI           string   `yaml:"redirect_uri"`
	Scopes                []string `yaml:"scopes"`
	ImageURL              string   `yaml:"image_url"`
	TenantID              string   `yaml:"tenant_id"`
	Enabled               bool     `yaml:"enabled"`
}

// Scope joins the configured scopes for the authorization request.
func (p ProviderConfig) Scope() string {
	if len(p.Scopes) == 0 {
		return "openid profile email"
	}
	return strings.Join(p.Scopes, " ")
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			LoginRedirect:   DefaultLoginRedirect,
			ErrorPage:       "/error",
			DefaultProvider: "entra",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Session: SessionConfig{TTL: Duration(DefaultSessionTTL)},
		Security: SecurityConfig{
			CSRFExemptPaths: []string{"/callback", "/mock"},
			AuthLimit:       LimitConfig{Requests: DefaultAuthRequests, Window: Duration(DefaultAuthWindow)},
			APILimit:        LimitConfig{Requests: DefaultAPIRequests, Window: Duration(DefaultAPIWindow)},
		},
		Providers: map[string]ProviderConfig{},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCRP_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OIDCRP_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCRP_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OIDCRP_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCRP_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCRP_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"OIDCRP_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCRP_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OIDCRP_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OIDCRP_SERVER_DEFAULT_PROVIDER":  func(v string) { cfg.Server.DefaultProvider = strings.ToLower(v) },
		"OIDCRP_SESSION_TTL":              func(v string) { cfg.Session.TTL = parseDuration(v, cfg.Session.TTL) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}

	for name, pc := range cfg.Providers {
		cfg.Providers[name] = applyProviderEnvOverrides(name, pc)
	}
}

// applyProviderEnvOverrides merges OIDC_<PROVIDER>_<KEY> environment
// variables over a provider snapshot.
func applyProviderEnvOverrides(name string, pc ProviderConfig) ProviderConfig {
	prefix := "OIDC_" + strings.ToUpper(name) + "_"

	overrides := map[string]func(string){
		"CLIENT_ID":              func(v string) { pc.ClientID = v },
		"CLIENT_SECRET":          func(v string) { pc.ClientSecret = v },
		"TENANT_ID":              func(v string) { pc.TenantID = v },
		"REDIRECT_URI":           func(v string) { pc.RedirectURI = v },
		"SCOPES":                 func(v string) { pc.Scopes = splitAndTrim(v) },
		"TOKEN_ENDPOINT":         func(v string) { pc.TokenEndpoint = v },
		"AUTHORIZATION_ENDPOINT": func(v string) { pc.AuthorizationEndpoint = v },
		"JWKS_URI":               func(v string) { pc.JWKSURI = v },
		"ISSUER":                 func(v string) { pc.Issuer = v },
		"IMAGE_URL":              func(v string) { pc.ImageURL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(prefix + key); ok && val != "" {
			slog.Info("Overriding provider property from environment",
				"provider", name, "key", key, "env", prefix+key)
			fn(val)
		}
	}
	return pc
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseDuration(val string, fallback Duration) Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return Duration(d)
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL)
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion)
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Session.TTL <= 0 {
		slog.Error("Invalid session TTL", "field", "session.ttl", "value", c.Session.TTL)
		return errors.New("session.ttl must be positive")
	}

	for _, limit := range []struct {
		name string
		lc   LimitConfig
	}{
		{"security.auth_limit", c.Security.AuthLimit},
		{"security.api_limit", c.Security.APILimit},
	} {
		if limit.lc.Requests <= 0 || limit.lc.Window <= 0 {
			slog.Error("Invalid rate limit", "field", limit.name, "requests", limit.lc.Requests, "window", limit.lc.Window)
			return fmt.Errorf("%s requires positive requests and window", limit.name)
		}
	}

	for name, pc := range c.Providers {
		if !pc.Enabled {
			continue
		}
		if pc.Kind == KindMock {
			continue
		}
		if pc.ClientID == "" {
			slog.Error("Provider missing client_id", "provider", name)
			return fmt.Errorf("providers.%s.client_id is required", name)
		}
		if pc.Issuer == "" && (pc.AuthorizationEndpoint == "" || pc.TokenEndpoint == "" || pc.JWKSURI == "") {
			slog.Error("Provider missing endpoints", "provider", name,
				"reason", "set issuer for discovery or all of authorization_endpoint, token_endpoint, jwks_uri")
			return fmt.Errorf("providers.%s requires issuer or explicit endpoints", name)
		}
		if pc.RedirectURI != "" && !strings.HasPrefix(pc.RedirectURI, "http://") && !strings.HasPrefix(pc.RedirectURI, "https://") {
			slog.Error("Invalid redirect URI", "provider", name, "redirect_uri", pc.RedirectURI)
			return fmt.Errorf("providers.%s.redirect_uri must be a valid HTTP(S) URL", name)
		}
	}

	return nil
}

// RedirectURIFor resolves a provider's redirect URI, defaulting to the
// shared callback endpoint under the public URL.
func (c Config) RedirectURIFor(pc ProviderConfig) string {
	if pc.RedirectURI != "" {
		return pc.RedirectURI
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/callback"
}
