package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Hardcoded session and provider defaults
const (
	DefaultPort            = 3000
	DefaultHost            = "0.0.0.0"
	DefaultSessionTTL      = 12 * time.Hour
	DefaultProviderTimeout = 10 * time.Second
	DefaultCookieName      = "session"
	DefaultHSTSMaxAge      = 31536000
)

// DefaultScopes are requested from the provider unless overridden.
var DefaultScopes = []string{"openid", "profile", "email"}

// Config captures the application configuration loaded from YAML, an optional
// env file and the process environment. It is treated as read-only once loaded.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth0    Auth0Config    `yaml:"auth0"`
	Session  SessionConfig  `yaml:"session"`
	Provider ProviderConfig `yaml:"provider"`
}

// ServerConfig controls listener and URL concerns.
type ServerConfig struct {
	Host              string    `yaml:"host" env:"HOST"`
	Port              int       `yaml:"port" env:"PORT"`
	PublicURL         string    `yaml:"public_url" env:"PUBLIC_URL"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour. TLS is off unless domains are listed.
type TLSConfig struct {
	Domains        []string `yaml:"domains" env:"TLS_DOMAINS" envSeparator:","`
	Email          string   `yaml:"email" env:"TLS_EMAIL"`
	CacheDir       string   `yaml:"cache_dir" env:"TLS_CACHE_DIR"`
	HTTPListenAddr string   `yaml:"http_listen_addr" env:"TLS_HTTP_LISTEN_ADDR"`
	HSTSMaxAge     int      `yaml:"hsts_max_age"`
}

// Auth0Config holds the registered application's credentials.
type Auth0Config struct {
	Domain       string   `yaml:"domain" env:"AUTH0_DOMAIN"`
	ClientID     string   `yaml:"client_id" env:"AUTH0_CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"AUTH0_CLIENT_SECRET"`
	Audience     string   `yaml:"audience" env:"AUTH0_AUDIENCE"`
	Issuer       string   `yaml:"issuer" env:"AUTH0_ISSUER"`
	Scopes       []string `yaml:"scopes"`
}

// SessionConfig controls the signed session cookie.
type SessionConfig struct {
	SecretKey  string        `yaml:"secret_key" env:"APP_SECRET_KEY"`
	CookieName string        `yaml:"cookie_name"`
	MaxAge     time.Duration `yaml:"max_age" env:"SESSION_MAX_AGE"`
}

// ProviderConfig tunes outbound calls to the identity provider.
type ProviderConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"PROVIDER_TIMEOUT"`
}

// LoadConfig reads the optional YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile exports the variables of a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error; loaded reports whether the file was found.
func LoadEnvFile(path string) (loaded bool, err error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load env file %s: %w", path, err)
	}
	return true, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
			TLS: TLSConfig{
				CacheDir:       ".secrets/tls",
				HTTPListenAddr: ":80",
				HSTSMaxAge:     DefaultHSTSMaxAge,
			},
		},
		Auth0: Auth0Config{
			Scopes: append([]string(nil), DefaultScopes...),
		},
		Session: SessionConfig{
			CookieName: DefaultCookieName,
			MaxAge:     DefaultSessionTTL,
		},
		Provider: ProviderConfig{
			Timeout: DefaultProviderTimeout,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.Session.SecretKey == "" {
		result = multierror.Append(result, errors.New("APP_SECRET_KEY (session.secret_key) is required"))
	}
	if c.Session.CookieName == "" {
		result = multierror.Append(result, errors.New("session.cookie_name must not be empty"))
	}
	if c.Session.MaxAge < 0 {
		result = multierror.Append(result, fmt.Errorf("session.max_age must not be negative, got %s", c.Session.MaxAge))
	}

	if c.Auth0.Domain == "" && c.Auth0.Issuer == "" {
		result = multierror.Append(result, errors.New("AUTH0_DOMAIN (auth0.domain) is required"))
	}
	if strings.Contains(c.Auth0.Domain, "://") {
		result = multierror.Append(result, fmt.Errorf("auth0.domain must be a host name without scheme, got %s", c.Auth0.Domain))
	}
	if c.Auth0.Issuer != "" && !isHTTPURL(c.Auth0.Issuer) {
		result = multierror.Append(result, fmt.Errorf("auth0.issuer must start with http:// or https://, got %s", c.Auth0.Issuer))
	}
	if c.Auth0.ClientID == "" {
		result = multierror.Append(result, errors.New("AUTH0_CLIENT_ID (auth0.client_id) is required"))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.PublicURL != "" && !isHTTPURL(c.Server.PublicURL) {
		result = multierror.Append(result, fmt.Errorf("server.public_url must start with http:// or https://, got %s", c.Server.PublicURL))
	}

	if c.Provider.Timeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("provider.timeout must be positive, got %s", c.Provider.Timeout))
	}

	return result.ErrorOrNil()
}

// IssuerURL is the OIDC issuer used for discovery. Auth0 issuers carry a
// trailing slash.
func (c Config) IssuerURL() string {
	if c.Auth0.Issuer != "" {
		return c.Auth0.Issuer
	}
	return "https://" + strings.TrimSuffix(c.Auth0.Domain, "/") + "/"
}

// ProviderBaseURL is the issuer without its trailing slash.
func (c Config) ProviderBaseURL() string {
	return strings.TrimSuffix(c.IssuerURL(), "/")
}

// ListenAddr is the plain HTTP (or HTTPS when TLS is enabled) bind address.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// TLSEnabled reports whether autocert should terminate TLS.
func (c Config) TLSEnabled() bool {
	return len(c.Server.TLS.Domains) > 0
}

// SecureCookies reports whether session cookies must carry the Secure flag.
func (c Config) SecureCookies() bool {
	return c.TLSEnabled() || strings.HasPrefix(c.Server.PublicURL, "https://")
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}
