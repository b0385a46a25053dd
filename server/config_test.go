package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearGatewayEnv blanks every variable the loader reads so the host
// environment cannot leak into a test.
func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HOST", "PORT", "PUBLIC_URL", "TRUST_PROXY_HEADERS",
		"TLS_DOMAINS", "TLS_EMAIL", "TLS_CACHE_DIR", "TLS_HTTP_LISTEN_ADDR",
		"AUTH0_DOMAIN", "AUTH0_CLIENT_ID", "AUTH0_CLIENT_SECRET", "AUTH0_AUDIENCE", "AUTH0_ISSUER",
		"APP_SECRET_KEY", "SESSION_MAX_AGE", "PROVIDER_TIMEOUT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFromEnvironmentOnly(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("APP_SECRET_KEY", "secret")
	t.Setenv("AUTH0_DOMAIN", testDomain)
	t.Setenv("AUTH0_CLIENT_ID", testClientID)
	t.Setenv("AUTH0_CLIENT_SECRET", "shh")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Fatalf("port default mismatch, got %d", cfg.Server.Port)
	}
	if cfg.ListenAddr() != "0.0.0.0:3000" {
		t.Fatalf("listen addr mismatch, got %s", cfg.ListenAddr())
	}
	if cfg.Session.MaxAge != DefaultSessionTTL {
		t.Fatalf("session max age default mismatch, got %s", cfg.Session.MaxAge)
	}
	if cfg.Provider.Timeout != DefaultProviderTimeout {
		t.Fatalf("provider timeout default mismatch, got %s", cfg.Provider.Timeout)
	}
	if cfg.Auth0.ClientSecret != "shh" {
		t.Fatalf("client secret not loaded")
	}
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	clearGatewayEnv(t)
	path := writeConfig(t, `server:
  port: 8080
  public_url: http://localhost:8080
auth0:
  domain: yaml.example.auth0.com
  client_id: from-yaml
session:
  secret_key: yaml-secret
  max_age: 1h
`)

	t.Setenv("PORT", "9090")
	t.Setenv("AUTH0_CLIENT_ID", "from-env")
	t.Setenv("SESSION_MAX_AGE", "30m")
	t.Setenv("TLS_DOMAINS", "a.example.com,b.example.com")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Auth0.ClientID)
	assert.Equal(t, "yaml.example.auth0.com", cfg.Auth0.Domain)
	assert.Equal(t, "yaml-secret", cfg.Session.SecretKey)
	assert.Equal(t, 30*time.Minute, cfg.Session.MaxAge)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.Server.TLS.Domains)
	assert.True(t, cfg.TLSEnabled())
	assert.True(t, cfg.SecureCookies())
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	clearGatewayEnv(t)
	path := writeConfig(t, `server:
  port: 3000
  dev_mode: true
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "dev_mode") {
		t.Fatalf("error should name the unknown field, got %v", err)
	}
}

func TestLoadConfigEmptyFileUsesDefaults(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("APP_SECRET_KEY", "secret")
	t.Setenv("AUTH0_DOMAIN", testDomain)
	t.Setenv("AUTH0_CLIENT_ID", testClientID)
	path := writeConfig(t, "")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultCookieName, cfg.Session.CookieName)
	assert.Equal(t, DefaultScopes, cfg.Auth0.Scopes)
}

func TestLoadConfigMissingFile(t *testing.T) {
	clearGatewayEnv(t)
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadConfigWithMultipleInvalidValues(t *testing.T) {
	clearGatewayEnv(t)
	path := writeConfig(t, `server:
  port: 70000
  public_url: ftp://example.com
provider:
  timeout: 0s
`)

	_, err := LoadConfig(path)
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"APP_SECRET_KEY",
		"AUTH0_DOMAIN",
		"AUTH0_CLIENT_ID",
		"server.port",
		"server.public_url",
		"provider.timeout",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateRejectsDomainWithScheme(t *testing.T) {
	cfg := testConfig()
	cfg.Auth0.Domain = "https://" + testDomain

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without scheme")
}

func TestValidateAcceptsIssuerWithoutDomain(t *testing.T) {
	cfg := testConfig()
	cfg.Auth0.Domain = ""
	cfg.Auth0.Issuer = "http://127.0.0.1:9999/"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://127.0.0.1:9999/", cfg.IssuerURL())
	assert.Equal(t, "http://127.0.0.1:9999", cfg.ProviderBaseURL())
}

func TestIssuerURLFromDomain(t *testing.T) {
	cfg := testConfig()

	assert.Equal(t, "https://"+testDomain+"/", cfg.IssuerURL())
	assert.Equal(t, "https://"+testDomain, cfg.ProviderBaseURL())
}

func TestSecureCookiesFollowsPublicURL(t *testing.T) {
	cfg := testConfig()
	assert.False(t, cfg.SecureCookies())

	cfg.Server.PublicURL = "https://app.example.com"
	assert.True(t, cfg.SecureCookies())
}

func TestLoadEnvFile(t *testing.T) {
	clearGatewayEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	body := "AUTH0_DOMAIN=dotenv.example.auth0.com\nAUTH0_CLIENT_ID=dotenv-client\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	// Variables already in the environment win over the file.
	t.Setenv("AUTH0_CLIENT_ID", "process-client")

	loaded, err := LoadEnvFile(path)
	require.NoError(t, err)
	assert.True(t, loaded)
	t.Cleanup(func() { os.Unsetenv("AUTH0_DOMAIN") })

	assert.Equal(t, "dotenv.example.auth0.com", os.Getenv("AUTH0_DOMAIN"))
	assert.Equal(t, "process-client", os.Getenv("AUTH0_CLIENT_ID"))
}

func TestLoadEnvFileMissingIsIgnored(t *testing.T) {
	loaded, err := LoadEnvFile(filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
	assert.False(t, loaded)

	loaded, err = LoadEnvFile("")
	require.NoError(t, err)
	assert.False(t, loaded)
}
