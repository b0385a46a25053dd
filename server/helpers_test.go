package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testDomain   = "tenant.example.auth0.com"
	testClientID = "client-123"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Session.SecretKey = "test-secret-key-0123456789abcdef"
	cfg.Auth0.Domain = testDomain
	cfg.Auth0.ClientID = testClientID
	cfg.Auth0.ClientSecret = "client-secret"
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logBuffer is a goroutine-safe sink for slog output.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// Lines returns the log lines written at level (INFO, WARN, ...).
func (b *logBuffer) Lines(level string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if strings.Contains(line, "level="+level+" ") {
			out = append(out, line)
		}
	}
	return out
}

func captureLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo})), buf
}

var fixedTime = time.Date(2024, 3, 9, 14, 30, 15, 123456000, time.UTC)

func fixedClock() time.Time { return fixedTime }

// stubProvider is an in-memory IdentityProvider.
type stubProvider struct {
	mu          sync.Mutex
	authURL     string
	identity    UserIdentity
	exchangeErr error
	userInfoErr error
	callbacks   []string
}

func (s *stubProvider) AuthorizationRedirect(w http.ResponseWriter, r *http.Request, callbackURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, callbackURL)
	return s.authURL + "?redirect_uri=" + url.QueryEscape(callbackURL), nil
}

func (s *stubProvider) ExchangeCode(ctx context.Context, w http.ResponseWriter, r *http.Request) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchangeErr != nil {
		return Token{}, s.exchangeErr
	}
	return Token{}, nil
}

func (s *stubProvider) FetchUserInfo(ctx context.Context, tok Token) (UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userInfoErr != nil {
		return UserIdentity{}, s.userInfoErr
	}
	return s.identity, nil
}

func (s *stubProvider) LogoutURL(returnTo string) string {
	return BuildLogoutURL("https://"+testDomain, testClientID, returnTo)
}

func (s *stubProvider) set(fn func(*stubProvider)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// newBrowser returns a cookie-keeping client that does not follow redirects.
func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}
}

func get(t *testing.T, client *http.Client, target string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(target)
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}
