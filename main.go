package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/crypto/acme/autocert"

	"authgw/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHGW_CONFIG"), "Path to optional YAML config")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	configCmd := flag.String("config-cmd", "", "Config command: 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger, err := newLogger(os.Stderr, *logFormat, level)
	if err != nil {
		log.Fatalf("invalid log format %q: %v", *logFormat, err)
	}

	loaded, err := server.LoadEnvFile(*envFile)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if loaded {
		logger.Debug("env file loaded", "path", *envFile)
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if *configCmd != "" {
		switch *configCmd {
		case "validate":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := runConfigValidate(ctx, cfg, logger, nil); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid")
			return
		default:
			log.Fatalf("unknown config command %q. Use 'validate'", *configCmd)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	shutdownFns := serve(cfg, application.Routes(), logger)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

// serve starts the listeners and returns their shutdown functions.
func serve(cfg server.Config, handler http.Handler, logger *slog.Logger) []func(context.Context) error {
	var shutdownFns []func(context.Context) error

	if !cfg.TLSEnabled() {
		srv := &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "http", "addr", srv.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
		return shutdownFns
	}

	m := &autocert.Manager{
		Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}

	httpRedirect := &http.Server{
		Addr:    cfg.Server.TLS.HTTPListenAddr,
		Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
	}
	shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
	go func() {
		if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http redirect error", "error", err)
		}
	}()

	httpsSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: handler,
		TLSConfig: &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		},
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
	logger.Info("server listening", "mode", "https", "addr", httpsSrv.Addr, "domains", cfg.Server.TLS.Domains)
	go func() {
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			logger.Error("https server error", "error", err)
		}
	}()
	return shutdownFns
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// runConfigValidate checks that the provider's discovery document is reachable.
func runConfigValidate(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	client := httpClient
	if client == nil {
		client = cleanhttp.DefaultClient()
		client.Timeout = cfg.Provider.Timeout
	}

	wellKnown := cfg.ProviderBaseURL() + "/.well-known/openid-configuration"
	logger.Info("validating provider discovery", "url", wellKnown)
	if err := validateURL(ctx, client, wellKnown); err != nil {
		return fmt.Errorf("provider discovery %s: %w", wellKnown, err)
	}
	logger.Info("provider URL is accessible", "issuer", cfg.IssuerURL())
	return nil
}

func validateURL(ctx context.Context, client *http.Client, urlStr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func newLogger(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
