package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"authflow/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHFLOW_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	commandArgs := args
	if len(commandArgs) > 0 && commandArgs[0] == "connect" {
		command = "connect"
		commandArgs = commandArgs[1:]
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(commandArgs) > 0 {
		configFile = commandArgs[0]
		commandArgs = commandArgs[1:]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		if len(commandArgs) == 0 {
			log.Fatalf("usage: %s [--config path] connect <provider>", os.Args[0])
		}
		providerID := commandArgs[0]
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, providerID, nil, nil); err != nil {
			logger.Error("provider connectivity failed", "provider", providerID, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "provider", providerID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	validateStartupURLs(ctx, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger, server.Options{})
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "base_path", application.Dispatcher.BasePath())
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runConnect walks the authorization redirect chain of an upstream
// provider to confirm the login page is reachable with our client id.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, providerID string, provided []server.Provider, httpClient *http.Client) error {
	if providerID == "" {
		return errors.New("provider id required")
	}

	providers := provided
	if providers == nil {
		providers = server.ProvidersFromConfig(cfg.Providers)
	}

	var provider *server.OAuthProvider
	for _, p := range providers {
		if p.ProviderID() != providerID {
			continue
		}
		op, ok := p.(*server.OAuthProvider)
		if !ok {
			return fmt.Errorf("provider %s is %s, only oauth and oidc providers can be probed", providerID, p.ProviderType())
		}
		provider = op
	}
	if provider == nil {
		return fmt.Errorf("provider %s not configured", providerID)
	}

	authURL, err := provider.StartURL(ctx, cfg.Server.PublicURL, cfg.Server.BasePath)
	if err != nil {
		return fmt.Errorf("resolve provider: %w", err)
	}
	logger.Info("connect.start", "provider", providerID, "auth_url", authURL)
	logger.Info("connect.instructions", "provider", providerID, "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		step := len(via) + 1
		logger.Info("connect.redirect", "step", step, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "provider", providerID, "message", "Reached provider login endpoint")
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, bufio.NewReader(in), logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	for _, target := range discoveryTargets(cfg) {
		if err := validateURL(ctx, target.url); err != nil {
			logger.Error("provider URL validation failed", "provider", target.id, "url", target.url, "error", err)
		} else {
			logger.Info("provider URL is accessible", "provider", target.id, "url", target.url)
		}
	}

	for i, route := range cfg.Proxy.Routes {
		if err := validateURL(ctx, route.Target); err != nil {
			logger.Error("proxy backend URL validation failed", "index", i, "host", route.Host, "target", route.Target, "error", err)
		} else {
			logger.Info("proxy backend URL is accessible", "host", route.Host, "target", route.Target)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

type probeTarget struct {
	id  string
	url string
}

// discoveryTargets lists the URL to probe per provider: the discovery
// document when an issuer is set, otherwise the authorization endpoint.
func discoveryTargets(cfg server.Config) []probeTarget {
	var out []probeTarget
	for _, p := range cfg.Providers {
		switch {
		case p.Issuer != "":
			out = append(out, probeTarget{id: p.ID, url: strings.TrimSuffix(p.Issuer, "/") + "/.well-known/openid-configuration"})
		case p.AuthorizationURL != "":
			out = append(out, probeTarget{id: p.ID, url: p.AuthorizationURL})
		}
	}
	return out
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for _, target := range discoveryTargets(cfg) {
		if err := validateURL(ctx, target.url); err != nil {
			logger.Warn("provider URL may not be accessible",
				"provider", target.id,
				"url", target.url,
				"error", err,
				"note", "server will continue but sign-in with this provider may fail")
		} else {
			logger.Debug("provider URL is accessible", "provider", target.id, "url", target.url)
		}
	}

	for i, route := range cfg.Proxy.Routes {
		if err := validateURL(ctx, route.Target); err != nil {
			logger.Warn("proxy backend URL may not be accessible",
				"index", i,
				"host", route.Host,
				"target", route.Target,
				"error", err,
				"note", "server will continue but proxy requests may fail")
		} else {
			logger.Debug("proxy backend URL is accessible", "host", route.Host, "target", route.Target)
		}
	}
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlStr, nil)
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

func runSetup(path string, reader *bufio.Reader, logger *slog.Logger) (server.Config, error) {
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup for an OpenID Connect sign-in provider. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		publicURL := strings.TrimSuffix(ask(reader, "Public URL", cfg.Server.PublicURL), "/")
		if publicURL != "" {
			cfg.Server.PublicURL = publicURL
		}
		cfg.Server.DevListenAddr = ask(reader, "Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, "Primary public domain (e.g. auth.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
		cfg.Auth.Secret = askRequired(reader, "Session secret (AUTHFLOW_SECRET overrides it)")
	}

	cfg.Server.CORS.ClientOriginURLs = normalizeList(ask(reader, "Browser origins allowed to call the auth API (comma separated)", ""), nil)

	providerID := ask(reader, "Provider id", "oidc")
	issuer := askRequired(reader, "Provider issuer URL")
	clientID := askRequired(reader, "Client ID")
	clientSecret := ask(reader, "Client secret (leave empty for public clients)", "")

	cfg.Providers = []server.ProviderConfig{{
		ID:           providerID,
		Type:         string(server.TypeOIDC),
		Issuer:       strings.TrimSuffix(issuer, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path, "callback_url", cfg.Server.PublicURL+cfg.Server.BasePath+"/callback/"+providerID)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Println("Please enter 'y' or 'n'.")
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

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
