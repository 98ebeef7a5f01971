package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"authflow/adapters"
	"authflow/adapters/memory"
	redisadapter "authflow/adapters/redis"
	"authflow/httpadapt"
)

const secretFile = "auth_secret"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Adapter    adapters.Adapter
	Dispatcher *Dispatcher
	Proxy      *ProxyManager
	Metrics    *Metrics
	Registry   *prometheus.Registry

	closers []func() error
}

// NewApp wires together the application state from configuration. opts
// supplies what YAML cannot: credential checks, mail delivery, callbacks.
// Providers from opts are registered after those declared in cfg.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts Options) (*App, error) {
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	app.Metrics = NewMetrics(app.Registry)

	adapter, err := app.buildAdapter(ctx)
	if err != nil {
		return nil, err
	}
	app.Adapter = adapter

	secret := cfg.Auth.Secret
	if secret == "" {
		if !cfg.Server.DevMode {
			app.Close()
			return nil, fmt.Errorf("%w: auth.secret is required", ErrConfiguration)
		}
		secret, err = loadOrCreateSecret(cfg.Server.SecretsPath)
		if err != nil {
			app.Close()
			return nil, err
		}
		logger.Warn("using generated dev secret; sessions will not survive a secret change", "path", cfg.Server.SecretsPath)
	}

	opts.BaseURL = strings.TrimSuffix(cfg.Server.PublicURL, "/")
	opts.BasePath = cfg.Server.BasePath
	opts.Secret = secret
	opts.Providers = append(ProvidersFromConfig(cfg.Providers), opts.Providers...)
	if opts.Adapter == nil {
		opts.Adapter = adapter
	}
	if opts.Strategy == "" {
		opts.Strategy = cfg.Auth.Session.Strategy
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = cfg.Auth.SessionMaxAge()
	}
	if opts.UpdateAge == 0 {
		opts.UpdateAge = cfg.Auth.SessionUpdateAge()
	}
	opts.Encryption = opts.Encryption || cfg.Auth.Encryption
	if opts.CookieDomain == "" {
		opts.CookieDomain = cfg.Server.CookieDomain
	}
	if opts.Pages == (PagesConfig{}) {
		opts.Pages = cfg.Auth.Pages
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	opts.Metrics = app.Metrics

	app.Dispatcher, err = NewDispatcher(opts)
	if err != nil {
		app.Close()
		return nil, err
	}

	if len(cfg.Proxy.Routes) > 0 {
		proxy, err := NewProxyManager(cfg.Proxy, app.Dispatcher, app.Metrics, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init proxy: %w", err)
		}
		app.Proxy = proxy
	}

	logger.Info("auth flows ready",
		"base_url", opts.BaseURL,
		"base_path", app.Dispatcher.BasePath(),
		"strategy", app.Dispatcher.opts.Strategy,
		"adapter", cfg.Adapter.Type,
		"providers", len(app.Dispatcher.ordered),
	)
	return app, nil
}

func (a *App) buildAdapter(ctx context.Context) (adapters.Adapter, error) {
	switch a.Config.Adapter.Type {
	case "", "memory":
		return memory.New(), nil
	case "redis":
		rc := a.Config.Adapter.Redis
		store, err := redisadapter.New(redisadapter.Config{
			Client: goredis.NewClient(&goredis.Options{
				Addr:     rc.Addr,
				Password: rc.Password,
				DB:       rc.DB,
			}),
			KeyPrefix: rc.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis adapter: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
		}
		a.closers = append(a.closers, store.Close)
		a.Logger.Info("redis adapter connected", "addr", rc.Addr)
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown adapter %q", ErrConfiguration, a.Config.Adapter.Type)
	}
}

// Close releases adapter connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// loadOrCreateSecret reads the dev secret from dir, generating it on first
// use so restarts keep existing sessions valid.
func loadOrCreateSecret(dir string) (string, error) {
	if dir == "" {
		return randomToken(32), nil
	}
	path := filepath.Join(dir, secretFile)
	b, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(b))) > 0 {
		return strings.TrimSpace(string(b)), nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read dev secret: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create secrets dir: %w", err)
	}
	secret := randomToken(32)
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write dev secret: %w", err)
	}
	return secret, nil
}

// handleAuth adapts the request, runs the flow and writes the result.
func (a *App) handleAuth(w http.ResponseWriter, r *http.Request) {
	req, err := httpadapt.AdaptRequest(r)
	if err != nil {
		if errors.Is(err, httpadapt.ErrBodyTooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		if errors.Is(err, httpadapt.ErrUnsupportedMediaType) {
			http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
			return
		}
		a.Logger.Debug("malformed auth request", "error", err, "path", r.URL.Path)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	// The mount point is configurable, so take the action from the route
	// rather than from the "auth" segment.
	if rest := strings.Trim(chi.URLParam(r, "*"), "/"); rest != "" {
		req.NextAuth = strings.Split(rest, "/")
		req.Action = req.NextAuth[0]
		req.ProviderID = ""
		if len(req.NextAuth) > 1 {
			req.ProviderID = req.NextAuth[1]
		}
	}

	res, err := a.Dispatcher.Handle(r.Context(), req)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if err := res.Write(w); err != nil {
		a.Logger.Error("write auth response", "error", err, "request_id", RequestIDFromContext(r.Context()))
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	code, status := http.StatusOK, "ok"
	if p, ok := a.Adapter.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			a.Logger.Warn("health check adapter ping failed", "error", err)
			code, status = http.StatusServiceUnavailable, "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
