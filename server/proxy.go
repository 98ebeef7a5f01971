package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// Headers carrying the signed-in user to proxied backends. Inbound copies are
// always stripped.
const (
	HeaderUserID    = "X-Auth-User-Id"
	HeaderUserEmail = "X-Auth-User-Email"
	HeaderUserName  = "X-Auth-User-Name"
)

// ProxyManager handles reverse proxy routing based on Host header, gating
// routes on a live session.
type ProxyManager struct {
	routes     map[string]*proxyRoute
	dispatcher *Dispatcher
	metrics    *Metrics
	logger     *slog.Logger
}

type proxyRoute struct {
	host           string
	proxy          *httputil.ReverseProxy
	requireSession bool
	injectUser     bool
	signInRedirect bool
	skipPaths      []string
}

// NewProxyManager creates a proxy manager from configuration.
func NewProxyManager(cfg ProxyConfig, dispatcher *Dispatcher, metrics *Metrics, logger *slog.Logger) (*ProxyManager, error) {
	pm := &ProxyManager{
		routes:     make(map[string]*proxyRoute),
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}

	for _, routeCfg := range cfg.Routes {
		if err := pm.addRoute(routeCfg); err != nil {
			return nil, fmt.Errorf("invalid proxy route for %s: %w", routeCfg.Host, err)
		}
	}
	return pm, nil
}

func (pm *ProxyManager) addRoute(cfg ProxyRoute) error {
	if cfg.Host == "" {
		return fmt.Errorf("host is required")
	}
	if cfg.Target == "" {
		return fmt.Errorf("target is required")
	}
	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	timeout := DefaultProxyTimeout
	if cfg.Timeout != "" {
		if timeout, err = time.ParseDuration(cfg.Timeout); err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	host := strings.ToLower(cfg.Host)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		inboundHost := req.Host
		originalDirector(req)

		if cfg.StripPrefix != "" && strings.HasPrefix(req.URL.Path, cfg.StripPrefix) {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, cfg.StripPrefix)
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
			req.URL.RawPath = ""
		}
		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", inboundHost)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		pm.logger.Error("proxy error",
			"host", cfg.Host,
			"target", cfg.Target,
			"error", err,
			"path", r.URL.Path,
		)
		pm.metrics.recordProxy(host, "error")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	pm.routes[host] = &proxyRoute{
		host:           host,
		proxy:          proxy,
		requireSession: cfg.RequireSession,
		injectUser:     cfg.InjectUserHeaders,
		signInRedirect: cfg.SignInRedirect,
		skipPaths:      cfg.SkipPaths,
	}
	pm.logger.Info("proxy route added",
		"host", cfg.Host,
		"target", cfg.Target,
		"require_session", cfg.RequireSession,
	)
	return nil
}

// Handles reports whether host has a route.
func (pm *ProxyManager) Handles(host string) bool {
	_, ok := pm.routes[normalizeHost(host)]
	return ok
}

// ServeHTTP routes on the Host header. Routes requiring a session answer 401,
// or redirect to sign-in when configured, for requests without one.
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := normalizeHost(r.Host)
	route, ok := pm.routes[host]
	if !ok {
		pm.logger.Debug("no proxy route for host", "host", host, "path", r.URL.Path)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	r = r.Clone(r.Context())
	for _, h := range []string{HeaderUserID, HeaderUserEmail, HeaderUserName} {
		r.Header.Del(h)
	}

	if route.requireSession && !route.skip(r.URL.Path) {
		user, err := pm.dispatcher.CurrentUser(r.Context(), r)
		if err != nil {
			pm.logger.Error("proxy session lookup failed", "host", host, "error", err)
			pm.metrics.recordProxy(host, "error")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if user == nil {
			pm.metrics.recordProxy(host, "unauthenticated")
			if route.signInRedirect && r.Method == http.MethodGet {
				back := schemeFromRequest(r) + "://" + r.Host + r.URL.RequestURI()
				http.Redirect(w, r, pm.dispatcher.actionURL(actionSignIn)+"?"+url.Values{"callbackUrl": {back}}.Encode(), http.StatusFound)
				return
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if route.injectUser {
			r.Header.Set(HeaderUserID, user.ID)
			if user.Email != "" {
				r.Header.Set(HeaderUserEmail, user.Email)
			}
			if user.Name != "" {
				r.Header.Set(HeaderUserName, user.Name)
			}
		}
	}

	pm.logger.Debug("proxying request", "host", host, "path", r.URL.Path, "method", r.Method)
	pm.metrics.recordProxy(host, "proxied")
	route.proxy.ServeHTTP(w, r)
}

func (r *proxyRoute) skip(path string) bool {
	for _, p := range r.skipPaths {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
