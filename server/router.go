package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the HTTP router: auth actions under the base path,
// health and metrics, and host-routed proxying in front of it all.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()
	basePath := a.Dispatcher.BasePath()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger, basePath))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	if a.Proxy != nil {
		r.Use(a.proxyMiddleware)
	}

	r.Route(basePath, func(r chi.Router) {
		r.Use(BodyLimitMiddleware)
		r.Get("/*", a.handleAuth)
		r.Post("/*", a.handleAuth)
	})

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	return r
}

// proxyMiddleware hands requests for a routed host to the proxy. The auth
// base path is always served locally so proxied apps can sign users in.
func (a *App) proxyMiddleware(next http.Handler) http.Handler {
	basePath := a.Dispatcher.BasePath()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, basePath+"/") || !a.Proxy.Handles(r.Host) {
			next.ServeHTTP(w, r)
			return
		}
		a.Proxy.ServeHTTP(w, r)
	})
}
