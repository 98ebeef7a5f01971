package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"authflow/adapters"
	"authflow/cookie"
	"authflow/httpadapt"
)

// Actions served under the auth base path.
const (
	actionProviders     = "providers"
	actionCSRF          = "csrf"
	actionSession       = "session"
	actionSignIn        = "signin"
	actionSignOut       = "signout"
	actionCallback      = "callback"
	actionVerifyRequest = "verify-request"
	actionError         = "error"
)

// Options configures a Dispatcher. Everything YAML cannot express, such as
// credential checks or mail delivery, is supplied here.
type Options struct {
	// BaseURL is the public origin of the host application.
	BaseURL  string
	BasePath string
	Secret   string

	Providers []Provider
	Adapter   adapters.Adapter

	// Strategy is StrategyJWT or StrategyDatabase. It defaults to database
	// when an adapter is set.
	Strategy   string
	MaxAge     time.Duration
	UpdateAge  time.Duration
	Encryption bool

	CookieDomain string
	Pages        PagesConfig
	Callbacks    Callbacks
	Events       Events

	Logger  *slog.Logger
	Metrics *Metrics
	Clock   func() time.Time
}

// Dispatcher routes canonical requests to the authentication flows.
type Dispatcher struct {
	opts      Options
	secure    bool
	cookies   cookie.Defaults
	providers map[string]Provider
	ordered   []Provider
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewDispatcher validates opts and builds the provider registry.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("%w: secret is required", ErrConfiguration)
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: base url %q must be an absolute http(s) url", ErrConfiguration, opts.BaseURL)
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if opts.BasePath == "" {
		opts.BasePath = DefaultBasePath
	}
	opts.BasePath = "/" + strings.Trim(opts.BasePath, "/")
	if opts.Strategy == "" {
		opts.Strategy = StrategyJWT
		if opts.Adapter != nil {
			opts.Strategy = StrategyDatabase
		}
	}
	if opts.Strategy != StrategyJWT && opts.Strategy != StrategyDatabase {
		return nil, fmt.Errorf("%w: unknown session strategy %q", ErrConfiguration, opts.Strategy)
	}
	if opts.Strategy == StrategyDatabase && opts.Adapter == nil {
		return nil, fmt.Errorf("%w: database sessions require an adapter", ErrConfiguration)
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultSessionMaxAge
	}
	if opts.UpdateAge <= 0 {
		opts.UpdateAge = DefaultUpdateAge
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	d := &Dispatcher{
		opts:      opts,
		secure:    base.Scheme == "https",
		providers: make(map[string]Provider, len(opts.Providers)),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Clock,
	}
	d.cookies = cookie.DefaultCookies(d.secure)
	if opts.CookieDomain != "" {
		for _, c := range []*cookie.Cookie{
			&d.cookies.SessionToken, &d.cookies.CallbackURL, &d.cookies.PKCECodeVerifier,
			&d.cookies.State, &d.cookies.Nonce,
		} {
			c.Options.Domain = opts.CookieDomain
		}
		// __Host- cookies must not carry a Domain.
		if !d.secure {
			d.cookies.CSRFToken.Options.Domain = opts.CookieDomain
		}
	}

	for _, p := range opts.Providers {
		if err := d.register(p); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dispatcher) register(p Provider) error {
	if p == nil {
		return fmt.Errorf("%w: nil provider", ErrConfiguration)
	}
	id := p.ProviderID()
	if id == "" {
		return fmt.Errorf("%w: provider id required", ErrConfiguration)
	}
	if _, dup := d.providers[id]; dup {
		return fmt.Errorf("%w: duplicate provider %q", ErrConfiguration, id)
	}

	switch prov := p.(type) {
	case *OAuthProvider:
		if prov.Type != TypeOAuth && prov.Type != TypeOIDC {
			return fmt.Errorf("%w: provider %q has type %q", ErrConfiguration, id, prov.Type)
		}
		if prov.Type == TypeOIDC && prov.Issuer == "" {
			return fmt.Errorf("%w: oidc provider %q needs an issuer", ErrConfiguration, id)
		}
	case *CredentialsProvider:
		if prov.Authorize == nil {
			return fmt.Errorf("%w: credentials provider %q needs Authorize", ErrConfiguration, id)
		}
		if d.opts.Strategy != StrategyJWT {
			return fmt.Errorf("%w: credentials provider %q requires the jwt session strategy", ErrConfiguration, id)
		}
	case *EmailProvider:
		if prov.SendVerificationRequest == nil {
			return fmt.Errorf("%w: email provider %q needs SendVerificationRequest", ErrConfiguration, id)
		}
		if d.opts.Adapter == nil {
			return fmt.Errorf("%w: email provider %q requires an adapter", ErrConfiguration, id)
		}
	}

	d.providers[id] = p
	d.ordered = append(d.ordered, p)
	return nil
}

// Cookies returns the cookie set in use.
func (d *Dispatcher) Cookies() cookie.Defaults { return d.cookies }

// BasePath returns the normalised mount point of the auth actions.
func (d *Dispatcher) BasePath() string { return d.opts.BasePath }

// flow carries the per-request state resolved before an action runs.
type flow struct {
	req         *httpadapt.Request
	res         *httpadapt.Response
	provider    Provider
	csrfToken   string
	csrfOK      bool
	callbackURL string
}

// Handle runs one request through the flow and returns the response to
// write. Authentication failures are reported inside the response; only
// configuration faults are returned as errors.
func (d *Dispatcher) Handle(ctx context.Context, req *httpadapt.Request) (*httpadapt.Response, error) {
	if req == nil {
		return nil, httpadapt.ErrNilRequest
	}
	res, err := d.handle(ctx, req)
	if err != nil {
		d.logger.Error("auth flow configuration fault", "action", req.Action, "provider", req.ProviderID, "error", err)
		return nil, err
	}
	status := res.StatusCode()
	if res.Location() != "" && (status < 300 || status > 399) {
		status = http.StatusFound
	}
	d.metrics.recordRequest(req.Action, status)
	return res, nil
}

func (d *Dispatcher) handle(ctx context.Context, req *httpadapt.Request) (*httpadapt.Response, error) {
	res := httpadapt.NewResponse()

	var provider Provider
	switch req.Action {
	case actionProviders, actionCSRF, actionSession, actionSignOut, actionVerifyRequest, actionError:
	case actionSignIn, actionCallback:
		if req.ProviderID != "" {
			p, ok := d.providers[req.ProviderID]
			if !ok {
				d.logger.Warn("unknown provider", "action", req.Action, "provider", req.ProviderID)
				return res.Status(http.StatusBadRequest).Send(ErrUnknownProvider.Error()), nil
			}
			provider = p
		} else if req.Action == actionCallback {
			return res.Status(http.StatusBadRequest).Send(ErrUnknownProvider.Error()), nil
		}
	default:
		d.logger.Debug("unknown action", "action", req.Action, "method", req.Method)
		return res.Status(http.StatusBadRequest).Send(ErrUnknownAction.Error()), nil
	}

	token, ok, issue := d.csrf(req)
	if issue != "" {
		if err := cookie.Set(res, d.cookies.CSRFToken.Name, issue, d.cookies.CSRFToken.Options); err != nil {
			return nil, err
		}
	}

	f := &flow{req: req, res: res, provider: provider, csrfToken: token, csrfOK: ok}
	if err := d.resolveCallbackURL(ctx, f); err != nil {
		return nil, err
	}

	var err error
	switch req.Action {
	case actionProviders:
		res.JSON(d.providerList())
	case actionCSRF:
		res.JSON(map[string]string{"csrfToken": token})
	case actionSession:
		err = d.handleSession(ctx, f)
	case actionSignIn:
		err = d.handleSignIn(ctx, f)
	case actionSignOut:
		err = d.handleSignOut(ctx, f)
	case actionCallback:
		err = d.handleCallback(ctx, f)
	case actionVerifyRequest:
		d.handleVerifyRequest(f)
	case actionError:
		d.handleError(f)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// resolveCallbackURL picks the post-flow destination from the request, then
// the callback-url cookie, then the base URL, and passes it through the
// Redirect callback. A new explicit value is remembered in the cookie.
func (d *Dispatcher) resolveCallbackURL(ctx context.Context, f *flow) error {
	param := f.req.Param("callbackUrl")
	stored := f.req.Cookies[d.cookies.CallbackURL.Name]

	target := param
	if target == "" {
		target = stored
	}
	if target == "" {
		target = d.opts.BaseURL
	}
	f.callbackURL = d.opts.Callbacks.redirect(ctx, target, d.opts.BaseURL)

	if param != "" && f.callbackURL != stored {
		return cookie.Set(f.res, d.cookies.CallbackURL.Name, f.callbackURL, d.cookies.CallbackURL.Options)
	}
	return nil
}

type providerInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	SigninURL   string `json:"signinUrl"`
	CallbackURL string `json:"callbackUrl"`
}

func (d *Dispatcher) providerList() map[string]providerInfo {
	out := make(map[string]providerInfo, len(d.ordered))
	for _, p := range d.ordered {
		out[p.ProviderID()] = providerInfo{
			ID:          p.ProviderID(),
			Name:        p.ProviderName(),
			Type:        string(p.ProviderType()),
			SigninURL:   d.actionURL(actionSignIn, p.ProviderID()),
			CallbackURL: callbackURL(d.opts.BaseURL, d.opts.BasePath, p.ProviderID()),
		}
	}
	return out
}

func (d *Dispatcher) actionURL(action string, rest ...string) string {
	u := d.opts.BaseURL + d.opts.BasePath + "/" + action
	for _, r := range rest {
		u += "/" + url.PathEscape(r)
	}
	return u
}

// pageURL returns the configured page or the built-in action URL, with
// params appended to any existing query.
func (d *Dispatcher) pageURL(page, action string, params url.Values) string {
	target := d.actionURL(action)
	if page != "" {
		target = page
		if strings.HasPrefix(page, "/") {
			target = d.opts.BaseURL + page
		}
	}
	if len(params) == 0 {
		return target
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + params.Encode()
}

// fail redirects to the error page with code. cause is logged, never shown.
func (d *Dispatcher) fail(f *flow, code string, cause error) {
	attrs := []any{"action", f.req.Action, "code", code}
	if f.provider != nil {
		attrs = append(attrs, "provider", f.provider.ProviderID())
	}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	d.logger.Warn("auth flow failed", attrs...)
	d.redirect(f, d.pageURL(d.opts.Pages.Error, actionError, url.Values{"error": {code}}))
}

// redirect honours the json=true convention used by script clients, which
// receive {"url": target} instead of a 302.
func (d *Dispatcher) redirect(f *flow, target string) {
	if f.req.Body["json"] == "true" {
		f.res.JSON(map[string]string{"url": target})
		return
	}
	f.res.Redirect(target)
}

func (d *Dispatcher) handleVerifyRequest(f *flow) {
	if d.opts.Pages.VerifyRequest != "" {
		d.redirect(f, d.pageURL(d.opts.Pages.VerifyRequest, actionVerifyRequest, queryParams(f.req, "provider", "type")))
		return
	}
	f.res.JSON(map[string]string{
		"message":  "check your email for a sign in link",
		"provider": f.req.Query["provider"],
	})
}

func (d *Dispatcher) handleError(f *flow) {
	code := f.req.Query["error"]
	if d.opts.Pages.Error != "" {
		f.res.Redirect(d.pageURL(d.opts.Pages.Error, actionError, queryParams(f.req, "error")))
		return
	}
	if code == "" {
		code = "Default"
	}
	f.res.Status(errorStatus(code)).JSON(map[string]string{"error": code})
}

func queryParams(req *httpadapt.Request, keys ...string) url.Values {
	out := url.Values{}
	for _, k := range keys {
		if v := req.Query[k]; v != "" {
			out.Set(k, v)
		}
	}
	return out
}
