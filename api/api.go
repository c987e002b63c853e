package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/goldencompasses/lodge/auth"
)

// API holds the dependencies needed by the REST handlers. Handlers keep no
// state between requests; everything durable lives behind auth.Service.
type API struct {
	svc            *auth.Service
	docs           DocumentSource
	logger         *slog.Logger
	trustedProxies []netip.Prefix
	metrics        *metricsCollector
	alertFn        AlertFunc
	webhook        *auditWebhook
	webhookURL     string
	webhookHeader  string
	page           http.Handler
	healthCheck    func(context.Context) error
	version        string
}

//go:embed openapi.yaml
var openapiSpec []byte

// docsCSP replaces the default policy on the documentation pages, which
// load their bundles from a CDN.
const docsCSP = "default-src 'self'; script-src 'self' 'unsafe-inline' https://unpkg.com https://cdn.redoc.ly https://cdn.jsdelivr.net; style-src 'self' 'unsafe-inline' https://unpkg.com https://fonts.googleapis.com; font-src https://fonts.gstatic.com; img-src 'self' data: https:; worker-src blob:"

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a JSON logger writing
// to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithTrustedProxies returns an Option that honours proxy headers only
// from peers inside the given CIDRs.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes, err := ParseTrustedProxies(cidrs)
	if err != nil {
		return nil, err
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// WithDocuments sets where GET /download/{id} reads from.
func WithDocuments(src DocumentSource) Option {
	return func(a *API) { a.docs = src }
}

// WithAuditWebhook forwards every security event to url. header is an
// optional "Name: value" pair, e.g. "Authorization: Bearer xxx".
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = header
	}
}

// WithAlertFunc enables spike detection on failed logins and downloads.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithTwoFactorPage sets the handler for the browser 2FA entry page and its
// assets.
func WithTwoFactorPage(h http.Handler) Option {
	return func(a *API) { a.page = h }
}

// WithHealthCheck makes GET /health report 503 when check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(a *API) { a.healthCheck = check }
}

// WithVersion labels the build info metric.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// New creates an API over svc and subscribes its metrics and optional
// webhook to the audit log. Call Close to flush the webhook.
func New(svc *auth.Service, opts ...Option) *API {
	a := &API{svc: svc}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.metrics = newMetricsCollector(a.alertFn)
	a.metrics.setBuildInfo(a.version)
	svc.Audit().AddObserver(a.metrics)
	if a.webhookURL != "" {
		a.webhook = newAuditWebhook(a.webhookURL, a.webhookHeader, a.logger)
		svc.Audit().AddObserver(a.webhook)
	}
	return a
}

// Close drains the audit webhook queue.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all routes mounted at the root.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.instrument)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(openapiSpec)
	})

	r.With(withCSP(docsCSP)).Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.With(withCSP(docsCSP)).Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get("/health", a.Health)
	r.Get("/metrics", a.Metrics)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/2fa", a.TwoFactorPage)
		r.Get("/assets/*", a.TwoFactorPage)

		r.Post("/verify", a.Verify)
		r.Post("/verify-2fa", a.VerifyTwoFactor)
		r.Get("/setup-2fa", a.SetupTwoFactor)
		r.Post("/enable-2fa", a.EnableTwoFactor)
		r.Post("/logout", a.Logout)

		r.Group(func(r chi.Router) {
			r.Use(a.AuthMiddleware)
			r.Post("/disable-2fa", a.DisableTwoFactor)
			r.Get("/2fa-status", a.TwoFactorStatus)
			r.Post("/backup-codes", a.RegenerateBackupCodes)
			r.Post("/sessions/revoke-all", a.RevokeAllSessions)

			r.Group(func(r chi.Router) {
				r.Use(a.RequireRole(auth.RoleAdmin))
				r.Get("/security-events", a.ListSecurityEvents)
				r.Get("/identities", a.ListIdentities)
				r.Post("/identities", a.CreateIdentity)
				r.Patch("/identities/{id}", a.UpdateIdentity)
				r.Delete("/identities/{id}", a.DeleteIdentity)
			})
		})
	})

	r.Get("/download/{id}", a.Download)

	return r
}

func withCSP(policy string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Security-Policy", policy)
			next.ServeHTTP(w, r)
		})
	}
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if a.healthCheck != nil {
		if err := a.healthCheck(r.Context()); err != nil {
			a.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Metrics handles GET /metrics.
func (a *API) Metrics(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		http.NotFound(w, r)
		return
	}
	a.metrics.handler().ServeHTTP(w, r)
}

// TwoFactorPage handles GET /admin/2fa and its static assets.
func (a *API) TwoFactorPage(w http.ResponseWriter, r *http.Request) {
	if a.page == nil {
		http.NotFound(w, r)
		return
	}
	a.page.ServeHTTP(w, r)
}
