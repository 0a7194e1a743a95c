// Package api exposes the certificate authority over HTTP.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironca/pki"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc       *pki.Service
	jwtSecret []byte
	audit     *auditLogger
	alertFn   AlertFunc

	trustedProxies  []netip.Prefix
	authLimiter     *ipRateLimiter
	downloadLimiter *ipRateLimiter
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc registers a callback for anomaly alerts such as bursts of
// private key exports or revocations.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithTrustedProxies sets the CIDR ranges whose X-Forwarded-For, Forwarded
// and X-Real-IP headers are trusted when keying rate limits by client IP.
func WithTrustedProxies(cidrs []string) Option {
	return func(a *API) {
		a.trustedProxies = a.trustedProxies[:0]
		for _, c := range cidrs {
			if prefix, err := netip.ParsePrefix(c); err == nil {
				a.trustedProxies = append(a.trustedProxies, prefix)
			}
		}
	}
}

// ParseTrustedProxies validates a list of CIDR ranges for WithTrustedProxies.
func ParseTrustedProxies(cidrs []string) error {
	for _, c := range cidrs {
		if _, err := netip.ParsePrefix(c); err != nil {
			return fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
	}
	return nil
}

// New creates a new API instance. jwtSecret verifies bearer tokens.
func New(svc *pki.Service, jwtSecret []byte, opts ...Option) (*API, error) {
	if len(jwtSecret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	a := &API{
		svc:             svc,
		jwtSecret:       jwtSecret,
		authLimiter:     newIPRateLimiter(authMaxFailures),
		downloadLimiter: newIPRateLimiter(downloadMaxFailures),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	return a, nil
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	// Relying parties fetch CRLs without credentials.
	r.Get("/crl/{authorityID}", a.GetCRL)
	// The request id and its one-time password are the credential.
	r.Get("/downloads/{requestID}", a.DownloadPKCS12)

	r.Group(func(r chi.Router) {
		r.Use(a.AuthMiddleware)

		r.Get("/authorities", a.ListAuthorities)
		r.Get("/tree", a.Tree)

		r.Post("/certificates/root", a.IssueRoot)
		r.Route("/certificates/{certID}", func(r chi.Router) {
			r.Get("/", a.GetCertificate)
			r.Get("/pem", a.GetCertificatePEM)
			r.Get("/children", a.ListChildren)
			r.Post("/issue", a.IssueCertificate)
			r.Post("/csr", a.SignCSR)
			r.Post("/revoke", a.RevokeCertificate)
			r.Get("/permissions", a.GetPermissions)
			r.Post("/download", a.RequestDownload)
		})
	})

	return r
}
