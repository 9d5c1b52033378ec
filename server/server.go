// Package server wires the HTTP surface of the authorization server: the
// OAuth and OIDC endpoints, the request resolver, discovery, health and
// metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/pkg/log"
	"github.com/uitsmijter/uitsmijter/sandbox"
	"github.com/uitsmijter/uitsmijter/session"
	"github.com/uitsmijter/uitsmijter/tokens"
)

const (
	authCodeTTL = 600 * time.Second

	defaultCookieExpiration = 7 * 24 * time.Hour
)

// Config holds the server's construction-time dependencies and options.
type Config struct {
	// PublicDomain is the domain the server itself is reachable under.
	PublicDomain string
	// Secure marks cookies Secure and defaults schemes to https.
	Secure bool

	CookieExpiration time.Duration

	// AllowMissingProviders treats tenants without provider scripts as
	// "always valid". Dangerous; only sensible outside release builds.
	AllowMissingProviders bool
	// ReleaseMode hides internal error detail from responses.
	ReleaseMode bool

	// Version is exposed at /versions when DisplayVersion is set.
	Version        string
	DisplayVersion bool

	Entities *entities.Store
	Sessions session.Store
	Tokens   *tokens.Service
	Sandbox  *sandbox.Runner

	// ViewsDir is where the template loader drops per-tenant templates.
	ViewsDir string

	// AllowedOrigins enables CORS on discovery, token and keys endpoints.
	AllowedOrigins []string

	Logger             log.Logger
	PrometheusRegistry *prometheus.Registry
	HealthChecker      gosundheit.Health

	// Now overrides the time source, for tests.
	Now func() time.Time
}

// Server is the top level object.
type Server struct {
	publicDomain string
	serviceURL   string
	secure       bool
	cookieName   string

	cookieExpiration      time.Duration
	allowMissingProviders bool
	releaseMode           bool
	version               string
	displayVersion        bool

	entities *entities.Store
	sessions session.Store
	tokens   *tokens.Service
	sandbox  *sandbox.Runner

	templates *templates
	metrics   *Metrics
	health    gosundheit.Health
	ready     atomic.Bool

	mux http.Handler

	now    func() time.Time
	logger log.Logger
}

// New constructs a server from the provided config.
func New(c Config) (*Server, error) {
	if c.Entities == nil {
		return nil, errors.New("server: entity store cannot be nil")
	}
	if c.Sessions == nil {
		return nil, errors.New("server: session store cannot be nil")
	}
	if c.Tokens == nil {
		return nil, errors.New("server: token service cannot be nil")
	}

	now := c.Now
	if now == nil {
		now = time.Now
	}
	cookieExpiration := c.CookieExpiration
	if cookieExpiration == 0 {
		cookieExpiration = defaultCookieExpiration
	}

	tmpls, err := newTemplates(c.ViewsDir)
	if err != nil {
		return nil, fmt.Errorf("server: failed to load templates: %v", err)
	}

	scheme := "http"
	if c.Secure {
		scheme = "https"
	}

	s := &Server{
		publicDomain:          c.PublicDomain,
		serviceURL:            scheme + "://" + c.PublicDomain,
		secure:                c.Secure,
		cookieName:            "uitsmijter-sso",
		cookieExpiration:      cookieExpiration,
		allowMissingProviders: c.AllowMissingProviders,
		releaseMode:           c.ReleaseMode,
		version:               c.Version,
		displayVersion:        c.DisplayVersion,
		entities:              c.Entities,
		sessions:              c.Sessions,
		tokens:                c.Tokens,
		sandbox:               c.Sandbox,
		templates:             tmpls,
		health:                c.HealthChecker,
		now:                   now,
		logger:                c.Logger,
	}

	registry := c.PrometheusRegistry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	s.metrics = NewMetrics(registry)

	if s.health == nil {
		s.health = gosundheit.New()
	}
	if err := s.health.RegisterCheck(&checks.CustomCheck{
		CheckName: "session-store",
		CheckFunc: func(ctx context.Context) (interface{}, error) {
			if !s.sessions.IsHealthy(ctx) {
				return nil, errors.New("session store unreachable")
			}
			return "ok", nil
		},
	}, gosundheit.ExecutionPeriod(10*time.Second), gosundheit.InitiallyPassing(true)); err != nil {
		return nil, fmt.Errorf("server: register health check: %v", err)
	}

	s.ready.Store(true)

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	handle := func(p string, h http.HandlerFunc) {
		r.Handle(p, s.withRequestID(s.metrics.instrument(p, h)))
	}
	handleWithCORS := func(p string, h http.HandlerFunc) {
		var handler http.Handler = h
		if len(c.AllowedOrigins) > 0 {
			handler = handlers.CORS(
				handlers.AllowedOrigins(c.AllowedOrigins),
				handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
			)(handler)
		}
		r.Handle(p, s.withRequestID(s.metrics.instrument(p, handler)))
	}
	r.NotFoundHandler = http.NotFoundHandler()

	handle("/", s.handleIndex)
	handle("/authorize", s.resolved(s.handleAuthorize))
	handle("/login", s.resolved(s.handleLogin))
	handle("/logout", s.resolved(s.handleLogout))
	handle("/logout/finalize", s.resolved(s.handleLogoutFinalize))
	handle("/interceptor", s.resolved(s.handleInterceptor))
	handleWithCORS("/token", s.handleToken)
	handleWithCORS("/token/info", s.handleTokenInfo)
	handleWithCORS("/token/revoke", s.handleTokenRevoke)
	handleWithCORS("/.well-known/openid-configuration", s.handleDiscovery)
	handleWithCORS("/.well-known/jwks.json", s.handlePublicKeys)
	handle("/health", s.handleHealth)
	handle("/health/ready", s.handleReady)
	handle("/metrics", metricsHandler(registry))
	handle("/versions", s.handleVersions)

	s.mux = r

	s.entities.SetChangeHook(s.updateEntityGauges)
	if c.AllowMissingProviders {
		s.logger.Warn("ALLOW_MISSING_PROVIDERS is enabled: tenants without providers accept any credentials")
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// LoaderFailed marks the process unready; called when an entity loader loses
// its source.
func (s *Server) LoaderFailed(err error) {
	s.logger.Errorf("entity loader failed: %v", err)
	s.ready.Store(false)
}

func (s *Server) updateEntityGauges() {
	s.metrics.TenantsCount.Set(float64(len(s.entities.Tenants())))
	s.metrics.ClientsCount.Set(float64(len(s.entities.Clients())))
}

type requestIDKey struct{}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), requestIDKey{}, uuid.NewString())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.renderIndex(w, indexData{
		DiscoveryURL: "/.well-known/openid-configuration",
	}); err != nil {
		s.logger.Errorf("failed to write response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.health.IsHealthy() {
		s.renderError(w, r, newRequestError(http.StatusInternalServerError, codeInternal))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil || !s.ready.Load() {
		w.WriteHeader(http.StatusExpectationFailed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	if !s.displayVersion {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"version":%q}`, s.version)
}
