package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector of the server.
type Metrics struct {
	LoginSuccess       prometheus.Counter
	LoginFailure       prometheus.Counter
	Logout             prometheus.Counter
	InterceptorSuccess prometheus.Counter
	InterceptorFailure prometheus.Counter
	OauthSuccess       prometheus.Counter
	OauthFailure       prometheus.Counter
	RevokeSuccess      prometheus.Counter
	RevokeFailure      prometheus.Counter

	LoginAttempts     prometheus.Histogram
	AuthorizeAttempts prometheus.Histogram
	TokenStored       prometheus.Histogram

	TenantsCount prometheus.Gauge
	ClientsCount prometheus.Gauge

	requestCounter *prometheus.CounterVec
	durationHist   *prometheus.HistogramVec
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uitsmijter",
		Name:      name,
		Help:      help,
	})
}

func histogram(name, help string) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "uitsmijter",
		Name:      name,
		Help:      help,
		Buckets:   []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10},
	})
}

// NewMetrics registers all collectors on the given registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LoginSuccess:       counter("login_success_total", "Count of successful logins."),
		LoginFailure:       counter("login_failure_total", "Count of failed logins."),
		Logout:             counter("logout_total", "Count of logouts."),
		InterceptorSuccess: counter("interceptor_success_total", "Count of granted interceptor requests."),
		InterceptorFailure: counter("interceptor_failure_total", "Count of denied interceptor requests."),
		OauthSuccess:       counter("oauth_success_total", "Count of successful token responses."),
		OauthFailure:       counter("oauth_failure_total", "Count of failed token requests."),
		RevokeSuccess:      counter("revoke_success_total", "Count of successful revocations."),
		RevokeFailure:      counter("revoke_failure_total", "Count of failed revocations."),

		LoginAttempts:     histogram("login_attempts", "Duration of login attempts."),
		AuthorizeAttempts: histogram("authorize_attempts", "Duration of authorize requests."),
		TokenStored:       histogram("token_stored", "Duration of token issuance including session storage."),

		TenantsCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uitsmijter",
			Name:      "tenants_count",
			Help:      "Number of loaded tenants.",
		}),
		ClientsCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uitsmijter",
			Name:      "clients_count",
			Help:      "Number of loaded clients.",
		}),

		requestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"code", "method", "handler"}),
		durationHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10},
		}, []string{"code", "method", "handler"}),
	}

	registry.MustRegister(
		m.LoginSuccess, m.LoginFailure, m.Logout,
		m.InterceptorSuccess, m.InterceptorFailure,
		m.OauthSuccess, m.OauthFailure,
		m.RevokeSuccess, m.RevokeFailure,
		m.LoginAttempts, m.AuthorizeAttempts, m.TokenStored,
		m.TenantsCount, m.ClientsCount,
		m.requestCounter, m.durationHist,
	)
	return m
}

// instrument wraps a handler with request counting and latency capture.
func (m *Metrics) instrument(handlerName string, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		captured := httpsnoop.CaptureMetrics(next, w, r)
		labels := prometheus.Labels{
			"code":    strconv.Itoa(captured.Code),
			"method":  r.Method,
			"handler": handlerName,
		}
		m.requestCounter.With(labels).Inc()
		m.durationHist.With(labels).Observe(captured.Duration.Seconds())
	}
}

const openMetricsType = "application/openmetrics-text"

// metricsHandler serves the registry; scrapes must ask for the OpenMetrics
// exposition format explicitly.
func metricsHandler(registry *prometheus.Registry) http.HandlerFunc {
	promHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept"), openMetricsType) {
			http.Error(w, "use Accept: "+openMetricsType, http.StatusNotAcceptable)
			return
		}
		promHandler.ServeHTTP(w, r)
	}
}
