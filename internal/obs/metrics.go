package obs

import (
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP server metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Identity metrics.
var (
	loginTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_login_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	signupTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_signup_total",
		Help: "Signup and email verification attempts by outcome.",
	}, []string{"outcome"})

	refreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_refresh_total",
		Help: "Refresh attempts by outcome.",
	}, []string{"outcome"})

	refreshCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_refresh_coalesced_total",
		Help: "Refresh calls answered by a shared in-flight or recent rotation.",
	})

	refreshReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_refresh_reuse_total",
		Help: "Rotated refresh tokens presented again; each revokes a family.",
	})

	authzDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_authz_decisions_total",
		Help: "Authorization decisions by result.",
	}, []string{"decision"})

	grantCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_grant_cache_total",
		Help: "Grant cache lookups by result.",
	}, []string{"result"})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_rate_limited_total",
		Help: "Requests rejected by a rate limiter.",
	}, []string{"limiter"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "identity_build_info",
		Help: "Always 1; labelled with the running build.",
	}, []string{"version", "commit", "goversion"})
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginTotal, signupTotal, refreshTotal, refreshCoalesced, refreshReuse,
			authzDecisions, grantCache, rateLimited, buildInfo,
		)
	})
}

// SetBuildInfo publishes identity_build_info for this binary.
func SetBuildInfo(version, commit string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func LoginOutcome(outcome string)   { loginTotal.WithLabelValues(outcome).Inc() }
func SignupOutcome(outcome string)  { signupTotal.WithLabelValues(outcome).Inc() }
func RefreshOutcome(outcome string) { refreshTotal.WithLabelValues(outcome).Inc() }
func RefreshCoalesced()             { refreshCoalesced.Inc() }
func RefreshReuse()                 { refreshReuse.Inc() }
func RateLimited(limiter string)    { rateLimited.WithLabelValues(limiter).Inc() }

// AuthzDecision counts an allow or deny.
func AuthzDecision(allowed bool) {
	if allowed {
		authzDecisions.WithLabelValues("allow").Inc()
		return
	}
	authzDecisions.WithLabelValues("deny").Inc()
}

// GrantCacheLookup counts a hit or miss.
func GrantCacheLookup(hit bool) {
	if hit {
		grantCache.WithLabelValues("hit").Inc()
		return
	}
	grantCache.WithLabelValues("miss").Inc()
}

// Instrument measures RPS, latency and in-flight requests. The path label is
// the matched chi route pattern to keep cardinality bounded.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		path := CanonicalPath(r)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// CanonicalPath returns the route pattern when chi matched one.
func CanonicalPath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if r.URL.Path == "" {
		return "/"
	}
	return "unmatched"
}

// statusWriter records the response code for the request histogram.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
