package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depflow_http_requests_total",
			Help: "HTTP requests served, by route and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depflow_http_requests_in_flight",
		Help: "HTTP requests currently being served, event streams included.",
	})

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depflow_http_request_duration_seconds",
			Help:    "Latency of request/response HTTP calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Event streams live as long as the client stays subscribed, so they
	// get their own histogram instead of skewing the latency one.
	httpStreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depflow_http_stream_duration_seconds",
			Help:    "Lifetime of server-sent event streams.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequests, httpRequestsInFlight, httpRequestDuration, httpStreamDuration)
}

// metricsMiddleware counts every request by its chi route pattern and sorts
// its duration into the latency or the stream histogram by response type.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start).Seconds()

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()

		if isEventStream(ww.Header()) {
			httpStreamDuration.WithLabelValues(path).Observe(elapsed)
			return
		}
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(elapsed)
	})
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

// routePattern is the matched chi pattern; raw paths would carry op IDs.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
