package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the API layer.
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

// Sync-core metrics.
var (
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_cache_hits_total",
			Help: "Entity cache reads served from memory.",
		},
		[]string{"cache"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_cache_misses_total",
			Help: "Entity cache reads that fell through to the store.",
		},
		[]string{"cache"},
	)

	CacheDisposals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_cache_disposals_total",
			Help: "Cache entries removed, by reason.",
		},
		[]string{"cache", "reason"},
	)

	DispatchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_dispatch_events_total",
			Help: "Activity events handled by the dispatcher, by outcome.",
		},
		[]string{"outcome"}, // dispatched, dropped_invalid
	)

	DispatchDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_dispatch_delivered_total",
		Help: "Wire messages delivered to subscribers.",
	})

	DispatchQueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_dispatch_queue_dropped_total",
		Help: "Messages dropped from slow subscriber queues.",
	})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_subscribers",
		Help: "Live stream subscribers.",
	})

	ConflictRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_conflict_rejections_total",
			Help: "Mutations rejected by field-version conflicts.",
		},
		[]string{"entity_type"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		CacheHits, CacheMisses, CacheDisposals,
		DispatchEvents, DispatchDelivered, DispatchQueueDropped, Subscribers,
		ConflictRejections,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath collapses per-entity path segments so metric labels stay
// bounded regardless of how many entities exist.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	for _, prefix := range []string{"/v1/entities/", "/v1/cache/"} {
		rest := strings.TrimPrefix(path, prefix)
		if rest == path {
			continue
		}
		if parts := strings.Split(rest, "/"); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return prefix + ":type/:id"
		}
	}
	return path
}

// Instrument wraps an http.Handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter records the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
