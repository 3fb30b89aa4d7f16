package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TaskRecordsCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "task_records_created_total", Help: "Task records stored"})
	TaskRecordsPatched = prometheus.NewCounter(prometheus.CounterOpts{Name: "task_records_patched_total", Help: "Task record patches applied"})
	BroadcastsSent     = prometheus.NewCounter(prometheus.CounterOpts{Name: "push_messages_sent_total", Help: "Push messages written to subscribers"})
	BroadcastsSkipped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "push_messages_skipped_total", Help: "Push messages skipped for closed or slow subscribers"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "http_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	SubscribersGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "push_subscribers", Help: "Currently registered push subscribers"})
	CatalogMutations   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_mutations_total", Help: "Catalog mutations by entity and outcome"}, []string{"entity", "outcome"})
	RequestDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "code"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TaskRecordsCreated,
			TaskRecordsPatched,
			BroadcastsSent,
			BroadcastsSkipped,
			RateLimitRejects,
			SubscribersGauge,
			CatalogMutations,
			RequestDuration,
		)
	})
	return promhttp.Handler()
}

// Instrument records request latency labelled with the matched chi route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(code)).Observe(time.Since(start).Seconds())
	})
}
