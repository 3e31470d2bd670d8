package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/accelrt/internal/model"
)

const (
	unmatched = "unmatched"
	noDevice  = "none"
)

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelrt_api_requests_total",
			Help: "API requests by route pattern, target device and status code.",
		},
		[]string{"method", "route", "device", "status"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accelrt_api_request_duration_seconds",
			Help:    "API request latency by route pattern. Synchronous submits include the wait.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"method", "route"},
	)

	apiTasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelrt_api_tasks_submitted_total",
			Help: "Tasks accepted through the API, by device and task type.",
		},
		[]string{"device", "type"},
	)
)

func init() {
	prometheus.MustRegister(apiRequestsTotal)
	prometheus.MustRegister(apiRequestDuration)
	prometheus.MustRegister(apiTasksSubmitted)
}

// metricsMiddleware records every request against its chi route pattern and
// the device it addressed. Raw paths and unknown device indexes are never
// used as label values.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routePattern(r)
		apiRequestsTotal.WithLabelValues(r.Method, route, s.deviceLabel(r), strconv.Itoa(status)).Inc()
		apiRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// deviceLabel returns the {index} URL parameter when it names an open device.
func (s *Server) deviceLabel(r *http.Request) string {
	raw := chi.URLParam(r, "index")
	if raw == "" {
		return noDevice
	}
	index, err := strconv.Atoi(raw)
	if err != nil {
		return noDevice
	}
	if _, ok := s.runtime.Device(index); !ok {
		return noDevice
	}
	return strconv.Itoa(index)
}

func recordSubmitted(device int, typ model.TaskType, n int) {
	if n > 0 {
		apiTasksSubmitted.WithLabelValues(strconv.Itoa(device), string(typ)).Add(float64(n))
	}
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
