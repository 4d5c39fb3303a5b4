package server

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// instrument wraps next with request counters and latency histograms.
func instrument(registry *prometheus.Registry, next http.Handler) http.Handler {
	requests := register(registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptloop",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method and status code.",
	}, []string{"method", "code"}))
	duration := register(registry, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "promptloop",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"}))
	return promhttp.InstrumentHandlerCounter(requests,
		promhttp.InstrumentHandlerDuration(duration, next))
}

func register[C prometheus.Collector](registry *prometheus.Registry, c C) C {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
