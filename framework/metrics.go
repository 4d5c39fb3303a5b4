package framework

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// generatorMetrics is nil-safe; a generator without a registry records nothing.
type generatorMetrics struct {
	attempts    *prometheus.CounterVec
	rounds      prometheus.Counter
	toolCalls   *prometheus.CounterVec
	generations *prometheus.CounterVec
	duration    prometheus.Histogram
}

func newGeneratorMetrics(registry *prometheus.Registry) *generatorMetrics {
	if registry == nil {
		return nil
	}

	m := &generatorMetrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptloop_generation_attempts_total",
				Help: "Total number of connector attempts by outcome",
			},
			[]string{"outcome"},
		),
		rounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "promptloop_generation_rounds_total",
				Help: "Total number of request rounds issued to a connector",
			},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptloop_tool_calls_total",
				Help: "Total number of tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptloop_generations_total",
				Help: "Total number of generation calls by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "promptloop_generation_duration_seconds",
				Help:    "Wall-clock duration of generation calls",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	m.attempts = registerOrReuse(registry, m.attempts)
	m.rounds = registerOrReuse(registry, m.rounds)
	m.toolCalls = registerOrReuse(registry, m.toolCalls)
	m.generations = registerOrReuse(registry, m.generations)
	m.duration = registerOrReuse(registry, m.duration)
	return m
}

// registerOrReuse lets several generators share one registry.
func registerOrReuse[C prometheus.Collector](registry *prometheus.Registry, c C) C {
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

func (m *generatorMetrics) attempt(outcome string) {
	if m != nil {
		m.attempts.WithLabelValues(outcome).Inc()
	}
}

func (m *generatorMetrics) round() {
	if m != nil {
		m.rounds.Inc()
	}
}

func (m *generatorMetrics) toolCall(tool string, err error) {
	if m != nil {
		m.toolCalls.WithLabelValues(tool, outcomeOf(err)).Inc()
	}
}

func (m *generatorMetrics) generation(start time.Time, err error) {
	if m != nil {
		m.generations.WithLabelValues(outcomeOf(err)).Inc()
		m.duration.Observe(time.Since(start).Seconds())
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
