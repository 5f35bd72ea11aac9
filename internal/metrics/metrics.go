// Package metrics exposes Prometheus instrumentation for the LLM client and
// the generation pipeline. One Metrics value implements both the client's
// hook interface and the pipeline's observer interface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/capsulekit/capsulegen/llm"
	"github.com/capsulekit/capsulegen/pipeline"
)

// Metrics holds every collector. Register it once per process.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec

	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	lessonsTotal  *prometheus.CounterVec
	repairsTotal  *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer for the usual global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capsulegen",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Provider requests by outcome.",
		}, []string{"provider", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "capsulegen",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Provider request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capsulegen",
			Subsystem: "llm",
			Name:      "retries_total",
			Help:      "Retry attempts by error category.",
		}, []string{"provider", "category"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capsulegen",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed, split by prompt and completion.",
		}, []string{"provider", "kind"}),
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capsulegen",
			Subsystem: "pipeline",
			Name:      "stage_runs_total",
			Help:      "Stage handler invocations by outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "capsulegen",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage handler run time.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
		lessonsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capsulegen",
			Subsystem: "pipeline",
			Name:      "lessons_generated_total",
			Help:      "Lessons produced, split by real and fallback content.",
		}, []string{"type", "fallback"}),
		repairsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capsulegen",
			Subsystem: "schema",
			Name:      "repairs_total",
			Help:      "Deterministic repair actions applied to model output.",
		}, []string{"action"}),
	}
	reg.MustRegister(
		m.requestsTotal, m.requestDuration, m.retriesTotal, m.tokensTotal,
		m.stageRuns, m.stageDuration, m.lessonsTotal, m.repairsTotal,
	)
	return m
}

var _ llm.Hooks = (*Metrics)(nil)
var _ pipeline.Observer = (*Metrics)(nil)

func (m *Metrics) OnRequestStart(provider, model string) {}

func (m *Metrics) OnRequestEnd(provider, model string, usage llm.Usage, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(provider, "ok").Inc()
	m.requestDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	m.tokensTotal.WithLabelValues(provider, "prompt").Add(float64(usage.PromptTokens))
	m.tokensTotal.WithLabelValues(provider, "completion").Add(float64(usage.CompletionTokens))
}

func (m *Metrics) OnRequestError(provider, model string, category llm.ErrorCategory) {
	m.requestsTotal.WithLabelValues(provider, string(category)).Inc()
}

func (m *Metrics) OnRetry(provider, model string, attempt int, delay time.Duration, category llm.ErrorCategory) {
	m.retriesTotal.WithLabelValues(provider, string(category)).Inc()
}

func (m *Metrics) StageFinished(stage pipeline.Stage, outcome string, elapsed time.Duration) {
	m.stageRuns.WithLabelValues(string(stage), outcome).Inc()
	m.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func (m *Metrics) LessonGenerated(lessonType string, fallback bool) {
	label := "false"
	if fallback {
		label = "true"
	}
	m.lessonsTotal.WithLabelValues(lessonType, label).Inc()
}

func (m *Metrics) RepairApplied(action string) {
	m.repairsTotal.WithLabelValues(action).Inc()
}
