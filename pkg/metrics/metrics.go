package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const jobName = "relpub"

// Recorder tracks per-step outcomes of a publish run. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry
	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    prometheus.Counter
}

// New creates a Recorder backed by its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relpub",
			Name:      "steps_total",
			Help:      "Publish workflow steps by step name and outcome.",
		}, []string{"step", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relpub",
			Name:      "step_duration_seconds",
			Help:      "Duration of publish workflow steps.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"step"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relpub",
			Name:      "uploaded_bytes_total",
			Help:      "Artifact bytes sent to storage.",
		}),
	}
	reg.MustRegister(r.steps, r.duration, r.bytes)
	return r
}

// Observe records one step that started at start and ended with err.
func (r *Recorder) Observe(step string, start time.Time, err error) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.steps.WithLabelValues(step, outcome).Inc()
	r.duration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

// AddBytes counts uploaded artifact content.
func (r *Recorder) AddBytes(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.bytes.Add(float64(n))
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// Push sends the collected metrics to a Prometheus Pushgateway, grouped by release version.
func (r *Recorder) Push(ctx context.Context, gatewayURL, version string) error {
	if r == nil {
		return errors.New("nil recorder")
	}
	gatewayURL = strings.TrimSpace(gatewayURL)
	if gatewayURL == "" {
		return errors.New("pushgateway url is required")
	}

	pusher := push.New(gatewayURL, jobName).Gatherer(r.registry)
	if version != "" {
		pusher = pusher.Grouping("version", version)
	}
	return pusher.PushContext(ctx)
}
