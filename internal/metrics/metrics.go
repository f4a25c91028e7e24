// Package metrics exposes history job activity as Prometheus metrics.
//
// The Observer implements api.Observer and is combined with the logging
// observer through api.NewCompositeObserver. RegisterQueueGauges adds gauges
// that read the queue depth on every scrape.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/fluxhist/internal/jobqueue"
	"github.com/petrijr/fluxhist/pkg/api"
)

const namespace = "fluxhist"

// Outcome label values of fluxhist_jobs_total.
const (
	OutcomeStarted      = "started"
	OutcomeCompleted    = "completed"
	OutcomeDeferred     = "deferred"
	OutcomeDiscarded    = "discarded"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

// NewRegistry returns a Prometheus registry with the standard Go and process
// collectors registered.
func NewRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}
	return reg, nil
}

// Handler returns an http.Handler for the /metrics endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Observer records executor callbacks as Prometheus metrics.
type Observer struct {
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// Ensure Observer implements api.Observer.
var _ api.Observer = (*Observer)(nil)

// NewObserver creates the job metrics and registers them with reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "History jobs handled by the executor, by job type and outcome.",
		}, []string{"type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent applying a history job to the activity store.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"type"}),
	}

	if err := reg.Register(o.jobs); err != nil {
		return nil, fmt.Errorf("registering counter vec %q: %w", "jobs_total", err)
	}
	if err := reg.Register(o.duration); err != nil {
		return nil, fmt.Errorf("registering histogram vec %q: %w", "job_duration_seconds", err)
	}
	return o, nil
}

func (o *Observer) inc(job api.JobInfo, outcome string) {
	o.jobs.WithLabelValues(job.Type, outcome).Inc()
}

func (o *Observer) OnJobStarted(ctx context.Context, job api.JobInfo) {
	o.inc(job, OutcomeStarted)
}

func (o *Observer) OnJobCompleted(ctx context.Context, job api.JobInfo, d time.Duration) {
	o.inc(job, OutcomeCompleted)
	o.duration.WithLabelValues(job.Type).Observe(d.Seconds())
}

func (o *Observer) OnJobDeferred(ctx context.Context, job api.JobInfo) {
	o.inc(job, OutcomeDeferred)
}

func (o *Observer) OnJobDiscarded(ctx context.Context, job api.JobInfo, err error) {
	o.inc(job, OutcomeDiscarded)
}

func (o *Observer) OnJobRetry(ctx context.Context, job api.JobInfo, err error, next time.Time) {
	o.inc(job, OutcomeRetried)
}

func (o *Observer) OnJobDeadLettered(ctx context.Context, job api.JobInfo, err error) {
	o.inc(job, OutcomeDeadLettered)
}

// deadCountTimeout bounds each queue round trip made on a scrape.
const deadCountTimeout = 2 * time.Second

// RegisterQueueGauges registers gauges reporting pending and dead job
// counts of q, read on every scrape.
func RegisterQueueGauges(reg prometheus.Registerer, q jobqueue.Queue) error {
	pending := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_pending",
		Help:      "History jobs waiting to be applied, including in-flight jobs.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), deadCountTimeout)
		defer cancel()
		n, err := q.Len(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	})

	dead := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_dead",
		Help:      "History jobs that exhausted their retries.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), deadCountTimeout)
		defer cancel()
		jobs, err := q.Dead(ctx)
		if err != nil {
			return -1
		}
		return float64(len(jobs))
	})

	if err := reg.Register(pending); err != nil {
		return fmt.Errorf("registering gauge %q: %w", "jobs_pending", err)
	}
	if err := reg.Register(dead); err != nil {
		return fmt.Errorf("registering gauge %q: %w", "jobs_dead", err)
	}
	return nil
}
