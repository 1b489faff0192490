// Package metrics exposes Prometheus counters for matching and polling.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "feedmatch"

// Recorder owns a private registry so tests can create as many as they need.
type Recorder struct {
	registry *prometheus.Registry

	outcomes         *prometheus.CounterVec
	duplicates       prometheus.Counter
	dispatchFailures *prometheus.CounterVec
	processErrors    *prometheus.CounterVec
	configErrors     prometheus.Gauge
	polls            *prometheus.CounterVec
	pollDuration     prometheus.Histogram
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Processed items by outcome kind.",
		}, []string{"kind"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_duplicates_total",
			Help:      "Subscription matches discarded because the item was already claimed.",
		}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Failed notifier or category assignment calls.",
		}, []string{"target"}),
		processErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_errors_total",
			Help:      "Items left unprocessed because of a storage failure.",
		}, []string{"stage"}),
		configErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_errors",
			Help:      "Filters excluded from the current snapshot.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_polls_total",
			Help:      "Feed polls by result.",
		}, []string{"feed", "result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_seconds",
			Help:      "Duration of a full poll cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	r.registry.MustRegister(
		r.outcomes,
		r.duplicates,
		r.dispatchFailures,
		r.processErrors,
		r.configErrors,
		r.polls,
		r.pollDuration,
	)
	return r
}

// Outcome counts one processed item.
func (r *Recorder) Outcome(kind string) {
	r.outcomes.With(prometheus.Labels{"kind": kind}).Inc()
}

// Duplicate counts a lost ledger claim.
func (r *Recorder) Duplicate() {
	r.duplicates.Inc()
}

// DispatchFailure counts a failed side effect; target is "notify" or "category".
func (r *Recorder) DispatchFailure(target string) {
	r.dispatchFailures.With(prometheus.Labels{"target": target}).Inc()
}

// ProcessError counts an item that could not be processed at the given stage.
func (r *Recorder) ProcessError(stage string) {
	r.processErrors.With(prometheus.Labels{"stage": stage}).Inc()
}

// ConfigErrors sets the number of filters excluded by the latest compile.
func (r *Recorder) ConfigErrors(n int) {
	r.configErrors.Set(float64(n))
}

// FeedPoll counts one poll of a feed.
func (r *Recorder) FeedPoll(feed string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.polls.With(prometheus.Labels{"feed": feed, "result": result}).Inc()
}

// PollCycle records the duration of a poll cycle in seconds.
func (r *Recorder) PollCycle(seconds float64) {
	r.pollDuration.Observe(seconds)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Push sends the current values to a Pushgateway.
func (r *Recorder) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(r.registry).Push(); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
