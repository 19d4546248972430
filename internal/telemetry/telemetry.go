// Package telemetry exposes Prometheus metrics for fingerprinting requests.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
	"github.com/Brownie44l1/fp-stamp/internal/quality"
)

// Config controls registry construction.
type Config struct {
	// Namespace prefixes every metric name, e.g. "fpstamp".
	Namespace string `toml:"namespace"`

	// ServiceName is attached as a constant "service" label.
	ServiceName string `toml:"service_name"`

	// EnableDefaultCollectors registers Go runtime and process collectors.
	EnableDefaultCollectors bool `toml:"enable_default_collectors"`
}

// Telemetry owns a private registry and the fingerprinting collectors.
type Telemetry struct {
	Registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	images   *prometheus.CounterVec
	accuracy *prometheus.HistogramVec
	mse      *prometheus.HistogramVec
}

// New builds the registry and registers all collectors.
func New(cfg Config) *Telemetry {
	registry := prometheus.NewRegistry()

	var registerer prometheus.Registerer = registry
	if cfg.ServiceName != "" {
		registerer = prometheus.WrapRegistererWith(prometheus.Labels{"service": cfg.ServiceName}, registry)
	}

	if cfg.EnableDefaultCollectors {
		registerer.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	t := &Telemetry{
		Registry: registry,
		requests: createCounterVec(cfg.Namespace, "requests_total",
			"Fingerprinting requests by operation and outcome.", []string{"operation", "outcome"}),
		duration: createHistogramVec(cfg.Namespace, "request_duration_seconds",
			"Fingerprinting request latency.", []string{"operation"}, prometheus.ExponentialBuckets(0.01, 2, 14)),
		images: createCounterVec(cfg.Namespace, "images_total",
			"Images seen by batch requests, by outcome.", []string{"outcome"}),
		accuracy: createHistogramVec(cfg.Namespace, "bitwise_accuracy",
			"Self-check bitwise accuracy per request.", []string{"operation"}, prometheus.LinearBuckets(0.5, 0.05, 11)),
		mse: createHistogramVec(cfg.Namespace, "mse_loss",
			"Mean squared pixel error introduced by embedding per request.", []string{"operation"}, prometheus.ExponentialBuckets(1e-6, 4, 10)),
	}

	registerer.MustRegister(t.requests, t.duration, t.images, t.accuracy, t.mse)
	return t
}

// Handler serves the registry in the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts one request and its latency. The outcome label is
// "ok" or the error kind.
func (t *Telemetry) ObserveRequest(operation string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	t.requests.WithLabelValues(operation, outcome).Inc()
	t.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveImages counts embedded and skipped images of a batch request.
func (t *Telemetry) ObserveImages(embedded, skipped int) {
	t.images.WithLabelValues("embedded").Add(float64(embedded))
	t.images.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveQuality records the request's metrics.
func (t *Telemetry) ObserveQuality(operation string, m quality.Metrics) {
	t.accuracy.WithLabelValues(operation).Observe(m.BitwiseAccuracy)
	t.mse.WithLabelValues(operation).Observe(m.MeanSquaredError)
}

func createCounterVec(namespace, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func createHistogramVec(namespace, name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}
