// Package metrics exports cache activity to Prometheus. The collector is a
// sample sink like the optimizer: the coordinator emits one sample per tier
// operation and the collector translates it into counters and histograms.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiercache/tiercache/pkg/types"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// DefaultConfig returns the stock metrics settings.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "tiercache",
	}
}

// Collector translates performance samples into Prometheus metrics and
// serves them over HTTP. A disabled collector is a no-op sink, so callers
// never need to branch on configuration.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	tierUp     *prometheus.GaugeVec
	tierErrors *prometheus.GaugeVec

	server *http.Server
}

var _ types.Sink = (*Collector)(nil)

// NewCollector creates the collector and registers its metrics.
func NewCollector(config Config) (*Collector, error) {
	def := DefaultConfig()
	if config.Port <= 0 {
		config.Port = def.Port
	}
	if config.Path == "" {
		config.Path = def.Path
	}
	if config.Namespace == "" {
		config.Namespace = def.Namespace
	}

	c := &Collector{config: config}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()

	c.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Name:        "operations_total",
		Help:        "Tier operations by tier, outcome, and content type.",
		ConstLabels: config.Labels,
	}, []string{"tier", "op", "content_type"})

	c.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   config.Namespace,
		Name:        "operation_duration_seconds",
		Help:        "Tier operation latency.",
		ConstLabels: config.Labels,
		Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"tier", "op"})

	c.tierUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   config.Namespace,
		Name:        "tier_available",
		Help:        "Whether the last health probe found the tier available.",
		ConstLabels: config.Labels,
	}, []string{"tier"})

	c.tierErrors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   config.Namespace,
		Name:        "tier_error_rate",
		Help:        "Observed error rate from the last health probe.",
		ConstLabels: config.Labels,
	}, []string{"tier"})

	for _, m := range []prometheus.Collector{c.operations, c.latency, c.tierUp, c.tierErrors} {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

// Record implements types.Sink. Prometheus counter increments are atomic,
// so this never blocks the coordinator.
func (c *Collector) Record(sample types.PerformanceSample) {
	if !c.config.Enabled {
		return
	}
	c.operations.WithLabelValues(string(sample.Tier), string(sample.Op), string(sample.ContentType)).Inc()
	c.latency.WithLabelValues(string(sample.Tier), string(sample.Op)).Observe(sample.Latency.Seconds())
}

// ObserveTierHealth publishes the latest probe result for a tier.
func (c *Collector) ObserveTierHealth(health types.TierHealth) {
	if !c.config.Enabled {
		return
	}
	up := 0.0
	if health.Available {
		up = 1.0
	}
	c.tierUp.WithLabelValues(string(health.Tier)).Set(up)
	c.tierErrors.WithLabelValues(string(health.Tier)).Set(health.ErrorRate)
}

// Registry exposes the underlying registry for tests and embedding.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}
