// Package engine wires the tiers, coordinator, and background services
// into one runnable unit. Each Engine owns its components outright; tests
// and embedders can run several isolated engines in one process.
package engine

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/tiercache/tiercache/internal/cache"
	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/internal/health"
	"github.com/tiercache/tiercache/internal/metrics"
	"github.com/tiercache/tiercache/internal/optimizer"
	"github.com/tiercache/tiercache/internal/policy"
	"github.com/tiercache/tiercache/internal/tier"
	"github.com/tiercache/tiercache/internal/warming"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

// Options carries the pieces an embedder supplies beyond configuration.
type Options struct {
	// Policies overrides the default content type policy table.
	Policies *policy.Table

	// WarmLoader enables the warming service. Nil disables warming.
	WarmLoader warming.Loader

	// OnAlert receives health alerts.
	OnAlert func(health.Alert)
}

// Engine is the assembled cache.
type Engine struct {
	config      *config.Configuration
	logger      *slog.Logger
	memory      *tier.Memory
	coordinator *cache.Coordinator
	optimizer   *optimizer.Optimizer
	collector   *metrics.Collector
	monitor     *health.Monitor
	warmer      *warming.Service
}

// New validates the configuration and builds every component. Nothing is
// started; call Start.
func New(ctx context.Context, cfg *config.Configuration, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := utils.SetupLogging(cfg.Global.LogLevel, cfg.Global.LogFormat); err != nil {
		return nil, err
	}

	table := opts.Policies
	if table == nil {
		table = policy.NewDefaultTable()
	}

	memory := tier.NewMemory(cfg.Memory)
	stores := []types.TierStore{memory}
	if cfg.Global.EnableL2 {
		stores = append(stores, tier.NewRedis(cfg.Redis))
	}
	if cfg.Global.EnableL3 {
		s3, err := tier.NewS3(ctx, cfg.S3)
		if err != nil {
			closeStores(stores)
			return nil, err
		}
		stores = append(stores, s3)
	}

	opt := optimizer.New(cfg.Optimizer, memory)

	collector, err := metrics.NewCollector(cfg.Metrics)
	if err != nil {
		opt.Close()
		closeStores(stores)
		return nil, err
	}

	coordCfg := cfg.Coordinator
	coordCfg.Sinks = []types.Sink{opt, collector}
	coordinator, err := cache.New(table, stores, coordCfg)
	if err != nil {
		opt.Close()
		closeStores(stores)
		return nil, err
	}

	healthCfg := cfg.Health
	healthCfg.Memory = memory
	healthCfg.OnAlert = opts.OnAlert
	healthCfg.OnProbe = collector.ObserveTierHealth
	monitor := health.NewMonitor(stores, opt, healthCfg)

	e := &Engine{
		config:      cfg,
		logger:      slog.Default().With("component", "cache-engine"),
		memory:      memory,
		coordinator: coordinator,
		optimizer:   opt,
		collector:   collector,
		monitor:     monitor,
	}

	if opts.WarmLoader != nil {
		warmer, err := warming.NewService(coordinator, opts.WarmLoader, table, cfg.Warming)
		if err != nil {
			e.Stop(ctx)
			return nil, err
		}
		e.warmer = warmer
	}

	return e, nil
}

// Start launches the background services: metrics endpoint, health probes,
// and the warming loop when configured.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.collector.Start(ctx); err != nil {
		return err
	}
	e.monitor.Start()
	if e.warmer != nil {
		e.warmer.Start()
	}
	e.logger.Info("cache engine started",
		"l2_enabled", e.config.Global.EnableL2,
		"l3_enabled", e.config.Global.EnableL3,
		"warming", e.warmer != nil)
	return nil
}

// Stop shuts everything down in dependency order: producers first, then
// the coordinator and tiers, then the sinks.
func (e *Engine) Stop(ctx context.Context) error {
	var errs []error
	if e.warmer != nil {
		e.warmer.Stop()
	}
	e.monitor.Stop()
	if err := e.coordinator.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.optimizer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.collector.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("cache engine stopped")
	return stderrors.Join(errs...)
}

// GetWithFallback delegates to the coordinator.
func (e *Engine) GetWithFallback(ctx context.Context, key string, ct types.ContentType, compute cache.ComputeFunc) ([]byte, error) {
	return e.coordinator.GetWithFallback(ctx, key, ct, compute)
}

// Invalidate delegates to the coordinator.
func (e *Engine) Invalidate(ctx context.Context, key string, ct types.ContentType) error {
	return e.coordinator.Invalidate(ctx, key, ct)
}

// WarmCache delegates to the coordinator.
func (e *Engine) WarmCache(ctx context.Context, entries []types.WarmEntry) (int, error) {
	return e.coordinator.WarmCache(ctx, entries)
}

// PerformanceReport returns the optimizer's current window analysis.
func (e *Engine) PerformanceReport() types.PerformanceReport {
	return e.optimizer.Analyze()
}

// Recommendations returns the optimizer's current tuning suggestions.
func (e *Engine) Recommendations() []types.Recommendation {
	return e.optimizer.Recommend()
}

// Coordinator exposes the underlying coordinator.
func (e *Engine) Coordinator() *cache.Coordinator { return e.coordinator }

// Optimizer exposes the underlying optimizer.
func (e *Engine) Optimizer() *optimizer.Optimizer { return e.optimizer }

// Monitor exposes the health monitor.
func (e *Engine) Monitor() *health.Monitor { return e.monitor }

// Metrics exposes the Prometheus collector.
func (e *Engine) Metrics() *metrics.Collector { return e.collector }

// Warming exposes the warming service, nil when no loader was configured.
func (e *Engine) Warming() *warming.Service { return e.warmer }

func closeStores(stores []types.TierStore) {
	for _, s := range stores {
		_ = s.Close()
	}
}
