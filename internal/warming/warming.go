// Package warming preloads high-value entries into the cache so peak
// traffic starts warm. Warming is best-effort background work: a failed
// run logs and waits for the next cycle, never affecting the read path.
package warming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tiercache/tiercache/internal/policy"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/retry"
	"github.com/tiercache/tiercache/pkg/types"
)

// Loader produces the entries a warming run should push into the cache.
// Implementations typically read popular-key lists or precomputed payloads
// from an upstream store.
type Loader interface {
	LoadWarmEntries(ctx context.Context) ([]types.WarmEntry, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) ([]types.WarmEntry, error)

// LoadWarmEntries implements Loader.
func (f LoaderFunc) LoadWarmEntries(ctx context.Context) ([]types.WarmEntry, error) {
	return f(ctx)
}

// Warmer is the slice of the coordinator the service needs.
type Warmer interface {
	WarmCache(ctx context.Context, entries []types.WarmEntry) (int, error)
}

// Config tunes the warming service.
type Config struct {
	// Interval is the period of the background warming cycle.
	Interval time.Duration `yaml:"interval"`

	// RunTimeout bounds one full warming run, load included.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// Retry governs loader retries within a run.
	Retry retry.Config `yaml:"retry"`
}

// DefaultConfig returns the stock warming cadence.
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Minute,
		RunTimeout: 2 * time.Minute,
		Retry:      retry.DefaultConfig(),
	}
}

// Service runs warming cycles against the coordinator.
type Service struct {
	warmer   Warmer
	loader   Loader
	policies *policy.Table
	config   Config
	retryer  *retry.Retryer
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	mu         sync.Mutex
	lastReport types.WarmingReport
	lastRun    time.Time
}

// NewService builds a warming service. The policy table is used to count
// skipped entries; the coordinator enforces warmability on write either way.
func NewService(warmer Warmer, loader Loader, table *policy.Table, config Config) (*Service, error) {
	if warmer == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "warming requires a coordinator")
	}
	if loader == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "warming requires a loader")
	}
	if table == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "warming requires a policy table")
	}

	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = def.RunTimeout
	}

	return &Service{
		warmer:   warmer,
		loader:   loader,
		policies: table,
		config:   config,
		retryer:  retry.New(config.Retry),
		logger:   slog.Default().With("component", "cache-warming"),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the periodic warming loop. The first cycle runs one
// interval after Start, not immediately; call WarmNow for an eager run.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// WarmNow performs one warming run: load entries (with retry), push them
// through the coordinator, and report what happened.
func (s *Service) WarmNow(ctx context.Context) (types.WarmingReport, error) {
	start := time.Now()

	var entries []types.WarmEntry
	err := s.retryer.Do(ctx, func(rctx context.Context) error {
		loaded, err := s.loader.LoadWarmEntries(rctx)
		if err != nil {
			// Wrapped so the retryer treats loader failures as transient.
			return errors.New(errors.ErrCodeInternal, "load warm entries").WithCause(err)
		}
		entries = loaded
		return nil
	})
	if err != nil {
		return types.WarmingReport{Duration: time.Since(start)}, err
	}

	report := types.WarmingReport{
		Requested: len(entries),
		Loaded:    len(entries),
	}
	for _, entry := range entries {
		pol, err := s.policies.Resolve(entry.ContentType)
		if err != nil || !pol.Warmable {
			report.Skipped++
		}
	}

	warmed, warmErr := s.warmer.WarmCache(ctx, entries)
	report.Warmed = warmed
	report.Failed = report.Loaded - report.Skipped - warmed
	if report.Failed < 0 {
		report.Failed = 0
	}
	report.Duration = time.Since(start)

	s.mu.Lock()
	s.lastReport = report
	s.lastRun = time.Now()
	s.mu.Unlock()

	if warmErr != nil {
		s.logger.Warn("warming run completed with failures",
			"warmed", report.Warmed, "failed", report.Failed, "error", warmErr)
	} else {
		s.logger.Info("warming run complete",
			"warmed", report.Warmed, "skipped", report.Skipped, "duration", report.Duration)
	}
	return report, warmErr
}

// LastReport returns the most recent run's report and when it finished.
func (s *Service) LastReport() (types.WarmingReport, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport, s.lastRun
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
			if _, err := s.WarmNow(ctx); err != nil {
				s.logger.Error("warming run failed", "error", err)
			}
			cancel()
		}
	}
}
