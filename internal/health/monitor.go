// Package health watches tier probes and the aggregate performance report,
// driving a per-tier state machine and raising alerts when thresholds are
// breached. The monitor observes and reports; it never changes routing,
// which stays the circuit breakers' job.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tiercache/tiercache/pkg/types"
)

// Status is the monitor's verdict on a tier or the cache as a whole.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// worse orders statuses for aggregation.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// AlertThresholds define what counts as a breached probe.
type AlertThresholds struct {
	// MinHitRate is the cache-wide hit rate floor.
	MinHitRate float64 `yaml:"min_hit_rate"`

	// MaxLatency is the per-probe latency ceiling.
	MaxLatency time.Duration `yaml:"max_latency"`

	// MaxErrorRate is the per-tier error rate ceiling.
	MaxErrorRate float64 `yaml:"max_error_rate"`

	// MaxMemoryUtilization is the L1 fill ratio ceiling.
	MaxMemoryUtilization float64 `yaml:"max_memory_utilization"`
}

// DefaultAlertThresholds returns the stock alert boundaries.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		MinHitRate:           0.30,
		MaxLatency:           200 * time.Millisecond,
		MaxErrorRate:         0.10,
		MaxMemoryUtilization: 0.90,
	}
}

// Alert is one threshold breach surfaced to the operator.
type Alert struct {
	Timestamp time.Time    `json:"timestamp"`
	Tier      types.TierID `json:"tier,omitempty"`
	Severity  Status       `json:"severity"`
	Reason    string       `json:"reason"`
	Message   string       `json:"message"`
}

// TierStatus is the state machine's view of one tier.
type TierStatus struct {
	Tier                types.TierID     `json:"tier"`
	Status              Status           `json:"status"`
	ConsecutiveBreaches int              `json:"consecutive_breaches"`
	ConsecutiveOK       int              `json:"consecutive_ok"`
	LastProbe           types.TierHealth `json:"last_probe"`
	ChangedAt           time.Time        `json:"changed_at"`
}

// Snapshot is the monitor's full state at one instant.
type Snapshot struct {
	Overall   Status                      `json:"overall"`
	Tiers     map[types.TierID]TierStatus `json:"tiers"`
	CheckedAt time.Time                   `json:"checked_at"`
}

// ReportSource supplies the aggregate performance report used for the
// cache-wide hit rate alert. *optimizer.Optimizer satisfies it.
type ReportSource interface {
	Analyze() types.PerformanceReport
}

// MemoryUsage reports L1 fill for the memory pressure alert. *tier.Memory
// satisfies it.
type MemoryUsage interface {
	Usage() (used, capacity int64)
}

// Config tunes the monitor.
type Config struct {
	// Interval is the probe cadence.
	Interval time.Duration `yaml:"interval"`

	// ProbeTimeout bounds each tier probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// DegradedAfter is the consecutive breach count that drops a healthy
	// tier to degraded. The default degrades on the first breach.
	DegradedAfter int `yaml:"degraded_after"`

	// CriticalAfter is the consecutive breach count that drops a tier to
	// critical. An unavailable tier reaches critical directly once it hits
	// DegradedAfter breaches.
	CriticalAfter int `yaml:"critical_after"`

	// RecoverAfter is the consecutive clean probe count that returns a
	// tier to healthy from either degraded state.
	RecoverAfter int `yaml:"recover_after"`

	Thresholds AlertThresholds `yaml:"thresholds"`

	// Memory enables the L1 memory pressure alert when set.
	Memory MemoryUsage `yaml:"-"`

	// OnAlert receives every raised alert. Optional; alerts are always
	// logged regardless.
	OnAlert func(Alert) `yaml:"-"`

	// OnProbe receives every tier probe result. The engine uses it to
	// publish tier availability and error rate gauges.
	OnProbe func(types.TierHealth) `yaml:"-"`
}

// DefaultConfig returns the stock monitor settings.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		DegradedAfter: 1,
		CriticalAfter: 3,
		RecoverAfter:  2,
		Thresholds:    DefaultAlertThresholds(),
	}
}

// Monitor probes tiers on a schedule and tracks their health states.
type Monitor struct {
	tiers   []types.TierStore
	reports ReportSource
	config  Config
	logger  *slog.Logger

	mu     sync.Mutex
	states map[types.TierID]*TierStatus

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor builds a monitor over the given tiers. reports may be nil to
// disable the hit rate alert.
func NewMonitor(tiers []types.TierStore, reports ReportSource, config Config) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.DegradedAfter <= 0 {
		config.DegradedAfter = def.DegradedAfter
	}
	if config.CriticalAfter <= 0 {
		config.CriticalAfter = def.CriticalAfter
	}
	if config.CriticalAfter <= config.DegradedAfter {
		config.CriticalAfter = config.DegradedAfter * 2
	}
	if config.RecoverAfter <= 0 {
		config.RecoverAfter = def.RecoverAfter
	}
	if config.Thresholds == (AlertThresholds{}) {
		config.Thresholds = def.Thresholds
	}

	states := make(map[types.TierID]*TierStatus, len(tiers))
	now := time.Now()
	for _, t := range tiers {
		states[t.ID()] = &TierStatus{Tier: t.ID(), Status: StatusHealthy, ChangedAt: now}
	}

	return &Monitor{
		tiers:   tiers,
		reports: reports,
		config:  config,
		logger:  slog.Default().With("component", "cache-health"),
		states:  states,
		done:    make(chan struct{}),
	}
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run()
	})
}

// Stop halts the loop and waits for an in-flight probe round.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// CheckNow runs one probe round synchronously and returns the snapshot.
func (m *Monitor) CheckNow(ctx context.Context) Snapshot {
	for _, store := range m.tiers {
		pctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		probe := store.HealthCheck(pctx)
		cancel()
		if m.config.OnProbe != nil {
			m.config.OnProbe(probe)
		}
		m.apply(store.ID(), probe)
	}
	m.checkHitRate()
	m.checkMemory()
	return m.Snapshot()
}

// Snapshot returns the current state without probing.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Overall:   StatusHealthy,
		Tiers:     make(map[types.TierID]TierStatus, len(m.states)),
		CheckedAt: time.Now(),
	}
	for id, st := range m.states {
		snap.Tiers[id] = *st
		snap.Overall = worse(snap.Overall, st.Status)
	}
	return snap
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.CheckNow(context.Background())
		}
	}
}

// apply feeds one probe result into the tier's state machine.
func (m *Monitor) apply(id types.TierID, probe types.TierHealth) {
	breach, reason := m.evaluate(probe)

	m.mu.Lock()
	st, ok := m.states[id]
	if !ok {
		st = &TierStatus{Tier: id, Status: StatusHealthy, ChangedAt: time.Now()}
		m.states[id] = st
	}
	st.LastProbe = probe

	if breach {
		st.ConsecutiveBreaches++
		st.ConsecutiveOK = 0
	} else {
		st.ConsecutiveOK++
		st.ConsecutiveBreaches = 0
	}

	prev := st.Status
	switch {
	case !breach && st.ConsecutiveOK >= m.config.RecoverAfter:
		st.Status = StatusHealthy
	case breach && !probe.Available && st.ConsecutiveBreaches >= m.config.DegradedAfter:
		// A tier that is down outright skips the degraded stage.
		st.Status = StatusCritical
	case breach && st.ConsecutiveBreaches >= m.config.CriticalAfter:
		st.Status = StatusCritical
	case breach && st.ConsecutiveBreaches >= m.config.DegradedAfter:
		st.Status = worse(st.Status, StatusDegraded)
	}
	changed := st.Status != prev
	if changed {
		st.ChangedAt = time.Now()
	}
	status := st.Status
	m.mu.Unlock()

	if changed {
		m.logger.Warn("tier health state change",
			"tier", id, "from", string(prev), "to", string(status), "reason", reason)
		if status != StatusHealthy {
			m.alert(Alert{
				Timestamp: time.Now(),
				Tier:      id,
				Severity:  status,
				Reason:    reason,
				Message:   "tier " + string(id) + " is " + string(status) + ": " + reason,
			})
		}
	}
}

// evaluate classifies one probe against the thresholds.
func (m *Monitor) evaluate(probe types.TierHealth) (bool, string) {
	switch {
	case !probe.Available:
		return true, "tier unavailable"
	case probe.Latency > m.config.Thresholds.MaxLatency:
		return true, "probe latency over threshold"
	case probe.ErrorRate > m.config.Thresholds.MaxErrorRate:
		return true, "error rate over threshold"
	}
	return false, ""
}

// checkHitRate raises a cache-wide alert when the hit rate sits under the
// floor. Hit rate never drives tier states; a cold cache is not a sick one.
func (m *Monitor) checkHitRate() {
	if m.reports == nil {
		return
	}
	report := m.reports.Analyze()
	if report.SampleCount == 0 {
		return
	}
	if report.OverallHitRate < m.config.Thresholds.MinHitRate {
		m.alert(Alert{
			Timestamp: time.Now(),
			Severity:  StatusDegraded,
			Reason:    "hit rate under floor",
			Message:   "cache-wide hit rate under configured floor",
		})
	}
}

// checkMemory alerts when the L1 tier runs close to its byte budget. High
// fill with high eviction churn is the signal the optimizer turns into a
// sizing recommendation; the alert exists so operators see it sooner.
func (m *Monitor) checkMemory() {
	if m.config.Memory == nil || m.config.Thresholds.MaxMemoryUtilization <= 0 {
		return
	}
	used, capacity := m.config.Memory.Usage()
	if capacity <= 0 {
		return
	}
	if ratio := float64(used) / float64(capacity); ratio > m.config.Thresholds.MaxMemoryUtilization {
		m.alert(Alert{
			Timestamp: time.Now(),
			Tier:      types.TierL1,
			Severity:  StatusDegraded,
			Reason:    "memory utilization over threshold",
			Message:   fmt.Sprintf("L1 at %.0f%% of its byte budget", ratio*100),
		})
	}
}

func (m *Monitor) alert(a Alert) {
	m.logger.Warn("cache health alert",
		"tier", a.Tier, "severity", string(a.Severity), "reason", a.Reason)
	if m.config.OnAlert != nil {
		m.config.OnAlert(a)
	}
}
