// Package failover implements the periodic health monitor and primary
// adapter selector (component L): per-adapter health tracking, threshold
// detection against an EMA latency baseline, and a ring-buffer event log
// of switches and failures. Grounded verbatim on
// original_source/myriadnode/src/failover.rs's FailoverManager.
package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/montana2ab/myriadmesh/node/pkg/linkmetrics"
	"github.com/montana2ab/myriadmesh/node/pkg/registry"
	"github.com/montana2ab/myriadmesh/node/pkg/transport"
)

// HealthStatus is the tagged-variant health state of one adapter.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
	Failed
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "failed"
	}
}

// AdapterHealth tracks one adapter's consecutive-failure count and a
// latency baseline EMA (0.9/0.1), grounded on failover.rs's AdapterHealth.
type AdapterHealth struct {
	Status              HealthStatus
	ConsecutiveFailures uint32
	LastCheck           time.Time
	CurrentMetrics      *linkmetrics.AdapterMetrics
	baselineLatency     *float64
}

func newAdapterHealth() *AdapterHealth {
	return &AdapterHealth{Status: Healthy, LastCheck: time.Now()}
}

// RecordSuccess resets the failure count and folds the new latency sample
// into the 0.9/0.1 baseline EMA.
func (h *AdapterHealth) RecordSuccess(m linkmetrics.AdapterMetrics) {
	h.ConsecutiveFailures = 0
	h.Status = Healthy
	h.LastCheck = time.Now()

	if h.baselineLatency != nil {
		next := *h.baselineLatency*0.9 + m.LatencyMs*0.1
		h.baselineLatency = &next
	} else {
		v := m.LatencyMs
		h.baselineLatency = &v
	}
	h.CurrentMetrics = &m
}

// RecordFailure bumps the consecutive-failure count; 1 failure degrades,
// 3 fails the adapter (§4.L).
func (h *AdapterHealth) RecordFailure() {
	h.ConsecutiveFailures++
	h.LastCheck = time.Now()

	switch {
	case h.ConsecutiveFailures >= 3:
		h.Status = Failed
	case h.ConsecutiveFailures >= 1:
		h.Status = Degraded
	}
}

// IsLatencyDegraded reports whether the current metrics exceed the
// baseline by more than thresholdMultiplier.
func (h *AdapterHealth) IsLatencyDegraded(thresholdMultiplier float64) bool {
	if h.baselineLatency == nil || h.CurrentMetrics == nil {
		return false
	}
	return h.CurrentMetrics.LatencyMs > *h.baselineLatency*thresholdMultiplier
}

// EventKind tags a FailoverEvent's variant (§4.L).
type EventKind int

const (
	EventAdapterSwitch EventKind = iota
	EventThresholdViolation
	EventAdapterDown
	EventAdapterRecovered
)

func (k EventKind) String() string {
	switch k {
	case EventAdapterSwitch:
		return "adapter_switch"
	case EventThresholdViolation:
		return "threshold_violation"
	case EventAdapterDown:
		return "adapter_down"
	default:
		return "adapter_recovered"
	}
}

// FailoverEvent is a tagged-variant log entry; only the fields relevant
// to Kind are populated.
type FailoverEvent struct {
	Kind      EventKind
	At        time.Time
	From      string // AdapterSwitch
	To        string // AdapterSwitch
	Reason    string // AdapterSwitch, AdapterDown
	Adapter   string // ThresholdViolation, AdapterDown, AdapterRecovered
	Metric    string // ThresholdViolation
	Value     float64
	Threshold float64
}

func (e FailoverEvent) String() string {
	switch e.Kind {
	case EventAdapterSwitch:
		return fmt.Sprintf("switch %s -> %s (%s)", e.From, e.To, e.Reason)
	case EventThresholdViolation:
		return fmt.Sprintf("%s threshold violation: %s=%.2f > %.2f", e.Adapter, e.Metric, e.Value, e.Threshold)
	case EventAdapterDown:
		return fmt.Sprintf("%s down: %s", e.Adapter, e.Reason)
	default:
		return fmt.Sprintf("%s recovered", e.Adapter)
	}
}

const eventLogCap = 100

// Config bundles the failover monitor's tunables (§4.L).
type Config struct {
	AutoFailover               bool
	TickInterval               time.Duration
	LatencyThresholdMultiplier float64
}

// DefaultConfig matches §4.L's defaults: 10s tick, 5.0x latency threshold.
func DefaultConfig() Config {
	return Config{AutoFailover: true, TickInterval: 10 * time.Second, LatencyThresholdMultiplier: 5.0}
}

// Manager periodically scores every registered adapter and switches the
// primary when a materially better one becomes available (§4.L).
type Manager struct {
	cfg      Config
	registry *registry.Registry
	scorer   *linkmetrics.AdapterScorer

	mu      sync.RWMutex
	health  map[transport.AdapterType]*AdapterHealth
	primary *transport.AdapterType

	logMu sync.Mutex
	log   []FailoverEvent

	wg sync.WaitGroup
}

// New creates a manager bound to a registry and scoring weights.
func New(cfg Config, reg *registry.Registry, weights linkmetrics.ScoringWeights) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: reg,
		scorer:   linkmetrics.NewAdapterScorer(weights),
		health:   make(map[transport.AdapterType]*AdapterHealth),
	}
}

// Start launches the monitoring loop; it exits when ctx is cancelled,
// completing its current iteration first (§5: background tasks own a
// shutdown signal and the supervisor awaits their handle via Wait).
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.AutoFailover {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
}

// Wait blocks until the monitoring goroutine has exited.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) tick() {
	types := m.registry.AdapterTypes()

	allMetrics := make(map[string]linkmetrics.AdapterMetrics, len(types))

	for _, t := range types {
		id := adapterID(t)
		meta, ok := m.registry.GetMetadata(t)
		if !ok {
			continue
		}

		m.mu.Lock()
		h, exists := m.health[t]
		if !exists {
			h = newAdapterHealth()
			m.health[t] = h
		}

		if meta.Status != registry.StatusActive {
			h.RecordFailure()
			down := h.Status == Failed
			m.mu.Unlock()
			if down {
				m.logEvent(FailoverEvent{Kind: EventAdapterDown, At: time.Now(), Adapter: id,
					Reason: fmt.Sprintf("status: %s", meta.Status)})
			}
			continue
		}
		m.mu.Unlock()

		adapter, ok := m.registry.Get(t)
		if !ok {
			continue
		}
		caps := adapter.GetCapabilities()
		metrics := linkmetrics.AdapterMetrics{
			LatencyMs:        float64(caps.TypicalLatencyMs),
			BandwidthBps:     uint64(caps.TypicalBandwidthBps),
			Reliability:      caps.ReliabilityEstimate,
			PowerConsumption: caps.Power.AsFraction(),
			PrivacyLevel:     caps.PrivacyLevel,
		}

		m.mu.Lock()
		baseline := 0.0
		degraded := false
		if h.baselineLatency != nil {
			baseline = *h.baselineLatency
			degraded = metrics.LatencyMs > baseline*m.cfg.LatencyThresholdMultiplier
		}
		if degraded {
			h.RecordFailure()
		} else {
			h.RecordSuccess(metrics)
		}
		failed := h.Status == Failed
		m.mu.Unlock()

		if degraded {
			m.logEvent(FailoverEvent{Kind: EventThresholdViolation, At: time.Now(), Adapter: id,
				Metric: "latency", Value: metrics.LatencyMs, Threshold: baseline * m.cfg.LatencyThresholdMultiplier})
		}
		if !failed {
			allMetrics[id] = metrics
		}
	}

	if len(allMetrics) == 0 {
		return
	}

	scores := m.scorer.RankAdapters(allMetrics)
	if len(scores) == 0 {
		return
	}
	best := scores[0]

	m.mu.Lock()
	defer m.mu.Unlock()

	shouldSwitch := false
	from := "none"
	if m.primary != nil {
		from = adapterID(*m.primary)
		currentScore, found := scoreFor(scores, from)
		if !found {
			shouldSwitch = true
		} else {
			shouldSwitch = best.TotalScore > currentScore*1.10
		}
	} else {
		shouldSwitch = true
	}

	if !shouldSwitch {
		return
	}
	for _, t := range types {
		if adapterID(t) == best.AdapterID {
			tt := t
			m.primary = &tt
			break
		}
	}
	m.logEvent(FailoverEvent{Kind: EventAdapterSwitch, At: time.Now(), From: from, To: best.AdapterID,
		Reason: fmt.Sprintf("better score: %.3f", best.TotalScore)})
}

func scoreFor(scores []linkmetrics.AdapterScore, id string) (float64, bool) {
	for _, s := range scores {
		if s.AdapterID == id {
			return s.TotalScore, true
		}
	}
	return 0, false
}

func adapterID(t transport.AdapterType) string { return t.Name() }

// GetPrimaryAdapter returns the currently selected primary, if any.
func (m *Manager) GetPrimaryAdapter() (transport.AdapterType, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.primary == nil {
		return 0, false
	}
	return *m.primary, true
}

// GetAdapterHealth snapshots every tracked adapter's health status.
func (m *Manager) GetAdapterHealth() map[transport.AdapterType]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[transport.AdapterType]HealthStatus, len(m.health))
	for t, h := range m.health {
		out[t] = h.Status
	}
	return out
}

// SetScoringWeights replaces the weight table used on subsequent ticks.
func (m *Manager) SetScoringWeights(w linkmetrics.ScoringWeights) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scorer.SetWeights(w)
}

// ForceFailover unconditionally sets the primary adapter, emitting a
// manual-override event (§4.L).
func (m *Manager) ForceFailover(t transport.AdapterType) error {
	if _, ok := m.registry.Get(t); !ok {
		return fmt.Errorf("failover: adapter %s not registered", t.Name())
	}

	m.mu.Lock()
	from := "none"
	if m.primary != nil {
		from = adapterID(*m.primary)
	}
	tt := t
	m.primary = &tt
	m.mu.Unlock()

	m.logEvent(FailoverEvent{Kind: EventAdapterSwitch, At: time.Now(), From: from, To: adapterID(t),
		Reason: "manual override"})
	return nil
}

// RecentEvents returns up to count most-recent events, newest first.
func (m *Manager) RecentEvents(count int) []FailoverEvent {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	if count > len(m.log) {
		count = len(m.log)
	}
	out := make([]FailoverEvent, count)
	for i := 0; i < count; i++ {
		out[i] = m.log[len(m.log)-1-i]
	}
	return out
}

func (m *Manager) logEvent(e FailoverEvent) {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.log = append(m.log, e)
	if len(m.log) > eventLogCap {
		m.log = m.log[len(m.log)-eventLogCap:]
	}
}
