// Package linkmetrics implements adaptive per-link quality tracking and
// adapter scoring (component K): an exponential-moving-average link
// metric, a cost-weighted routing table keyed by neighbor pair, and a
// standalone adapter scorer used to rank transports independent of any
// particular link.
package linkmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
)

// emaAlpha is the exponential-moving-average factor (1/8) shared by every
// metric field.
const emaAlpha = 0.125

// LinkMetrics tracks one directional neighbor link's latency, loss,
// jitter, and utilization via EMA, grounded verbatim on
// myriadmesh-routing/src/adaptive.rs's LinkMetrics::update.
type LinkMetrics struct {
	LatencyMs     float64
	LossRate      float64
	BandwidthBps  uint64
	Utilization   float64
	JitterMs      float64
	LastUpdated   time.Time
	SampleCount   uint64
}

// NewLinkMetrics returns a zeroed metric ready for its first Update.
func NewLinkMetrics() *LinkMetrics {
	return &LinkMetrics{LastUpdated: time.Now()}
}

// Update folds one measurement into the EMA state.
func (m *LinkMetrics) Update(latencyMs float64, loss bool, bandwidthBps uint64, utilization float64) {
	lossValue := 0.0
	if loss {
		lossValue = 1.0
	}

	if m.SampleCount == 0 {
		m.LatencyMs = latencyMs
		m.LossRate = lossValue
		m.Utilization = utilization
	} else {
		delta := latencyMs - m.LatencyMs
		if delta < 0 {
			delta = -delta
		}
		m.JitterMs = emaAlpha*delta + (1-emaAlpha)*m.JitterMs

		m.LatencyMs = emaAlpha*latencyMs + (1-emaAlpha)*m.LatencyMs
		m.LossRate = emaAlpha*lossValue + (1-emaAlpha)*m.LossRate
		m.Utilization = emaAlpha*utilization + (1-emaAlpha)*m.Utilization
	}

	m.BandwidthBps = bandwidthBps
	m.LastUpdated = time.Now()
	m.SampleCount++
}

// IsStale reports whether the link hasn't been updated within ttl.
func (m *LinkMetrics) IsStale(ttl time.Duration) bool {
	return time.Since(m.LastUpdated) > ttl
}

// QualityScore combines latency/loss/jitter/utilization into a single
// 0.0-1.0 figure with weights 0.3/0.4/0.2/0.1 (§4.K).
func (m *LinkMetrics) QualityScore() float64 {
	latencyScore := 1.0
	if m.LatencyMs > 0 {
		latencyScore = min1(100.0 / (m.LatencyMs + 10.0))
	}
	lossScore := 1.0 - m.LossRate
	jitterScore := 1.0
	if m.JitterMs > 0 {
		jitterScore = min1(10.0 / (m.JitterMs + 1.0))
	}
	utilScore := 1.0 - m.Utilization

	score := latencyScore*0.3 + lossScore*0.4 + jitterScore*0.2 + utilScore*0.1
	return min1(score)
}

// CalculateCost returns a cost value (lower is better) per the supplied
// weights.
func (m *LinkMetrics) CalculateCost(w CostWeights) float64 {
	return w.Latency*m.LatencyMs +
		w.Loss*m.LossRate*1000.0 +
		w.Jitter*m.JitterMs +
		w.Utilization*m.Utilization*100.0
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}

// CostWeights parameterizes CalculateCost.
type CostWeights struct {
	Latency     float64
	Loss        float64
	Jitter      float64
	Utilization float64
}

// DefaultCostWeights is the Balanced policy's weight table.
func DefaultCostWeights() CostWeights {
	return CostWeights{Latency: 1.0, Loss: 10.0, Jitter: 0.5, Utilization: 2.0}
}

// RoutingPolicy selects one of the fixed cost-weight profiles, or Custom
// for caller-supplied weights.
type RoutingPolicy int

const (
	PolicyLowLatency RoutingPolicy = iota
	PolicyHighReliability
	PolicyBalanced
	PolicyLoadBalanced
	PolicyCustom
)

// Weights returns the exact §4.K weight table for the policy.
func (p RoutingPolicy) Weights() CostWeights {
	switch p {
	case PolicyLowLatency:
		return CostWeights{Latency: 10.0, Loss: 1.0, Jitter: 5.0, Utilization: 0.5}
	case PolicyHighReliability:
		return CostWeights{Latency: 0.5, Loss: 20.0, Jitter: 1.0, Utilization: 1.0}
	case PolicyLoadBalanced:
		return CostWeights{Latency: 1.0, Loss: 5.0, Jitter: 0.5, Utilization: 15.0}
	default:
		return DefaultCostWeights()
	}
}

type linkKey struct {
	from identity.NodeId
	to   identity.NodeId
}

// AdaptiveRoutingTable tracks LinkMetrics per ordered neighbor pair and
// picks the cheapest next hop under the active policy.
type AdaptiveRoutingTable struct {
	mu            sync.RWMutex
	metrics       map[linkKey]*LinkMetrics
	policy        RoutingPolicy
	customWeights CostWeights
	metricsTTL    time.Duration

	qualityGauge *prometheus.GaugeVec
}

// NewAdaptiveRoutingTable creates a table under policy with the given
// staleness TTL, exporting a per-neighbor quality gauge via registerer
// (pass nil to skip Prometheus registration, e.g. in tests).
func NewAdaptiveRoutingTable(policy RoutingPolicy, metricsTTL time.Duration, registerer prometheus.Registerer) *AdaptiveRoutingTable {
	t := &AdaptiveRoutingTable{
		metrics:    make(map[linkKey]*LinkMetrics),
		policy:     policy,
		metricsTTL: metricsTTL,
		qualityGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "myriadmesh_link_quality_score",
			Help: "Adaptive link quality score (0.0-1.0) per neighbor pair.",
		}, []string{"from", "to"}),
	}
	if registerer != nil {
		registerer.MustRegister(t.qualityGauge)
	}
	return t
}

// SetCustomWeights installs the weight table used when the policy is
// PolicyCustom.
func (t *AdaptiveRoutingTable) SetCustomWeights(w CostWeights) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.customWeights = w
}

// SetPolicy changes the active routing policy.
func (t *AdaptiveRoutingTable) SetPolicy(p RoutingPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy = p
}

// UpdateLink folds one measurement into the (from, to) link's metrics.
func (t *AdaptiveRoutingTable) UpdateLink(from, to identity.NodeId, latencyMs float64, loss bool, bandwidthBps uint64, utilization float64) {
	key := linkKey{from, to}

	t.mu.Lock()
	m, ok := t.metrics[key]
	if !ok {
		m = NewLinkMetrics()
		t.metrics[key] = m
	}
	m.Update(latencyMs, loss, bandwidthBps, utilization)
	quality := m.QualityScore()
	t.mu.Unlock()

	if t.qualityGauge != nil {
		t.qualityGauge.WithLabelValues(from.String()[:16], to.String()[:16]).Set(quality)
	}
}

// LinkCost returns the configured-policy cost of (from, to), if tracked.
func (t *AdaptiveRoutingTable) LinkCost(from, to identity.NodeId) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.metrics[linkKey{from, to}]
	if !ok {
		return 0, false
	}
	weights := t.policy.Weights()
	if t.policy == PolicyCustom {
		weights = t.customWeights
	}
	return m.CalculateCost(weights), true
}

// SelectBestNeighbor returns the lowest-cost neighbor of current among
// neighbors, and its cost.
func (t *AdaptiveRoutingTable) SelectBestNeighbor(current identity.NodeId, neighbors []identity.NodeId) (identity.NodeId, float64, bool) {
	var best identity.NodeId
	bestCost := 0.0
	found := false

	for _, n := range neighbors {
		cost, ok := t.LinkCost(current, n)
		if !ok {
			continue
		}
		if !found || cost < bestCost {
			best, bestCost, found = n, cost, true
		}
	}
	return best, bestCost, found
}

// CleanupStale removes links whose metrics haven't been updated within
// metricsTTL.
func (t *AdaptiveRoutingTable) CleanupStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, m := range t.metrics {
		if m.IsStale(t.metricsTTL) {
			delete(t.metrics, k)
		}
	}
}

// LinkCount returns the number of tracked links.
func (t *AdaptiveRoutingTable) LinkCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.metrics)
}
