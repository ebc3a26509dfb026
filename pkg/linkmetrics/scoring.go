package linkmetrics

import (
	"sort"
	"strings"
)

// ScoringWeights weights the four dimensions of adapter scoring: latency,
// bandwidth, reliability, power. Grounded verbatim on
// myriadnode/src/scoring.rs's ScoringWeights.
type ScoringWeights struct {
	Latency     float64
	Bandwidth   float64
	Reliability float64
	Power       float64
}

// DefaultScoringWeights weights reliability highest, power lowest.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{Latency: 0.30, Bandwidth: 0.25, Reliability: 0.35, Power: 0.10}
}

// BatteryOptimizedWeights prioritizes low power consumption.
func BatteryOptimizedWeights() ScoringWeights {
	return ScoringWeights{Latency: 0.20, Bandwidth: 0.15, Reliability: 0.30, Power: 0.35}
}

// PerformanceOptimizedWeights prioritizes latency and bandwidth.
func PerformanceOptimizedWeights() ScoringWeights {
	return ScoringWeights{Latency: 0.40, Bandwidth: 0.35, Reliability: 0.20, Power: 0.05}
}

// ReliabilityOptimizedWeights prioritizes stable connections above all.
func ReliabilityOptimizedWeights() ScoringWeights {
	return ScoringWeights{Latency: 0.15, Bandwidth: 0.15, Reliability: 0.65, Power: 0.05}
}

// IsValid reports whether the four weights sum to ~1.0.
func (w ScoringWeights) IsValid() bool {
	sum := w.Latency + w.Bandwidth + w.Reliability + w.Power
	diff := sum - 1.0
	if diff < 0 {
		diff = -diff
	}
	return diff < 0.01
}

// Normalize scales the weights so they sum to 1.0.
func (w *ScoringWeights) Normalize() {
	sum := w.Latency + w.Bandwidth + w.Reliability + w.Power
	if sum <= 0 {
		return
	}
	w.Latency /= sum
	w.Bandwidth /= sum
	w.Reliability /= sum
	w.Power /= sum
}

// AdapterMetrics is the raw per-adapter measurement scored by
// AdapterScorer.
type AdapterMetrics struct {
	LatencyMs        float64
	BandwidthBps     uint64
	Reliability      float64 // 0.0-1.0
	PowerConsumption float64 // 0.0 (low) - 1.0 (high)
	PrivacyLevel     float64 // 0.0-1.0, see EstimatePrivacyLevel
}

// AdapterScore is the calculated per-dimension and total score.
type AdapterScore struct {
	AdapterID        string
	TotalScore       float64
	LatencyScore     float64
	BandwidthScore   float64
	ReliabilityScore float64
	PowerScore       float64
}

// AdapterScorer ranks candidate adapters against fixed baselines
// (100Mbps, 1000ms), grounded verbatim on myriadnode/src/scoring.rs.
type AdapterScorer struct {
	weights         ScoringWeights
	maxBandwidthBps uint64
	maxLatencyMs    float64
}

// NewAdapterScorer creates a scorer with the given weights.
func NewAdapterScorer(weights ScoringWeights) *AdapterScorer {
	return &AdapterScorer{
		weights:         weights,
		maxBandwidthBps: 100_000_000,
		maxLatencyMs:    1000.0,
	}
}

// NewAdapterScorerWithDefaults creates a scorer using DefaultScoringWeights.
func NewAdapterScorerWithDefaults() *AdapterScorer {
	return NewAdapterScorer(DefaultScoringWeights())
}

// SetWeights replaces the active weight table.
func (s *AdapterScorer) SetWeights(w ScoringWeights) { s.weights = w }

// Weights returns the active weight table.
func (s *AdapterScorer) Weights() ScoringWeights { return s.weights }

// CalculateScore scores one adapter's metrics.
func (s *AdapterScorer) CalculateScore(adapterID string, m AdapterMetrics) AdapterScore {
	latencyScore := s.scoreLatency(m.LatencyMs)
	bandwidthScore := s.scoreBandwidth(m.BandwidthBps)
	reliabilityScore := m.Reliability
	powerScore := s.scorePower(m.PowerConsumption)

	total := latencyScore*s.weights.Latency +
		bandwidthScore*s.weights.Bandwidth +
		reliabilityScore*s.weights.Reliability +
		powerScore*s.weights.Power

	return AdapterScore{
		AdapterID:        adapterID,
		TotalScore:       total,
		LatencyScore:     latencyScore,
		BandwidthScore:   bandwidthScore,
		ReliabilityScore: reliabilityScore,
		PowerScore:       powerScore,
	}
}

// RankAdapters scores every entry and returns them sorted by total score
// descending.
func (s *AdapterScorer) RankAdapters(adapters map[string]AdapterMetrics) []AdapterScore {
	scores := make([]AdapterScore, 0, len(adapters))
	for id, m := range adapters {
		scores = append(scores, s.CalculateScore(id, m))
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].TotalScore > scores[j].TotalScore })
	return scores
}

// GetBestAdapter returns the top-ranked adapter, if any.
func (s *AdapterScorer) GetBestAdapter(adapters map[string]AdapterMetrics) (AdapterScore, bool) {
	ranked := s.RankAdapters(adapters)
	if len(ranked) == 0 {
		return AdapterScore{}, false
	}
	return ranked[0], true
}

func (s *AdapterScorer) scoreLatency(latencyMs float64) float64 {
	if latencyMs <= 0 {
		return 1.0
	}
	return min1(1.0 - latencyMs/s.maxLatencyMs)
}

func (s *AdapterScorer) scoreBandwidth(bandwidthBps uint64) float64 {
	return min1(float64(bandwidthBps) / float64(s.maxBandwidthBps))
}

func (s *AdapterScorer) scorePower(powerConsumption float64) float64 {
	return min1(1.0 - powerConsumption)
}

// EstimatePrivacyLevel heuristically scores an adapter's baseline
// anonymity based on its identifier substring, preferring the overlay
// network (no centralized carrier able to correlate traffic) over
// carrier-mediated links. Grounded verbatim on
// myriadnode/src/failover.rs's FailoverManager::estimate_privacy_level.
func EstimatePrivacyLevel(adapterID string) float64 {
	id := strings.ToLower(adapterID)
	switch {
	case strings.Contains(id, "i2p"):
		return 0.95
	case strings.Contains(id, "bluetooth") && !strings.Contains(id, "_le"):
		return 0.85
	case strings.Contains(id, "bluetooth_le"):
		return 0.70
	case strings.Contains(id, "ethernet"), strings.Contains(id, "wifi"):
		return 0.15
	case strings.Contains(id, "cellular"):
		return 0.10
	default:
		return 0.50
	}
}
