package dht

import (
	"math"
	"time"
)

const (
	uptimeReferenceSeconds = 90 * 86400
	ageReferenceSeconds    = 30 * 86400
	maxNewNodeTotal        = 100
)

// Reputation is the Byzantine-resistant scoring record of §3/§4.F. Score
// starts at 0.2 so trust must be earned.
type Reputation struct {
	SuccessfulRelays  uint64
	FailedRelays      uint64
	UptimeSeconds     uint64
	FirstSeen         time.Time
	LastUpdated       time.Time
	LastActivity      time.Time
	CachedScore       float64
	PenaltyCount      uint32
	RecentActivityRate float64
}

// NewReputation creates a fresh record with the initial 0.2 score.
func NewReputation(now time.Time) *Reputation {
	return &Reputation{
		FirstSeen:    now,
		LastUpdated:  now,
		LastActivity: now,
		CachedScore:  0.2,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Recompute recalculates CachedScore from the other fields per §4.F's
// exact formula, and stores the result (the cached_score invariant: it is
// always the result of the score function over the other fields).
func (r *Reputation) Recompute(now time.Time) float64 {
	total := r.SuccessfulRelays + r.FailedRelays

	var reliability float64
	if total > 0 {
		reliability = float64(r.SuccessfulRelays) / float64(total)
		if total < maxNewNodeTotal {
			cap := float64(total) / float64(maxNewNodeTotal)
			if reliability > cap {
				reliability = cap
			}
		}
	}

	uptime := float64(r.UptimeSeconds) / uptimeReferenceSeconds
	if uptime > 1 {
		uptime = 1
	}

	age := now.Sub(r.FirstSeen).Seconds() / ageReferenceSeconds
	if age > 1 {
		age = 1
	}
	if age < 0 {
		age = 0
	}

	base := 0.5*reliability + 0.25*uptime + 0.15*age + 0.10

	var decay float64
	sinceActivity := now.Sub(r.LastActivity)
	if sinceActivity <= 24*time.Hour {
		decay = 1
	} else {
		daysInactive := sinceActivity.Hours() / 24
		decay = math.Pow(0.9, daysInactive)
		if decay < 0.1 {
			decay = 0.1
		}
	}

	penaltyFactor := math.Pow(0.9, float64(r.PenaltyCount))
	if penaltyFactor < 0.1 {
		penaltyFactor = 0.1
	}

	score := clamp01(base * decay * penaltyFactor)
	r.CachedScore = score
	r.LastUpdated = now
	return score
}

// ApplyPenalty increments the penalty counter and recomputes the score;
// successive calls strictly decrease the score until the clamp floor
// (§8 testable property).
func (r *Reputation) ApplyPenalty(now time.Time) {
	r.PenaltyCount++
	r.Recompute(now)
}

const (
	newNodeRatePerHour = 1000
	rateSpikeFactor    = 10
	activityEMAAlpha   = 0.2
)

// RecordActivity notes one event attributed to the node and applies the
// automatic penalty triggers: more than 1000 events/h while the node is in
// its first 24 hours, or a sudden >10x spike over the recent EMA rate.
func (r *Reputation) RecordActivity(now time.Time) {
	elapsedHours := now.Sub(r.LastActivity).Hours()
	if elapsedHours < 1.0/3600 {
		elapsedHours = 1.0 / 3600
	}
	instantRate := 1.0 / elapsedHours

	if now.Sub(r.FirstSeen) < 24*time.Hour && instantRate > newNodeRatePerHour {
		r.PenaltyCount++
	} else if r.RecentActivityRate > 0 && instantRate > rateSpikeFactor*r.RecentActivityRate {
		r.PenaltyCount++
	}

	if r.RecentActivityRate == 0 {
		r.RecentActivityRate = instantRate
	} else {
		r.RecentActivityRate = activityEMAAlpha*instantRate + (1-activityEMAAlpha)*r.RecentActivityRate
	}
	r.LastActivity = now
	r.Recompute(now)
}

// ReportUptime records a peer's claimed uptime. Claims exceeding twice the
// observed age are penalized instead of recorded.
func (r *Reputation) ReportUptime(claimedSeconds uint64, now time.Time) {
	observedAge := now.Sub(r.FirstSeen).Seconds()
	if observedAge < 0 {
		observedAge = 0
	}
	if float64(claimedSeconds) > 2*observedAge {
		r.ApplyPenalty(now)
		return
	}
	r.UptimeSeconds = claimedSeconds
	r.Recompute(now)
}

// RecordSuccess/RecordFailure update the relay counters and bump
// LastActivity.
func (r *Reputation) RecordSuccess(now time.Time) {
	r.SuccessfulRelays++
	r.LastActivity = now
}

func (r *Reputation) RecordFailure(now time.Time) {
	r.FailedRelays++
	r.LastActivity = now
}

const (
	// MinReputation / GoodReputation are the admission/preference
	// thresholds referenced throughout component F.
	MinReputation  = 0.3
	GoodReputation = 0.7
)
