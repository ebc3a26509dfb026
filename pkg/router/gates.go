// Package router implements the priority router: dedup plus rate/burst/
// spam admission gates feeding a five-level priority queue (component H).
package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
	"github.com/montana2ab/myriadmesh/node/pkg/meshmsg"
)

// Constants from §6.5.
const (
	DedupTTL               = 3600 * time.Second
	BurstWindow             = 5 * time.Second
	MaxBurstMessages        = 20
	SpamWindow              = 60 * time.Second
	SpamThreshold           = 100
	SpamPenaltyDuration     = 10 * time.Minute
)

// DedupCache is a time-bounded set of MessageIds, the teacher's sync.Map +
// ticker-cleanup idiom (see pkg/onion.Router.seenNonces) applied to
// message-level deduplication (§4.H).
type DedupCache struct {
	seen sync.Map // map[meshmsg.MessageID]time.Time
}

// NewDedupCache starts a cleanup goroutine sweeping entries older than
// DedupTTL.
func NewDedupCache() *DedupCache {
	c := &DedupCache{}
	go c.cleanupLoop()
	return c
}

// CheckAndRecord returns true (duplicate) if id was seen within DedupTTL;
// otherwise records it and returns false (§4.H step 3).
func (c *DedupCache) CheckAndRecord(id meshmsg.MessageID) bool {
	now := time.Now()
	actual, loaded := c.seen.LoadOrStore(id, now)
	if !loaded {
		return false
	}
	if seenAt, ok := actual.(time.Time); ok && now.Sub(seenAt) < DedupTTL {
		return true
	}
	c.seen.Store(id, now)
	return false
}

func (c *DedupCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-DedupTTL)
		c.seen.Range(func(key, value interface{}) bool {
			if ts, ok := value.(time.Time); ok && ts.Before(cutoff) {
				c.seen.Delete(key)
			}
			return true
		})
	}
}

// sourceWindow tracks a sliding count of events for one source within a
// fixed window, used by both the burst gate and the spam detector.
type sourceWindow struct {
	mu        sync.Mutex
	windowStart time.Time
	count     int
}

func (w *sourceWindow) bump(now time.Time, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.windowStart) > window {
		w.windowStart = now
		w.count = 0
	}
	w.count++
	return w.count
}

// BurstGate rejects a source once it exceeds MaxBurstMessages within
// BurstWindow (§4.H step 5).
type BurstGate struct {
	mu      sync.Mutex
	sources map[identity.NodeId]*sourceWindow
}

func NewBurstGate() *BurstGate {
	return &BurstGate{sources: make(map[identity.NodeId]*sourceWindow)}
}

func (g *BurstGate) windowFor(source identity.NodeId) *sourceWindow {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.sources[source]
	if !ok {
		w = &sourceWindow{windowStart: time.Now()}
		g.sources[source] = w
	}
	return w
}

// Allow returns false once the source exceeds MaxBurstMessages within
// BurstWindow.
func (g *BurstGate) Allow(source identity.NodeId) bool {
	count := g.windowFor(source).bump(time.Now(), BurstWindow)
	return count <= MaxBurstMessages
}

// SpamGate installs a penalty window once a source's event rate exceeds
// SpamThreshold within SpamWindow (§4.H step 7).
type SpamGate struct {
	mu        sync.Mutex
	sources   map[identity.NodeId]*sourceWindow
	penalties map[identity.NodeId]time.Time // expiry
}

func NewSpamGate() *SpamGate {
	return &SpamGate{
		sources:   make(map[identity.NodeId]*sourceWindow),
		penalties: make(map[identity.NodeId]time.Time),
	}
}

// UnderPenalty reports whether source is currently within an active spam
// penalty window.
func (g *SpamGate) UnderPenalty(source identity.NodeId) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	expiry, ok := g.penalties[source]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(g.penalties, source)
		return false
	}
	return true
}

// RecordAndMaybePenalize bumps the source's 60-second count and installs a
// 10-minute penalty once it exceeds SpamThreshold.
func (g *SpamGate) RecordAndMaybePenalize(source identity.NodeId) {
	g.mu.Lock()
	w, ok := g.sources[source]
	if !ok {
		w = &sourceWindow{windowStart: time.Now()}
		g.sources[source] = w
	}
	g.mu.Unlock()

	count := w.bump(time.Now(), SpamWindow)
	if count > SpamThreshold {
		g.mu.Lock()
		g.penalties[source] = time.Now().Add(SpamPenaltyDuration)
		g.mu.Unlock()
	}
}

// RateGates are per-source and global token buckets (§4.H step 6),
// following the teacher's double-checked-locking pattern from
// pkg/middleware.RateLimiter.
type RateGates struct {
	mu       sync.RWMutex
	perSource map[identity.NodeId]*rate.Limiter
	perSourceLimit rate.Limit
	perSourceBurst int
	global   *rate.Limiter
}

// NewRateGates creates per-source limiters at (perSourceRPS, burst) and one
// shared global limiter at (globalRPS, globalBurst).
func NewRateGates(perSourceRPS float64, burst int, globalRPS float64, globalBurst int) *RateGates {
	return &RateGates{
		perSource:      make(map[identity.NodeId]*rate.Limiter),
		perSourceLimit: rate.Limit(perSourceRPS),
		perSourceBurst: burst,
		global:         rate.NewLimiter(rate.Limit(globalRPS), globalBurst),
	}
}

func (g *RateGates) limiterFor(source identity.NodeId) *rate.Limiter {
	g.mu.RLock()
	l, ok := g.perSource[source]
	g.mu.RUnlock()
	if ok {
		return l
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok = g.perSource[source]; ok {
		return l
	}
	l = rate.NewLimiter(g.perSourceLimit, g.perSourceBurst)
	g.perSource[source] = l
	return l
}

// Allow checks both the per-source and global buckets.
func (g *RateGates) Allow(source identity.NodeId) bool {
	if !g.limiterFor(source).Allow() {
		return false
	}
	return g.global.Allow()
}
