package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/logger"
)

// Guard tracks failed authentication attempts per network origin and
// blocks origins that cross the failure threshold. It also owns the
// per-connection event rate limiters for admitted WebSocket clients.
//
// Counters are heuristic: approximate counts under concurrent access
// are acceptable, a block is not a safety guarantee.
type Guard struct {
	maxFailures   int
	failureWindow time.Duration
	blockDuration time.Duration
	eventRate     rate.Limit
	eventBurst    int

	mu       sync.Mutex
	failures map[string][]time.Time // origin -> failure timestamps within window
	blocks   map[string]time.Time   // origin -> block expiry

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter // connection ID -> event limiter

	metrics *Metrics

	// now is replaceable in tests
	now func() time.Time
}

// NewGuard creates a guard with the given policy.
func NewGuard(maxFailures int, failureWindow, blockDuration time.Duration, eventRate, eventBurst int) *Guard {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if eventRate <= 0 {
		eventRate = 10
	}
	if eventBurst <= 0 {
		eventBurst = eventRate
	}
	return &Guard{
		maxFailures:   maxFailures,
		failureWindow: failureWindow,
		blockDuration: blockDuration,
		eventRate:     rate.Limit(eventRate),
		eventBurst:    eventBurst,
		failures:      make(map[string][]time.Time),
		blocks:        make(map[string]time.Time),
		limiters:      make(map[string]*rate.Limiter),
		now:           time.Now,
	}
}

// SetMetrics attaches metrics to the guard
func (g *Guard) SetMetrics(metrics *Metrics) {
	g.metrics = metrics
}

// RecordAttempt records the outcome of an authentication attempt from an
// origin. A success clears the origin's failure window. Crossing the
// failure threshold within the window creates a block entry.
func (g *Guard) RecordAttempt(origin string, success bool) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if success {
		delete(g.failures, origin)
		return
	}

	recent := pruneBefore(g.failures[origin], now.Add(-g.failureWindow))
	recent = append(recent, now)

	if len(recent) >= g.maxFailures {
		expiry := now.Add(g.blockDuration)
		g.blocks[origin] = expiry
		delete(g.failures, origin)
		logger.L().Warn().
			Str("origin", origin).
			Int("failures", len(recent)).
			Time("until", expiry).
			Msg("origin blocked after repeated auth failures")
		if g.metrics != nil {
			g.metrics.RecordOriginBlocked()
		}
		return
	}

	g.failures[origin] = recent
}

// IsBlocked reports whether an origin is under an active block. Expired
// block entries are removed on the way out.
func (g *Guard) IsBlocked(origin string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.blocks[origin]
	if !ok {
		return false
	}
	if !now.Before(expiry) {
		delete(g.blocks, origin)
		return false
	}
	return true
}

// ClearBlock removes an origin's block entry, if any. Operator escape
// hatch, never called on the request path.
func (g *Guard) ClearBlock(origin string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocks, origin)
}

// BlockedCount returns the number of origins under an active block.
func (g *Guard) BlockedCount() int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, expiry := range g.blocks {
		if now.Before(expiry) {
			count++
		}
	}
	return count
}

// Compact drops expired block entries and failure windows with no
// recent entries. Called periodically so idle origins do not pin memory.
func (g *Guard) Compact() {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for origin, expiry := range g.blocks {
		if !now.Before(expiry) {
			delete(g.blocks, origin)
		}
	}

	cutoff := now.Add(-g.failureWindow)
	for origin, stamps := range g.failures {
		recent := pruneBefore(stamps, cutoff)
		if len(recent) == 0 {
			delete(g.failures, origin)
		} else {
			g.failures[origin] = recent
		}
	}
}

// AllowEvent reports whether a connection may process another inbound
// event, consuming one token from its limiter.
func (g *Guard) AllowEvent(connID string) bool {
	return g.limiter(connID).Allow()
}

// ReleaseLimiter drops the event limiter for a closed connection.
func (g *Guard) ReleaseLimiter(connID string) {
	g.limiterMu.Lock()
	defer g.limiterMu.Unlock()
	delete(g.limiters, connID)
}

func (g *Guard) limiter(connID string) *rate.Limiter {
	g.limiterMu.Lock()
	defer g.limiterMu.Unlock()

	if l, ok := g.limiters[connID]; ok {
		return l
	}
	l := rate.NewLimiter(g.eventRate, g.eventBurst)
	g.limiters[connID] = l
	return l
}

// pruneBefore returns the suffix of stamps at or after cutoff. Stamps
// are appended in order, so the first kept index splits the slice.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && stamps[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	return append([]time.Time(nil), stamps[idx:]...)
}
