// Package limits provides per-client admission control for inbound
// commands. It is the per-client backpressure spec.md §5 and §7
// anticipate ("no flow control beyond per-client backpressure") — a
// flood of commands from one connection is throttled without affecting
// any other client's session.
package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter tracks one token-bucket rate.Limiter per client id. Grounded in
// the teacher's hand-rolled TokenBucket (ws/internal/single/limits), but
// built directly on golang.org/x/time/rate rather than reimplementing the
// refill math — the ecosystem package already provides the exact
// burst+sustained-rate semantics the teacher's bucket hand-rolled.
type Limiter struct {
	burst        int
	perSecond    float64
	mu           sync.Mutex
	perClient    map[uint64]*rate.Limiter
}

// New returns a Limiter allowing burst immediate commands and perSecond
// sustained thereafter, per client id.
func New(burst int, perSecond float64) *Limiter {
	return &Limiter{
		burst:     burst,
		perSecond: perSecond,
		perClient: make(map[uint64]*rate.Limiter),
	}
}

// Allow reports whether clientID may issue another command right now,
// consuming one token if so.
func (l *Limiter) Allow(clientID uint64) bool {
	l.mu.Lock()
	rl, ok := l.perClient[clientID]
	if !ok {
		rl = rate.NewLimiter(rate.Limit(l.perSecond), l.burst)
		l.perClient[clientID] = rl
	}
	l.mu.Unlock()

	return rl.Allow()
}

// Remove discards clientID's bucket once its session ends, preventing
// the map from growing unbounded across reconnects.
func (l *Limiter) Remove(clientID uint64) {
	l.mu.Lock()
	delete(l.perClient, clientID)
	l.mu.Unlock()
}
