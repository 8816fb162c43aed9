// Package ratelimit throttles inbound frames with a token bucket per
// connection.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// Verdict is the outcome of checking one frame.
type Verdict int

const (
	Allowed Verdict = iota
	// Dropped frames are discarded; the connection stays open.
	Dropped
	// Exceeded means the connection went over its violation budget and
	// should be closed.
	Exceeded
)

type entry struct {
	limiter    *Limiter
	violations int
}

// ConnectionLimiters holds one limiter per connection id.
type ConnectionLimiters struct {
	rate          float64
	burst         int
	maxViolations int
	now           func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func NewConnectionLimiters(rate float64, burst, maxViolations int) *ConnectionLimiters {
	return &ConnectionLimiters{
		rate:          rate,
		burst:         burst,
		maxViolations: maxViolations,
		now:           time.Now,
		entries:       make(map[string]*entry),
	}
}

// Check takes a token for connID. The second value is the number of
// violations recorded for the connection so far.
func (cl *ConnectionLimiters) Check(connID string) (Verdict, int) {
	cl.mu.Lock()
	e, ok := cl.entries[connID]
	if !ok {
		e = &entry{limiter: newLimiter(cl.rate, cl.burst, cl.now)}
		cl.entries[connID] = e
	}
	cl.mu.Unlock()

	if e.limiter.Allow() {
		return Allowed, 0
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	e.violations++
	if cl.maxViolations > 0 && e.violations > cl.maxViolations {
		return Exceeded, e.violations
	}
	return Dropped, e.violations
}

// Remove forgets connID. Called when the connection closes.
func (cl *ConnectionLimiters) Remove(connID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.entries, connID)
}

func (cl *ConnectionLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.entries)
}
