// Package ratelimit implements the broker-call rate budget: a continuous-
// refill token bucket with priority-window multipliers, a per-endpoint-class
// budget, and a file-locked variant that shares bucket state between
// cooperating strategy processes.
//
// TryConsume never blocks and never suspends; a caller that is refused gets
// ErrRateLimited immediately and decides for itself whether to retry.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a bucket has insufficient tokens.
var ErrRateLimited = errors.New("ratelimit: budget exhausted")

// Priority multipliers. During a strategy's priority window its effective
// cost is divided by Boost while everyone else's is divided by Penalty, so
// the long-run granted rate for a strategy equals multiplier × refill rate.
const (
	Boost   = 2.0
	Penalty = 0.5
)

// Window is a half-open [Start, End) interval in minutes since local
// midnight of the trading day.
type Window struct {
	Start int // inclusive, minutes since midnight
	End   int // exclusive
}

// Contains reports whether the wall-clock instant t falls in the window.
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= w.Start && m < w.End
}

// PriorityTable maps strategy id → priority windows. At most one window is
// active per instant per strategy; windows of different strategies may
// overlap (in which case nobody is boosted).
type PriorityTable map[string][]Window

// Multiplier returns the cost multiplier for the given strategy at t.
// If exactly one strategy owns the instant, that strategy gets Boost and
// all others get Penalty; otherwise everyone gets 1.0.
func (p PriorityTable) Multiplier(strategyID string, t time.Time) float64 {
	if len(p) == 0 {
		return 1.0
	}
	owner := ""
	owners := 0
	for id, windows := range p {
		for _, w := range windows {
			if w.Contains(t) {
				owner = id
				owners++
				break
			}
		}
	}
	if owners != 1 {
		return 1.0
	}
	if owner == strategyID {
		return Boost
	}
	return Penalty
}

// TokenBucket is a continuous-refill token bucket with priority-aware
// consumption. Tokens are clamped to [0, capacity] after every operation
// regardless of elapsed time or consumed cost.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	last     time.Time
	priority PriorityTable
	now      func() time.Time // injectable clock for tests
}

// NewTokenBucket creates a full bucket. priority may be nil (no windows).
func NewTokenBucket(capacity int, ratePerSecond float64, priority PriorityTable) *TokenBucket {
	return &TokenBucket{
		tokens:   float64(capacity),
		capacity: float64(capacity),
		rate:     ratePerSecond,
		last:     time.Now(),
		priority: priority,
		now:      time.Now,
	}
}

// TryConsume refills, scales cost by the caller's priority multiplier and
// consumes if enough tokens remain. It never blocks; on refusal the token
// count is left untouched.
func (b *TokenBucket) TryConsume(cost float64, strategyID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.refillLocked(now)

	eff := cost / b.priority.Multiplier(strategyID, now)
	if b.tokens < eff {
		return false
	}
	b.tokens -= eff
	return true
}

// Available returns the current token count after refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.tokens
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.last = now
}

// snapshot and restore move bucket state to and from the shared state file.

func (b *TokenBucket) snapshot() bucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bucketState{
		Tokens:     b.tokens,
		LastRefill: float64(b.last.UnixNano()) / 1e9,
		Capacity:   int(b.capacity),
		RefillRate: b.rate,
	}
}

func (b *TokenBucket) restore(s bucketState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = s.Tokens
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 0 {
		b.tokens = 0
	}
	sec := int64(s.LastRefill)
	nsec := int64((s.LastRefill - float64(sec)) * 1e9)
	b.last = time.Unix(sec, nsec)
}

// bucketState is the serialized per-class entry in the shared state file.
type bucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill float64 `json:"last_refill"`
	Capacity   int     `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
}
