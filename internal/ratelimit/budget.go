package ratelimit

import "time"

// Endpoint classes. Every broker operation declares one; unknown class
// names route to ClassDefault.
const (
	ClassQuote   = "QUOTE"
	ClassChart   = "CHART"
	ClassFlow    = "FLOW"
	ClassOrder   = "ORDER"
	ClassBalance = "BALANCE"
	ClassDefault = "DEFAULT"
)

// BucketSpec configures one endpoint-class bucket.
type BucketSpec struct {
	Capacity   int
	RefillRate float64 // tokens per second
}

// KIS publishes roughly 20 req/s per app key; defaults split that across
// classes with order flow given the largest share.
var defaultSpecs = map[string]BucketSpec{
	ClassQuote:   {Capacity: 10, RefillRate: 5},
	ClassChart:   {Capacity: 6, RefillRate: 2},
	ClassFlow:    {Capacity: 4, RefillRate: 1},
	ClassOrder:   {Capacity: 10, RefillRate: 8},
	ClassBalance: {Capacity: 4, RefillRate: 2},
	ClassDefault: {Capacity: 6, RefillRate: 2},
}

// Budget dispatches rate-limited calls to per-endpoint-class token buckets.
// It is purely in-process; SharedBudget layers file-based synchronization
// on top.
type Budget struct {
	buckets map[string]*TokenBucket
}

// NewBudget creates a budget from the default class specs with overrides
// applied on top. All buckets share the one priority table.
func NewBudget(overrides map[string]BucketSpec, priority PriorityTable) *Budget {
	buckets := make(map[string]*TokenBucket, len(defaultSpecs))
	for class, spec := range defaultSpecs {
		if o, ok := overrides[class]; ok {
			spec = o
		}
		buckets[class] = NewTokenBucket(spec.Capacity, spec.RefillRate, priority)
	}
	return &Budget{buckets: buckets}
}

// Bucket returns the bucket for a class, falling back to DEFAULT.
func (bd *Budget) Bucket(class string) *TokenBucket {
	if b, ok := bd.buckets[class]; ok {
		return b
	}
	return bd.buckets[ClassDefault]
}

// TryConsume attempts to take cost tokens from the class bucket. It never
// blocks; when the bucket is empty it returns ErrRateLimited immediately.
func (bd *Budget) TryConsume(class string, cost float64, strategyID string) error {
	if !bd.Bucket(class).TryConsume(cost, strategyID) {
		return ErrRateLimited
	}
	return nil
}

// Do runs fn under the class budget: consume one token, then call fn.
// Retry on ErrRateLimited is the caller's responsibility.
func (bd *Budget) Do(class, strategyID string, fn func() error) error {
	if err := bd.TryConsume(class, 1, strategyID); err != nil {
		return err
	}
	return fn()
}

// setClock wires a fake clock into every bucket (tests only).
func (bd *Budget) setClock(now func() time.Time) {
	for _, b := range bd.buckets {
		b.mu.Lock()
		b.now = now
		b.last = now()
		b.mu.Unlock()
	}
}
