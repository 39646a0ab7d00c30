package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestUnknownClassRoutesToDefault(t *testing.T) {
	t.Parallel()
	bd := NewBudget(nil, nil)
	if bd.Bucket("NO_SUCH_CLASS") != bd.Bucket(ClassDefault) {
		t.Error("unknown class should route to DEFAULT bucket")
	}
	if bd.Bucket(ClassOrder) == bd.Bucket(ClassDefault) {
		t.Error("known class should have its own bucket")
	}
}

func TestBudgetOverrides(t *testing.T) {
	t.Parallel()
	bd := NewBudget(map[string]BucketSpec{
		ClassQuote: {Capacity: 1, RefillRate: 0},
	}, nil)
	if got := bd.Bucket(ClassQuote).Available(); got != 1 {
		t.Errorf("override capacity = %v, want 1", got)
	}
}

func TestDoFailsFastWhenExhausted(t *testing.T) {
	t.Parallel()
	bd := NewBudget(map[string]BucketSpec{
		ClassQuote: {Capacity: 1, RefillRate: 0},
	}, nil)
	frozen := time.Now()
	bd.setClock(func() time.Time { return frozen })

	calls := 0
	if err := bd.Do(ClassQuote, "S", func() error { calls++; return nil }); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	start := time.Now()
	err := bd.Do(ClassQuote, "S", func() error { calls++; return nil })
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("Do blocked for %v, must fail immediately", elapsed)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (never on refusal)", calls)
	}
}
