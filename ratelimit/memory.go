package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

// Memory is a process-local Limiter. Each key has its own mutex, so only
// requests for the same key contend.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemory creates a limiter. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{buckets: make(map[string]*bucket), now: now}
}

func (m *Memory) Allow(_ context.Context, key string, cost int64, b Bucket) (Result, error) {
	if err := validate(cost, b); err != nil {
		return Result{}, err
	}
	now := m.now()

	m.mu.RLock()
	bk, ok := m.buckets[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if bk, ok = m.buckets[key]; !ok {
			bk = &bucket{tokens: float64(b.Capacity), last: now}
			m.buckets[key] = bk
		}
		m.mu.Unlock()
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()

	tokens := bk.tokens
	if elapsed := now.Sub(bk.last); elapsed > 0 {
		tokens = math.Min(float64(b.Capacity), tokens+elapsed.Seconds()*b.RefillRate)
	}
	bk.lastSeen = now

	if tokens < float64(cost) {
		return result(false, tokens, cost, b, now), nil
	}

	bk.tokens = tokens - float64(cost)
	bk.last = now
	return result(true, bk.tokens, cost, b, now), nil
}

// Cleanup drops buckets idle for longer than maxIdle and reports how many.
func (m *Memory) Cleanup(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, bk := range m.buckets {
		bk.mu.Lock()
		idle := bk.lastSeen.Before(cutoff) && bk.last.Before(cutoff)
		bk.mu.Unlock()
		if idle {
			delete(m.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked buckets.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets)
}
