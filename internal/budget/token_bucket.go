// Package budget implements the token bucket rate limiter for ARCANOS
// command execution, guarding against a runaway or hostile backend command
// stream exhausting local resources (spec.md §3's RateLimitBudget /
// RateLimitWindow config fields).
//
// Grounded on the teacher's internal/budget/token_bucket.go: the capacity
// + full-refill-on-period (not incremental trickle), atomic-under-mutex
// Consume, and the lifetime consumed/refill counters are all kept
// unchanged. The cost model keys off command kind instead of
// escalation.State — ARCANOS has no escalation ladder, but command
// surface area varies just as widely in blast radius (a status query is
// free; a terminal.run is not).
package budget

import (
	"sync"
	"sync/atomic"
	"time"
)

// CostModel defines the token cost for each command kind. Costs are
// non-negative integers (0 means the kind is free); a kind absent from this
// map costs DefaultCost.
var CostModel = map[string]int{
	"ping":          0,
	"get_status":    0,
	"get_stats":     0,
	"notify":        1,
	"run":           5,
	"action_plan":   5,
	"vision.capture": 3,
	"audio.record":   3,
}

// DefaultCost is charged for a command kind not listed in CostModel.
const DefaultCost = 1

// Bucket is a thread-safe token bucket for rate-limiting command execution.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity and refillPeriod must both be positive. Call Close
// to stop the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("budget.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("budget.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume cost tokens. Returns true if available.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// ConsumeForCommand consumes the standard cost for a command kind, falling
// back to DefaultCost for an unlisted kind.
func (b *Bucket) ConsumeForCommand(kind string) bool {
	cost, ok := CostModel[kind]
	if !ok {
		cost = DefaultCost
	}
	if cost == 0 {
		return true
	}
	return b.Consume(cost)
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 {
	return b.consumedTotal.Load()
}

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 {
	return b.refillCount.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}
