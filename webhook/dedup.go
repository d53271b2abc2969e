package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/streamherald/telemetry"
)

// DefaultSweepInterval is how often Run evicts expired ids.
const DefaultSweepInterval = time.Minute

// DedupCache remembers notification ids for a TTL so Twitch redeliveries are processed once.
// Expired ids are evicted lazily on lookup and by Run.
type DedupCache struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu      sync.Mutex
	expires map[string]time.Time
}

// NewDedupCache returns an empty cache. A nil clock uses the real clock.
func NewDedupCache(ttl time.Duration, clock clockwork.Clock) *DedupCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DedupCache{ttl: ttl, clock: clock, expires: make(map[string]time.Time)}
}

// Seen reports whether id was already recorded and unexpired. If not, it records id.
// Check and insert happen under one lock, so of two concurrent calls for the same id exactly one gets false.
func (c *DedupCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if exp, ok := c.expires[id]; ok && now.Before(exp) {
		return true
	}
	c.expires[id] = now.Add(c.ttl)
	telemetry.SetDedupCacheSize(len(c.expires))
	return false
}

// Len returns the number of retained ids, expired or not.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expires)
}

// Sweep removes expired ids and returns how many were dropped.
func (c *DedupCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for id, exp := range c.expires {
		if !now.Before(exp) {
			delete(c.expires, id)
			n++
		}
	}
	telemetry.SetDedupCacheSize(len(c.expires))
	return n
}

// Run sweeps every interval until ctx is done.
func (c *DedupCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
