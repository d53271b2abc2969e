package webhook

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestDedupCache_SeenWithinTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewDedupCache(10*time.Minute, clock)

	if c.Seen("m1") {
		t.Fatal("first sighting reported as seen")
	}
	if !c.Seen("m1") {
		t.Fatal("second sighting within TTL not reported as seen")
	}
	if c.Seen("m2") {
		t.Fatal("different id reported as seen")
	}

	clock.Advance(10 * time.Minute)
	if c.Seen("m1") {
		t.Error("id should be forgotten once its TTL elapsed")
	}
}

func TestDedupCache_ConcurrentSameID(t *testing.T) {
	c := NewDedupCache(time.Minute, clockwork.NewFakeClock())

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	if fresh.Load() != 1 {
		t.Errorf("fresh sightings = %d, want exactly 1", fresh.Load())
	}
}

func TestDedupCache_Sweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewDedupCache(time.Minute, clock)
	c.Seen("old")
	clock.Advance(30 * time.Second)
	c.Seen("new")
	clock.Advance(45 * time.Second)

	if n := c.Sweep(); n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestDedupCache_RunSweepsUntilCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewDedupCache(time.Second, clock)
	c.Seen("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Minute)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("ticker never started: %v", err)
	}
	clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after sweep tick, want 0", c.Len())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
