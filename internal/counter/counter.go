// Package counter turns detection events into a running occurrence count.
package counter

import (
	"sync"

	"github.com/loqalabs/loqa-tally/internal/detect"
)

// State is a snapshot of the counter.
type State struct {
	Count int  `json:"count"`
	InRun bool `json:"in_run"`
}

// Counter is a running integral over detection events. It never recomputes
// from transcript history; only Reset lowers the count.
type Counter struct {
	mu       sync.Mutex
	count    int
	inRun    bool
	credited int64
	hasRun   bool
}

func New() *Counter {
	return &Counter{}
}

// Apply credits events in order and returns the new state. Fuzzy events
// from a chunk sequence that already advanced the counter are suppressed.
func (c *Counter) Apply(events []detect.Event) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, evt := range events {
		weight := evt.Weight
		if weight < 1 {
			weight = 1
		}
		switch evt.Mode {
		case detect.ExactRun:
			c.count += weight
			c.inRun = false
		default:
			if c.hasRun && evt.ChunkSequence == c.credited {
				continue
			}
			c.count += weight
			c.credited = evt.ChunkSequence
			c.hasRun = true
			c.inRun = true
		}
	}
	return c.snapshotLocked()
}

// Reset zeroes the count and forgets run tracking, so a chunk that was
// credited before the reset can be credited again afterwards.
func (c *Counter) Reset() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = 0
	c.inRun = false
	c.hasRun = false
	c.credited = 0
	return c.snapshotLocked()
}

func (c *Counter) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Counter) snapshotLocked() State {
	return State{Count: c.count, InRun: c.inRun}
}
