package store

import (
	"sync"
	"time"

	"github.com/meridiandb/meridian/pkg/bgworker"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
)

// Checkpointer periodically collects checkpoint records older than
// each region's GC floor, per spec.md §4.C "checkpoint/GC watermark";
// it does not touch the in-memory replay journal. It runs as a
// bgworker.Runnable on its own worker, woken by a timer rather than by
// an event, since checkpoint GC is a housekeeping sweep rather than a
// response to a specific write.
type Checkpointer struct {
	store    *Store
	interval time.Duration

	mu      sync.Mutex
	regions map[ids.RegionID]struct{}
	due     bool
}

// NewCheckpointer constructs a Checkpointer that sweeps every
// registered region on each tick of interval.
func NewCheckpointer(store *Store, interval time.Duration) *Checkpointer {
	return &Checkpointer{store: store, interval: interval, regions: make(map[ids.RegionID]struct{})}
}

// Track registers region for periodic checkpoint GC; called once when
// the node first becomes a host for the region.
func (c *Checkpointer) Track(region ids.RegionID) {
	c.mu.Lock()
	c.regions[region] = struct{}{}
	c.mu.Unlock()
}

// Untrack removes region, called when the node stops hosting it.
func (c *Checkpointer) Untrack(region ids.RegionID) {
	c.mu.Lock()
	delete(c.regions, region)
	c.mu.Unlock()
}

// Tick marks the worker as having a sweep due; call this from a
// time.Ticker in the owning goroutine and follow with Wakeup on the
// bgworker.Worker wrapping this Checkpointer.
func (c *Checkpointer) Tick() {
	c.mu.Lock()
	c.due = true
	c.mu.Unlock()
}

func (c *Checkpointer) ThreadName() string { return "checkpointer" }

func (c *Checkpointer) HaveWork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.due
}

func (c *Checkpointer) CopyWork() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.due {
		return nil
	}
	c.due = false
	out := make([]ids.RegionID, 0, len(c.regions))
	for r := range c.regions {
		out = append(out, r)
	}
	return out
}

func (c *Checkpointer) DoWork(work interface{}) {
	regions, ok := work.([]ids.RegionID)
	if !ok {
		return
	}
	for _, region := range regions {
		collected, err := c.store.CollectGCableCheckpoints(region)
		if err != nil {
			log.WithRegion(uint64(region)).Error().Err(err).Msg("checkpoint GC sweep failed")
			continue
		}
		if collected > 0 {
			metrics.CheckpointGCSweptTotal.Add(float64(collected))
			log.WithRegion(uint64(region)).Debug().Int("collected", collected).Msg("checkpoint GC collected stale checkpoints")
		}
	}
}

var _ bgworker.Runnable = (*Checkpointer)(nil)
