package store

import (
	"sync"

	"github.com/meridiandb/meridian/pkg/bgworker"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
)

// Wiper is the background worker that performs region wipes requested
// by the coordinator after a region migrates away from this node,
// deferring to InhibitWiping/PermitWiping when an outgoing transfer is
// still reading the region, and to the store's wipe/index mediator
// when an Indexer build is in progress on the same region (spec.md
// §4.C, §4.G).
type Wiper struct {
	store *Store

	mu     sync.Mutex
	queued []ids.RegionID
}

func NewWiper(store *Store) *Wiper {
	return &Wiper{store: store}
}

// Enqueue schedules region for wiping. Safe to call repeatedly; the
// underlying store.RequestWipe call is itself idempotent.
func (w *Wiper) Enqueue(region ids.RegionID) {
	w.mu.Lock()
	w.queued = append(w.queued, region)
	w.mu.Unlock()
}

func (w *Wiper) ThreadName() string { return "wiper" }

func (w *Wiper) HaveWork() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queued) > 0
}

func (w *Wiper) CopyWork() interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queued) == 0 {
		return nil
	}
	region := w.queued[0]
	w.queued = w.queued[1:]
	return region
}

func (w *Wiper) DoWork(work interface{}) {
	region, ok := work.(ids.RegionID)
	if !ok {
		return
	}
	if !w.store.mediator.claimWipe(region) {
		// Indexer holds this region; defer and retry next cycle.
		metrics.WipesTotal.WithLabelValues("deferred").Inc()
		w.Enqueue(region)
		return
	}
	defer w.store.mediator.releaseWipe(region)

	if err := w.store.RequestWipe(region); err != nil {
		log.WithRegion(uint64(region)).Error().Err(err).Msg("region wipe failed")
		return
	}
	metrics.WipesTotal.WithLabelValues("completed").Inc()
}

var _ bgworker.Runnable = (*Wiper)(nil)
