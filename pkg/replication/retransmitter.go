package replication

import (
	"sync"
	"time"

	"github.com/meridiandb/meridian/pkg/bgworker"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
)

// Retransmitter is the background worker of spec.md §4.F: on each
// trigger it re-drives every hosted key's state machine (so un-sent,
// non-acked ops get resent), then closes gaps in each point-leader
// region's version sequence, then reports newly stable regions.
// Grounded on original_source/daemon/replication_manager.cc's
// snapshot-walk-close_gaps-check_stable cycle, run through
// pkg/bgworker the way the teacher's workers run through theirs.
type Retransmitter struct {
	mgr      *Manager
	interval time.Duration

	mu  sync.Mutex
	due bool
}

func NewRetransmitter(mgr *Manager, interval time.Duration) *Retransmitter {
	return &Retransmitter{mgr: mgr, interval: interval, due: true}
}

func (r *Retransmitter) ThreadName() string { return "retransmitter" }

// Kick marks a retransmit pass as due; called on CHAIN_ACK gaps or by
// a periodic timer external to the worker framework.
func (r *Retransmitter) Kick() {
	r.mu.Lock()
	r.due = true
	r.mu.Unlock()
}

func (r *Retransmitter) HaveWork() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.due
}

func (r *Retransmitter) CopyWork() interface{} {
	r.mu.Lock()
	r.due = false
	r.mu.Unlock()
	return nil
}

func (r *Retransmitter) DoWork(interface{}) {
	metrics.RetransmitCyclesTotal.Inc()
	if r.mgr.retransmitterPaused() {
		return
	}
	regions := r.mgr.HostedRegions()
	for _, region := range regions {
		r.retransmitRegion(region)
	}
	for _, region := range regions {
		if r.mgr.isPointLeader(region) {
			r.closeGaps(region)
		}
	}
	for _, region := range regions {
		r.checkStable(region)
	}
}

func (r *Retransmitter) retransmitRegion(region ids.RegionID) {
	r.mgr.mu.Lock()
	var handles []*keystateHandle
	for id, e := range r.mgr.keys {
		if id.region == region {
			handles = append(handles, &keystateHandle{key: []byte(id.key), e: e})
		}
	}
	r.mgr.mu.Unlock()
	for _, h := range handles {
		if err := r.mgr.work(region, h.key, h.e.state); err != nil {
			log.Logger.Error().Err(err).Uint64("region", uint64(region)).Msg("retransmitter: work_state_machine failed")
		}
	}
}

// keystateHandle pairs a key with its live map entry so the
// retransmitter can re-run the state machine without holding the
// manager's map lock.
type keystateHandle struct {
	key []byte
	e   *entry
}

func (r *Retransmitter) closeGaps(region ids.RegionID) {
	before := r.mgr.gen.LowerBound(region)
	peeked := r.mgr.gen.Peek(region)
	var live []uint64
	r.mgr.mu.Lock()
	for id, e := range r.mgr.keys {
		if id.region != region {
			continue
		}
		live = append(live, e.state.LiveVersions()...)
	}
	r.mgr.mu.Unlock()
	r.mgr.gen.CollectGapsBelow(region, peeked, live)
	if after := r.mgr.gen.LowerBound(region); after > before {
		metrics.RetransmitGapsClosedTotal.Add(float64(after - before))
	}
}

func (r *Retransmitter) checkStable(region ids.RegionID) {
	b := r.mgr.book(region)
	r.mgr.bookMu.Lock()
	stable := b.stable
	checkpointNum := b.checkpointNum
	r.mgr.bookMu.Unlock()

	if r.mgr.gen.LowerBound(region) < stable || stable == 0 {
		return
	}

	r.mgr.bookMu.Lock()
	alreadyReported := stable <= b.reportedStable
	if !alreadyReported {
		b.reportedStable = stable
	}
	r.mgr.bookMu.Unlock()
	if alreadyReported {
		return
	}

	log.Logger.Debug().Uint64("region", uint64(region)).Uint64("stable", stable).
		Uint64("checkpoint", checkpointNum).Msg("retransmitter: region stable")
	metrics.RegionsStableTotal.Inc()
	if r.mgr.reporter == nil {
		return
	}
	if err := r.mgr.reporter.ReportStable(region, stable, checkpointNum); err != nil {
		log.Logger.Warn().Err(err).Uint64("region", uint64(region)).Msg("coordinator rejected stable report")
	}
}

var _ bgworker.Runnable = (*Retransmitter)(nil)
