package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Replication manager metrics (pkg/replication, spec.md §4.E/§4.F)
	RegionsHosted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_regions_hosted",
			Help: "Regions currently hosted by this node, by chain position",
		},
		[]string{"position"}, // "point_leader" or "chain_member"
	)

	VersionsAssignedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_versions_assigned_total",
			Help: "Total versions assigned by idgen.Next on this node",
		},
	)

	ChainOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_chain_ops_total",
			Help: "Total CHAIN_OP/CHAIN_SUBSPACE messages handled, by outcome",
		},
		[]string{"outcome"}, // "forwarded", "terminal_ack", "cmpfail"
	)

	ChainAckLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_chain_ack_latency_seconds",
			Help:    "Time from Submit to a key's final CHAIN_ACK reaching the point leader",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetransmitCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_retransmit_cycles_total",
			Help: "Total retransmitter DoWork cycles completed",
		},
	)

	RetransmitGapsClosedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_retransmit_gaps_closed_total",
			Help: "Total idcol gaps closed by the retransmitter's close_gaps step",
		},
	)

	RegionsStableTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_regions_stable_total",
			Help: "Regions whose idcol.lower_bound has reached the requested checkpoint",
		},
	)

	// State transfer metrics (pkg/transfer, spec.md §4.G)
	TransfersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_transfers_active",
			Help: "In-flight state transfers by direction",
		},
		[]string{"direction"}, // "outgoing" or "incoming"
	)

	TransferWindowSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_transfer_window_size",
			Help:    "Outgoing transfer flow-control window size observed per DoWork cycle",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
		},
	)

	TransferOpsShippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_transfer_ops_shipped_total",
			Help: "Total XFER_OP messages shipped or applied, by direction",
		},
		[]string{"direction"},
	)

	TransferDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_transfer_duration_seconds",
			Help:    "Wall time from BeginIncoming/handshake start to transfer completion",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	// Durable data layer metrics (pkg/store, spec.md §4.C/§4.D)
	IndexBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_index_builds_total",
			Help: "Total index build passes completed, by outcome",
		},
		[]string{"outcome"}, // "usable" or "failed"
	)

	IndexBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_index_build_duration_seconds",
			Help:    "Time taken by one Indexer snapshot+replay build pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	WipesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_wipes_total",
			Help: "Total region wipes completed, by outcome",
		},
		[]string{"outcome"}, // "completed" or "deferred" (mediator contention)
	)

	CheckpointGCSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_checkpoint_gc_swept_total",
			Help: "Total superseded checkpoint records collected by the checkpointer",
		},
	)

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_checkpoint_duration_seconds",
			Help:    "Time from begin_checkpoint to a region's matching end_checkpoint",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Search metrics (pkg/search, SPEC_FULL.md §5)
	SearchCursorsOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_search_cursors_opened_total",
			Help: "Total search cursors opened, by plan",
		},
		[]string{"plan"}, // "indexed" or "full_scan"
	)

	SearchCandidatesSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_search_candidates_skipped_total",
			Help: "Total search candidates skipped: stale index entry or failed residual check",
		},
	)

	GroupDeleteKeysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_group_delete_keys_total",
			Help: "Total keys removed by GroupDeleteByChecks",
		},
	)
)

func init() {
	prometheus.MustRegister(RegionsHosted)
	prometheus.MustRegister(VersionsAssignedTotal)
	prometheus.MustRegister(ChainOpsTotal)
	prometheus.MustRegister(ChainAckLatency)
	prometheus.MustRegister(RetransmitCyclesTotal)
	prometheus.MustRegister(RetransmitGapsClosedTotal)
	prometheus.MustRegister(RegionsStableTotal)

	prometheus.MustRegister(TransfersActive)
	prometheus.MustRegister(TransferWindowSize)
	prometheus.MustRegister(TransferOpsShippedTotal)
	prometheus.MustRegister(TransferDuration)

	prometheus.MustRegister(IndexBuildsTotal)
	prometheus.MustRegister(IndexBuildDuration)
	prometheus.MustRegister(WipesTotal)
	prometheus.MustRegister(CheckpointGCSweptTotal)
	prometheus.MustRegister(CheckpointDuration)

	prometheus.MustRegister(SearchCursorsOpenedTotal)
	prometheus.MustRegister(SearchCandidatesSkippedTotal)
	prometheus.MustRegister(GroupDeleteKeysTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
