/*
Package metrics provides Prometheus metrics collection and exposition for
Meridian.

The metrics package defines and registers all Meridian metrics using the
Prometheus client library, providing observability into chain replication
progress, state transfer throughput, durable-storage background work, and
search planning. Metrics are exposed via HTTP endpoint for scraping by
Prometheus servers.

# Metrics Catalog

Replication Metrics (pkg/replication):

meridian_regions_hosted{position}:
  - Type: Gauge
  - Description: Regions currently hosted by this node, by chain position
  - Labels: position ("point_leader", "chain_member")

meridian_versions_assigned_total:
  - Type: Counter
  - Description: Total versions assigned by idgen.Next on this node

meridian_chain_ops_total{outcome}:
  - Type: Counter
  - Description: Total CHAIN_OP/CHAIN_SUBSPACE messages handled
  - Labels: outcome ("forwarded", "terminal_ack", "cmpfail")

meridian_chain_ack_latency_seconds:
  - Type: Histogram
  - Description: Time from Submit to a key's final CHAIN_ACK reaching the
    point leader

meridian_retransmit_cycles_total:
  - Type: Counter
  - Description: Total retransmitter DoWork cycles completed

meridian_retransmit_gaps_closed_total:
  - Type: Counter
  - Description: Total idcol gaps closed by the retransmitter's close_gaps
    step

meridian_regions_stable_total:
  - Type: Gauge
  - Description: Regions whose idcol.lower_bound has reached the requested
    checkpoint

State Transfer Metrics (pkg/transfer):

meridian_transfers_active{direction}:
  - Type: Gauge
  - Description: In-flight state transfers
  - Labels: direction ("outgoing", "incoming")

meridian_transfer_window_size:
  - Type: Histogram
  - Description: Outgoing transfer flow-control window size observed per
    DoWork cycle

meridian_transfer_ops_shipped_total{direction}:
  - Type: Counter
  - Description: Total XFER_OP messages shipped or applied

meridian_transfer_duration_seconds:
  - Type: Histogram
  - Description: Wall time from handshake start to transfer completion

Durable Data Layer Metrics (pkg/store):

meridian_index_builds_total{outcome}:
  - Type: Counter
  - Description: Total index build passes completed
  - Labels: outcome ("usable", "failed")

meridian_index_build_duration_seconds:
  - Type: Histogram
  - Description: Time taken by one Indexer snapshot+replay build pass

meridian_wipes_total{outcome}:
  - Type: Counter
  - Description: Total region wipes completed
  - Labels: outcome ("completed", "deferred")

meridian_checkpoint_gc_swept_total:
  - Type: Counter
  - Description: Total superseded checkpoint records collected

meridian_checkpoint_duration_seconds:
  - Type: Histogram
  - Description: Time from begin_checkpoint to a region's matching
    end_checkpoint

Search Metrics (pkg/search):

meridian_search_cursors_opened_total{plan}:
  - Type: Counter
  - Description: Total search cursors opened
  - Labels: plan ("indexed", "full_scan")

meridian_search_candidates_skipped_total:
  - Type: Counter
  - Description: Candidates skipped due to a stale index entry or a failed
    residual predicate check

meridian_group_delete_keys_total:
  - Type: Counter
  - Description: Total keys removed by GroupDeleteByChecks

# Usage

	import "github.com/meridiandb/meridian/pkg/metrics"

	metrics.RegionsHosted.WithLabelValues("point_leader").Set(3)
	metrics.ChainOpsTotal.WithLabelValues("terminal_ack").Inc()

	timer := metrics.NewTimer()
	// ... run a chain op to completion ...
	timer.ObserveDuration(metrics.ChainAckLatency)

	http.Handle("/metrics", metrics.Handler())

# Integration Points

  - pkg/replication: chain op outcomes, ack latency, retransmitter progress
  - pkg/transfer: active transfer gauges, window size, ops shipped
  - pkg/store: indexer/wiper/checkpointer background work
  - pkg/search: cursor plan selection, candidate skip rate
  - Prometheus: scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels (position, outcome,
    direction, plan)
  - Never label by region ID or key: unbounded cardinality

Timer Pattern:
  - Create timer at operation start
  - Defer or explicitly call ObserveDuration
*/
package metrics
