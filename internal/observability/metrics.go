// Package observability exposes operational counters in Prometheus text
// format.
package observability

import (
	"fmt"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// Counters for the write path.
var (
	BatchesApplied   = metrics.NewCounter(`strata_batches_applied_total`)
	BatchesRejected  = metrics.NewCounter(`strata_batches_rejected_total`)
	RecordsIngested  = metrics.NewCounter(`strata_records_ingested_total`)
	StreamAccepted   = metrics.NewCounter(`strata_stream_events_accepted_total`)
	StreamDropped    = metrics.NewCounter(`strata_stream_events_dropped_total`)
	StreamDuplicates = metrics.NewCounter(`strata_stream_events_duplicate_total`)
)

// Counters for lifecycle and archival.
var (
	PartitionsSealed   = metrics.NewCounter(`strata_partitions_sealed_total`)
	PartitionsArchived = metrics.NewCounter(`strata_partitions_archived_total`)
	PartitionsRetired  = metrics.NewCounter(`strata_partitions_retired_total`)
	ArchivalFailures   = metrics.NewCounter(`strata_archival_failures_total`)
)

// Counters for the read path.
var (
	QueriesTotal     = metrics.NewCounter(`strata_queries_total`)
	QueriesPartial   = metrics.NewCounter(`strata_queries_partial_total`)
	PartitionsPruned = metrics.NewCounter(`strata_query_partitions_pruned_total`)
	RollupHits       = metrics.NewCounter(`strata_rollup_cache_hits_total`)
	RollupRefreshes  = metrics.NewCounter(`strata_rollup_refreshes_total`)
)

// PartitionGauge tracks the number of partitions in a lifecycle state.
func PartitionGauge(state string, fn func() float64) {
	metrics.NewGauge(fmt.Sprintf(`strata_partitions{state=%q}`, state), fn)
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
}
