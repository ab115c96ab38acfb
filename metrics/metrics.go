// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	bundlesSent          = metrics.NewCounter("bundles_sent_total")
	bundlesSimulated     = metrics.NewCounter("bundles_simulated_total")
	bundlesSimFailed     = metrics.NewCounter("bundles_simulation_failed_total")
	bundlesEmptyRejected = metrics.NewCounter("bundles_empty_rejected_total")
	bundlesNoBlock       = metrics.NewCounter("bundles_missing_block_rejected_total")
	watchersStarted      = metrics.NewCounter("bundle_watchers_started_total")
	blockLookupsMissed   = metrics.NewCounter("bundle_watcher_block_lookups_missed_total")
)

func IncBundlesSent() {
	bundlesSent.Inc()
}

func IncBundlesSimulated() {
	bundlesSimulated.Inc()
}

func IncBundlesSimulationFailed() {
	bundlesSimFailed.Inc()
}

func IncBundlesEmptyRejected() {
	bundlesEmptyRejected.Inc()
}

func IncBundlesMissingBlockRejected() {
	bundlesNoBlock.Inc()
}

func IncWatchersStarted() {
	watchersStarted.Inc()
}

func IncBlockLookupsMissed() {
	blockLookupsMissed.Inc()
}

func IncRelayCallFailure(relay, method, kind string) {
	l := fmt.Sprintf(`relay_call_failures_total{relay=%q,method=%q,kind=%q}`, relay, method, kind)
	metrics.GetOrCreateCounter(l).Inc()
}

func RecordRelayCallDuration(relay, method string, duration int64) {
	l := fmt.Sprintf(`relay_call_duration_milliseconds{relay=%q,method=%q}`, relay, method)
	metrics.GetOrCreateSummary(l).Update(float64(duration))
}

func IncInclusionOutcome(status string) {
	l := fmt.Sprintf(`bundle_inclusion_outcomes_total{status=%q}`, status)
	metrics.GetOrCreateCounter(l).Inc()
}

func RecordBlocksWaited(blocks uint64) {
	metrics.GetOrCreateHistogram("bundle_watcher_blocks_waited").Update(float64(blocks))
}
