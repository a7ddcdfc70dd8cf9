// Package metrics exposes the process's Prometheus collectors: turn counts,
// tool-execution duration, compaction runs, and MCP call latency, grounded
// on the teacher's ExecutorMetrics (TotalExecutions/TotalRetries/
// TotalFailures/TotalTimeouts/TotalPanics) reimagined as real Prometheus
// instrumentation rather than a hand-rolled counter struct.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TurnsTotal counts completed Session.Turn calls by outcome
	// (completed/cancelled/halted).
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus3_turns_total",
		Help: "Total session turns by outcome.",
	}, []string{"outcome"})

	// ToolExecutionDuration observes wall-clock time spent executing one
	// tool call, labeled by tool name and whether it succeeded.
	ToolExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexus3_tool_execution_duration_seconds",
		Help:    "Tool call execution duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool", "outcome"})

	// CompactionsTotal counts context compaction passes.
	CompactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexus3_compactions_total",
		Help: "Total context compaction passes performed.",
	})

	// MCPCallDuration observes latency of outbound MCP tools/call requests.
	MCPCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexus3_mcp_call_duration_seconds",
		Help:    "MCP tool call duration in seconds, labeled by server.",
		Buckets: prometheus.DefBuckets,
	}, []string{"server", "outcome"})

	// AgentsActive tracks the current number of live agents in the pool.
	AgentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexus3_agents_active",
		Help: "Number of agents currently held by the pool.",
	})
)

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
