// Package metrics exposes Prometheus instruments for the orchestration core.
// All instruments register against a dedicated registry so embedding
// applications can mount or scrape it without touching the global default.
package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Registry is the registry all core instruments are registered against.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		PipelinesTotal, PipelineDuration, PipelinesActive, IterationsTotal,
		CommandsTotal, WorkersBusy,
		DecisionCacheHits, DecisionCacheMisses,
		CheckpointsWritten, CheckpointsDropped,
		EventsPublished, EventsDropped,
		ProviderCalls, ProviderTokens,
	)
}

// PipelinesTotal counts finished pipelines by terminal status.
var PipelinesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cadforge_pipelines_total",
		Help: "Finished pipelines by terminal status.",
	},
	[]string{"status"}, // completed | failed | cancelled
)

// PipelineDuration observes end-to-end pipeline duration in seconds.
var PipelineDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "cadforge_pipeline_duration_seconds",
		Help:    "End-to-end pipeline duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	},
)

// PipelinesActive tracks pipelines currently running across all sessions.
var PipelinesActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "cadforge_pipelines_active",
		Help: "Pipelines currently running.",
	},
)

// IterationsTotal counts pipeline iterations by kind (initial, refine, replan).
var IterationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cadforge_iterations_total",
		Help: "Pipeline iterations by kind.",
	},
	[]string{"kind"}, // initial | refine | replan
)

// CommandsTotal counts queue commands by terminal state.
var CommandsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cadforge_commands_total",
		Help: "Queue commands by terminal state.",
	},
	[]string{"state"}, // completed | failed | cancelled | timeout
)

// WorkersBusy tracks the number of workers currently executing a command.
var WorkersBusy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "cadforge_workers_busy",
		Help: "Workers currently executing a command.",
	},
)

// DecisionCacheHits counts decision cache hits by agent role.
var DecisionCacheHits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cadforge_decision_cache_hits_total",
		Help: "Decision cache hits by agent role.",
	},
	[]string{"role"}, // planner | generator | validator
)

// DecisionCacheMisses counts decision cache misses by agent role.
var DecisionCacheMisses = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cadforge_decision_cache_misses_total",
		Help: "Decision cache misses by agent role.",
	},
	[]string{"role"},
)

// CheckpointsWritten counts checkpoints durably written to the state store.
var CheckpointsWritten = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "cadforge_checkpoints_written_total",
		Help: "Checkpoints durably written to the state store.",
	},
)

// CheckpointsDropped counts checkpoints dropped from a full write queue.
var CheckpointsDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "cadforge_checkpoints_dropped_total",
		Help: "Checkpoints dropped because the async write queue was full.",
	},
)

// EventsPublished counts events published to the bus by kind.
var EventsPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cadforge_events_published_total",
		Help: "Events published to the bus by kind.",
	},
	[]string{"kind"},
)

// EventsDropped counts events dropped for lagging subscribers.
var EventsDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "cadforge_events_dropped_total",
		Help: "Events dropped because a subscriber exceeded its backlog.",
	},
)

// ProviderCalls counts LLM provider invocations by agent role and outcome.
var ProviderCalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cadforge_provider_calls_total",
		Help: "LLM provider invocations by role and outcome.",
	},
	[]string{"role", "outcome"}, // outcome: ok | error
)

// ProviderTokens counts tokens consumed by provider calls.
var ProviderTokens = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cadforge_provider_tokens_total",
		Help: "Tokens consumed by provider calls.",
	},
	[]string{"direction"}, // input | output
)

// Write dumps the registry in Prometheus text format. The embedding
// application decides how to expose it (HTTP handler, log dump, ...).
func Write(w io.Writer) error {
	families, err := Registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
