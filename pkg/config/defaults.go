package config

import "time"

// Built-in defaults applied before the user YAML is merged on top.
const (
	DefaultMaxIterations         = 5
	DefaultPassThreshold         = 0.80
	DefaultRefineThreshold       = 0.40
	DefaultReplanThreshold       = 0.20
	DefaultMaxConcurrentRequests = 3
	DefaultSessionIdleTimeout    = 30 * time.Minute
	DefaultCleanupInterval       = time.Minute
	DefaultWorkerConcurrency     = 3
	DefaultCommandTimeout        = 300 * time.Second
	DefaultCommandMaxAttempts    = 3
	DefaultCheckpointInterval    = 30 * time.Second
	DefaultCheckpointRetention   = 50
	DefaultDecisionCacheTTL      = 300 * time.Second
	DefaultSubscriberBacklog     = 1024
	DefaultLLMProvider           = "openai"
	DefaultLLMModel              = "gpt-4o"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			MaxIterations:    DefaultMaxIterations,
			PassThreshold:    DefaultPassThreshold,
			RefineThreshold:  DefaultRefineThreshold,
			ReplanThreshold:  DefaultReplanThreshold,
			EnableRefinement: boolPtr(true),
			EnableExecution:  boolPtr(true),
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentRequests: DefaultMaxConcurrentRequests,
			SessionIdleTimeout:    Duration(DefaultSessionIdleTimeout),
			CleanupInterval:       Duration(DefaultCleanupInterval),
		},
		Queue: QueueConfig{
			WorkerConcurrency:  DefaultWorkerConcurrency,
			CommandTimeout:     Duration(DefaultCommandTimeout),
			CommandMaxAttempts: DefaultCommandMaxAttempts,
		},
		State: StateConfig{
			Backend:             BackendMemory,
			CheckpointInterval:  Duration(DefaultCheckpointInterval),
			CheckpointRetention: DefaultCheckpointRetention,
			DecisionCacheTTL:    Duration(DefaultDecisionCacheTTL),
		},
		Events: EventsConfig{
			SubscriberBacklog: DefaultSubscriberBacklog,
		},
		LLM: LLMConfig{
			Provider: DefaultLLMProvider,
			Model:    DefaultLLMModel,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func boolPtr(b bool) *bool { return &b }
