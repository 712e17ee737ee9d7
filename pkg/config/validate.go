package config

import (
	"errors"
	"fmt"
)

// Validate checks the full configuration and returns every problem found,
// joined, wrapped in ErrValidationFailed.
func (c *Config) Validate() error {
	var errs []error

	p := c.Pipeline
	if p.MaxIterations < 1 {
		errs = append(errs, NewValidationError("pipeline", "max_iterations",
			fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, p.MaxIterations)))
	}
	for _, th := range []struct {
		name  string
		value float64
	}{
		{"pass_threshold", p.PassThreshold},
		{"refine_threshold", p.RefineThreshold},
		{"replan_threshold", p.ReplanThreshold},
	} {
		if th.value < 0 || th.value > 1 {
			errs = append(errs, NewValidationError("pipeline", th.name,
				fmt.Errorf("%w: must be in [0, 1], got %v", ErrInvalidValue, th.value)))
		}
	}
	if p.ReplanThreshold > p.RefineThreshold || p.RefineThreshold > p.PassThreshold {
		errs = append(errs, NewValidationError("pipeline", "",
			fmt.Errorf("%w: thresholds must satisfy replan <= refine <= pass, got %v <= %v <= %v",
				ErrInvalidValue, p.ReplanThreshold, p.RefineThreshold, p.PassThreshold)))
	}

	if c.Orchestrator.MaxConcurrentRequests < 1 {
		errs = append(errs, NewValidationError("orchestrator", "max_concurrent_requests",
			fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, c.Orchestrator.MaxConcurrentRequests)))
	}
	if c.Orchestrator.SessionIdleTimeout <= 0 {
		errs = append(errs, NewValidationError("orchestrator", "session_idle_timeout",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}

	if c.Queue.WorkerConcurrency < 1 {
		errs = append(errs, NewValidationError("queue", "worker_concurrency",
			fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, c.Queue.WorkerConcurrency)))
	}
	if c.Queue.CommandTimeout <= 0 {
		errs = append(errs, NewValidationError("queue", "command_timeout_default",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if c.Queue.CommandMaxAttempts < 1 {
		errs = append(errs, NewValidationError("queue", "command_max_attempts",
			fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, c.Queue.CommandMaxAttempts)))
	}

	switch c.State.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.State.RedisURL == "" {
			errs = append(errs, NewValidationError("state", "redis_url", ErrMissingRequiredField))
		}
	case BackendPostgres:
		if c.State.DatabaseURL == "" {
			errs = append(errs, NewValidationError("state", "database_url", ErrMissingRequiredField))
		}
	default:
		errs = append(errs, NewValidationError("state", "backend",
			fmt.Errorf("%w: %q (want memory, redis or postgres)", ErrInvalidValue, c.State.Backend)))
	}
	if c.State.DecisionCacheTTL < 0 {
		errs = append(errs, NewValidationError("state", "decision_cache_ttl",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue)))
	}

	if c.Events.SubscriberBacklog < 1 {
		errs = append(errs, NewValidationError("events", "subscriber_backlog",
			fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, c.Events.SubscriberBacklog)))
	}

	if c.LLM.Provider != DefaultLLMProvider {
		errs = append(errs, NewValidationError("llm", "provider",
			fmt.Errorf("%w: %q (only %q is supported)", ErrInvalidValue, c.LLM.Provider, DefaultLLMProvider)))
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, NewValidationError("logging", "level",
			fmt.Errorf("%w: %q", ErrInvalidValue, c.Logging.Level)))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidationFailed, errors.Join(errs...))
	}
	return nil
}
