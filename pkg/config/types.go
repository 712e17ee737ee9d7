// Package config loads and validates the orchestration core's configuration:
// built-in defaults merged with a user YAML file, with {{.VAR}} environment
// expansion applied before parsing.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved configuration. Boolean toggles are pointers so a
// user's explicit "false" survives the merge with defaults; use the accessor
// methods instead of dereferencing.
type Config struct {
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Queue        QueueConfig        `yaml:"queue"`
	State        StateConfig        `yaml:"state"`
	Events       EventsConfig       `yaml:"events"`
	LLM          LLMConfig          `yaml:"llm"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// PipelineConfig tunes the refinement loop.
type PipelineConfig struct {
	MaxIterations    int     `yaml:"max_iterations"`
	PassThreshold    float64 `yaml:"pass_threshold"`
	RefineThreshold  float64 `yaml:"refine_threshold"`
	ReplanThreshold  float64 `yaml:"replan_threshold"`
	EnableRefinement *bool   `yaml:"enable_refinement"`
	EnableExecution  *bool   `yaml:"enable_execution"`
}

// RefinementEnabled reports the resolved enable_refinement toggle.
func (p PipelineConfig) RefinementEnabled() bool {
	return p.EnableRefinement == nil || *p.EnableRefinement
}

// ExecutionEnabled reports the resolved enable_execution toggle.
func (p PipelineConfig) ExecutionEnabled() bool {
	return p.EnableExecution == nil || *p.EnableExecution
}

// OrchestratorConfig tunes request admission and session lifecycle.
type OrchestratorConfig struct {
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	SessionIdleTimeout    Duration `yaml:"session_idle_timeout"`
	CleanupInterval       Duration `yaml:"cleanup_interval"`
}

// QueueConfig tunes the command worker pool.
type QueueConfig struct {
	WorkerConcurrency  int      `yaml:"worker_concurrency"`
	CommandTimeout     Duration `yaml:"command_timeout_default"`
	CommandMaxAttempts int      `yaml:"command_max_attempts"`
}

// State store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// StateConfig selects the KV backend and checkpoint behavior.
type StateConfig struct {
	Backend             string   `yaml:"backend"`
	RedisURL            string   `yaml:"redis_url"`
	DatabaseURL         string   `yaml:"database_url"`
	CheckpointInterval  Duration `yaml:"checkpoint_interval"`
	CheckpointRetention int      `yaml:"checkpoint_retention"`
	DecisionCacheTTL    Duration `yaml:"decision_cache_ttl"`
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	SubscriberBacklog int `yaml:"subscriber_backlog"`
}

// LLMConfig selects the completion provider backing the agents. APIKey is
// normally injected via {{.OPENAI_API_KEY}} expansion.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// SlogLevel maps the configured level onto slog's scale. Unknown levels fall
// back to Info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration is a time.Duration that unmarshals from YAML as either a Go
// duration string ("300s", "5m") or a bare number of seconds.
type Duration time.Duration

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w: duration %q: %v", ErrInvalidValue, s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds float64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("%w: duration %q", ErrInvalidValue, value.Value)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.Std().String(), nil
}
