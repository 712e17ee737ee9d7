// Package queue provides the priority command queue and worker pool that
// execute pipeline work with dependency, retry, timeout, and cancellation
// semantics.
package queue

import (
	"context"
	"errors"
	"time"
)

// Priority orders commands; lower values dispatch first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// CommandState is a command's lifecycle state.
type CommandState string

const (
	StatePending   CommandState = "pending"
	StateRunning   CommandState = "running"
	StateCompleted CommandState = "completed"
	StateFailed    CommandState = "failed"
	StateCancelled CommandState = "cancelled"
	StateTimeout   CommandState = "timeout"
)

// Terminal reports whether the state admits no further transitions.
func (s CommandState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// Sentinel errors for queue operations.
var (
	// ErrCommandNotFound indicates an unknown command id.
	ErrCommandNotFound = errors.New("queue: command not found")

	// ErrAwaitTimeout indicates AwaitResult gave up before the command
	// reached a terminal state.
	ErrAwaitTimeout = errors.New("queue: await timed out")

	// ErrPoolStopped indicates a submit against a stopped pool.
	ErrPoolStopped = errors.New("queue: pool stopped")

	// ErrNoHandler indicates a command submitted without a handler.
	ErrNoHandler = errors.New("queue: command has no handler")
)

// Handler executes a command's payload. The context carries the command's
// timeout and is cancelled on Cancel; handlers are expected to honor it at
// their next cooperative point.
type Handler func(ctx context.Context) error

// Callback is invoked once, after the command reaches a terminal state.
type Callback func(result CommandResult)

// Command is one unit of queued work. Payload and Metadata are opaque to the
// pool; the handler interprets them.
type Command struct {
	ID           string
	Priority     Priority
	SessionID    string
	Payload      []byte
	Metadata     map[string]string
	Dependencies []string
	Timeout      time.Duration // 0 uses the pool default
	MaxAttempts  int           // 0 uses the pool default
	Handler      Handler
	Callback     Callback
}

// CommandResult is the terminal outcome of a command.
type CommandResult struct {
	ID          string
	State       CommandState
	Err         error
	Attempts    int
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// ActiveCommand summarizes a command currently held by a worker.
type ActiveCommand struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Priority  Priority  `json:"priority"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

// PoolInfo is a point-in-time snapshot of the pool.
type PoolInfo struct {
	Pending        int             `json:"pending"`
	Active         int             `json:"active"`
	Workers        int             `json:"workers"`
	Completed      int             `json:"completed"`
	ActiveCommands []ActiveCommand `json:"active_commands,omitempty"`
	WorkerStats    []WorkerHealth  `json:"worker_stats,omitempty"`
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                string       `json:"id"`
	Status            WorkerStatus `json:"status"`
	CurrentCommandID  string       `json:"current_command_id,omitempty"`
	CommandsProcessed int          `json:"commands_processed"`
	LastActivity      time.Time    `json:"last_activity"`
}
