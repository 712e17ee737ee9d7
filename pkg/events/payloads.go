package events

import "github.com/cadforge/cadforge/pkg/models"

// NodeEnteredPayload is published when the pipeline enters a node.
type NodeEnteredPayload struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Node      string `json:"node"`
	Iteration int    `json:"iteration"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// NodeExitedPayload is published when the pipeline leaves a node.
type NodeExitedPayload struct {
	RequestID  string `json:"request_id"`
	SessionID  string `json:"session_id"`
	Node       string `json:"node"`
	Iteration  int    `json:"iteration"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// TaskStartedPayload is published when a DAG task begins executing.
type TaskStartedPayload struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Operation string `json:"operation"`
	Timestamp string `json:"timestamp"`
}

// TaskCompletedPayload is published when a DAG task completes.
type TaskCompletedPayload struct {
	RequestID  string `json:"request_id"`
	TaskID     string `json:"task_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// TaskFailedPayload is published when a DAG task fails an attempt.
type TaskFailedPayload struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// ValidationScoredPayload is published after each validator verdict.
type ValidationScoredPayload struct {
	RequestID    string  `json:"request_id"`
	Iteration    int     `json:"iteration"`
	Overall      float64 `json:"overall"`
	IsValid      bool    `json:"is_valid"`
	ShouldRefine bool    `json:"should_refine"`
	Timestamp    string  `json:"timestamp"`
}

// RefinementRequestedPayload is published when validation routes to Refining.
type RefinementRequestedPayload struct {
	RequestID string `json:"request_id"`
	Iteration int    `json:"iteration"`
	Feedback  string `json:"feedback,omitempty"`
	Timestamp string `json:"timestamp"`
}

// StateCheckpointPayload is published after a checkpoint write lands.
type StateCheckpointPayload struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	Timestamp string `json:"timestamp"`
}

// ErrorPayload is published for unrecoverable errors. Severity is "error"
// or "fatal".
type ErrorPayload struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// PipelineTerminalPayload is published exactly once per request when its
// pipeline reaches an absorbing state.
type PipelineTerminalPayload struct {
	RequestID  string                `json:"request_id"`
	SessionID  string                `json:"session_id"`
	Status     models.PipelineStatus `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	Iterations int                   `json:"iterations"`
	Timestamp  string                `json:"timestamp"`
}

// SubscriberLaggingPayload is delivered to a subscriber that lost events
// because its backlog overflowed. Dropped is the number of events lost since
// the previous notice.
type SubscriberLaggingPayload struct {
	Topic     string `json:"topic"`
	Dropped   int64  `json:"dropped"`
	Timestamp string `json:"timestamp"`
}

func (NodeEnteredPayload) EventKind() Kind         { return KindNodeEntered }
func (NodeExitedPayload) EventKind() Kind          { return KindNodeExited }
func (TaskStartedPayload) EventKind() Kind         { return KindTaskStarted }
func (TaskCompletedPayload) EventKind() Kind       { return KindTaskCompleted }
func (TaskFailedPayload) EventKind() Kind          { return KindTaskFailed }
func (ValidationScoredPayload) EventKind() Kind    { return KindValidationScored }
func (RefinementRequestedPayload) EventKind() Kind { return KindRefinementRequested }
func (StateCheckpointPayload) EventKind() Kind     { return KindStateCheckpoint }
func (ErrorPayload) EventKind() Kind               { return KindError }
func (PipelineTerminalPayload) EventKind() Kind    { return KindPipelineTerminal }
func (SubscriberLaggingPayload) EventKind() Kind   { return KindSubscriberLagging }
