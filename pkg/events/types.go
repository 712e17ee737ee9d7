// Package events provides the in-process event bus that decouples the
// pipeline from any real-time consumer.
//
// Publishing is always non-blocking: a subscriber that does not drain its
// backlog loses events, and the bus tells it so with a subscriber_lagging
// notice delivered on the same stream once it catches up. Ordering is FIFO
// per topic for events published from a single goroutine; cross-topic
// ordering is not guaranteed. Subscriptions are cold: no backfill of events
// published before Subscribe.
package events

// Kind identifies an event payload type.
type Kind string

// Event kinds published by the orchestration core.
const (
	KindNodeEntered         Kind = "node_entered"
	KindNodeExited          Kind = "node_exited"
	KindTaskStarted         Kind = "task_started"
	KindTaskCompleted       Kind = "task_completed"
	KindTaskFailed          Kind = "task_failed"
	KindValidationScored    Kind = "validation_scored"
	KindRefinementRequested Kind = "refinement_requested"
	KindStateCheckpoint     Kind = "state_checkpoint"
	KindError               Kind = "error"
	KindPipelineTerminal    Kind = "pipeline_terminal"
	KindSubscriberLagging   Kind = "subscriber_lagging"
)

// Event is implemented by every payload struct in this package.
type Event interface {
	EventKind() Kind
}

// TopicGlobal carries pipeline-level events for all sessions. Dashboards and
// list views subscribe here.
const TopicGlobal = "pipelines"

// TopicSession returns the topic carrying all events of a single session.
// Format: "session:{session_id}".
func TopicSession(sessionID string) string {
	return "session:" + sessionID
}
