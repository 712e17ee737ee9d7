package models

import "time"

// SessionSnapshot is the durable checkpoint payload for a session at a
// well-defined pipeline moment. Objects maps artifact name → kind.
type SessionSnapshot struct {
	SessionID string            `json:"session_id"`
	TakenAt   time.Time         `json:"taken_at"`
	Status    PipelineStatus    `json:"status"`
	Iteration int               `json:"iteration"`
	Objects   map[string]string `json:"objects,omitempty"`
	HasError  bool              `json:"has_error"`
}

// StateDiff is the computed difference between two snapshots. It is never
// stored; Added/Removed plus CountDelta are sufficient to reconstruct the
// object set of the target snapshot from the source.
type StateDiff struct {
	Added           map[string]string `json:"added,omitempty"`
	Removed         []string          `json:"removed,omitempty"`
	CountDelta      int               `json:"count_delta"`
	ErrorIntroduced bool              `json:"error_introduced"`
}

// Empty reports whether the diff carries no changes.
func (d StateDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && d.CountDelta == 0 && !d.ErrorIntroduced
}
