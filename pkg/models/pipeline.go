package models

import "time"

// PipelineStatus is the lifecycle state of one request's pipeline run.
type PipelineStatus string

// Pipeline statuses. Completed, Failed and Cancelled are absorbing.
const (
	StatusPending    PipelineStatus = "pending"
	StatusPlanning   PipelineStatus = "planning"
	StatusGenerating PipelineStatus = "generating"
	StatusExecuting  PipelineStatus = "executing"
	StatusValidating PipelineStatus = "validating"
	StatusRefining   PipelineStatus = "refining"
	StatusCompleted  PipelineStatus = "completed"
	StatusFailed     PipelineStatus = "failed"
	StatusCancelled  PipelineStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s PipelineStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Machine-readable terminal reasons carried in PipelineState.Reason.
const (
	ReasonBudgetExceeded   = "budget_exceeded"
	ReasonScoreBelowFloor  = "score_below_floor"
	ReasonCancelled        = "cancelled"
	ReasonPlanningFailed   = "planning_failed"
	ReasonGenerationFailed = "generation_failed"
	ReasonUnrecoverable    = "unrecoverable"
)

// NodeRecord is one entry of a pipeline's node execution history. Exactly one
// record is appended per state transition.
type NodeRecord struct {
	Node      string    `json:"node"` // status entered (planning, generating, ...)
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Summary   string    `json:"summary,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Duration returns the wall-clock time spent in the node.
func (r NodeRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// maxErrorHistory bounds PipelineState.Errors.
const maxErrorHistory = 20

// PipelineState is the full observable state of one request's run. The
// runtime mutates it under its own serialization; callers receive copies.
type PipelineState struct {
	RequestID      string            `json:"request_id"`
	SessionID      string            `json:"session_id"`
	Status         PipelineStatus    `json:"status"`
	Iteration      int               `json:"iteration"` // 1-based, increments on Planning entry
	MaxIterations  int               `json:"max_iterations"`
	Scripts        map[string]string `json:"scripts,omitempty"`   // task id → script text
	Artifacts      map[string]string `json:"artifacts,omitempty"` // artifact id → handle
	LastValidation *ValidationResult `json:"last_validation,omitempty"`
	Errors         []string          `json:"errors,omitempty"`
	History        []NodeRecord      `json:"history,omitempty"`
	Reason         string            `json:"reason,omitempty"` // set on terminal states
}

// RecordError appends to the bounded error history, evicting the oldest entry
// when the bound is reached.
func (p *PipelineState) RecordError(msg string) {
	if len(p.Errors) >= maxErrorHistory {
		p.Errors = p.Errors[1:]
	}
	p.Errors = append(p.Errors, msg)
}

// Clone returns a deep copy safe to hand to callers.
func (p *PipelineState) Clone() *PipelineState {
	cp := *p
	cp.Scripts = cloneStringMap(p.Scripts)
	cp.Artifacts = cloneStringMap(p.Artifacts)
	cp.Errors = append([]string(nil), p.Errors...)
	cp.History = append([]NodeRecord(nil), p.History...)
	if p.LastValidation != nil {
		v := *p.LastValidation
		v.Dimensions = cloneFloatMap(p.LastValidation.Dimensions)
		v.Issues = append([]string(nil), p.LastValidation.Issues...)
		v.Suggestions = append([]string(nil), p.LastValidation.Suggestions...)
		cp.LastValidation = &v
	}
	return &cp
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	cp := make(map[string]float64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
