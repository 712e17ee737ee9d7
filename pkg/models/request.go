// Package models defines the shared data types exchanged between the
// orchestration core's components: requests, pipeline state, validation
// results, execution reports, and session snapshots.
package models

import "time"

// DesignRequest is a single natural-language CAD request bound to a session.
// Immutable after creation.
type DesignRequest struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Prompt          string    `json:"prompt"`
	MaxIterations   int       `json:"max_iterations"`
	EnableExecution bool      `json:"enable_execution"`
	CreatedAt       time.Time `json:"created_at"`
}
