// Package session tracks design sessions: identity, activity counters, the
// most recent pipeline state, and an idle janitor that reclaims abandoned
// sessions together with their persisted checkpoints.
package session

import (
	"sync"
	"time"

	"github.com/cadforge/cadforge/pkg/models"
)

// Session is one client's design context. All accessors are safe for
// concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu                sync.RWMutex
	lastActivity      time.Time
	commandsProcessed int
	successCount      int
	activeRequests    int
	pipeline          *models.PipelineState
}

// Info is a point-in-time copy of a session for external consumers.
type Info struct {
	ID                string                `json:"id"`
	CreatedAt         time.Time             `json:"created_at"`
	LastActivity      time.Time             `json:"last_activity"`
	CommandsProcessed int                   `json:"commands_processed"`
	SuccessCount      int                   `json:"success_count"`
	ActiveRequests    int                   `json:"active_requests"`
	Pipeline          *models.PipelineState `json:"pipeline,omitempty"`
}

// Touch records activity, deferring idle expiry.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// BeginRequest marks a pipeline run as active on the session.
func (s *Session) BeginRequest() {
	s.mu.Lock()
	s.activeRequests++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// EndRequest records a finished pipeline run and its outcome.
func (s *Session) EndRequest(success bool) {
	s.mu.Lock()
	s.activeRequests--
	s.commandsProcessed++
	if success {
		s.successCount++
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// SetPipeline stores the latest observed pipeline state.
func (s *Session) SetPipeline(st *models.PipelineState) {
	s.mu.Lock()
	s.pipeline = st
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent touch.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Active returns the number of pipeline runs currently bound to the session.
func (s *Session) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRequests
}

// Snapshot returns a copy of the session for reading.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		ID:                s.ID,
		CreatedAt:         s.CreatedAt,
		LastActivity:      s.lastActivity,
		CommandsProcessed: s.commandsProcessed,
		SuccessCount:      s.successCount,
		ActiveRequests:    s.activeRequests,
	}
	if s.pipeline != nil {
		info.Pipeline = s.pipeline.Clone()
	}
	return info
}
