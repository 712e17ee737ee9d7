// Package orchestrator is the core's public surface: it owns sessions,
// admits design requests under the global concurrency cap, runs each one
// through the pipeline, and exposes results, session info and metrics.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadforge/cadforge/pkg/events"
	"github.com/cadforge/cadforge/pkg/metrics"
	"github.com/cadforge/cadforge/pkg/models"
	"github.com/cadforge/cadforge/pkg/pipeline"
	"github.com/cadforge/cadforge/pkg/queue"
	"github.com/cadforge/cadforge/pkg/session"
	"github.com/cadforge/cadforge/pkg/state"
)

// Sentinel errors for orchestrator operations.
var (
	// ErrStopped indicates a submission against a stopped orchestrator.
	ErrStopped = errors.New("orchestrator: stopped")

	// ErrEmptyPrompt indicates a submission without a prompt.
	ErrEmptyPrompt = errors.New("orchestrator: empty prompt")

	// ErrRequestNotFound indicates an unknown request id.
	ErrRequestNotFound = errors.New("orchestrator: request not found")

	// ErrAwaitTimeout indicates AwaitResult gave up before the pipeline
	// reached a terminal status.
	ErrAwaitTimeout = errors.New("orchestrator: await timed out")
)

// DefaultMaxConcurrent bounds simultaneously active pipelines when the
// configured cap is zero.
const DefaultMaxConcurrent = 3

// SubmitOptions are the per-request knobs. Zero values fall back to the
// configured defaults.
type SubmitOptions struct {
	MaxIterations   int
	EnableExecution *bool
}

// Deps are the collaborators the orchestrator owns and manages the lifecycle
// of. Pool, Bus and Checkpointer may be nil.
type Deps struct {
	Runtime      *pipeline.Runtime
	Sessions     *session.Manager
	Pool         *queue.Pool
	Bus          *events.Bus
	Checkpointer *state.Checkpointer
}

// Metrics is a point-in-time operational snapshot.
type Metrics struct {
	ActiveRequests int             `json:"active_requests"`
	QueuedRequests int             `json:"queued_requests"`
	Sessions       int             `json:"sessions"`
	Queue          *queue.PoolInfo `json:"queue,omitempty"`
}

type runEntry struct {
	req    models.DesignRequest
	run    *pipeline.Run
	sess   *session.Session
	queued bool
}

// Orchestrator admits and tracks pipeline runs. At most maxConcurrent runs
// are active at once, and at most one per session; submissions beyond either
// limit wait in FIFO order.
type Orchestrator struct {
	deps             Deps
	maxConcurrent    int
	executionDefault bool
	logger           *slog.Logger

	mu          sync.Mutex
	runs        map[string]*runEntry
	waiting     []*runEntry
	active      int
	sessionBusy map[string]bool // session id -> has an in-flight run
	stopped     bool
	wg          sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates an orchestrator. executionDefault is applied to submissions
// that do not set EnableExecution themselves.
func New(deps Deps, maxConcurrent int, executionDefault bool, logger *slog.Logger) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:             deps,
		maxConcurrent:    maxConcurrent,
		executionDefault: executionDefault,
		logger:           logger.With("component", "orchestrator"),
		runs:             make(map[string]*runEntry),
		sessionBusy:      make(map[string]bool),
	}
}

// Start launches the owned components. Calling Start twice is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.baseCancel != nil {
		return
	}
	o.baseCtx, o.baseCancel = context.WithCancel(ctx)

	if o.deps.Pool != nil {
		o.deps.Pool.Start()
	}
	if o.deps.Checkpointer != nil {
		o.deps.Checkpointer.Start()
	}
	if o.deps.Sessions != nil {
		o.deps.Sessions.Start(o.baseCtx)
	}
	o.logger.Info("Orchestrator started", "max_concurrent_requests", o.maxConcurrent)
}

// SubmitRequest admits a design request for the session and returns its
// request id. Beyond the concurrency cap, or while the session already has a
// run in flight, the request waits in FIFO order.
func (o *Orchestrator) SubmitRequest(sessionID, prompt string, opts SubmitOptions) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	o.mu.Lock()
	if o.stopped || o.baseCancel == nil {
		o.mu.Unlock()
		return "", ErrStopped
	}
	o.mu.Unlock()

	sess := o.deps.Sessions.GetOrCreate(sessionID)
	execution := o.executionDefault
	if opts.EnableExecution != nil {
		execution = *opts.EnableExecution
	}
	req := models.DesignRequest{
		ID:              uuid.NewString(),
		SessionID:       sess.ID,
		Prompt:          prompt,
		MaxIterations:   opts.MaxIterations,
		EnableExecution: execution,
		CreatedAt:       time.Now(),
	}
	entry := &runEntry{
		req:  req,
		run:  o.deps.Runtime.NewRun(req),
		sess: sess,
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return "", ErrStopped
	}
	o.runs[req.ID] = entry
	if o.active < o.maxConcurrent && !o.sessionBusy[sess.ID] {
		o.startLocked(entry)
		o.mu.Unlock()
		o.logger.Info("Request admitted", "request_id", req.ID, "session_id", sess.ID)
	} else {
		entry.queued = true
		o.waiting = append(o.waiting, entry)
		queued := len(o.waiting)
		o.mu.Unlock()
		o.logger.Info("Request queued",
			"request_id", req.ID, "session_id", sess.ID, "position", queued)
	}
	return req.ID, nil
}

// startLocked marks the entry active, reserves its session, and launches its
// pipeline goroutine. Caller holds o.mu and has checked the session is free.
func (o *Orchestrator) startLocked(entry *runEntry) {
	entry.queued = false
	o.active++
	o.sessionBusy[entry.sess.ID] = true
	entry.sess.BeginRequest()
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		final := entry.run.Execute(o.baseCtx)
		entry.sess.SetPipeline(final)
		entry.sess.EndRequest(final.Status == models.StatusCompleted)

		o.mu.Lock()
		o.active--
		delete(o.sessionBusy, entry.sess.ID)
		o.admitNextLocked()
		o.mu.Unlock()
	}()
}

// runDetachedLocked executes a pre-cancelled entry outside the concurrency
// and session accounting; the run terminates immediately as Cancelled.
// Caller holds o.mu.
func (o *Orchestrator) runDetachedLocked(entry *runEntry) {
	entry.queued = false
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		final := entry.run.Execute(o.baseCtx)
		entry.sess.SetPipeline(final)
	}()
}

// admitNextLocked promotes the oldest waiting entry whose session is free,
// while slots remain. Caller holds o.mu.
func (o *Orchestrator) admitNextLocked() {
	for o.active < o.maxConcurrent {
		idx := -1
		for i, entry := range o.waiting {
			if !o.sessionBusy[entry.sess.ID] {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		next := o.waiting[idx]
		o.waiting = append(o.waiting[:idx], o.waiting[idx+1:]...)
		o.startLocked(next)
	}
}

// AwaitResult blocks until the request's pipeline is terminal, up to timeout.
func (o *Orchestrator) AwaitResult(requestID string, timeout time.Duration) (*models.PipelineState, error) {
	o.mu.Lock()
	entry, ok := o.runs[requestID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrRequestNotFound
	}

	select {
	case <-entry.run.Done():
		return entry.run.State(), nil
	case <-time.After(timeout):
		return nil, ErrAwaitTimeout
	}
}

// RequestState returns the current pipeline state of a request.
func (o *Orchestrator) RequestState(requestID string) (*models.PipelineState, error) {
	o.mu.Lock()
	entry, ok := o.runs[requestID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrRequestNotFound
	}
	return entry.run.State(), nil
}

// Cancel cancels a request. Queued requests terminate immediately; active
// ones stop at the pipeline's next transition boundary. Returns false for
// unknown or already terminal requests.
func (o *Orchestrator) Cancel(requestID string) bool {
	o.mu.Lock()
	entry, ok := o.runs[requestID]
	if !ok {
		o.mu.Unlock()
		return false
	}
	if entry.run.State().Status.IsTerminal() {
		o.mu.Unlock()
		return false
	}
	if entry.queued {
		// Run it outside the cap so it terminates as Cancelled right away
		// instead of waiting for a slot.
		o.removeWaitingLocked(entry)
		entry.run.Cancel()
		o.runDetachedLocked(entry)
		o.mu.Unlock()
		return true
	}
	o.mu.Unlock()

	entry.run.Cancel()
	o.logger.Info("Request cancelled", "request_id", requestID)
	return true
}

func (o *Orchestrator) removeWaitingLocked(entry *runEntry) {
	for i, e := range o.waiting {
		if e == entry {
			o.waiting = append(o.waiting[:i], o.waiting[i+1:]...)
			return
		}
	}
}

// SessionInfo returns a snapshot of one session.
func (o *Orchestrator) SessionInfo(sessionID string) (session.Info, error) {
	sess, err := o.deps.Sessions.Get(sessionID)
	if err != nil {
		return session.Info{}, err
	}
	return sess.Snapshot(), nil
}

// Sessions lists all live sessions.
func (o *Orchestrator) Sessions() []session.Info {
	return o.deps.Sessions.List()
}

// Metrics returns an operational snapshot.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	m := Metrics{
		ActiveRequests: o.active,
		QueuedRequests: len(o.waiting),
	}
	o.mu.Unlock()

	m.Sessions = o.deps.Sessions.Len()
	if o.deps.Pool != nil {
		info := o.deps.Pool.Info()
		m.Queue = &info
	}
	return m
}

// WriteMetrics dumps the Prometheus registry in text format.
func (o *Orchestrator) WriteMetrics(w io.Writer) error {
	return metrics.Write(w)
}

// Stop drains the orchestrator: new submissions are rejected, queued
// requests are cancelled, and active pipelines run to completion unless ctx
// expires first, in which case they are cancelled too. Owned components are
// stopped on the way out.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if o.stopped || o.baseCancel == nil {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	queued := o.waiting
	o.waiting = nil
	for _, entry := range queued {
		entry.run.Cancel()
		o.runDetachedLocked(entry)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("Drain deadline reached, cancelling active pipelines")
		o.baseCancel()
		<-done
	}

	if o.deps.Sessions != nil {
		o.deps.Sessions.Stop()
	}
	if o.deps.Checkpointer != nil {
		o.deps.Checkpointer.Stop()
	}
	if o.deps.Pool != nil {
		o.deps.Pool.Stop()
	}
	o.baseCancel()
	o.logger.Info("Orchestrator stopped")
}
