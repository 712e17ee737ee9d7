package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cadforge/cadforge/pkg/agent"
	"github.com/cadforge/cadforge/pkg/dag"
	"github.com/cadforge/cadforge/pkg/events"
	"github.com/cadforge/cadforge/pkg/metrics"
	"github.com/cadforge/cadforge/pkg/models"
	"github.com/cadforge/cadforge/pkg/queue"
	"github.com/cadforge/cadforge/pkg/sandbox"
	"github.com/cadforge/cadforge/pkg/state"
)

// Default runtime settings.
const (
	DefaultMaxIterations  = 5
	DefaultCommandTimeout = 300 * time.Second
	DefaultTaskAttempts   = 3
)

// Planner builds a task graph from a design prompt.
type Planner interface {
	Plan(ctx context.Context, in agent.PlanInput) (*dag.TaskGraph, error)
}

// Generator produces one script per task in the graph.
type Generator interface {
	Generate(ctx context.Context, in agent.GenerateInput) (map[string]string, error)
}

// Validator scores the scripts and execution report against the prompt.
type Validator interface {
	Validate(ctx context.Context, in agent.ValidateInput) (models.ValidationResult, error)
}

// Config carries the runtime's tunables.
type Config struct {
	MaxIterations    int
	Thresholds       Thresholds
	EnableRefinement bool
	CommandTimeout   time.Duration
	TaskMaxAttempts  int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.TaskMaxAttempts <= 0 {
		c.TaskMaxAttempts = DefaultTaskAttempts
	}
	return c
}

// Runtime is the shared machinery that drives design requests through the
// pipeline. One Runtime serves all requests; each request gets its own Run.
type Runtime struct {
	planner      Planner
	generator    Generator
	validator    Validator
	executor     sandbox.ScriptExecutor
	pool         *queue.Pool
	bus          *events.Bus
	checkpointer *state.Checkpointer
	cfg          Config
	logger       *slog.Logger
}

// NewRuntime creates a runtime. executor, bus and checkpointer may be nil;
// a nil executor forces execution-disabled runs.
func NewRuntime(planner Planner, generator Generator, validator Validator,
	executor sandbox.ScriptExecutor, pool *queue.Pool, bus *events.Bus,
	checkpointer *state.Checkpointer, cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		planner:      planner,
		generator:    generator,
		validator:    validator,
		executor:     executor,
		pool:         pool,
		bus:          bus,
		checkpointer: checkpointer,
		cfg:          cfg.withDefaults(),
		logger:       logger.With("component", "pipeline"),
	}
}

// Run is one request's pass through the pipeline. Execute drives it to a
// terminal status; State and Cancel are safe from other goroutines.
type Run struct {
	rt  *Runtime
	req models.DesignRequest
	log *slog.Logger

	mu              sync.RWMutex
	state           *models.PipelineState
	objects         map[string]string // artifact name -> kind
	cancelFn        context.CancelFunc
	cancelRequested bool

	// Owned by the Execute goroutine.
	graph     *dag.TaskGraph
	scripts   map[string]string
	report    *models.ExecutionReport
	feedback  string
	startedAt time.Time
	execution bool

	done chan struct{}
}

// NewRun prepares a run for the request. The pipeline starts when Execute is
// called.
func (rt *Runtime) NewRun(req models.DesignRequest) *Run {
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = rt.cfg.MaxIterations
	}
	return &Run{
		rt:  rt,
		req: req,
		log: rt.logger.With("request_id", req.ID, "session_id", req.SessionID),
		state: &models.PipelineState{
			RequestID:     req.ID,
			SessionID:     req.SessionID,
			Status:        models.StatusPending,
			MaxIterations: maxIter,
		},
		objects:   make(map[string]string),
		execution: req.EnableExecution && rt.executor != nil && rt.pool != nil,
		done:      make(chan struct{}),
	}
}

// State returns a copy of the run's observable state.
func (r *Run) State() *models.PipelineState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

// Cancel requests cooperative cancellation. Pending work stops at the next
// transition boundary; running commands are cancelled through the pool.
func (r *Run) Cancel() {
	r.mu.Lock()
	r.cancelRequested = true
	cancel := r.cancelFn
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Execute drives the request to a terminal status and returns the final
// state. It must be called exactly once.
func (r *Run) Execute(ctx context.Context) *models.PipelineState {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.cancelFn = cancel
	requested := r.cancelRequested
	r.mu.Unlock()
	if requested {
		cancel()
	}

	defer close(r.done)
	metrics.PipelinesActive.Inc()
	defer metrics.PipelinesActive.Dec()
	r.startedAt = time.Now()

	// A run that starts pre-cancelled never owns the session's snapshot slot;
	// registering it would strip a live run of the same session.
	if cp := r.rt.checkpointer; cp != nil && !requested {
		cp.Register(r.req.SessionID, r.snapshot)
		defer cp.Unregister(r.req.SessionID)
	}

	r.log.Info("Pipeline started",
		"max_iterations", r.state.MaxIterations, "execution", r.execution)
	r.enter(models.StatusPlanning)

	for {
		status := r.status()
		if status.IsTerminal() {
			break
		}
		if ctx.Err() != nil {
			r.terminate(models.StatusCancelled, models.ReasonCancelled)
			break
		}
		switch status {
		case models.StatusPlanning:
			r.runPlanning(ctx)
		case models.StatusGenerating:
			r.runGenerating(ctx)
		case models.StatusExecuting:
			r.runExecuting(ctx)
		case models.StatusValidating:
			r.runValidating(ctx)
		case models.StatusRefining:
			r.runRefining()
		default:
			r.terminate(models.StatusFailed, models.ReasonUnrecoverable)
		}
	}
	return r.State()
}

func (r *Run) status() models.PipelineStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Status
}

func (r *Run) iteration() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Iteration
}

// enter transitions into a working node. Planning and Refining both open a
// fresh plan-generate-validate cycle and consume one iteration of the budget.
func (r *Run) enter(status models.PipelineStatus) {
	r.mu.Lock()
	r.state.Status = status
	var kind string
	switch status {
	case models.StatusPlanning:
		r.state.Iteration++
		if r.state.Iteration == 1 {
			kind = "initial"
		} else {
			kind = "replan"
		}
	case models.StatusRefining:
		r.state.Iteration++
		kind = "refine"
	}
	iter := r.state.Iteration
	r.mu.Unlock()

	if kind != "" {
		metrics.IterationsTotal.WithLabelValues(kind).Inc()
	}
	r.publish(events.NodeEnteredPayload{
		RequestID: r.req.ID,
		SessionID: r.req.SessionID,
		Node:      string(status),
		Iteration: iter,
		Timestamp: eventTime(),
	})
}

// finishNode appends the node's history record and publishes node_exited.
func (r *Run) finishNode(node string, started time.Time, summary string, err error) {
	rec := models.NodeRecord{
		Node:      node,
		StartedAt: started,
		EndedAt:   time.Now(),
		Summary:   summary,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	r.mu.Lock()
	r.state.History = append(r.state.History, rec)
	if err != nil {
		r.state.RecordError(node + ": " + err.Error())
	}
	iter := r.state.Iteration
	r.mu.Unlock()

	r.publish(events.NodeExitedPayload{
		RequestID:  r.req.ID,
		SessionID:  r.req.SessionID,
		Node:       node,
		Iteration:  iter,
		DurationMS: rec.Duration().Milliseconds(),
		Error:      rec.Error,
		Timestamp:  eventTime(),
	})
}

func (r *Run) terminate(status models.PipelineStatus, reason string) {
	r.mu.Lock()
	r.state.Status = status
	r.state.Reason = reason
	iter := r.state.Iteration
	r.mu.Unlock()

	metrics.PipelinesTotal.WithLabelValues(string(status)).Inc()
	metrics.PipelineDuration.Observe(time.Since(r.startedAt).Seconds())
	if cp := r.rt.checkpointer; cp != nil {
		cp.Enqueue(r.snapshot(), "terminal")
	}

	terminal := events.PipelineTerminalPayload{
		RequestID:  r.req.ID,
		SessionID:  r.req.SessionID,
		Status:     status,
		Reason:     reason,
		Iterations: iter,
		Timestamp:  eventTime(),
	}
	r.publish(terminal)
	if r.rt.bus != nil {
		r.rt.bus.Publish(events.TopicGlobal, terminal)
	}
	r.log.Info("Pipeline terminal",
		"status", status, "reason", reason, "iterations", iter)
}

func (r *Run) runPlanning(ctx context.Context) {
	started := time.Now()
	graph, err := r.rt.planner.Plan(ctx, agent.PlanInput{
		RequestID:    r.req.ID,
		SessionID:    r.req.SessionID,
		Prompt:       r.req.Prompt,
		Feedback:     r.feedback,
		StateSummary: r.stateSummary(),
		Iteration:    r.iteration(),
	})
	if err != nil {
		r.finishNode(string(models.StatusPlanning), started, "", err)
		if canceled(ctx, err) {
			r.terminate(models.StatusCancelled, models.ReasonCancelled)
			return
		}
		r.publishError("error", fmt.Sprintf("planning failed: %v", err))
		r.terminate(models.StatusFailed, models.ReasonPlanningFailed)
		return
	}
	r.graph = graph
	r.finishNode(string(models.StatusPlanning), started,
		fmt.Sprintf("planned %d tasks", graph.Len()), nil)
	r.enter(models.StatusGenerating)
}

func (r *Run) runGenerating(ctx context.Context) {
	started := time.Now()
	scripts, err := r.rt.generator.Generate(ctx, agent.GenerateInput{
		RequestID: r.req.ID,
		SessionID: r.req.SessionID,
		Prompt:    r.req.Prompt,
		Graph:     r.graph,
		Scripts:   r.scripts,
		Feedback:  r.feedback,
		Iteration: r.iteration(),
	})
	if err != nil {
		r.finishNode(string(models.StatusGenerating), started, "", err)
		if canceled(ctx, err) {
			r.terminate(models.StatusCancelled, models.ReasonCancelled)
			return
		}
		r.publishError("error", fmt.Sprintf("generation failed: %v", err))
		r.terminate(models.StatusFailed, models.ReasonGenerationFailed)
		return
	}
	r.scripts = scripts
	r.mu.Lock()
	r.state.Scripts = copyStrings(scripts)
	r.mu.Unlock()
	r.finishNode(string(models.StatusGenerating), started,
		fmt.Sprintf("generated %d scripts", len(scripts)), nil)

	if r.execution {
		r.enter(models.StatusExecuting)
	} else {
		r.enter(models.StatusValidating)
	}
}

func (r *Run) runExecuting(ctx context.Context) {
	started := time.Now()
	report, err := r.executeGraph(ctx)
	if err != nil {
		r.finishNode(string(models.StatusExecuting), started, "", err)
		if canceled(ctx, err) {
			r.terminate(models.StatusCancelled, models.ReasonCancelled)
			return
		}
		r.publishError("fatal", fmt.Sprintf("execution failed: %v", err))
		r.terminate(models.StatusFailed, models.ReasonUnrecoverable)
		return
	}

	// A report with Success=false still routes through validation; the low
	// geometric score decides between refine, replan and fail.
	r.report = report
	r.mu.Lock()
	if r.state.Artifacts == nil {
		r.state.Artifacts = make(map[string]string)
	}
	for _, a := range report.Artifacts {
		r.state.Artifacts[a.ID] = a.Name
		r.objects[a.Name] = a.Kind
	}
	r.mu.Unlock()

	if cp := r.rt.checkpointer; cp != nil {
		cp.Enqueue(r.snapshot(), "executed")
	}
	r.finishNode(string(models.StatusExecuting), started,
		fmt.Sprintf("executed %d tasks, %d artifacts, success=%t",
			r.graph.Len(), len(report.Artifacts), report.Success), nil)
	r.enter(models.StatusValidating)
}

func (r *Run) runValidating(ctx context.Context) {
	started := time.Now()
	verdict, err := r.rt.validator.Validate(ctx, agent.ValidateInput{
		RequestID: r.req.ID,
		SessionID: r.req.SessionID,
		Prompt:    r.req.Prompt,
		Graph:     r.graph,
		Scripts:   r.scripts,
		Report:    r.report,
		Iteration: r.iteration(),
	})
	if err != nil {
		r.finishNode(string(models.StatusValidating), started, "", err)
		if canceled(ctx, err) {
			r.terminate(models.StatusCancelled, models.ReasonCancelled)
			return
		}
		r.publishError("error", fmt.Sprintf("validation failed: %v", err))
		r.terminate(models.StatusFailed, models.ReasonUnrecoverable)
		return
	}

	r.mu.Lock()
	r.state.LastValidation = &verdict
	iter := r.state.Iteration
	remaining := r.state.MaxIterations - iter
	r.mu.Unlock()

	r.publish(events.ValidationScoredPayload{
		RequestID:    r.req.ID,
		Iteration:    iter,
		Overall:      verdict.Overall,
		IsValid:      verdict.IsValid,
		ShouldRefine: verdict.ShouldRefine,
		Timestamp:    eventTime(),
	})
	r.finishNode(string(models.StatusValidating), started,
		fmt.Sprintf("score %.2f", verdict.Overall), nil)

	next := Route(verdict, remaining, r.rt.cfg.EnableRefinement, r.rt.cfg.Thresholds)
	r.log.Info("Validation routed",
		"score", verdict.Overall, "remaining", remaining, "next", string(next))

	switch next {
	case NextCompleted:
		r.terminate(models.StatusCompleted, "")
	case NextRefining:
		r.feedback = verdict.Feedback()
		r.publish(events.RefinementRequestedPayload{
			RequestID: r.req.ID,
			Iteration: iter,
			Feedback:  r.feedback,
			Timestamp: eventTime(),
		})
		r.enter(models.StatusRefining)
	case NextPlanning:
		// Replan: the next cycle rebuilds the graph and scripts from scratch.
		r.feedback = verdict.Feedback()
		r.graph = nil
		r.scripts = nil
		r.report = nil
		r.enter(models.StatusPlanning)
	default:
		r.terminate(models.StatusFailed, FailureReason(verdict, r.rt.cfg.Thresholds))
	}
}

// runRefining attaches the validation feedback and loops back to Generating
// with the current graph and scripts intact.
func (r *Run) runRefining() {
	started := time.Now()
	r.finishNode(string(models.StatusRefining), started, "applying validation feedback", nil)
	r.enter(models.StatusGenerating)
}

func (r *Run) snapshot() models.SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.SessionSnapshot{
		SessionID: r.req.SessionID,
		TakenAt:   time.Now(),
		Status:    r.state.Status,
		Iteration: r.state.Iteration,
		Objects:   copyStrings(r.objects),
		HasError:  len(r.state.Errors) > 0,
	}
}

// stateSummary renders the session's known objects for replan prompts.
func (r *Run) stateSummary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.objects) == 0 {
		return ""
	}
	names := make([]string, 0, len(r.objects))
	for name := range r.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" ("+r.objects[name]+")")
	}
	return "objects: " + strings.Join(parts, ", ")
}

func (r *Run) publish(ev events.Event) {
	if r.rt.bus == nil {
		return
	}
	r.rt.bus.Publish(events.TopicSession(r.req.SessionID), ev)
}

func (r *Run) publishError(severity, msg string) {
	r.publish(events.ErrorPayload{
		RequestID: r.req.ID,
		SessionID: r.req.SessionID,
		Severity:  severity,
		Message:   msg,
		Timestamp: eventTime(),
	})
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func eventTime() string {
	return time.Now().Format(time.RFC3339Nano)
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
