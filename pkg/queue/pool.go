package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadforge/cadforge/pkg/events"
	"github.com/cadforge/cadforge/pkg/metrics"
)

// Defaults applied to zero-valued Config fields and commands.
const (
	DefaultWorkers           = 3
	DefaultCommandTimeout    = 300 * time.Second
	DefaultMaxAttempts       = 3
	DefaultDependencyBackoff = 50 * time.Millisecond
)

// Config tunes a Pool.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// DefaultTimeout applies to commands submitted without one.
	DefaultTimeout time.Duration
	// DefaultMaxAttempts applies to commands submitted without one.
	DefaultMaxAttempts int
	// DependencyBackoff delays re-enqueueing a command whose dependencies
	// are not yet satisfied, so blocked work does not busy-spin.
	DependencyBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultCommandTimeout
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if c.DependencyBackoff <= 0 {
		c.DependencyBackoff = DefaultDependencyBackoff
	}
	return c
}

type commandRecord struct {
	cmd         Command
	state       CommandState
	attempt     int
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	err         error

	done            chan struct{}
	cancel          context.CancelFunc // set while running
	cancelRequested bool
}

// Pool is the priority command queue plus its worker pool. Eligible commands
// dispatch in (priority, created_at) order; commands with unsatisfied
// dependencies wait without occupying a worker.
type Pool struct {
	config Config
	bus    *events.Bus // may be nil
	logger *slog.Logger

	mu       sync.Mutex
	heap     commandHeap
	records  map[string]*commandRecord
	seq      uint64
	finished int
	stopped  bool

	workers []*workerState

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type workerState struct {
	id string

	mu           sync.RWMutex
	status       WorkerStatus
	currentCmdID string
	processed    int
	lastActivity time.Time
}

func (w *workerState) set(status WorkerStatus, cmdID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentCmdID = cmdID
	w.lastActivity = time.Now()
	if status == WorkerStatusIdle && cmdID == "" {
		w.processed++
	}
}

func (w *workerState) health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                w.id,
		Status:            w.status,
		CurrentCommandID:  w.currentCmdID,
		CommandsProcessed: w.processed,
		LastActivity:      w.lastActivity,
	}
}

// NewPool creates a pool. bus may be nil when no event stream is wanted.
func NewPool(cfg Config, bus *events.Bus, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		config:  cfg,
		bus:     bus,
		logger:  logger.With("component", "worker_pool"),
		records: make(map[string]*commandRecord),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.workers = append(p.workers, &workerState{
			id:           fmt.Sprintf("worker-%d", i),
			status:       WorkerStatusIdle,
			lastActivity: time.Now(),
		})
	}
	return p
}

// Start spawns the worker goroutines.
func (p *Pool) Start() {
	p.logger.Info("Starting worker pool", "worker_count", len(p.workers))
	for _, w := range p.workers {
		p.wg.Add(1)
		go p.runWorker(w)
	}
}

// Stop signals workers to stop and waits for them to finish their current
// commands. Pending commands stay queued but are never dispatched again.
// Safe to call multiple times.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(p.stopCh)
	})
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Submit enqueues a command and returns its id. A blank id gets a generated
// UUID; zero timeout and max-attempts take the pool defaults.
func (p *Pool) Submit(cmd Command) (string, error) {
	if cmd.Handler == nil {
		return "", ErrNoHandler
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Timeout <= 0 {
		cmd.Timeout = p.config.DefaultTimeout
	}
	if cmd.MaxAttempts <= 0 {
		cmd.MaxAttempts = p.config.DefaultMaxAttempts
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", ErrPoolStopped
	}
	if _, exists := p.records[cmd.ID]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("queue: command %s already exists", cmd.ID)
	}
	rec := &commandRecord{
		cmd:       cmd,
		state:     StatePending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	p.records[cmd.ID] = rec
	p.pushLocked(rec)
	p.mu.Unlock()

	p.signal()
	return cmd.ID, nil
}

// Cancel cancels a command. Pending commands become cancelled immediately;
// running commands get their context cancelled and finish as cancelled at the
// handler's next cooperative point. Returns false for unknown or already
// terminal commands. Dependents of a cancelled command are not cascaded.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	rec, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	switch rec.state {
	case StatePending:
		result := p.finishLocked(rec, StateCancelled, context.Canceled)
		p.mu.Unlock()
		p.afterTerminal(rec.cmd, result)
		return true
	case StateRunning:
		rec.cancelRequested = true
		if rec.cancel != nil {
			rec.cancel()
		}
		p.mu.Unlock()
		return true
	default:
		p.mu.Unlock()
		return false
	}
}

// Status returns the command's current state.
func (p *Pool) Status(id string) (CommandState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCommandNotFound, id)
	}
	return rec.state, nil
}

// AwaitResult blocks until the command reaches a terminal state or the
// timeout elapses.
func (p *Pool) AwaitResult(id string, timeout time.Duration) (CommandResult, error) {
	p.mu.Lock()
	rec, ok := p.records[id]
	p.mu.Unlock()
	if !ok {
		return CommandResult{}, fmt.Errorf("%w: %s", ErrCommandNotFound, id)
	}

	select {
	case <-rec.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.resultLocked(rec), nil
	case <-time.After(timeout):
		return CommandResult{}, fmt.Errorf("%w: %s after %v", ErrAwaitTimeout, id, timeout)
	}
}

// Info returns a snapshot of queue depth, active work, and worker health.
func (p *Pool) Info() PoolInfo {
	p.mu.Lock()
	info := PoolInfo{
		Workers:   len(p.workers),
		Completed: p.finished,
	}
	for _, rec := range p.records {
		switch rec.state {
		case StatePending:
			info.Pending++
		case StateRunning:
			info.Active++
			info.ActiveCommands = append(info.ActiveCommands, ActiveCommand{
				ID:        rec.cmd.ID,
				SessionID: rec.cmd.SessionID,
				Priority:  rec.cmd.Priority,
				Attempt:   rec.attempt,
				StartedAt: rec.startedAt,
			})
		}
	}
	p.mu.Unlock()

	for _, w := range p.workers {
		info.WorkerStats = append(info.WorkerStats, w.health())
	}
	return info
}

func (p *Pool) runWorker(w *workerState) {
	defer p.wg.Done()
	log := p.logger.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-p.stopCh:
			log.Info("Worker shutting down")
			return
		default:
		}

		rec := p.next()
		if rec == nil {
			select {
			case <-p.stopCh:
				log.Info("Worker shutting down")
				return
			case <-p.wake:
			}
			continue
		}
		p.execute(w, rec)
	}
}

// next pops the lowest (priority, created_at) dispatchable command. Commands
// whose dependencies are unsatisfied are re-enqueued after a backoff instead
// of holding the worker.
func (p *Pool) next() *commandRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.heap.Len() > 0 {
		item := heap.Pop(&p.heap).(heapItem)
		rec, ok := p.records[item.id]
		if !ok || rec.state != StatePending {
			continue // stale entry for a cancelled or retried command
		}
		if !p.dependenciesMetLocked(rec) {
			p.requeueLater(item)
			continue
		}
		rec.state = StateRunning
		rec.attempt++
		rec.startedAt = time.Now()
		if p.heap.Len() > 0 {
			p.signal() // more work may be dispatchable for another worker
		}
		return rec
	}
	return nil
}

func (p *Pool) dependenciesMetLocked(rec *commandRecord) bool {
	for _, dep := range rec.cmd.Dependencies {
		drec, ok := p.records[dep]
		if !ok || drec.state != StateCompleted {
			return false
		}
	}
	return true
}

// requeueLater puts the item back with its original priority and creation
// time once the backoff elapses. No starvation bias: a blocked critical
// command still outranks fresh low-priority work when it becomes eligible.
func (p *Pool) requeueLater(item heapItem) {
	time.AfterFunc(p.config.DependencyBackoff, func() {
		p.mu.Lock()
		if rec, ok := p.records[item.id]; ok && rec.state == StatePending && !p.stopped {
			heap.Push(&p.heap, item)
		}
		p.mu.Unlock()
		p.signal()
	})
}

func (p *Pool) execute(w *workerState, rec *commandRecord) {
	cmd := rec.cmd
	log := p.logger.With("worker_id", w.id, "command_id", cmd.ID)

	ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
	defer cancel()
	p.mu.Lock()
	rec.cancel = cancel
	attempt := rec.attempt
	p.mu.Unlock()

	w.set(WorkerStatusWorking, cmd.ID)
	metrics.WorkersBusy.Inc()
	p.publishStarted(cmd)
	log.Debug("Command dispatched", "attempt", attempt, "priority", cmd.Priority)

	err := cmd.Handler(ctx)

	metrics.WorkersBusy.Dec()
	w.set(WorkerStatusIdle, "")

	p.mu.Lock()
	rec.cancel = nil
	var result CommandResult
	terminal := true
	switch {
	case rec.cancelRequested:
		result = p.finishLocked(rec, StateCancelled, context.Canceled)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result = p.finishLocked(rec, StateTimeout,
			fmt.Errorf("command timed out after %v", cmd.Timeout))
	case err != nil:
		if rec.attempt < cmd.MaxAttempts {
			// Retry: back to pending with the original ordering key.
			rec.state = StatePending
			rec.err = err
			p.pushLocked(rec)
			terminal = false
		} else {
			result = p.finishLocked(rec, StateFailed, err)
		}
	default:
		result = p.finishLocked(rec, StateCompleted, nil)
	}
	p.mu.Unlock()

	if !terminal {
		log.Warn("Command failed, retrying",
			"attempt", attempt, "max_attempts", cmd.MaxAttempts, "error", err)
		p.signal()
		return
	}

	log.Info("Command finished", "state", result.State, "attempts", result.Attempts)
	p.afterTerminal(cmd, result)
}

// finishLocked moves a record to a terminal state and releases waiters.
func (p *Pool) finishLocked(rec *commandRecord, state CommandState, err error) CommandResult {
	rec.state = state
	rec.err = err
	rec.completedAt = time.Now()
	p.finished++
	close(rec.done)
	return p.resultLocked(rec)
}

func (p *Pool) resultLocked(rec *commandRecord) CommandResult {
	return CommandResult{
		ID:          rec.cmd.ID,
		State:       rec.state,
		Err:         rec.err,
		Attempts:    rec.attempt,
		CreatedAt:   rec.createdAt,
		StartedAt:   rec.startedAt,
		CompletedAt: rec.completedAt,
	}
}

// afterTerminal publishes the terminal event, bumps metrics, and invokes the
// command callback. Called without the pool lock.
func (p *Pool) afterTerminal(cmd Command, result CommandResult) {
	metrics.CommandsTotal.WithLabelValues(string(result.State)).Inc()
	p.publishTerminal(cmd, result)
	// Completion may unblock dependents sitting in backoff.
	p.signal()
	if cmd.Callback != nil {
		cmd.Callback(result)
	}
}

func (p *Pool) pushLocked(rec *commandRecord) {
	p.seq++
	heap.Push(&p.heap, heapItem{
		id:        rec.cmd.ID,
		priority:  rec.cmd.Priority,
		createdAt: rec.createdAt,
		seq:       p.seq,
	})
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// publishStarted emits task_started when the command is tied to a DAG task.
func (p *Pool) publishStarted(cmd Command) {
	if p.bus == nil {
		return
	}
	taskID := cmd.Metadata["task_id"]
	if taskID == "" {
		return
	}
	p.bus.Publish(events.TopicSession(cmd.SessionID), events.TaskStartedPayload{
		RequestID: cmd.Metadata["request_id"],
		TaskID:    taskID,
		Operation: cmd.Metadata["operation"],
		Timestamp: time.Now().Format(time.RFC3339Nano),
	})
}

func (p *Pool) publishTerminal(cmd Command, result CommandResult) {
	if p.bus == nil {
		return
	}
	taskID := cmd.Metadata["task_id"]
	if taskID == "" {
		return
	}
	topic := events.TopicSession(cmd.SessionID)
	ts := time.Now().Format(time.RFC3339Nano)
	switch result.State {
	case StateCompleted:
		p.bus.Publish(topic, events.TaskCompletedPayload{
			RequestID:  cmd.Metadata["request_id"],
			TaskID:     taskID,
			ArtifactID: cmd.Metadata["artifact_id"],
			Timestamp:  ts,
		})
	case StateFailed, StateTimeout:
		p.bus.Publish(topic, events.TaskFailedPayload{
			RequestID: cmd.Metadata["request_id"],
			TaskID:    taskID,
			Attempt:   result.Attempts,
			Error:     result.Err.Error(),
			Timestamp: ts,
		})
	}
}
