// Package dag holds the task graph the planner emits: CAD operations as
// nodes, dependencies as edges, scheduled in topological layers.
package dag

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Operation is one of the fixed CAD task kinds the planner may emit.
type Operation string

const (
	OpCreatePrimitive Operation = "create_primitive"
	OpBooleanOp       Operation = "boolean_op"
	OpTransform       Operation = "transform"
	OpPattern         Operation = "pattern"
	OpFilletChamfer   Operation = "fillet_chamfer"
	OpExtrudeRevolve  Operation = "extrude_revolve"
	OpSketchCreate    Operation = "sketch_create"
	OpSketchConstrain Operation = "sketch_constrain"
)

var operations = map[Operation]bool{
	OpCreatePrimitive: true,
	OpBooleanOp:       true,
	OpTransform:       true,
	OpPattern:         true,
	OpFilletChamfer:   true,
	OpExtrudeRevolve:  true,
	OpSketchCreate:    true,
	OpSketchConstrain: true,
}

// ValidOperation reports whether op belongs to the task vocabulary.
func ValidOperation(op Operation) bool { return operations[op] }

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions other
// than a retry reset out of failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	ErrTaskExists    = errors.New("dag: task id already exists")
	ErrTaskNotFound  = errors.New("dag: task not found")
	ErrCycle         = errors.New("dag: dependency would create a cycle")
	ErrBadOperation  = errors.New("dag: unknown operation")
	ErrBadTransition = errors.New("dag: illegal status transition")
)

// TaskNode is one planned CAD operation. Params values are scalars or task-id
// references (the generator resolves references to upstream results).
type TaskNode struct {
	ID           string         `json:"id"`
	Operation    Operation      `json:"operation"`
	Description  string         `json:"description,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Status       Status         `json:"status"`
	Result       string         `json:"result,omitempty"` // artifact id
	Dependencies []string       `json:"dependencies,omitempty"`
	Priority     int            `json:"priority"` // lower runs earlier within a layer
}

// TaskGraph is a directed acyclic graph of TaskNodes. All mutation happens
// under a single writer lock; readers receive copies, never aliases.
type TaskGraph struct {
	ID         string
	Complexity float64

	mu    sync.RWMutex
	nodes map[string]*taskEntry
}

type taskEntry struct {
	node      TaskNode
	insertion int
}

// New creates an empty graph. id is conventionally the request id.
func New(id string) *TaskGraph {
	return &TaskGraph{
		ID:    id,
		nodes: make(map[string]*taskEntry),
	}
}

// AddTask inserts a node. The node's dependencies must already exist so every
// edge always references live tasks. Status is forced to pending.
func (g *TaskGraph) AddTask(node TaskNode) error {
	if node.ID == "" {
		return fmt.Errorf("%w: empty id", ErrTaskNotFound)
	}
	if !ValidOperation(node.Operation) {
		return fmt.Errorf("%w: %q", ErrBadOperation, node.Operation)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[node.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, node.ID)
	}
	for _, dep := range node.Dependencies {
		if _, ok := g.nodes[dep]; !ok {
			return fmt.Errorf("%w: dependency %s of %s", ErrTaskNotFound, dep, node.ID)
		}
	}
	node.Status = StatusPending
	node.Dependencies = append([]string(nil), node.Dependencies...)
	g.nodes[node.ID] = &taskEntry{node: node, insertion: len(g.nodes)}
	return nil
}

// AddDependency records that v depends on u. Rejected when either id is
// missing or the edge would close a cycle.
func (g *TaskGraph) AddDependency(u, v string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[u]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, u)
	}
	entry, ok := g.nodes[v]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, v)
	}
	for _, dep := range entry.node.Dependencies {
		if dep == u {
			return nil // already present
		}
	}

	entry.node.Dependencies = append(entry.node.Dependencies, u)
	if _, err := g.levelsLocked(); err != nil {
		// Roll the edge back so a rejected call leaves the graph intact.
		deps := entry.node.Dependencies
		entry.node.Dependencies = deps[:len(deps)-1]
		return fmt.Errorf("%s -> %s: %w", u, v, ErrCycle)
	}
	return nil
}

// Task returns a copy of one node.
func (g *TaskGraph) Task(id string) (TaskNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.nodes[id]
	if !ok {
		return TaskNode{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return copyNode(entry.node), nil
}

// Tasks returns copies of all nodes in insertion order.
func (g *TaskGraph) Tasks() []TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entries := g.sortedEntriesLocked()
	out := make([]TaskNode, len(entries))
	for i, e := range entries {
		out[i] = copyNode(e.node)
	}
	return out
}

// Len returns the number of tasks.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// ReadyTasks returns the frontier: pending tasks whose dependencies have all
// completed, ordered by (priority, insertion order).
func (g *TaskGraph) ReadyTasks() []TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var frontier []*taskEntry
	for _, entry := range g.nodes {
		if entry.node.Status != StatusPending {
			continue
		}
		eligible := true
		for _, dep := range entry.node.Dependencies {
			if g.nodes[dep].node.Status != StatusCompleted {
				eligible = false
				break
			}
		}
		if eligible {
			frontier = append(frontier, entry)
		}
	}
	sortEntries(frontier)

	out := make([]TaskNode, len(frontier))
	for i, e := range frontier {
		out[i] = copyNode(e.node)
	}
	return out
}

// TopologicalLevels partitions task ids into layers where layer i depends
// only on earlier layers. Within a layer, ids order by (priority, insertion
// order). Returns ErrCycle when no full ordering exists.
func (g *TaskGraph) TopologicalLevels() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.levelsLocked()
}

// Validate confirms the graph is acyclic and non-empty.
func (g *TaskGraph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.nodes) == 0 {
		return fmt.Errorf("dag: graph %s has no tasks", g.ID)
	}
	_, err := g.levelsLocked()
	return err
}

// legalTransitions maps a status to the statuses it may move to. failed may
// reset to pending for a retry; cancellation is allowed from any non-terminal
// status.
var legalTransitions = map[Status][]Status{
	StatusPending: {StatusReady, StatusCancelled},
	StatusReady:   {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusPending},
}

// Mark atomically transitions one task. result, when non-empty, is recorded
// as the task's artifact id.
func (g *TaskGraph) Mark(id string, status Status, result string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !transitionAllowed(entry.node.Status, status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrBadTransition, id, entry.node.Status, status)
	}
	entry.node.Status = status
	if result != "" {
		entry.node.Result = result
	}
	return nil
}

// Terminated reports whether every task is in a terminal status.
func (g *TaskGraph) Terminated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, entry := range g.nodes {
		if !entry.node.Status.Terminal() {
			return false
		}
	}
	return true
}

// Completed reports whether every task completed successfully.
func (g *TaskGraph) Completed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, entry := range g.nodes {
		if entry.node.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func transitionAllowed(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// levelsLocked runs Kahn's algorithm layer by layer. A produced ordering that
// covers fewer nodes than the graph holds means a cycle.
func (g *TaskGraph) levelsLocked() ([][]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for id, entry := range g.nodes {
		indegree[id] = len(entry.node.Dependencies)
		for _, dep := range entry.node.Dependencies {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var frontier []*taskEntry
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, g.nodes[id])
		}
	}

	var levels [][]string
	seen := 0
	for len(frontier) > 0 {
		sortEntries(frontier)
		level := make([]string, len(frontier))
		var next []*taskEntry
		for i, entry := range frontier {
			level[i] = entry.node.ID
			seen++
			for _, dep := range dependents[entry.node.ID] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, g.nodes[dep])
				}
			}
		}
		levels = append(levels, level)
		frontier = next
	}

	if seen != len(g.nodes) {
		return nil, fmt.Errorf("dag: graph %s: %w", g.ID, ErrCycle)
	}
	return levels, nil
}

// sortedEntriesLocked returns every entry ordered by insertion. Caller holds
// the lock.
func (g *TaskGraph) sortedEntriesLocked() []*taskEntry {
	entries := make([]*taskEntry, 0, len(g.nodes))
	for _, entry := range g.nodes {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].insertion < entries[j].insertion
	})
	return entries
}

func sortEntries(entries []*taskEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].node.Priority != entries[j].node.Priority {
			return entries[i].node.Priority < entries[j].node.Priority
		}
		return entries[i].insertion < entries[j].insertion
	})
}

func copyNode(n TaskNode) TaskNode {
	out := n
	out.Dependencies = append([]string(nil), n.Dependencies...)
	if n.Params != nil {
		out.Params = make(map[string]any, len(n.Params))
		for k, v := range n.Params {
			out.Params[k] = v
		}
	}
	return out
}
