package dag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildGraph(t *testing.T, ids ...string) *TaskGraph {
	t.Helper()
	g := New("req-1")
	for _, id := range ids {
		require.NoError(t, g.AddTask(TaskNode{ID: id, Operation: OpCreatePrimitive}))
	}
	return g
}

func TestAddTask(t *testing.T) {
	g := New("req-1")

	require.NoError(t, g.AddTask(TaskNode{ID: "t1", Operation: OpCreatePrimitive}))

	err := g.AddTask(TaskNode{ID: "t1", Operation: OpBooleanOp})
	assert.True(t, errors.Is(err, ErrTaskExists))

	err = g.AddTask(TaskNode{ID: "t2", Operation: "drill_hole"})
	assert.True(t, errors.Is(err, ErrBadOperation))

	err = g.AddTask(TaskNode{ID: "t3", Operation: OpTransform, Dependencies: []string{"ghost"}})
	assert.True(t, errors.Is(err, ErrTaskNotFound))

	// Status on insert is always pending, whatever the caller set.
	require.NoError(t, g.AddTask(TaskNode{ID: "t4", Operation: OpPattern, Status: StatusRunning}))
	task, err := g.Task("t4")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
}

func TestTasks_InsertionOrder(t *testing.T) {
	g := New("req-1")
	// Priorities must not reorder Tasks; only insertion order counts.
	require.NoError(t, g.AddTask(TaskNode{ID: "c", Operation: OpCreatePrimitive, Priority: 2}))
	require.NoError(t, g.AddTask(TaskNode{ID: "a", Operation: OpBooleanOp, Priority: 0}))
	require.NoError(t, g.AddTask(TaskNode{ID: "b", Operation: OpTransform, Priority: 1}))

	ids := make([]string, 0, g.Len())
	for _, task := range g.Tasks() {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestAddDependency(t *testing.T) {
	g := buildGraph(t, "t1", "t2", "t3")

	require.NoError(t, g.AddDependency("t1", "t3"))
	require.NoError(t, g.AddDependency("t2", "t3"))
	require.NoError(t, g.AddDependency("t1", "t3"), "duplicate edges are idempotent")

	err := g.AddDependency("t1", "ghost")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
	err = g.AddDependency("ghost", "t1")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestAddDependency_RejectsCycle(t *testing.T) {
	g := buildGraph(t, "t1", "t2", "t3")
	require.NoError(t, g.AddDependency("t1", "t2"))
	require.NoError(t, g.AddDependency("t2", "t3"))

	err := g.AddDependency("t3", "t1")
	assert.True(t, errors.Is(err, ErrCycle))

	err = g.AddDependency("t1", "t1")
	assert.True(t, errors.Is(err, ErrCycle), "self-loops are cycles")

	// The rejected edge left no trace.
	require.NoError(t, g.Validate())
	levels, err := g.TopologicalLevels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"t1"}, {"t2"}, {"t3"}}, levels)
}

func TestTopologicalLevels_Diamond(t *testing.T) {
	g := buildGraph(t, "root", "left", "right", "join")
	require.NoError(t, g.AddDependency("root", "left"))
	require.NoError(t, g.AddDependency("root", "right"))
	require.NoError(t, g.AddDependency("left", "join"))
	require.NoError(t, g.AddDependency("right", "join"))

	levels, err := g.TopologicalLevels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"root"}, {"left", "right"}, {"join"}}, levels)
}

func TestTopologicalLevels_PriorityOrdersWithinLayer(t *testing.T) {
	g := New("req-1")
	require.NoError(t, g.AddTask(TaskNode{ID: "low", Operation: OpCreatePrimitive, Priority: 3}))
	require.NoError(t, g.AddTask(TaskNode{ID: "high", Operation: OpCreatePrimitive, Priority: 0}))
	require.NoError(t, g.AddTask(TaskNode{ID: "mid", Operation: OpCreatePrimitive, Priority: 1}))

	levels, err := g.TopologicalLevels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"high", "mid", "low"}}, levels)
}

func TestTopologicalLevels_TieBreakByInsertionOrder(t *testing.T) {
	g := buildGraph(t, "b", "a", "c")

	levels, err := g.TopologicalLevels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"b", "a", "c"}}, levels)
}

func TestReadyTasks(t *testing.T) {
	g := buildGraph(t, "t1", "t2", "t3")
	require.NoError(t, g.AddDependency("t1", "t3"))
	require.NoError(t, g.AddDependency("t2", "t3"))

	ready := g.ReadyTasks()
	require.Len(t, ready, 2)
	assert.Equal(t, "t1", ready[0].ID)
	assert.Equal(t, "t2", ready[1].ID)

	// Completing only one dependency keeps t3 off the frontier.
	require.NoError(t, g.Mark("t1", StatusReady, ""))
	require.NoError(t, g.Mark("t1", StatusRunning, ""))
	require.NoError(t, g.Mark("t1", StatusCompleted, "art-1"))

	ready = g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "t2", ready[0].ID)

	require.NoError(t, g.Mark("t2", StatusReady, ""))
	require.NoError(t, g.Mark("t2", StatusRunning, ""))
	require.NoError(t, g.Mark("t2", StatusCompleted, "art-2"))

	ready = g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "t3", ready[0].ID)
}

func TestMark_LifecycleEnforced(t *testing.T) {
	g := buildGraph(t, "t1")

	err := g.Mark("t1", StatusRunning, "")
	assert.True(t, errors.Is(err, ErrBadTransition), "pending cannot jump to running")

	require.NoError(t, g.Mark("t1", StatusReady, ""))
	require.NoError(t, g.Mark("t1", StatusRunning, ""))
	require.NoError(t, g.Mark("t1", StatusFailed, ""))

	// A failed task retries by resetting to pending.
	require.NoError(t, g.Mark("t1", StatusPending, ""))
	require.NoError(t, g.Mark("t1", StatusReady, ""))
	require.NoError(t, g.Mark("t1", StatusRunning, ""))
	require.NoError(t, g.Mark("t1", StatusCompleted, "art-1"))

	// Completed is absorbing.
	err = g.Mark("t1", StatusPending, "")
	assert.True(t, errors.Is(err, ErrBadTransition))

	err = g.Mark("ghost", StatusReady, "")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestMark_RecordsResult(t *testing.T) {
	g := buildGraph(t, "t1")
	require.NoError(t, g.Mark("t1", StatusReady, ""))
	require.NoError(t, g.Mark("t1", StatusRunning, ""))
	require.NoError(t, g.Mark("t1", StatusCompleted, "artifact-42"))

	task, err := g.Task("t1")
	require.NoError(t, err)
	assert.Equal(t, "artifact-42", task.Result)
}

func TestTerminatedAndCompleted(t *testing.T) {
	g := buildGraph(t, "t1", "t2")
	assert.False(t, g.Terminated())
	assert.False(t, g.Completed())

	require.NoError(t, g.Mark("t1", StatusReady, ""))
	require.NoError(t, g.Mark("t1", StatusRunning, ""))
	require.NoError(t, g.Mark("t1", StatusCompleted, ""))
	require.NoError(t, g.Mark("t2", StatusCancelled, ""))

	assert.True(t, g.Terminated())
	assert.False(t, g.Completed(), "a cancelled task is terminal but not a success")
}

func TestTaskReturnsCopy(t *testing.T) {
	g := New("req-1")
	require.NoError(t, g.AddTask(TaskNode{
		ID:        "t1",
		Operation: OpCreatePrimitive,
		Params:    map[string]any{"kind": "box"},
	}))

	task, err := g.Task("t1")
	require.NoError(t, err)
	task.Params["kind"] = "sphere"
	task.Dependencies = append(task.Dependencies, "junk")

	again, err := g.Task("t1")
	require.NoError(t, err)
	assert.Equal(t, "box", again.Params["kind"])
	assert.Empty(t, again.Dependencies)
}

func TestValidate_EmptyGraph(t *testing.T) {
	g := New("req-1")
	assert.Error(t, g.Validate())
}
