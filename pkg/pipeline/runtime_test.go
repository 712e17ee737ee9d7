package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadforge/cadforge/pkg/agent"
	"github.com/cadforge/cadforge/pkg/dag"
	"github.com/cadforge/cadforge/pkg/events"
	"github.com/cadforge/cadforge/pkg/models"
	"github.com/cadforge/cadforge/pkg/queue"
	"github.com/cadforge/cadforge/pkg/sandbox"
	"github.com/cadforge/cadforge/pkg/state"
)

type scriptedPlanner struct {
	mu     sync.Mutex
	inputs []agent.PlanInput
	build  func(in agent.PlanInput) (*dag.TaskGraph, error)
}

func (p *scriptedPlanner) Plan(_ context.Context, in agent.PlanInput) (*dag.TaskGraph, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, in)
	p.mu.Unlock()
	if p.build != nil {
		return p.build(in)
	}
	g := dag.New(in.RequestID)
	if err := g.AddTask(dag.TaskNode{
		ID:        "t1",
		Operation: dag.OpCreatePrimitive,
		Params:    map[string]any{"kind": "box", "x": 10.0, "y": 10.0, "z": 10.0},
	}); err != nil {
		return nil, err
	}
	return g, nil
}

func (p *scriptedPlanner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inputs)
}

func (p *scriptedPlanner) input(i int) agent.PlanInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inputs[i]
}

type scriptedGenerator struct {
	mu     sync.Mutex
	inputs []agent.GenerateInput
	block  chan struct{} // when set, Generate waits for it or for ctx
}

func (g *scriptedGenerator) Generate(ctx context.Context, in agent.GenerateInput) (map[string]string, error) {
	g.mu.Lock()
	g.inputs = append(g.inputs, in)
	block := g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	scripts := make(map[string]string)
	for _, task := range in.Graph.Tasks() {
		scripts[task.ID] = "import cadquery\n# RESULT: " + strings.ReplaceAll(task.ID, "-", "_") + "\n"
	}
	return scripts, nil
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

func (g *scriptedGenerator) input(i int) agent.GenerateInput {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inputs[i]
}

type scriptedValidator struct {
	mu     sync.Mutex
	scores []float64
	inputs []agent.ValidateInput
}

func (v *scriptedValidator) Validate(_ context.Context, in agent.ValidateInput) (models.ValidationResult, error) {
	v.mu.Lock()
	v.inputs = append(v.inputs, in)
	idx := len(v.inputs) - 1
	if idx >= len(v.scores) {
		idx = len(v.scores) - 1
	}
	score := v.scores[idx]
	v.mu.Unlock()

	res := models.ValidationResult{
		Overall:      score,
		IsValid:      score >= DefaultPassThreshold,
		ShouldRefine: score >= DefaultRefineThreshold && score < DefaultPassThreshold,
	}
	if !res.IsValid {
		res.Issues = []string{"needs work"}
		res.Suggestions = []string{"adjust dimensions"}
	}
	return res, nil
}

func (v *scriptedValidator) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.inputs)
}

func (v *scriptedValidator) input(i int) agent.ValidateInput {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inputs[i]
}

func testConfig() Config {
	return Config{
		MaxIterations:    3,
		EnableRefinement: true,
		CommandTimeout:   5 * time.Second,
		TaskMaxAttempts:  1,
	}
}

func newTestRuntime(t *testing.T, p Planner, g Generator, v Validator,
	exec sandbox.ScriptExecutor, cfg Config, bus *events.Bus, cp *state.Checkpointer) *Runtime {
	t.Helper()
	var pool *queue.Pool
	if exec != nil {
		pool = queue.NewPool(queue.Config{Workers: 2}, nil, nil)
		pool.Start()
		t.Cleanup(pool.Stop)
	}
	return NewRuntime(p, g, v, exec, pool, bus, cp, cfg, nil)
}

func designRequest(maxIter int, execute bool) models.DesignRequest {
	return models.DesignRequest{
		ID:              "req-1",
		SessionID:       "sess-1",
		Prompt:          "Create a cube 10x10x10",
		MaxIterations:   maxIter,
		EnableExecution: execute,
		CreatedAt:       time.Now(),
	}
}

func historyNodes(st *models.PipelineState) []string {
	nodes := make([]string, 0, len(st.History))
	for _, rec := range st.History {
		nodes = append(nodes, rec.Node)
	}
	return nodes
}

func waitForCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRun_SingleTaskSuccess(t *testing.T) {
	planner := &scriptedPlanner{}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.95}}
	rt := newTestRuntime(t, planner, gen, val, sandbox.NewStubExecutor(), testConfig(), nil, nil)

	final := rt.NewRun(designRequest(3, true)).Execute(context.Background())

	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Iteration)
	assert.Empty(t, final.Reason)
	assert.Equal(t, []string{"planning", "generating", "executing", "validating"},
		historyNodes(final))
	assert.Len(t, final.Artifacts, 1)
	require.NotNil(t, final.LastValidation)
	assert.InDelta(t, 0.95, final.LastValidation.Overall, 1e-9)
}

func TestRun_RefineThenPass(t *testing.T) {
	planner := &scriptedPlanner{}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.60, 0.88}}
	rt := newTestRuntime(t, planner, gen, val, sandbox.NewStubExecutor(), testConfig(), nil, nil)

	final := rt.NewRun(designRequest(3, true)).Execute(context.Background())

	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Iteration)
	assert.Equal(t, 1, planner.calls(), "a refinement never replans")
	assert.Equal(t, 2, gen.calls())

	generating := 0
	for _, node := range historyNodes(final) {
		if node == "generating" {
			generating++
		}
	}
	assert.Equal(t, 2, generating)

	// The second generation sees the feedback and the scripts it must refine.
	second := gen.input(1)
	assert.Contains(t, second.Feedback, "needs work")
	assert.NotEmpty(t, second.Scripts)
}

func TestRun_ReplanAfterLowScore(t *testing.T) {
	planner := &scriptedPlanner{}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.30, 0.90}}
	rt := newTestRuntime(t, planner, gen, val, sandbox.NewStubExecutor(), testConfig(), nil, nil)

	final := rt.NewRun(designRequest(3, true)).Execute(context.Background())

	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Iteration)
	assert.Equal(t, 2, planner.calls())
	assert.Contains(t, planner.input(1).Feedback, "needs work")

	// A replan starts the cycle from scratch: no stale scripts carry over.
	assert.Empty(t, gen.input(1).Scripts)
}

func TestRun_BudgetExhaustion(t *testing.T) {
	planner := &scriptedPlanner{}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.55}}
	rt := newTestRuntime(t, planner, gen, val, sandbox.NewStubExecutor(), testConfig(), nil, nil)

	final := rt.NewRun(designRequest(2, true)).Execute(context.Background())

	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, models.ReasonBudgetExceeded, final.Reason)
	assert.Equal(t, 2, final.Iteration)
	assert.Equal(t, 2, val.calls())
	assert.Equal(t, 1, planner.calls())
}

func TestRun_SingleIterationBudgetFailsWithoutRefining(t *testing.T) {
	planner := &scriptedPlanner{}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.55}}
	rt := newTestRuntime(t, planner, gen, val, sandbox.NewStubExecutor(), testConfig(), nil, nil)

	final := rt.NewRun(designRequest(1, true)).Execute(context.Background())

	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, models.ReasonBudgetExceeded, final.Reason)
	assert.Equal(t, 1, final.Iteration)
	assert.NotContains(t, historyNodes(final), "refining")
}

type recordingExecutor struct {
	mu    sync.Mutex
	start map[string]time.Time
	end   map[string]time.Time
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		start: make(map[string]time.Time),
		end:   make(map[string]time.Time),
	}
}

func (e *recordingExecutor) Execute(_ context.Context, scripts map[string]string, _ string, _ time.Duration) (*models.ExecutionReport, error) {
	var id string
	for k := range scripts {
		id = k
	}
	e.mu.Lock()
	e.start[id] = time.Now()
	e.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	e.mu.Lock()
	e.end[id] = time.Now()
	e.mu.Unlock()
	return &models.ExecutionReport{
		Success:    true,
		IsManifold: true,
		Artifacts:  []models.Artifact{{ID: id + "-art", Name: id, Kind: "solid"}},
	}, nil
}

func TestRun_DependencyOrdering(t *testing.T) {
	planner := &scriptedPlanner{build: func(in agent.PlanInput) (*dag.TaskGraph, error) {
		g := dag.New(in.RequestID)
		for _, id := range []string{"t1", "t2", "t3"} {
			op := dag.OpCreatePrimitive
			if id == "t3" {
				op = dag.OpBooleanOp
			}
			if err := g.AddTask(dag.TaskNode{ID: id, Operation: op}); err != nil {
				return nil, err
			}
		}
		if err := g.AddDependency("t1", "t3"); err != nil {
			return nil, err
		}
		if err := g.AddDependency("t2", "t3"); err != nil {
			return nil, err
		}
		return g, nil
	}}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.95}}
	exec := newRecordingExecutor()
	rt := newTestRuntime(t, planner, gen, val, exec, testConfig(), nil, nil)

	final := rt.NewRun(designRequest(3, true)).Execute(context.Background())
	require.Equal(t, models.StatusCompleted, final.Status)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Contains(t, exec.start, "t3")
	assert.True(t, exec.start["t3"].After(exec.end["t1"]),
		"t3 must start after t1 finished")
	assert.True(t, exec.start["t3"].After(exec.end["t2"]),
		"t3 must start after t2 finished")
}

func TestRun_CancelBeforeExecuting(t *testing.T) {
	planner := &scriptedPlanner{}
	gen := &scriptedGenerator{block: make(chan struct{})}
	val := &scriptedValidator{scores: []float64{0.95}}
	rt := newTestRuntime(t, planner, gen, val, sandbox.NewStubExecutor(), testConfig(), nil, nil)

	run := rt.NewRun(designRequest(3, true))
	go run.Execute(context.Background())

	waitForCond(t, func() bool {
		return run.State().Status == models.StatusGenerating
	}, "pipeline never reached Generating")
	run.Cancel()
	<-run.Done()

	final := run.State()
	assert.Equal(t, models.StatusCancelled, final.Status)
	assert.Equal(t, models.ReasonCancelled, final.Reason)
	nodes := historyNodes(final)
	assert.NotContains(t, nodes, "executing")
	assert.NotContains(t, nodes, "validating")
}

func TestRun_ExecutionDisabled(t *testing.T) {
	planner := &scriptedPlanner{}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.90}}
	rt := newTestRuntime(t, planner, gen, val, nil, testConfig(), nil, nil)

	final := rt.NewRun(designRequest(3, false)).Execute(context.Background())

	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, []string{"planning", "generating", "validating"}, historyNodes(final))
	assert.Nil(t, val.input(0).Report, "no execution report without execution")
	assert.Empty(t, final.Artifacts)
}

func TestRun_PlannerFailureTerminates(t *testing.T) {
	planner := &scriptedPlanner{build: func(agent.PlanInput) (*dag.TaskGraph, error) {
		return nil, errors.New("provider exhausted")
	}}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.9}}
	rt := newTestRuntime(t, planner, gen, val, nil, testConfig(), nil, nil)

	final := rt.NewRun(designRequest(3, false)).Execute(context.Background())

	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, models.ReasonPlanningFailed, final.Reason)
	require.Len(t, final.History, 1)
	assert.Contains(t, final.History[0].Error, "provider exhausted")
	assert.NotEmpty(t, final.Errors)
	assert.Zero(t, gen.calls())
}

func TestRun_ExecutionFailureFeedsValidation(t *testing.T) {
	planner := &scriptedPlanner{}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.10}}
	failing := executorFunc(func(context.Context, map[string]string, string, time.Duration) (*models.ExecutionReport, error) {
		return nil, errors.New("sandbox down")
	})
	rt := newTestRuntime(t, planner, gen, val, failing, testConfig(), nil, nil)

	final := rt.NewRun(designRequest(3, true)).Execute(context.Background())

	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, models.ReasonScoreBelowFloor, final.Reason)
	require.Equal(t, 1, val.calls())
	report := val.input(0).Report
	require.NotNil(t, report)
	assert.False(t, report.Success)
	assert.NotEmpty(t, report.Errors)
}

type executorFunc func(context.Context, map[string]string, string, time.Duration) (*models.ExecutionReport, error)

func (f executorFunc) Execute(ctx context.Context, scripts map[string]string, requestID string, timeout time.Duration) (*models.ExecutionReport, error) {
	return f(ctx, scripts, requestID, timeout)
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	bus := events.NewBus(128)
	t.Cleanup(bus.Close)
	session := bus.Subscribe(events.TopicSession("sess-1"))
	global := bus.Subscribe(events.TopicGlobal)

	planner := &scriptedPlanner{}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.60, 0.90}}
	rt := newTestRuntime(t, planner, gen, val, nil, testConfig(), bus, nil)

	final := rt.NewRun(designRequest(3, false)).Execute(context.Background())
	require.Equal(t, models.StatusCompleted, final.Status)

	kinds := make(map[events.Kind]int)
drain:
	for {
		select {
		case ev := <-session.Events():
			kinds[ev.EventKind()]++
		default:
			break drain
		}
	}
	assert.NotZero(t, kinds[events.KindNodeEntered])
	assert.NotZero(t, kinds[events.KindNodeExited])
	assert.Equal(t, 2, kinds[events.KindValidationScored])
	assert.Equal(t, 1, kinds[events.KindRefinementRequested])
	assert.Equal(t, 1, kinds[events.KindPipelineTerminal])

	select {
	case ev := <-global.Events():
		terminal, ok := ev.(events.PipelineTerminalPayload)
		require.True(t, ok)
		assert.Equal(t, models.StatusCompleted, terminal.Status)
	default:
		t.Fatal("no terminal event on the global topic")
	}
}

func TestRun_CheckpointsOnTerminal(t *testing.T) {
	cache := state.NewCache(state.NewMemoryStore())
	cp := state.NewCheckpointer(cache, nil, 0, 8, nil)
	cp.Start()
	t.Cleanup(cp.Stop)

	planner := &scriptedPlanner{}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.95}}
	rt := newTestRuntime(t, planner, gen, val, sandbox.NewStubExecutor(), testConfig(), nil, cp)

	final := rt.NewRun(designRequest(3, true)).Execute(context.Background())
	require.Equal(t, models.StatusCompleted, final.Status)

	ctx := context.Background()
	waitForCond(t, func() bool {
		_, err := cache.Latest(ctx, "sess-1")
		return err == nil
	}, "no checkpoint landed")

	rec, err := cache.Latest(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Snapshot.Status)
	assert.Equal(t, "solid", rec.Snapshot.Objects["t1"])
}

func TestRun_CheckpointsEachLayer(t *testing.T) {
	cache := state.NewCache(state.NewMemoryStore())
	cp := state.NewCheckpointer(cache, nil, 0, 8, nil)
	cp.Start()
	t.Cleanup(cp.Stop)

	planner := &scriptedPlanner{build: func(in agent.PlanInput) (*dag.TaskGraph, error) {
		g := dag.New(in.RequestID)
		if err := g.AddTask(dag.TaskNode{ID: "t1", Operation: dag.OpCreatePrimitive}); err != nil {
			return nil, err
		}
		return g, g.AddTask(dag.TaskNode{
			ID: "t2", Operation: dag.OpFilletChamfer, Dependencies: []string{"t1"},
		})
	}}
	gen := &scriptedGenerator{}
	val := &scriptedValidator{scores: []float64{0.95}}
	rt := newTestRuntime(t, planner, gen, val, sandbox.NewStubExecutor(), testConfig(), nil, cp)

	final := rt.NewRun(designRequest(3, true)).Execute(context.Background())
	require.Equal(t, models.StatusCompleted, final.Status)

	ctx := context.Background()
	layerKeys := func() []string {
		keys, err := cache.History(ctx, "sess-1")
		if err != nil {
			return nil
		}
		var out []string
		for _, key := range keys {
			if strings.Contains(key, ":layer_") {
				out = append(out, key)
			}
		}
		return out
	}
	waitForCond(t, func() bool { return len(layerKeys()) == 2 },
		"layer checkpoints never landed")

	// History is newest first.
	keys := layerKeys()
	assert.Contains(t, keys[0], ":layer_1:")
	assert.Contains(t, keys[1], ":layer_0:")

	rec, err := cache.Load(ctx, keys[1])
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuting, rec.Snapshot.Status)
	assert.Equal(t, "solid", rec.Snapshot.Objects["t1"],
		"the first layer's artifact is already in the snapshot")
}
