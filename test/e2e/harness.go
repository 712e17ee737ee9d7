package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/cadforge/cadforge/pkg/agent"
	"github.com/cadforge/cadforge/pkg/config"
	"github.com/cadforge/cadforge/pkg/decision"
	"github.com/cadforge/cadforge/pkg/events"
	"github.com/cadforge/cadforge/pkg/orchestrator"
	"github.com/cadforge/cadforge/pkg/pipeline"
	"github.com/cadforge/cadforge/pkg/queue"
	"github.com/cadforge/cadforge/pkg/sandbox"
	"github.com/cadforge/cadforge/pkg/session"
	"github.com/cadforge/cadforge/pkg/state"
)

// stack is a fully wired orchestrator over a memory store and a mocked LLM
// provider. Everything else (agents, queue, bus, checkpointer, decision
// cache) is the real thing.
type stack struct {
	orch        *orchestrator.Orchestrator
	bus         *events.Bus
	checkpoints *state.Cache
	decisions   *decision.Cache
}

func newStack(t *testing.T, mock *mockLLM, mutate func(*config.Config)) *stack {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Queue.CommandTimeout = config.Duration(5 * time.Second)
	cfg.Queue.CommandMaxAttempts = 1
	cfg.State.CheckpointInterval = config.Duration(time.Hour) // only explicit checkpoints
	if mutate != nil {
		mutate(cfg)
	}

	store := state.NewMemoryStore()
	bus := events.NewBus(cfg.Events.SubscriberBacklog)
	cache := state.NewCache(store, state.WithRetention(cfg.State.CheckpointRetention))
	checkpointer := state.NewCheckpointer(cache, bus,
		cfg.State.CheckpointInterval.Std(), state.DefaultQueueSize, nil)
	decisions := decision.NewCache(store, cfg.State.DecisionCacheTTL.Std(), nil)

	pool := queue.NewPool(queue.Config{
		Workers:            cfg.Queue.WorkerConcurrency,
		DefaultTimeout:     cfg.Queue.CommandTimeout.Std(),
		DefaultMaxAttempts: cfg.Queue.CommandMaxAttempts,
	}, bus, nil)

	retry := agent.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
	planner := agent.NewPlanner(mock, decisions, retry, nil)
	generator := agent.NewGenerator(mock, decisions, agent.NewScriptChecker(nil), retry, nil)
	validator := agent.NewValidator(mock, decisions, retry, nil)

	runtime := pipeline.NewRuntime(planner, generator, validator,
		sandbox.NewStubExecutor(), pool, bus, checkpointer, pipeline.Config{
			MaxIterations: cfg.Pipeline.MaxIterations,
			Thresholds: pipeline.Thresholds{
				Pass:   cfg.Pipeline.PassThreshold,
				Refine: cfg.Pipeline.RefineThreshold,
				Replan: cfg.Pipeline.ReplanThreshold,
			},
			EnableRefinement: cfg.Pipeline.RefinementEnabled(),
			CommandTimeout:   cfg.Queue.CommandTimeout.Std(),
			TaskMaxAttempts:  cfg.Queue.CommandMaxAttempts,
		}, nil)

	sessions := session.NewManager(
		cfg.Orchestrator.SessionIdleTimeout.Std(),
		cfg.Orchestrator.CleanupInterval.Std(),
		cache, decisions, nil)

	orch := orchestrator.New(orchestrator.Deps{
		Runtime:      runtime,
		Sessions:     sessions,
		Pool:         pool,
		Bus:          bus,
		Checkpointer: checkpointer,
	}, cfg.Orchestrator.MaxConcurrentRequests, cfg.Pipeline.ExecutionEnabled(), nil)
	orch.Start(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Stop(ctx)
		bus.Close()
	})

	return &stack{
		orch:        orch,
		bus:         bus,
		checkpoints: cache,
		decisions:   decisions,
	}
}

// drainKinds empties a subscription without blocking and counts the event
// kinds seen so far.
func drainKinds(sub *events.Subscription) map[events.Kind]int {
	kinds := make(map[events.Kind]int)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return kinds
			}
			kinds[ev.EventKind()]++
		default:
			return kinds
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

// cubePlan is a two-task graph: a primitive cube and a fillet that depends
// on it.
func cubePlan() string {
	return planPayload(0.3,
		map[string]any{
			"id":          "base",
			"operation":   "create_primitive",
			"description": "cube body",
			"params":      map[string]any{"shape": "box", "size": 10},
		},
		map[string]any{
			"id":           "round",
			"operation":    "fillet_chamfer",
			"description":  "round the vertical edges",
			"params":       map[string]any{"radius": 1, "target": "base"},
			"dependencies": []string{"base"},
		},
	)
}

func cubeScripts() string {
	return scriptsPayload(map[string]string{
		"base":  "import cadquery as cq\n\nresult = cq.Workplane(\"XY\").box(10, 10, 10)\n# RESULT: body\n",
		"round": "import cadquery as cq\n\nresult = result.edges(\"|Z\").fillet(1)\n# RESULT: body\n",
	})
}
