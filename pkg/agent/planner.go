package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cadforge/cadforge/pkg/dag"
	"github.com/cadforge/cadforge/pkg/decision"
	"github.com/cadforge/cadforge/pkg/llm"
)

const plannerSystemPrompt = `You are a CAD planning agent. Decompose the user's design request into a
dependency graph of CAD operations.

Allowed operations: create_primitive, boolean_op, transform, pattern,
fillet_chamfer, extrude_revolve, sketch_create, sketch_constrain.

Respond with JSON only, no prose:
{
  "complexity": <float 0..1>,
  "tasks": [
    {
      "id": "<unique id>",
      "operation": "<operation>",
      "description": "<short description>",
      "params": {"<key>": <scalar or task id>},
      "dependencies": ["<task id>", ...]
    }
  ]
}

The graph must be acyclic and every dependency must name a listed task.`

// PlanInput is one planning call. Feedback is set on replans; StateSummary
// describes the session's current objects so plans build on existing work.
type PlanInput struct {
	RequestID    string
	SessionID    string
	Prompt       string
	Feedback     string
	StateSummary string
	Iteration    int
}

type planResponse struct {
	Complexity float64    `json:"complexity"`
	Tasks      []planTask `json:"tasks"`
}

type planTask struct {
	ID           string         `json:"id"`
	Operation    string         `json:"operation"`
	Description  string         `json:"description,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Priority     int            `json:"priority,omitempty"`
}

// Planner turns a design request into a validated task graph.
type Planner struct {
	provider llm.Provider
	cache    *decision.Cache // may be nil
	retry    RetryConfig
	logger   *slog.Logger
}

// NewPlanner creates a planner adapter. cache may be nil to disable decision
// memoization.
func NewPlanner(provider llm.Provider, cache *decision.Cache, retry RetryConfig, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		provider: provider,
		cache:    cache,
		retry:    retry.withDefaults(),
		logger:   logger.With("agent", RolePlanner),
	}
}

// Plan produces an acyclic task graph for the request. Structural failures
// (bad JSON, unknown operations, cycles) are retried with feedback; the
// exhausted failure surfaces as ErrPlanningFailed.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (*dag.TaskGraph, error) {
	cacheKey := decision.Key{
		SessionID:   in.SessionID,
		Role:        RolePlanner,
		Prompt:      in.Prompt,
		StateDigest: in.StateSummary,
		Iteration:   in.Iteration,
		Context:     in.Feedback,
	}
	if p.cache != nil {
		if payload, ok := p.cache.Get(ctx, cacheKey); ok {
			var cached planResponse
			if err := json.Unmarshal(payload, &cached); err == nil {
				if graph, err := buildGraph(in.RequestID, cached); err == nil {
					p.logger.Debug("Plan served from decision cache",
						"request_id", in.RequestID, "tasks", graph.Len())
					return graph, nil
				}
			}
		}
	}

	var lastErr error
	violation := ""
	for attempt := 0; attempt < p.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := p.retry.backoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		resp, err := p.provider.Complete(ctx, llm.Request{
			Messages:    p.messages(in, violation),
			Temperature: 0.2,
			MaxTokens:   4096,
		})
		recordCall(RolePlanner, err)
		if err != nil {
			lastErr = err
			p.logger.Warn("Planner provider call failed",
				"request_id", in.RequestID, "attempt", attempt+1, "error", err)
			continue
		}

		var parsed planResponse
		if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed); err != nil {
			lastErr = fmt.Errorf("invalid plan JSON: %w", err)
			violation = lastErr.Error()
			continue
		}
		graph, err := buildGraph(in.RequestID, parsed)
		if err != nil {
			lastErr = err
			violation = err.Error()
			p.logger.Warn("Planner produced invalid graph",
				"request_id", in.RequestID, "attempt", attempt+1, "error", err)
			continue
		}

		if p.cache != nil {
			if payload, err := json.Marshal(parsed); err == nil {
				if err := p.cache.Put(ctx, cacheKey, payload); err != nil {
					p.logger.Warn("Failed to cache plan", "error", err)
				}
			}
		}
		return graph, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrPlanningFailed, p.retry.MaxRetries, lastErr)
}

func (p *Planner) messages(in PlanInput, violation string) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Design request:\n%s", in.Prompt)
	if in.StateSummary != "" {
		b.WriteString(feedbackSection("Current session state", in.StateSummary))
	}
	if in.Feedback != "" {
		b.WriteString(feedbackSection("Validation feedback from the previous plan", in.Feedback))
	}
	if violation != "" {
		b.WriteString(feedbackSection("Your previous response was rejected", violation))
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: plannerSystemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

// buildGraph materializes and validates the response as a TaskGraph. Tasks
// are inserted first, then edges, so forward references work and cycle
// detection covers the whole graph.
func buildGraph(requestID string, resp planResponse) (*dag.TaskGraph, error) {
	if len(resp.Tasks) == 0 {
		return nil, fmt.Errorf("plan contains no tasks")
	}
	graph := dag.New(requestID)
	graph.Complexity = resp.Complexity

	for _, t := range resp.Tasks {
		err := graph.AddTask(dag.TaskNode{
			ID:          t.ID,
			Operation:   dag.Operation(t.Operation),
			Description: t.Description,
			Params:      t.Params,
			Priority:    t.Priority,
		})
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	for _, t := range resp.Tasks {
		for _, dep := range t.Dependencies {
			if err := graph.AddDependency(dep, t.ID); err != nil {
				return nil, err
			}
		}
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	return graph, nil
}
