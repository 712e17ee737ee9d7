package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cadforge/cadforge/pkg/dag"
	"github.com/cadforge/cadforge/pkg/decision"
	"github.com/cadforge/cadforge/pkg/llm"
)

const generatorSystemPrompt = `You are a CAD script generation agent. For every task in the plan, write a
Python script that performs the task with the cadquery library.

Rules:
- Import only from: math, numpy, cadquery.
- Never use eval, exec, compile, __import__, open, or input.
- End every script with a sentinel comment naming its artifact:
  # RESULT: <artifact_name>

Respond with JSON only, no prose:
{"scripts": {"<task_id>": "<python source>", ...}}

Provide a script for every task id in the plan and no others.`

// GenerateInput is one generation call. Scripts carries the previous
// iteration's scripts during refinement; Feedback carries the validator's
// findings.
type GenerateInput struct {
	RequestID string
	SessionID string
	Prompt    string
	Graph     *dag.TaskGraph
	Scripts   map[string]string
	Feedback  string
	Iteration int
}

type generateResponse struct {
	Scripts map[string]string `json:"scripts"`
}

// Generator turns a task graph into per-task scripts that pass static
// validation.
type Generator struct {
	provider llm.Provider
	cache    *decision.Cache // may be nil
	checker  *ScriptChecker
	retry    RetryConfig
	logger   *slog.Logger
}

// NewGenerator creates a generator adapter. checker nil means a checker with
// the default allow-list.
func NewGenerator(provider llm.Provider, cache *decision.Cache, checker *ScriptChecker, retry RetryConfig, logger *slog.Logger) *Generator {
	if checker == nil {
		checker = NewScriptChecker(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		provider: provider,
		cache:    cache,
		checker:  checker,
		retry:    retry.withDefaults(),
		logger:   logger.With("agent", RoleGenerator),
	}
}

// Generate produces one script per task. Every script must pass the static
// checker; violations are fed back to the model. The exhausted failure
// surfaces as ErrGenerationFailed.
func (g *Generator) Generate(ctx context.Context, in GenerateInput) (map[string]string, error) {
	if in.Graph == nil || in.Graph.Len() == 0 {
		return nil, fmt.Errorf("%w: no task graph", ErrGenerationFailed)
	}

	cacheKey := decision.Key{
		SessionID:   in.SessionID,
		Role:        RoleGenerator,
		Prompt:      in.Prompt,
		StateDigest: graphDigest(in.Graph),
		Iteration:   in.Iteration,
		Context:     in.Feedback,
	}
	if g.cache != nil {
		if payload, ok := g.cache.Get(ctx, cacheKey); ok {
			var cached generateResponse
			if err := json.Unmarshal(payload, &cached); err == nil {
				if err := g.validateScripts(ctx, in.Graph, cached.Scripts); err == nil {
					return cached.Scripts, nil
				}
			}
		}
	}

	var lastErr error
	violation := ""
	for attempt := 0; attempt < g.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := g.retry.backoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		resp, err := g.provider.Complete(ctx, llm.Request{
			Messages:    g.messages(in, violation),
			Temperature: 0.1,
			MaxTokens:   8192,
		})
		recordCall(RoleGenerator, err)
		if err != nil {
			lastErr = err
			g.logger.Warn("Generator provider call failed",
				"request_id", in.RequestID, "attempt", attempt+1, "error", err)
			continue
		}

		var parsed generateResponse
		if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed); err != nil {
			lastErr = fmt.Errorf("invalid scripts JSON: %w", err)
			violation = lastErr.Error()
			continue
		}
		if err := g.validateScripts(ctx, in.Graph, parsed.Scripts); err != nil {
			lastErr = err
			violation = err.Error()
			g.logger.Warn("Generated scripts rejected",
				"request_id", in.RequestID, "attempt", attempt+1, "error", err)
			continue
		}

		if g.cache != nil {
			if payload, err := json.Marshal(parsed); err == nil {
				if err := g.cache.Put(ctx, cacheKey, payload); err != nil {
					g.logger.Warn("Failed to cache scripts", "error", err)
				}
			}
		}
		return parsed.Scripts, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrGenerationFailed, g.retry.MaxRetries, lastErr)
}

// validateScripts checks coverage (exactly the plan's task ids) and runs the
// static checker over every script.
func (g *Generator) validateScripts(ctx context.Context, graph *dag.TaskGraph, scripts map[string]string) error {
	var problems []string
	for _, task := range graph.Tasks() {
		if _, ok := scripts[task.ID]; !ok {
			problems = append(problems, fmt.Sprintf("no script for task %s", task.ID))
		}
	}
	for id, script := range scripts {
		if _, err := graph.Task(id); err != nil {
			problems = append(problems, fmt.Sprintf("script for unknown task %s", id))
			continue
		}
		if _, err := g.checker.Check(ctx, id, script); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func (g *Generator) messages(in GenerateInput, violation string) []llm.Message {
	plan, _ := json.Marshal(in.Graph.Tasks())

	var b strings.Builder
	fmt.Fprintf(&b, "Design request:\n%s\n\nPlan:\n%s", in.Prompt, plan)
	if len(in.Scripts) > 0 {
		current, _ := json.Marshal(in.Scripts)
		b.WriteString(feedbackSection("Current scripts to refine", string(current)))
	}
	if in.Feedback != "" {
		b.WriteString(feedbackSection("Validation feedback", in.Feedback))
	}
	if violation != "" {
		b.WriteString(feedbackSection("Your previous response was rejected", violation))
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: generatorSystemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

// graphDigest summarizes a graph for decision-cache keying: ids, operations,
// and dependencies in stable order.
func graphDigest(graph *dag.TaskGraph) string {
	tasks := graph.Tasks()
	parts := make([]string, len(tasks))
	for i, t := range tasks {
		deps := append([]string(nil), t.Dependencies...)
		sort.Strings(deps)
		parts[i] = fmt.Sprintf("%s:%s:[%s]", t.ID, t.Operation, strings.Join(deps, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// ArtifactName returns the artifact the script's RESULT sentinel declares,
// or "" when absent.
func ArtifactName(script string) string {
	if m := resultSentinelRe.FindStringSubmatch(script); m != nil {
		return m[1]
	}
	return ""
}
