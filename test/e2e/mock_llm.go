package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cadforge/cadforge/pkg/llm"
)

// mockLLM scripts the three agent roles by inspecting the system prompt of
// each completion call. Per-role response lists replay in order; the last
// entry repeats once exhausted.
type mockLLM struct {
	mu      sync.Mutex
	plans   []string
	scripts []string
	reviews []string

	planCalls   int
	scriptCalls int
	reviewCalls int

	planErr error // returned for every planner call when set

	// generatorGate, when non-nil, blocks script calls until a token arrives
	// or the call's context is cancelled. The call is counted before it
	// blocks so tests can synchronize on it.
	generatorGate chan struct{}
}

func (m *mockLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if len(req.Messages) == 0 {
		return llm.Response{}, fmt.Errorf("mock: no messages")
	}
	system := req.Messages[0].Content

	m.mu.Lock()
	var text string
	var gate chan struct{}
	var err error
	switch {
	case strings.Contains(system, "planning agent"):
		if m.planErr != nil {
			err = m.planErr
		} else {
			text = replay(m.plans, m.planCalls)
		}
		m.planCalls++
	case strings.Contains(system, "script generation agent"):
		text = replay(m.scripts, m.scriptCalls)
		m.scriptCalls++
		gate = m.generatorGate
	case strings.Contains(system, "validation agent"):
		text = replay(m.reviews, m.reviewCalls)
		m.reviewCalls++
	default:
		err = fmt.Errorf("mock: unrecognized system prompt")
	}
	m.mu.Unlock()

	if err != nil {
		return llm.Response{}, err
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	return llm.Response{
		Text:  text,
		Usage: llm.Usage{InputTokens: 100, OutputTokens: len(text) / 4},
	}, nil
}

func (m *mockLLM) calls() (plans, scripts, reviews int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.planCalls, m.scriptCalls, m.reviewCalls
}

func replay(list []string, call int) string {
	if len(list) == 0 {
		return ""
	}
	if call >= len(list) {
		call = len(list) - 1
	}
	return list[call]
}

func planPayload(complexity float64, tasks ...map[string]any) string {
	b, err := json.Marshal(map[string]any{"complexity": complexity, "tasks": tasks})
	if err != nil {
		panic(err)
	}
	return string(b)
}

func scriptsPayload(scripts map[string]string) string {
	b, err := json.Marshal(map[string]any{"scripts": scripts})
	if err != nil {
		panic(err)
	}
	return string(b)
}

func reviewPayload(score float64, issues ...string) string {
	resp := map[string]any{"score": score}
	if len(issues) > 0 {
		resp["issues"] = issues
		resp["suggestions"] = []string{"adjust the model per the issues"}
	}
	b, err := json.Marshal(resp)
	if err != nil {
		panic(err)
	}
	return string(b)
}
