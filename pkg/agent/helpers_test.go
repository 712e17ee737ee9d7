package agent

import (
	"context"
	"sync"
	"time"

	"github.com/cadforge/cadforge/pkg/llm"
)

// mockProvider replays scripted responses in order. Once the script is
// exhausted, the last response repeats.
type mockProvider struct {
	mu        sync.Mutex
	responses []mockResponse
	requests  []llm.Request
}

type mockResponse struct {
	text string
	err  error
}

func (m *mockProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	idx := len(m.requests) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	r := m.responses[idx]
	if r.err != nil {
		return llm.Response{}, r.err
	}
	return llm.Response{Text: r.text, FinishReason: "stop"}, nil
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockProvider) lastRequest() llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// fastRetry keeps adapter retry loops fast in tests.
var fastRetry = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
}

const validScript = `import cadquery
result = cadquery.Workplane("XY").box(10, 10, 10)
# RESULT: box
`
